package sync

import (
	"errors"
	"time"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/state"
)

// ResultStepLimit flags the developer journal-step-limit harness exit
const ResultStepLimit Result = 0x100

// stateOK checks the sticky journal error between phases
func (e *boxSync) stateOK() bool {
	err := e.st.Err()
	if err == nil {
		return true
	}
	if errors.Is(err, state.ErrStepLimit) {
		e.res |= ResultStepLimit
	} else {
		e.fail(err)
	}
	return false
}

// propagateFlags dispatches all planned flag updates and journals the
// agreed flag states and expiration transitions.
func (e *boxSync) propagateFlags() bool {
	xt := e.chconf.ExpireSideIdx
	for _, rec := range e.st.Records {
		if rec.Status&state.SDead != 0 {
			continue
		}
		for t := 0; t < 2; t++ {
			if rec.UID[t] == 0 || rec.Status&state.SGone(t) != 0 {
				continue
			}
			aflags, dflags := rec.AFlags[t], rec.DFlags[t]
			if rec.Status&(state.SDelete|state.SPurge) != 0 {
				if aflags == 0 {
					// This deletion propagation goes the other way round,
					// or this deletion of a dummy happens on the other side.
					continue
				}
			} else if t == xt && expireTransition(rec.Status) {
				// The action derives from the wanted state, so canceled
				// transactions are rolled back as well.
				if rec.Status&state.SNExpire != 0 {
					aflags |= driver.FlagDeleted
				} else {
					dflags |= driver.FlagDeleted
				}
			}
			msg := e.msgOf[t][rec]
			var msgFlags driver.Flags
			if msg != nil {
				msgFlags = msg.Flags
			}
			if e.ops[t]&config.OpExpunge != 0 &&
				(msgFlags|aflags)&^dflags&driver.FlagDeleted != 0 &&
				(e.chconf.Stores[t].Trash == "" || e.chconf.Stores[t].TrashOnlyNew) {
				// The message is going to be expunged; don't propagate
				// anything but the deletion.
				rec.AFlags[t] &= driver.FlagDeleted
				aflags &= driver.FlagDeleted
				rec.DFlags[t] = 0
				dflags = 0
			}
			if msg != nil && msg.Status&driver.MsgHasFlags != 0 {
				// Optimize away non-changes.
				aflags &^= msg.Flags
				dflags &= msg.Flags
			}
			if aflags|dflags != 0 {
				err := e.store[t].SetMsgFlags(e.ctx, msg, rec.UID[t], aflags, dflags)
				if err != nil {
					if driver.IsMsgBad(err) {
						if msg == nil || msg.Status&driver.MsgDead == 0 {
							e.log.Error().Err(err).Msgf("Cannot update flags of message %d on %s",
								rec.UID[t], config.SideName(t))
							e.res |= ResultFail
						}
						continue
					}
					e.failSide(t, err)
					return false
				}
				if aflags&driver.FlagDeleted != 0 {
					rec.Status |= state.SDel(t)
				} else if dflags&driver.FlagDeleted != 0 {
					rec.Status &^= state.SDel(t)
				}
			}
			e.flagsSet(rec, t)
			if !e.stateOK() || e.canceled() {
				return false
			}
		}
	}
	return true
}

// flagsSet journals the outcome of a flag update: purge completion, the
// new agreed flag set, and expiration transaction commits or cancels.
func (e *boxSync) flagsSet(rec *state.Record, t int) {
	xt := e.chconf.ExpireSideIdx
	if rec.Status&state.SPurge != 0 {
		e.st.LogPurged(rec)
		return
	}
	if rec.Status&state.SDelete != 0 {
		return
	}
	nflags := (rec.Flags | rec.AFlags[t]) &^ rec.DFlags[t]
	e.st.SetFlags(rec, nflags)
	if t == xt {
		ex := rec.Status&state.SExpire != 0
		exd := rec.Status&state.SExpired != 0
		if ex != exd {
			nex := rec.Status&state.SNExpire != 0
			if nex == ex {
				if nex && e.st.MaxXFUID < rec.UID[t^1] {
					e.st.MaxXFUID = rec.UID[t^1]
				}
				rec.Status &^= state.SExpired
				if nex {
					rec.Status |= state.SExpired
				}
			} else {
				rec.Status &^= state.SExpire
				if nex {
					rec.Status |= state.SExpire
				}
			}
			e.st.LogStatus(rec)
		}
	}
}

// propagateNew copies pending messages. TUIDs are assigned and flushed to
// the journal as a batch before any body is dispatched, so a crash leaves
// recognizable pending records.
func (e *boxSync) propagateNew(anyNew [2]bool) bool {
	for t := 0; t < 2; t++ {
		if anyNew[t] {
			e.st.SetFindUID(t, e.store[t].UIDNext())
		}
	}
	if anyNew[config.F] || anyNew[config.N] {
		for _, rec := range e.st.Records {
			if rec.Status&state.SDead == 0 && rec.Status&state.SPending != 0 {
				e.st.AssignTUID(rec)
			}
		}
		e.st.SyncJournal()
	}
	if !e.stateOK() {
		return false
	}

	for t := 0; t < 2; t++ {
		if !anyNew[t] {
			continue
		}
		for _, msg := range e.msgs[t^1] {
			if msg.Status&driver.MsgDead != 0 {
				continue
			}
			rec := e.recOf[t^1][msg]
			if rec == nil || rec.Status&state.SPending == 0 {
				continue
			}
			if !e.copyMessage(t, rec, msg, false) {
				return false
			}
			if !e.stateOK() || e.canceled() {
				return false
			}
		}
	}
	return true
}

// copyMessage fetches one message from side t^1, converts it and stores it
// on side t. With toTrash set it replicates into the other side's trash
// ("remote trash") instead and leaves the pairing alone.
func (e *boxSync) copyMessage(t int, rec *state.Record, msg *driver.Message, toTrash bool) bool {
	minimal := rec != nil && rec.Dummy(t)

	giveUp := func(err error, what string) bool {
		if driver.IsCanceled(err) {
			return false
		}
		if driver.IsMsgBad(err) {
			if msg.Status&driver.MsgDead == 0 {
				e.log.Error().Err(err).Msgf("Cannot %s message %d from %s",
					what, msg.UID, config.SideName(t^1))
				e.res |= ResultFail
			}
			if rec != nil {
				e.st.Kill(rec, false)
				e.unpair(t^1, rec)
			}
			return true
		}
		e.failSide(t, err)
		return false
	}

	data, err := e.store[t^1].FetchMsg(e.ctx, msg, minimal)
	if err != nil {
		return giveUp(err, "fetch")
	}

	if rec != nil {
		if rec.Status&state.SUpgrade != 0 {
			data.Flags = (rec.PFlags | rec.AFlags[t]) &^ rec.DFlags[t]
			if rec.AFlags[t]|rec.DFlags[t] != 0 {
				e.st.SetUpgradeFlags(rec, t, rec.AFlags[t], rec.DFlags[t])
			}
		} else {
			data.Flags = e.sanitizeFlags(data.Flags, t)
			if rec.Dummy(t) {
				data.Flags &^= driver.FlagFlagged
			}
			if data.Flags != 0 {
				e.st.SetPFlags(rec, data.Flags)
			}
		}
	}

	convOpts := &ConvertOpts{Minimal: minimal, SrcSize: msg.Size, Flags: data.Flags}
	if rec != nil {
		convOpts.TUID = rec.TUID
	}
	out, err := Convert(data.Data, e.canCRLF[t^1], e.canCRLF[t], convOpts)
	if err != nil {
		e.log.Error().Err(err).Msgf("Message %d from %s is malformed; skipping",
			msg.UID, config.SideName(t^1))
		e.res |= ResultFail
		if rec != nil {
			e.st.Kill(rec, false)
			e.unpair(t^1, rec)
		}
		return true
	}
	data.Data = out
	data.Flags = convOpts.Flags
	if !e.chconf.UseInternalDate {
		data.Date = time.Time{}
	}

	uid, err := e.store[t].StoreMsg(e.ctx, data, toTrash)
	if err != nil {
		return giveUp(err, "store")
	}
	if rec != nil {
		if uid == 0 {
			// Stored to a backend without UIDPLUS; recognized later by TUID.
			e.findNew[t] = true
		} else {
			e.st.AssignUID(rec, t, uid)
		}
	}
	return true
}

// findNewMessages resolves the UIDs of messages stored without UIDPLUS by
// a targeted TUID search.
func (e *boxSync) findNewMessages() bool {
	for t := 0; t < 2; t++ {
		if !e.findNew[t] {
			continue
		}
		msgs, err := e.store[t].FindNewMsgs(e.ctx, e.st.FindUID[t])
		if err != nil {
			e.failSide(t, err)
			return false
		}
		if lost := e.matchTUIDs(t, msgs); lost > 0 {
			e.log.Warn().Msgf("Warning: lost track of %d %sed message(s)", lost, config.DirName(t))
		}
		if !e.stateOK() {
			return false
		}
	}
	return true
}

// trashMessages marks doomed messages for expunge and replicates them into
// the configured trash, locally or on the remote side.
func (e *boxSync) trashMessages() bool {
	xt := e.chconf.ExpireSideIdx
	for t := 0; t < 2; t++ {
		var onlySolo bool
		switch {
		case e.ops[t]&config.OpExpungeSolo != 0:
			onlySolo = true
		case e.ops[t]&config.OpExpunge != 0:
			onlySolo = false
		default:
			continue
		}
		expungeOther := e.ops[t^1]&config.OpExpunge != 0

		for _, msg := range e.msgs[t] {
			if msg.Status&driver.MsgDead != 0 || msg.Flags&driver.FlagDeleted == 0 {
				continue
			}
			if onlySolo {
				if rec := e.recOf[t][msg]; rec != nil {
					solo := rec.UID[t^1] == 0 ||
						rec.Status&state.SGone(t^1) != 0 ||
						(expungeOther && rec.Status&state.SDel(t^1) != 0) ||
						(t == xt && rec.Status&(state.SExpire|state.SExpired) != 0)
					if !solo || rec.Status&state.SPending != 0 {
						continue
					}
				}
			}
			msg.Status |= driver.MsgExpunge
		}

		var remote, onlyNew bool
		switch {
		case e.chconf.Stores[t].Trash != "":
			onlyNew = e.chconf.Stores[t].TrashOnlyNew
		case e.chconf.Stores[t^1].Trash != "" && e.chconf.Stores[t^1].TrashRemoteNew:
			remote = true
			onlyNew = true
		default:
			continue
		}

		for _, msg := range e.msgs[t] {
			if msg.Status&driver.MsgDead != 0 || msg.Status&driver.MsgExpunge == 0 {
				continue
			}
			if rec := e.recOf[t][msg]; rec != nil {
				if t == xt && rec.Status&(state.SExpire|state.SExpired) != 0 {
					continue // deleted only due to expiring
				}
				if rec.Dummy(t) || rec.Status&state.SPurged != 0 {
					continue
				}
				if onlyNew && rec.Status&(state.SDummy(t^1)|state.SSkipped) == 0 {
					continue
				}
			}
			if e.st.Trashed[t][msg.UID] {
				continue
			}
			if !remote {
				if err := e.store[t].TrashMsg(e.ctx, msg); err != nil {
					if driver.IsMsgBad(err) {
						if msg.Status&driver.MsgDead == 0 {
							e.res |= ResultFail
							if e.openOpts[t]&driver.OpenUIDExpunge != 0 {
								msg.Status &^= driver.MsgExpunge
							} else {
								e.trashBad[t] = true
							}
						}
						continue
					}
					e.failSide(t, err)
					return false
				}
			} else {
				if !e.copyMessage(t^1, nil, msg, true) {
					return false
				}
			}
			e.st.LogTrashed(t, msg.UID)
			if !e.stateOK() || e.canceled() {
				return false
			}
		}
	}
	return true
}

// expungeBoxes closes both boxes, expunging the exact marked set where the
// driver can, or sweeping \Deleted otherwise.
func (e *boxSync) expungeBoxes() bool {
	for t := 0; t < 2; t++ {
		if e.ops[t]&(config.OpExpunge|config.OpExpungeSolo) == 0 ||
			e.opts.FakeExpunge || e.trashBad[t] {
			continue
		}
		reported, err := e.store[t].CloseBox(e.ctx)
		if err != nil {
			e.failSide(t, err)
			return false
		}
		if !reported {
			// Optimistic fallback: assume everything we marked went away.
			for _, rec := range e.st.Records {
				if rec.Status&state.SDead != 0 {
					continue
				}
				if rec.Status&state.SDel(t) != 0 {
					rec.Status |= state.SGone(t)
				}
			}
		}
	}
	return true
}

// finish commits the maxuid bumps, prunes obsolete records and writes the
// new state file.
func (e *boxSync) finish() {
	xt := e.chconf.ExpireSideIdx

	// Committing maxuid is delayed until all messages were propagated, so
	// that pending messages are still loaded next time after interruption.
	for t := 0; t < 2; t++ {
		e.st.CommitMaxUID(t)
	}

	for _, rec := range e.st.Records {
		if rec.Status&state.SDead != 0 {
			continue
		}
		if rec.Status&state.SExpired != 0 &&
			(rec.UID[xt] == 0 || rec.Status&state.SGone(xt) != 0) &&
			e.st.MaxUID[xt^1] >= rec.UID[xt^1] && e.st.MaxXFUID >= rec.UID[xt^1] {
			e.st.Kill(rec, true)
		} else if rec.UID[config.N] == 0 || rec.Status&state.SGoneN != 0 {
			if rec.UID[config.F] == 0 || rec.Status&state.SGoneF != 0 {
				e.st.Kill(rec, true)
			} else if rec.UID[config.N] != 0 && rec.Status&state.SDelF != 0 {
				e.st.Orphan(rec, config.N, true)
			}
		} else if rec.UID[config.F] != 0 && rec.Status&state.SGoneF != 0 && rec.Status&state.SDelN != 0 {
			e.st.Orphan(rec, config.F, true)
		}
	}

	if !e.stateOK() {
		return
	}
	if err := e.st.Save(); err != nil {
		e.fail(err)
	}
}
