package sync

import (
	"fmt"
	"sort"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/state"
)

// planRecords walks the existing pairing table: prunes doubly-gone pairs,
// schedules deletion propagation, placeholder upgrades and flag updates.
func (e *boxSync) planRecords() {
	xt := e.chconf.ExpireSideIdx

	recs := e.st.Records
	for ri := 0; ri < len(recs); ri++ {
		rec := recs[ri]
		if rec.Status&state.SDead != 0 {
			continue
		}
		// no: the message is known to be missing on that side.
		var no, del [2]bool
		for t := 0; t < 2; t++ {
			no[t] = e.msgOf[t][rec] == nil && e.openOpts[t]&driver.OpenPaired != 0
		}
		if no[config.F] && no[config.N] {
			// Both sides are missing, so the entry is superfluous.
			e.st.Kill(rec, false)
			continue
		}
		for t := 0; t < 2; t++ {
			// del: the message becomes known to have been expunged.
			del[t] = no[t] && rec.UID[t] != 0
		}

		upgraded := false
		for t := 0; t < 2; t++ {
			if msg := e.msgOf[t][rec]; msg != nil && msg.Flags&driver.FlagDeleted != 0 {
				rec.Status |= state.SDel(t)
			}
			// Flagging the placeholder requests an upgrade. Handled before
			// flag propagation so it sees the upgraded state.
			if e.ops[t]&config.OpUpgrade != 0 && rec.Status&state.SDummy(t) != 0 &&
				rec.UID[t^1] != 0 && e.msgOf[t][rec] != nil {
				sflags := e.msgOf[t][rec].Flags
				if sflags&driver.FlagFlagged != 0 {
					// Mask Seen and Flagged, preserving prior Seen; the
					// dummy's flags are saved in case it is gone after an
					// interruption.
					sflags = sflags&^(driver.FlagSeen|driver.FlagFlagged) | rec.Flags&driver.FlagSeen
					dummyMsg := e.msgOf[t][rec]
					sib := e.st.UpgradePlaceholder(rec, t, sflags)
					e.unpair(t, rec)
					e.pair(t, sib, dummyMsg)
					upgraded = true
					recs = e.st.Records // sibling was inserted
				}
			}
		}

		for t := 0; t < 2; t++ {
			var sflags driver.Flags
			haveSource := false

			if rec.Status&state.SUpgrade != 0 {
				// Upgrade records hold orphans by definition.
				if rec.UID[t] != 0 {
					// Direction towards the source message: use the saved
					// placeholder flags, the dummy is already detached.
					sflags = rec.PFlags
					haveSource = true
				} else if msg := e.msgOf[t^1][rec]; msg != nil {
					sflags = msg.Flags
					haveSource = true
				}
			} else if del[t] {
				// The target was newly expunged; the deletion propagates in
				// the opposite iteration.
				rec.Status |= state.SGone(t)
				continue
			} else if rec.UID[t] == 0 {
				// Never stored or previously expunged; nothing to update.
				continue
			} else if del[t^1] {
				// The source was newly expunged: possibly propagate the
				// deletion.
				if t != xt && rec.Status&(state.SExpire|state.SExpired) != 0 {
					if rec.Status&(state.SExpire|state.SExpired) != state.SExpire|state.SExpired {
						// An interrupted expiration; the message was
						// expunged since, so force the commit.
						rec.Status |= state.SExpire | state.SExpired
						e.st.LogStatus(rec)
					}
					e.st.Orphan(rec, xt, false)
				} else {
					if msg := e.msgOf[t][rec]; msg != nil && msg.Status&driver.MsgHasFlags != 0 {
						mf := msg.Flags &^ driver.FlagDeleted
						rf := rec.Flags &^ driver.FlagDeleted
						if mf != rf || (msg.Flags&driver.FlagDeleted == 0 && rec.Flags&driver.FlagDeleted != 0) {
							e.log.Warn().Msgf("Notice: conflicting changes in (%d,%d)",
								rec.UID[config.F], rec.UID[config.N])
						}
					}
					if e.ops[t]&config.OpGone != 0 {
						rec.AFlags[t] = driver.FlagDeleted
						rec.Status |= state.SDelete
					}
				}
				continue
			} else if msg := e.msgOf[t^1][rec]; msg != nil {
				sflags = msg.Flags
				haveSource = true
			}

			if !haveSource {
				continue
			}
			if e.ops[t]&config.OpFlags == 0 {
				continue
			}
			sflags = e.sanitizeFlags(sflags, t)
			if t != xt && rec.Status&(state.SExpire|state.SExpired) != 0 {
				// Don't propagate deletion resulting from expiration.
				sflags &^= driver.FlagDeleted
			}
			if rec.Status&state.SDummy(t^1) != 0 {
				// From placeholders, don't propagate Seen (the real content
				// was not seen; un-seeing does propagate) nor Flagged (it
				// is just an upgrade request).
				sflags = sflags&^(driver.FlagSeen|driver.FlagFlagged) | rec.Flags&driver.FlagSeen
			} else if rec.Status&state.SDummy(t) != 0 {
				// Don't propagate Flagged to placeholders; it would be
				// misread as an upgrade request next time around.
				sflags &^= driver.FlagFlagged
			}
			rec.AFlags[t] = sflags &^ rec.Flags
			rec.DFlags[t] = rec.Flags &^ sflags
		}
		if upgraded {
			ri++ // skip the freshly inserted purge sibling
		}
	}
}

// planNewMessages creates pending records for unseen messages and decides
// placeholder emission. Returns, per target side, whether anything needs
// to be copied.
func (e *boxSync) planNewMessages() [2]bool {
	xt := e.chconf.ExpireSideIdx
	var anyNew [2]bool

	for t := 0; t < 2; t++ {
		topping := true
		for _, msg := range e.msgs[t^1] {
			if msg.Status&driver.MsgDead != 0 {
				continue
			}
			rec := e.recOf[t^1][msg]
			if rec != nil {
				// Legacy state files may have failed to track maxuid.
				if topping && e.st.NewMaxUID[t^1] < msg.UID {
					e.st.NewMaxUID[t^1] = msg.UID
				}
				if rec.Status&state.SSkipped != 0 {
					// Legacy: skipped due to being too big; upgrade to a
					// tracked placeholder.
					if e.ops[t]&config.OpUpgrade == 0 {
						continue
					}
					e.st.MarkDummy(rec, t)
				} else if rec.Status&state.SPending == 0 {
					if rec.UID[t] != 0 {
						continue // paired, nothing to do
					}
					if e.ops[t]&config.OpOld == 0 {
						continue
					}
					if t != xt || rec.Status&state.SExpired == 0 {
						// Orphans are interrupted deletion propagations;
						// re-propagating them would be illogical.
						continue
					}
					if msg.Flags&driver.FlagFlagged == 0 &&
						(msg.Flags&driver.FlagSeen != 0 || e.chconf.ExpireUnreadMode > 0) {
						continue // still not important enough
					}
					rec.Status |= state.SPending
					e.st.LogStatus(rec)
				} else if rec.Status&state.SUpgrade != 0 {
					// Interrupted upgrade; cancel it if the result would be
					// expunged right away.
					srcMsg := e.msgOf[t^1][rec]
					doomed := e.ops[t]&config.OpExpunge != 0 &&
						(rec.PFlags|rec.AFlags[t])&^rec.DFlags[t]&driver.FlagDeleted != 0
					if !doomed && srcMsg != nil && e.ops[t^1]&config.OpExpunge != 0 &&
						(srcMsg.Flags|rec.AFlags[t^1])&^rec.DFlags[t^1]&driver.FlagDeleted != 0 {
						doomed = true
					}
					if doomed {
						rec.Status = rec.Status&^(state.SPending|state.SUpgrade) | state.SDummy(t)
						e.st.LogStatus(rec)
						continue
					}
					anyNew[t] = true
					continue
				}
				// Else: propagation was scheduled but interrupted.
			} else {
				// The first unknown message that should be known marks the
				// end of the synced range.
				if t != xt || msg.UID > e.st.MaxXFUID {
					topping = false
				}
				if msg.UID <= e.st.MaxUID[t^1] {
					// Should be paired but is not: it failed, was doomed,
					// or was expired and pruned.
					if e.ops[t]&config.OpOld == 0 {
						continue
					}
					if topping {
						// Below the bulk boundary: sync it only if it
						// became important meanwhile.
						if msg.Flags&driver.FlagFlagged == 0 &&
							(msg.Flags&driver.FlagSeen != 0 || e.chconf.ExpireUnreadMode > 0) {
							continue
						}
					}
				} else if e.ops[t]&config.OpNew == 0 {
					continue
				}
				var uf, un uint32
				if t^1 == config.F {
					uf = msg.UID
				} else {
					un = msg.UID
				}
				rec = e.st.AddRecord(uf, un)
				e.pair(t^1, rec, msg)
			}

			if (e.ops[t]|e.ops[t^1])&config.OpExpunge != 0 && msg.Flags&driver.FlagDeleted != 0 {
				// The message would be expunged anyway.
				e.st.Kill(rec, false)
				e.unpair(t^1, rec)
				continue
			}
			maxSize := e.chconf.Stores[t].MaxSize
			if maxSize > 0 && msg.Size > maxSize && rec.Status&(state.SDummyF|state.SDummyN) == 0 {
				e.st.MarkDummy(rec, t)
			}
			anyNew[t] = true
		}
	}
	return anyNew
}

type aliveRec struct {
	rec   *state.Record
	flags driver.Flags
}

// planExpiration ranks alive paired records on the expire side and expires
// the excess beyond MaxMessages, as a two-phase journaled transaction.
func (e *boxSync) planExpiration() bool {
	if !e.anyExpiring || e.chconf.MaxMessages == 0 {
		return true
	}
	xt := e.chconf.ExpireSideIdx

	var alive []aliveRec
	for _, rec := range e.st.Records {
		if rec.Status&state.SDead != 0 {
			continue
		}
		// Unpaired expire-side messages cannot be expired without data
		// loss, so they are ignored and not counted.
		if rec.UID[xt^1] == 0 {
			continue
		}
		var nflags driver.Flags
		if rec.Status&state.SPending == 0 {
			msg := e.msgOf[xt][rec]
			if msg == nil {
				continue
			}
			nflags = msg.Flags
			if rec.Status&state.SDummy(xt) != 0 {
				src := e.msgOf[xt^1][rec]
				if src == nil {
					continue
				}
				// Pull in the real Flagged and Seen; the placeholder's are
				// useless (except for un-seeing).
				sflags := src.Flags
				aflags := (sflags &^ rec.Flags) & (driver.FlagSeen | driver.FlagFlagged)
				dflags := (rec.Flags &^ sflags) & driver.FlagSeen
				nflags = nflags&(^(driver.FlagSeen|driver.FlagFlagged)|rec.Flags&driver.FlagSeen)&^dflags | aflags
			}
			nflags = (nflags | rec.AFlags[xt]) &^ rec.DFlags[xt]
		} else {
			if rec.Status&state.SUpgrade != 0 {
				nflags = (rec.PFlags | rec.AFlags[xt]) &^ rec.DFlags[xt]
			} else {
				src := e.msgOf[xt^1][rec]
				if src == nil {
					continue
				}
				nflags = src.Flags
			}
		}
		if nflags&driver.FlagDeleted == 0 || rec.Status&(state.SExpire|state.SExpired) != 0 {
			// Not deleted, or deleted only due to being expired.
			alive = append(alive, aliveRec{rec, nflags})
		}
	}
	// Messages that have been in the complete store longest expire first.
	sort.Slice(alive, func(i, j int) bool {
		return alive[i].rec.UID[xt^1] < alive[j].rec.UID[xt^1]
	})

	todel := len(alive) - e.chconf.MaxMessages
	unseen := 0
	for _, ar := range alive {
		rec, nflags := ar.rec, ar.flags
		important := nflags&driver.FlagFlagged != 0
		if !important && nflags&driver.FlagSeen == 0 {
			if todel > 0 {
				unseen++
			}
			important = e.chconf.ExpireUnreadMode <= 0
		}
		if important {
			todel--
		} else if todel > 0 ||
			rec.Status&(state.SExpire|state.SExpired) == state.SExpire|state.SExpired ||
			(rec.Status&(state.SExpire|state.SExpired) != 0 && e.msgOf[xt][rec] != nil &&
				e.msgOf[xt][rec].Flags&driver.FlagDeleted != 0) {
			rec.Status |= state.SNExpire
			todel--
		}
	}
	if e.chconf.ExpireUnreadMode < 0 && unseen*2 > e.chconf.MaxMessages {
		e.fail(errUnreadExcess(e.name[xt], unseen, e.chconf.MaxMessages))
		return false
	}

	for _, ar := range alive {
		rec := ar.rec
		if rec.Status&state.SPending == 0 {
			nex := rec.Status&state.SNExpire != 0
			expired := rec.Status&state.SExpired != 0
			inFlight := rec.Status&state.SExpire != 0
			if nex != expired && nex != inFlight {
				// Start (or cancel-and-restart) the transaction.
				rec.Status &^= state.SExpire
				if nex {
					rec.Status |= state.SExpire
				}
				e.st.LogStatus(rec)
			}
		} else if rec.Status&state.SNExpire != 0 {
			// Expired before it was even born: never propagate it.
			rec.Status = state.SExpire | state.SExpired
			e.st.LogStatus(rec)
			if e.st.MaxXFUID < rec.UID[xt^1] {
				e.st.MaxXFUID = rec.UID[xt^1]
			}
			e.unpair(xt^1, rec)
		}
	}
	return true
}

// errUnreadExcess is split out to keep the error text in one place
func errUnreadExcess(box string, unseen, max int) error {
	return &unreadExcessError{box: box, unseen: unseen, max: max}
}

type unreadExcessError struct {
	box         string
	unseen, max int
}

func (e *unreadExcessError) Error() string {
	return fmt.Sprintf("%s: %d unread messages in excess of max_messages (%d); set expire_unread to decide the outcome",
		e.box, e.unseen, e.max)
}
