// Package sync implements the per-mailbox-pair synchronization engine:
// pairing, flag reconciliation, new-message propagation with placeholders,
// expiration, trashing and expunging, all journaled through the state
// package.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/hkdb/mailbridge/internal/state"
	"github.com/rs/zerolog"
)

// Result is the per-run failure mask
type Result int

const (
	ResultOK   Result = 0
	ResultFail Result = 1
)

// ResultBad reports an unrecoverable store failure on side t
func ResultBad(t int) Result { return Result(4 << t) }

// Box presence, as determined by the orchestrator's listing
const (
	BoxPossible = -1
	BoxAbsent   = 0
	BoxPresent  = 1
)

// Options are the run-wide settings handed down from the CLI
type Options struct {
	DryRun       bool
	KeepJournal  bool
	ForceJournal bool
	FakeExpunge  bool
	StepLimit    int
	FSync        bool
	BufferLimit  int64
	Debug        bool
}

// boxSync is the state of one mailbox pair being synchronized
type boxSync struct {
	ctx    context.Context
	chconf *config.Channel
	opts   Options
	store  [2]driver.Store
	name   [2]string // canonical box names
	ops    [2]config.Ops

	st *state.State

	newUIDVal [2]uint32
	openOpts  [2]driver.OpenFlags
	loaded    [2]*driver.LoadResult
	msgs      [2][]*driver.Message

	mu    sync.Mutex // guards recOf/msgOf during async expunge upcalls
	recOf [2]map[*driver.Message]*state.Record
	msgOf [2]map[*state.Record]*driver.Message
	byUID [2]map[uint32]*driver.Message

	goodFlags [2]driver.Flags
	badFlags  [2]driver.Flags
	canCRLF   [2]bool

	anyExpiring bool
	findNew     [2]bool // TUID search needed after storing
	findUID     [2]uint32
	trashBad    [2]bool
	racyTrash   [2]bool

	res Result
	log zerolog.Logger
}

// SyncBoxes synchronizes one mailbox pair. The stores must be connected;
// present tells whether each box was seen in the store listing
// (BoxPossible when unknown).
func SyncBoxes(ctx context.Context, stores [2]driver.Store, names [2]string, present [2]int,
	ch *config.Channel, globalSyncState string, opts Options) Result {

	e := &boxSync{
		ctx:    ctx,
		chconf: ch,
		opts:   opts,
		store:  stores,
		name:   names,
		ops:    ch.Ops,
		log: logging.WithComponent("sync").With().
			Str("channel", ch.Name).
			Str("far", names[config.F]).
			Str("near", names[config.N]).Logger(),
	}
	for t := 0; t < 2; t++ {
		e.recOf[t] = map[*driver.Message]*state.Record{}
		e.msgOf[t] = map[*state.Record]*driver.Message{}
		e.byUID[t] = map[uint32]*driver.Message{}
		e.canCRLF[t] = stores[t].Caps()&driver.CapCRLF != 0
		if opts.Debug {
			e.store[t] = driver.Trace(stores[t], config.SideName(t))
		}
	}
	for t := 0; t < 2; t++ {
		t := t
		e.store[t].SetCallbacks(
			func(msg *driver.Message) { e.messageExpunged(t, msg) },
			func(err error) {
				e.log.Error().Err(err).Msgf("Unrecoverable %s store failure", config.SideName(t))
				e.store[t].Cancel()
				e.res |= ResultBad(t)
			})
	}

	e.run(present, globalSyncState)
	if e.st != nil {
		e.st.Close()
	}
	return e.res
}

// messageExpunged is the asynchronous expunge upcall
func (e *boxSync) messageExpunged(t int, msg *driver.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec := e.recOf[t][msg]; rec != nil {
		rec.Status |= state.SGone(t)
		delete(e.recOf[t], msg)
		delete(e.msgOf[t], rec)
	}
}

// pair links a record and a message
func (e *boxSync) pair(t int, rec *state.Record, msg *driver.Message) {
	e.mu.Lock()
	e.recOf[t][msg] = rec
	e.msgOf[t][rec] = msg
	e.mu.Unlock()
}

func (e *boxSync) unpair(t int, rec *state.Record) {
	e.mu.Lock()
	if msg := e.msgOf[t][rec]; msg != nil {
		delete(e.recOf[t], msg)
	}
	delete(e.msgOf[t], rec)
	e.mu.Unlock()
}

func (e *boxSync) fail(err error) {
	e.log.Error().Err(err).Msg("Sync failed")
	e.res |= ResultFail
}

// failSide classifies a driver error and updates the result mask
func (e *boxSync) failSide(t int, err error) {
	switch driver.KindOf(err) {
	case driver.KindCanceled:
		// Side effects already discarded.
	case driver.KindStoreBad:
		e.log.Error().Err(err).Msgf("%s store failed", config.SideName(t))
		e.store[t].Cancel()
		e.res |= ResultBad(t)
	default:
		e.fail(err)
	}
}

func (e *boxSync) canceled() bool {
	return e.res&(ResultBad(config.F)|ResultBad(config.N)) != 0 || e.ctx.Err() != nil
}

// run drives the whole pair lifecycle
func (e *boxSync) run(present [2]int, globalSyncState string) {
	// Select both boxes; this only records intent.
	for t := 0; t < 2; t++ {
		if err := e.store[t].SelectBox(e.name[t]); err != nil {
			e.failSide(t, err)
			return
		}
	}

	if !e.prepareState(globalSyncState) {
		return
	}

	cont, deleting := e.openBoxes(present)
	if !cont {
		return
	}
	if deleting {
		return
	}

	if !e.computeOpenFlags() {
		return
	}
	if !e.loadBoxes() {
		return
	}
	if !e.checkUIDValidity() {
		return
	}

	e.planRecords()
	if e.canceled() {
		return
	}
	anyNew := e.planNewMessages()
	if e.canceled() {
		return
	}
	if !e.planExpiration() {
		return
	}

	if !e.propagateFlags() {
		return
	}
	if !e.propagateNew(anyNew) {
		return
	}
	if !e.findNewMessages() {
		return
	}
	if !e.trashMessages() {
		return
	}
	if !e.expungeBoxes() {
		return
	}
	e.finish()
}

// prepareState derives the state location, loads the state file and
// replays the journal.
func (e *boxSync) prepareState(globalSyncState string) bool {
	syncState := e.chconf.SyncState
	if syncState == "" {
		syncState = globalSyncState
	}
	loc := state.Location{
		SyncState: syncState,
		StoreName: [2]string{e.chconf.Stores[config.F].Name, e.chconf.Stores[config.N].Name},
		BoxName:   e.name,
	}
	if syncState == "*" {
		loc.NearBoxPath = e.store[config.N].BoxPath()
	}
	st, err := state.New(loc, state.Options{
		FSync:        e.opts.FSync,
		DryRun:       e.opts.DryRun,
		KeepJournal:  e.opts.KeepJournal,
		ForceJournal: e.opts.ForceJournal,
		StepLimit:    e.opts.StepLimit,
	})
	if err != nil {
		e.fail(err)
		return false
	}
	if err := st.Load(); err != nil {
		e.fail(err)
		return false
	}
	e.st = st
	if st.Replayed > 0 {
		e.log.Info().Int("entries", st.Replayed).Msg("Recovered journal")
	}
	return true
}

// openBoxes opens both boxes, creating or removing them according to the
// channel policy. Returns cont=false on failure and deleting=true when the
// run ended with deletion propagation.
func (e *boxSync) openBoxes(present [2]int) (cont, deleting bool) {
	type openRes struct {
		uidval uint32
		err    error
	}
	var res [2]openRes
	var wg sync.WaitGroup
	for t := 0; t < 2; t++ {
		if present[t] == BoxAbsent {
			res[t].err = driver.BoxBad(fmt.Errorf("mailbox %s does not exist", e.name[t]))
			continue
		}
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			res[t].uidval, res[t].err = e.store[t].OpenBox(e.ctx)
		}(t)
	}
	wg.Wait()

	missing := [2]bool{}
	for t := 0; t < 2; t++ {
		if res[t].err != nil {
			if driver.IsBoxBad(res[t].err) {
				missing[t] = true
			} else {
				e.failSide(t, res[t].err)
				return false, false
			}
		} else {
			e.newUIDVal[t] = res[t].uidval
		}
	}

	switch {
	case missing[config.F] && missing[config.N]:
		if !e.st.Existing {
			e.fail(fmt.Errorf("channel %s: both far side %s and near side %s cannot be opened",
				e.chconf.Name, e.name[config.F], e.name[config.N]))
			return false, false
		}
		// A deletion propagation was interrupted; assume this was it.
		if err := e.st.Delete(); err != nil {
			e.fail(err)
			return false, false
		}
		return true, true

	case missing[config.F] || missing[config.N]:
		t := config.F
		if missing[config.N] {
			t = config.N
		}
		o := t ^ 1
		if e.st.Existing {
			// One side is gone: propagate the deletion if allowed.
			if e.ops[o]&config.OpRemove == 0 {
				e.fail(fmt.Errorf("channel %s: %s box %s cannot be opened",
					e.chconf.Name, config.SideName(t), e.name[t]))
				return false, false
			}
			if err := e.store[o].ConfirmBoxEmpty(e.ctx); err != nil {
				e.log.Warn().Msgf("Channel %s: %s box %s cannot be opened and %s box %s is not empty",
					e.chconf.Name, config.SideName(t), e.name[t], config.SideName(o), e.name[o])
				return true, true
			}
			e.log.Info().Msgf("Deleting %s box %s", config.SideName(o), e.name[o])
			if err := e.store[o].DeleteBox(e.ctx); err != nil {
				e.failSide(o, err)
				return false, false
			}
			if err := e.st.Delete(); err != nil {
				e.fail(err)
				return false, false
			}
			e.store[o].FinishDeleteBox()
			return true, true
		}
		if e.ops[t]&config.OpCreate == 0 {
			e.fail(fmt.Errorf("channel %s: %s box %s cannot be opened",
				e.chconf.Name, config.SideName(t), e.name[t]))
			return false, false
		}
		e.log.Info().Msgf("Creating %s box %s", config.SideName(t), e.name[t])
		if err := e.store[t].CreateBox(e.ctx); err != nil {
			e.failSide(t, err)
			return false, false
		}
		uidval, err := e.store[t].OpenBox(e.ctx)
		if err != nil {
			e.failSide(t, err)
			return false, false
		}
		e.newUIDVal[t] = uidval
	}

	fails := 0
	for t := 0; t < 2; t++ {
		if e.st.UIDVal[t] != state.UIDValBad && e.st.UIDVal[t] != e.newUIDVal[t] {
			fails++
		}
	}
	// One changed side may still be re-approved via Message-IDs.
	if fails == 2 {
		e.fail(fmt.Errorf("channel %s: UIDVALIDITY of both far side %s and near side %s changed",
			e.chconf.Name, e.name[config.F], e.name[config.N]))
		return false, false
	}
	if err := e.st.Lock(); err != nil {
		e.fail(err)
		return false, false
	}
	return true, false
}

// computeOpenFlags derives the load options for both sides from the
// channel operations and the replayed state, and negotiates them with the
// drivers.
func (e *boxSync) computeOpenFlags() bool {
	st := e.st
	ch := e.chconf
	xt := ch.ExpireSideIdx

	var anyDummies, anyPurges, anyUpgrades, anyOld, anyNew, anyTUIDs [2]int
	if st.Replayed > 0 || (e.ops[config.F]|e.ops[config.N])&config.OpUpgrade != 0 {
		for _, rec := range st.Records {
			if rec.Status&state.SDead != 0 {
				continue
			}
			switch {
			case rec.Status&state.SDummyF != 0:
				anyDummies[config.F]++
			case rec.Status&state.SDummyN != 0:
				anyDummies[config.N]++
			case rec.Status&state.SSkipped != 0:
				t := config.N
				if rec.UID[config.F] == 0 {
					t = config.F
				}
				anyDummies[t]++
			}
			if st.Replayed == 0 {
				continue
			}
			if expireTransition(rec.Status) {
				e.anyExpiring = true
			}
			if rec.Status&state.SPurge != 0 {
				t := config.N
				if rec.UID[config.F] != 0 {
					t = config.F
				}
				anyPurges[t]++
			} else if rec.Status&state.SPending != 0 {
				t := config.N
				if rec.UID[config.F] == 0 {
					t = config.F
				}
				switch {
				case rec.Status&state.SUpgrade != 0:
					anyUpgrades[t]++
				case rec.UID[t^1] <= st.MaxUID[t^1]:
					anyOld[t]++
				default:
					anyNew[t]++
				}
				if rec.TUID != "" {
					anyTUIDs[t]++
				}
			}
		}
	}

	var opts [2]driver.OpenFlags
	for t := 0; t < 2; t++ {
		if e.st.UIDVal[t] != state.UIDValBad && e.st.UIDVal[t] != e.newUIDVal[t] {
			opts[config.F] |= driver.OpenPaired | driver.OpenPairedIDs
			opts[config.N] |= driver.OpenPaired | driver.OpenPairedIDs
		}
	}
	for t := 0; t < 2; t++ {
		if anyPurges[t] > 0 {
			opts[t] |= driver.OpenSetFlags
		}
		if anyTUIDs[t] > 0 {
			opts[t] |= driver.OpenNew | driver.OpenFind
			e.findNew[t] = true
		}
		if e.ops[t]&(config.OpGone|config.OpFlags) != 0 {
			opts[t] |= driver.OpenSetFlags
			opts[t^1] |= driver.OpenPaired
			if e.ops[t]&config.OpFlags != 0 {
				opts[t^1] |= driver.OpenFlags_
			}
		}
		if anyDummies[t] == 0 && e.ops[t]&config.OpUpgrade != 0 {
			e.ops[t] &^= config.OpUpgrade
		}
		if e.ops[t]&(config.OpOld|config.OpNew|config.OpUpgrade) != 0 || anyOld[t] > 0 || anyNew[t] > 0 || anyUpgrades[t] > 0 {
			opts[t] |= driver.OpenAppend
			if e.ops[t]&config.OpOld != 0 || anyOld[t] > 0 {
				opts[t^1] |= driver.OpenOld
				if e.chconf.Stores[t].MaxSize > 0 {
					opts[t^1] |= driver.OpenOldSize
				}
			}
			if e.ops[t]&config.OpNew != 0 || anyNew[t] > 0 {
				opts[t^1] |= driver.OpenNew
				if e.chconf.Stores[t].MaxSize > 0 {
					opts[t^1] |= driver.OpenNewSize
				}
			}
			if e.ops[t]&config.OpUpgrade != 0 || anyUpgrades[t] > 0 {
				if e.ops[t]&config.OpUpgrade != 0 {
					opts[t] |= driver.OpenPaired | driver.OpenFlags_ | driver.OpenSetFlags
				}
				opts[t^1] |= driver.OpenPaired
			}
			if (e.ops[t]|e.ops[t^1])&config.OpExpunge != 0 {
				// Don't propagate doomed messages.
				opts[t^1] |= driver.OpenFlags_
			}
		}
		if e.ops[t]&(config.OpExpunge|config.OpExpungeSolo) != 0 {
			opts[t] |= driver.OpenExpunge
			if e.ops[t]&config.OpExpungeSolo != 0 {
				opts[t] |= driver.OpenOld | driver.OpenNew | driver.OpenFlags_ | driver.OpenUIDExpunge
				opts[t^1] |= driver.OpenOld
			} else if ch.Stores[t].Trash != "" {
				if !ch.Stores[t].TrashOnlyNew {
					opts[t] |= driver.OpenOld
				}
				opts[t] |= driver.OpenNew | driver.OpenFlags_ | driver.OpenUIDExpunge
			} else if ch.Stores[t^1].Trash != "" && ch.Stores[t^1].TrashRemoteNew {
				opts[t] |= driver.OpenNew | driver.OpenFlags_ | driver.OpenUIDExpunge
			}
		}
	}
	// New messages can displace old ones, and flag updates can expire
	// overdue ones.
	if e.ops[xt]&(config.OpOld|config.OpNew|config.OpUpgrade|config.OpFlags) != 0 && ch.MaxMessages > 0 {
		e.anyExpiring = true
	}
	if e.anyExpiring {
		opts[xt] |= driver.OpenPaired | driver.OpenFlags_
		if anyDummies[xt] > 0 {
			opts[xt^1] |= driver.OpenPaired | driver.OpenFlags_
		} else if e.ops[xt]&(config.OpOld|config.OpNew|config.OpUpgrade) != 0 {
			opts[xt^1] |= driver.OpenFlags_
		}
	}

	for t := 0; t < 2; t++ {
		granted := e.store[t].PrepareLoadBox(opts[t])
		if opts[t]&^granted&driver.OpenUIDExpunge != 0 {
			if e.ops[t]&config.OpExpungeSolo != 0 {
				e.fail(fmt.Errorf("store %s does not support expunge_solo", ch.Stores[t].Name))
				return false
			}
			if !e.racyTrash[t] {
				e.racyTrash[t] = true
				e.log.Warn().Msgf("Notice: trashing in store %s is prone to race conditions", ch.Stores[t].Name)
			}
		}
		e.openOpts[t] = granted
	}
	return true
}

// expireTransition reports whether an expiration transaction is in flight
// (Expire and Expired bits disagree)
func expireTransition(st state.Status) bool {
	return (st&state.SExpire != 0) != (st&state.SExpired != 0)
}

// seenUID returns the highest UID on side t known via the state file
func (e *boxSync) seenUID(t int) uint32 {
	var seen uint32
	for _, rec := range e.st.Records {
		if rec.Status&state.SDead == 0 && seen < rec.UID[t] {
			seen = rec.UID[t]
		}
	}
	return seen
}

// loadParams computes the load window for side t, mirroring the driver
// option semantics.
func (e *boxSync) loadParams(t int, minwuid uint32, excs []uint32) driver.LoadParams {
	p := driver.LoadParams{MinUID: minwuid, Excs: excs, NewUID: e.st.MaxUID[t]}
	opts := e.openOpts[t]
	switch {
	case opts&driver.OpenNew != 0:
		if opts&driver.OpenOld != 0 {
			e.openOpts[t] |= driver.OpenPaired
			p.MinUID = 1
		} else if opts&driver.OpenPaired == 0 || p.MinUID > e.st.MaxUID[t]+1 {
			p.MinUID = e.st.MaxUID[t] + 1
		}
		p.MaxUID = 0 // unbounded
		if opts&driver.OpenPairedIDs != 0 {
			p.PairUID = e.seenUID(t)
		}
	case opts&(driver.OpenPaired|driver.OpenOld) != 0:
		seen := e.seenUID(t)
		if opts&driver.OpenOld != 0 {
			p.MinUID = 1
			p.MaxUID = e.st.MaxUID[t]
			if p.MaxUID < seen {
				if opts&driver.OpenPaired != 0 {
					p.MaxUID = seen
				}
			} else {
				e.openOpts[t] |= driver.OpenPaired
			}
		} else {
			p.MaxUID = seen
		}
	default:
		p.MinUID = ^uint32(0)
	}
	if opts&driver.OpenFind != 0 {
		p.FindUID = e.st.FindUID[t]
	}
	if opts&driver.OpenPairedIDs != 0 {
		p.PairUID = e.seenUID(t)
	}
	return p
}

// loadBoxes loads both sides (in parallel), matches pending TUIDs and
// pairs messages with sync records.
func (e *boxSync) loadBoxes() bool {
	xt := e.chconf.ExpireSideIdx
	ot := xt ^ 1

	// The expire-side opposite's load may be split into a bulk range and
	// an exception list of still-alive old messages.
	var minwuid [2]uint32
	var excs [2][]uint32
	minwuid[xt] = 1
	minwuid[ot] = 1
	if e.openOpts[ot]&driver.OpenPaired != 0 && e.openOpts[ot]&driver.OpenOld == 0 && e.chconf.MaxMessages > 0 {
		minwuid[ot] = e.st.MaxXFUID + 1
		for _, rec := range e.st.Records {
			if rec.Status&state.SDead != 0 || rec.UID[ot] == 0 {
				continue
			}
			if rec.UID[ot] >= minwuid[ot] {
				continue
			}
			if e.openOpts[ot]&driver.OpenNew != 0 && rec.UID[ot] > e.st.MaxUID[ot] {
				continue
			}
			if rec.UID[xt] == 0 && rec.Status&state.SPending == 0 {
				continue
			}
			excs[ot] = append(excs[ot], rec.UID[ot])
		}
		sort.Slice(excs[ot], func(i, j int) bool { return excs[ot][i] < excs[ot][j] })
	}

	var wg sync.WaitGroup
	var errs [2]error
	for t := 0; t < 2; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			p := e.loadParams(t, minwuid[t], excs[t])
			e.loaded[t], errs[t] = e.store[t].LoadBox(e.ctx, p)
			if errs[t] == nil {
				e.findUID[t] = p.FindUID
			}
		}(t)
	}
	wg.Wait()
	for t := 0; t < 2; t++ {
		if errs[t] != nil {
			e.failSide(t, errs[t])
			return false
		}
		e.msgs[t] = e.loaded[t].Msgs
		for _, msg := range e.msgs[t] {
			e.byUID[t][msg.UID] = msg
		}
		e.log.Info().
			Int("messages", e.loaded[t].Total).
			Int("recent", e.loaded[t].Recent).
			Msgf("%s: loaded", config.SideName(t))
	}

	// Match just-copied messages from an interrupted run by TUID.
	for t := 0; t < 2; t++ {
		if e.findNew[t] {
			e.matchTUIDs(t, e.msgs[t])
		}
	}

	// Pair up the rest by UID.
	for t := 0; t < 2; t++ {
		recByUID := map[uint32]*state.Record{}
		for _, rec := range e.st.Records {
			if rec.Status&state.SDead != 0 || rec.UID[t] == 0 {
				continue
			}
			recByUID[rec.UID[t]] = rec
		}
		for _, msg := range e.msgs[t] {
			if _, done := e.recOf[t][msg]; done {
				continue // found by TUID
			}
			if rec := recByUID[msg.UID]; rec != nil {
				e.pair(t, rec, msg)
			}
		}
	}
	return true
}

// matchTUIDs recognizes just-stored messages whose UIDs we never learned.
// Unmatched TUIDs are dropped; the record stays pending for a later retry.
func (e *boxSync) matchTUIDs(t int, msgs []*driver.Message) int {
	lost := 0
	next := 0 // matching typically proceeds in order
	for _, rec := range e.st.Records {
		if rec.Status&state.SDead != 0 || rec.UID[t] != 0 || rec.TUID == "" {
			continue
		}
		found := -1
		for i := next; i < len(msgs); i++ {
			if msgs[i].Status&driver.MsgDead == 0 && msgs[i].TUID == rec.TUID {
				found = i
				break
			}
		}
		if found < 0 {
			for i := 0; i < next; i++ {
				if msgs[i].Status&driver.MsgDead == 0 && msgs[i].TUID == rec.TUID {
					found = i
					break
				}
			}
		}
		if found < 0 {
			e.st.LoseTUID(rec)
			lost++
			continue
		}
		msg := msgs[found]
		next = found + 1
		e.pair(t, rec, msg)
		e.st.AssignUID(rec, t, msg.UID)
	}
	return lost
}

// checkUIDValidity re-approves a changed UIDVALIDITY by comparing
// Message-IDs of paired messages, then commits the accepted values.
func (e *boxSync) checkUIDValidity() bool {
	for t := 0; t < 2; t++ {
		if e.st.UIDVal[t] == state.UIDValBad || e.st.UIDVal[t] == e.newUIDVal[t] {
			continue
		}
		var need, got uint32
		for _, rec := range e.st.Records {
			if rec.Status&state.SDead != 0 {
				continue
			}
			need++
			msg := e.msgOf[t][rec]
			if msg == nil || msg.MsgID == "" {
				continue
			}
			other := e.msgOf[t^1][rec]
			if other == nil {
				continue
			}
			if other.MsgID == "" || other.MsgID != msg.MsgID {
				e.fail(fmt.Errorf("channel %s, %s box %s: UIDVALIDITY genuinely changed (at UID %d)",
					e.chconf.Name, config.SideName(t), e.name[t], rec.UID[t]))
				return false
			}
			got++
		}
		// Enough confirming messages, or at least 80% of those previously
		// present, accept the change as spurious.
		if got < 20 && got*5 < need*4 {
			e.fail(fmt.Errorf("channel %s, %s box %s: unable to recover from UIDVALIDITY change",
				e.chconf.Name, config.SideName(t), e.name[t]))
			return false
		}
		e.log.Warn().Msgf("Notice: channel %s, %s box %s: Recovered from change of UIDVALIDITY",
			e.chconf.Name, config.SideName(t), e.name[t])
		e.st.UIDVal[t] = state.UIDValBad
	}

	if e.st.UIDVal[config.F] == state.UIDValBad || e.st.UIDVal[config.N] == state.UIDValBad {
		e.st.SetUIDValidity(e.newUIDVal[config.F], e.newUIDVal[config.N])
	}
	e.st.OldMaxUID[config.F] = e.st.NewMaxUID[config.F]
	e.st.OldMaxUID[config.N] = e.st.NewMaxUID[config.N]

	for t := 0; t < 2; t++ {
		e.goodFlags[t] = e.store[t].SupportedFlags()
	}
	return true
}

// sanitizeFlags drops flags the target store cannot hold, complaining once
// per flag per store
func (e *boxSync) sanitizeFlags(flags driver.Flags, t int) driver.Flags {
	if bad := flags &^ (e.goodFlags[t] | e.badFlags[t]); bad != 0 {
		e.log.Warn().Msgf("Notice: %s store does not support flag(s) '%s'; not propagating",
			config.SideName(t), bad)
		e.badFlags[t] |= bad
	}
	return flags & e.goodFlags[t]
}
