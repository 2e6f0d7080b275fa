package state

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
)

// journalVersion identifies the journal format; the first line of every
// journal.
const journalVersion = "5"

// jlog appends one journal line. Every mutation of the committed state is
// written here before the operation it describes is dispatched. Pre-commit
// entries describe idempotent cleanup done right before Save and are only
// journaled when ForceJournal is set (replay testing).
func (s *State) jlog(preCommit bool, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if preCommit && !s.opts.ForceJournal {
		return
	}
	s.steps++
	if s.opts.StepLimit > 0 && s.steps > s.opts.StepLimit {
		s.err = ErrStepLimit
		return
	}
	if s.opts.DryRun {
		return
	}
	if s.jf == nil {
		// The .new file marks the journal as valid for replay.
		nf, err := os.Create(s.nname)
		if err != nil {
			s.err = fmt.Errorf("cannot create new sync state %s: %w", s.nname, err)
			return
		}
		nf.Close()
		mode := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if s.Replayed > 0 {
			mode = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		jf, err := os.OpenFile(s.jname, mode, 0600)
		if err != nil {
			s.err = fmt.Errorf("cannot create journal %s: %w", s.jname, err)
			return
		}
		s.jf = jf
		if s.Replayed == 0 {
			if _, err := fmt.Fprintln(s.jf, journalVersion); err != nil {
				s.err = fmt.Errorf("cannot write journal %s: %w", s.jname, err)
				return
			}
		}
	}
	if _, err := fmt.Fprintln(s.jf, line); err != nil {
		s.err = fmt.Errorf("cannot write journal %s: %w", s.jname, err)
	} else if s.opts.FSync {
		if err := s.jf.Sync(); err != nil {
			s.err = fmt.Errorf("cannot sync journal %s: %w", s.jname, err)
		}
	}
}

// SyncJournal flushes the journal to stable storage. Called after the TUID
// assignment batch, before any message body is dispatched.
func (s *State) SyncJournal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jf != nil {
		if err := s.jf.Sync(); err != nil {
			s.err = fmt.Errorf("cannot sync journal %s: %w", s.jname, err)
		}
	}
}

// SetUIDValidity records freshly accepted UIDVALIDITYs for both sides
func (s *State) SetUIDValidity(fv, nv uint32) {
	s.UIDVal[config.F] = fv
	s.UIDVal[config.N] = nv
	s.jlog(false, fmt.Sprintf("| %d %d", fv, nv))
}

// CommitMaxUID promotes NewMaxUID to MaxUID for side t, right before the
// state is saved.
func (s *State) CommitMaxUID(t int) {
	if s.MaxUID[t] == s.NewMaxUID[t] {
		return
	}
	s.MaxUID[t] = s.NewMaxUID[t]
	s.jlog(true, fmt.Sprintf("N %d %d", t, s.MaxUID[t]))
}

// SetFindUID saves the UIDNEXT below which TUID lookup is pointless
func (s *State) SetFindUID(t int, uid uint32) {
	s.FindUID[t] = uid
	s.jlog(false, fmt.Sprintf("F %d %d", t, uid))
}

// LogTrashed records that the message was copied to the trash, so a
// resumed run does not trash it again.
func (s *State) LogTrashed(t int, uid uint32) {
	s.Trashed[t][uid] = true
	s.jlog(false, fmt.Sprintf("T %d %d", t, uid))
}

// AddRecord appends a new pending pairing. Exactly one of uf/un is nonzero:
// the side being propagated from.
func (s *State) AddRecord(uf, un uint32) *Record {
	rec := &Record{Status: SPending}
	rec.UID[config.F] = uf
	rec.UID[config.N] = un
	if s.NewMaxUID[config.F] < uf {
		s.NewMaxUID[config.F] = uf
	}
	if s.NewMaxUID[config.N] < un {
		s.NewMaxUID[config.N] = un
	}
	s.Records = append(s.Records, rec)
	s.jlog(false, fmt.Sprintf("+ %d %d", uf, un))
	return rec
}

// Kill tombstones a record
func (s *State) Kill(rec *Record, preCommit bool) {
	s.jlog(preCommit, fmt.Sprintf("- %d %d", rec.UID[config.F], rec.UID[config.N]))
	rec.Status = SDead
}

// AssignTUID draws a fresh TUID for a pending record
func (s *State) AssignTUID(rec *Record) {
	rec.TUID = newTUID()
	s.jlog(false, fmt.Sprintf("# %d %d %s", rec.UID[config.F], rec.UID[config.N], rec.TUID))
}

// LoseTUID drops a TUID that could not be matched; the record stays pending
func (s *State) LoseTUID(rec *Record) {
	s.jlog(false, fmt.Sprintf("& %d %d", rec.UID[config.F], rec.UID[config.N]))
	rec.TUID = ""
}

// AssignUID records the UID a propagated message received on side t
func (s *State) AssignUID(rec *Record, t int, uid uint32) {
	s.jlog(false, fmt.Sprintf("%c %d %d %d", sideChar(t), rec.UID[config.F], rec.UID[config.N], uid))
	s.applyUID(rec, t, uid)
}

// Orphan clears side t of a live record (deletion not propagated)
func (s *State) Orphan(rec *Record, t int, preCommit bool) {
	s.jlog(preCommit, fmt.Sprintf("%c %d %d 0", sideChar(t), rec.UID[config.F], rec.UID[config.N]))
	rec.UID[t] = 0
}

func sideChar(t int) byte {
	if t == config.F {
		return '<'
	}
	return '>'
}

// applyUID is the shared live/replay UID assignment
func (s *State) applyUID(rec *Record, t int, uid uint32) {
	rec.UID[t] = uid
	if uid == s.NewMaxUID[t]+1 {
		s.NewMaxUID[t] = uid
	}
	if uid != 0 {
		if rec.Status&SUpgrade != 0 {
			rec.Flags = (rec.Flags | rec.AFlags[t]) &^ rec.DFlags[t]
			rec.AFlags[t] = 0
			rec.DFlags[t] = 0
		} else {
			rec.Flags = rec.PFlags
		}
	}
	rec.Status &^= SPending | SUpgrade
	rec.TUID = ""
}

// SetFlags commits a record's agreed flag set
func (s *State) SetFlags(rec *Record, flags driver.Flags) {
	if rec.Flags == flags {
		return
	}
	s.jlog(false, fmt.Sprintf("* %d %d %d", rec.UID[config.F], rec.UID[config.N], uint8(flags)))
	rec.Flags = flags
}

// SetPFlags records the flags the about-to-be-copied message will carry
func (s *State) SetPFlags(rec *Record, flags driver.Flags) {
	rec.PFlags = flags
	s.jlog(false, fmt.Sprintf("%% %d %d %d", rec.UID[config.F], rec.UID[config.N], uint8(flags)))
}

// SetUpgradeFlags records an in-flight flag update riding along a
// placeholder upgrade
func (s *State) SetUpgradeFlags(rec *Record, t int, add, del driver.Flags) {
	rec.AFlags[t] = add
	rec.DFlags[t] = del
	s.jlog(false, fmt.Sprintf("$ %d %d %d %d", rec.UID[config.F], rec.UID[config.N], uint8(add), uint8(del)))
}

// LogStatus journals the record's logged-persistent status bits after the
// caller changed them
func (s *State) LogStatus(rec *Record) {
	s.jlog(false, fmt.Sprintf("~ %d %d %d", rec.UID[config.F], rec.UID[config.N], uint16(rec.Status&SLogged)))
}

// MarkDummy downgrades the pending propagation to a placeholder on side t
func (s *State) MarkDummy(rec *Record, t int) {
	rec.Status = (rec.Status &^ (SDummyF | SDummyN)) | SPending | SDummy(t)
	s.jlog(false, fmt.Sprintf("_ %d %d", rec.UID[config.F], rec.UID[config.N]))
}

// UpgradePlaceholder turns a flagged placeholder into a pending real copy.
// The original record becomes Pending+Upgrade on the side that lacks the
// real message; a sibling record inheriting the dummy is inserted right
// after it, marked for purging. Returns the sibling.
func (s *State) UpgradePlaceholder(rec *Record, t int, pflags driver.Flags) *Record {
	rec.PFlags = pflags
	s.jlog(false, fmt.Sprintf("^ %d %d %d", rec.UID[config.F], rec.UID[config.N], uint8(pflags)))
	return s.applyUpgrade(rec, t)
}

// applyUpgrade is the shared live/replay upgrade transformation
func (s *State) applyUpgrade(rec *Record, t int) *Record {
	sib := &Record{}
	// Move the placeholder to the new entry.
	sib.UID[t] = rec.UID[t]
	rec.UID[t] = 0
	// Mark the original entry for upgrade.
	rec.Status = (rec.Status &^ (SDummyF | SDummyN)) | SPending | SUpgrade
	// Mark the placeholder for nuking.
	sib.Status = SPurge | (rec.Status & (SDelF | SDelN))
	sib.AFlags[t] = driver.FlagDeleted
	for i, r := range s.Records {
		if r == rec {
			s.Records = append(s.Records[:i+1], append([]*Record{sib}, s.Records[i+1:]...)...)
			return sib
		}
	}
	s.Records = append(s.Records, sib)
	return sib
}

// LogPurged records that a placeholder was successfully deleted
func (s *State) LogPurged(rec *Record) {
	s.jlog(false, fmt.Sprintf("P %d %d", rec.UID[config.F], rec.UID[config.N]))
	s.applyPurged(rec)
}

func (s *State) applyPurged(rec *Record) {
	rec.AFlags[config.F] = 0
	rec.AFlags[config.N] = 0
	rec.Status = (rec.Status &^ SPurge) | SPurged
}

// replayJournal applies the journal on top of the committed state. The
// journal is only considered valid while the .new marker file exists.
func (s *State) replayJournal() error {
	jf, err := os.Open(s.jname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read journal %s: %w", s.jname, err)
	}
	defer jf.Close()
	if err := s.Lock(); err != nil {
		return err
	}
	if _, err := os.Stat(s.nname); err != nil {
		// Commit was interrupted after the rename; the journal is stale.
		return nil
	}

	sc := bufio.NewScanner(jf)
	if !sc.Scan() {
		return nil
	}
	if v := sc.Text(); v != journalVersion {
		return fmt.Errorf("incompatible journal version (got %s, expected %s)", v, journalVersion)
	}
	line := 1
	cursor := -1 // index of the last record a journal entry referred to

	for sc.Scan() {
		line++
		text := sc.Text()
		if len(text) < 2 || text[1] != ' ' {
			return fmt.Errorf("malformed journal entry at %s:%d", s.jname, line)
		}
		op := text[0]
		args := text[2:]

		var t1, t2, t3, t4 uint32
		var tuid string
		var bad bool
		switch op {
		case '#':
			n, _ := fmt.Sscanf(args, "%d %d %s", &t1, &t2, &tuid)
			bad = n != 3 || len(tuid) != driver.TUIDLength
		case 'N', 'F', 'T', 'P', '+', '&', '-', '_', '|':
			n, _ := fmt.Sscanf(args, "%d %d", &t1, &t2)
			bad = n != 2
		case '<', '>', '*', '%', '~', '^':
			n, _ := fmt.Sscanf(args, "%d %d %d", &t1, &t2, &t3)
			bad = n != 3
		case '$':
			n, _ := fmt.Sscanf(args, "%d %d %d %d", &t1, &t2, &t3, &t4)
			bad = n != 4
		default:
			return fmt.Errorf("unrecognized journal entry at %s:%d", s.jname, line)
		}
		if bad {
			return fmt.Errorf("malformed journal entry at %s:%d", s.jname, line)
		}

		switch op {
		case 'N':
			s.MaxUID[t1] = t2
			s.NewMaxUID[t1] = t2
		case 'F':
			s.FindUID[t1] = t2
		case 'T':
			s.Trashed[t1][t2] = true
		case '|':
			s.UIDVal[config.F] = t1
			s.UIDVal[config.N] = t2
		case '+':
			rec := &Record{Status: SPending}
			rec.UID[config.F] = t1
			rec.UID[config.N] = t2
			if s.NewMaxUID[config.F] < t1 {
				s.NewMaxUID[config.F] = t1
			}
			if s.NewMaxUID[config.N] < t2 {
				s.NewMaxUID[config.N] = t2
			}
			s.Records = append(s.Records, rec)
			cursor = len(s.Records) - 1
		default:
			idx := s.findRecord(cursor, t1, t2)
			if idx < 0 {
				return fmt.Errorf("journal entry at %s:%d refers to non-existing sync state entry", s.jname, line)
			}
			cursor = idx
			rec := s.Records[idx]
			switch op {
			case '-':
				rec.Status = SDead
			case '#':
				rec.TUID = tuid
			case '&':
				rec.TUID = ""
			case '<':
				s.applyUID(rec, config.F, t3)
			case '>':
				s.applyUID(rec, config.N, t3)
			case '*':
				rec.Flags = driver.Flags(t3)
			case 'P':
				s.applyPurged(rec)
			case '%':
				rec.PFlags = driver.Flags(t3)
			case '~':
				rec.Status = (rec.Status &^ SLogged) | (Status(t3) & SLogged)
				if rec.Status&SExpired != 0 && s.MaxXFUID < rec.UID[config.F] {
					s.MaxXFUID = rec.UID[config.F]
				}
			case '_':
				side := config.N
				if rec.UID[config.F] == 0 {
					side = config.F
				}
				rec.Status = SPending | SDummy(side)
			case '^':
				side := config.N
				if rec.Status&SDummyF != 0 {
					side = config.F
				}
				rec.PFlags = driver.Flags(t3)
				s.applyUpgrade(rec, side)
				cursor++
			case '$':
				side := config.N
				if rec.UID[config.F] == 0 {
					side = config.F
				}
				rec.AFlags[side] = driver.Flags(t3)
				rec.DFlags[side] = driver.Flags(t4)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cannot read journal %s: %w", s.jname, err)
	}
	s.Replayed = line
	return nil
}

// findRecord locates the live record with the given UID pair, preferring
// records at or after the cursor (journal entries for one record cluster).
func (s *State) findRecord(cursor int, uf, un uint32) int {
	start := cursor
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.Records); i++ {
		r := s.Records[i]
		if r.UID[config.F] == uf && r.UID[config.N] == un {
			return i
		}
	}
	for i := 0; i < start && i < len(s.Records); i++ {
		r := s.Records[i]
		if r.UID[config.F] == uf && r.UID[config.N] == un {
			return i
		}
	}
	return -1
}

// DumpStatus formats a status bit-set for debug logs
func DumpStatus(st Status) string {
	names := []struct {
		bit  Status
		name string
	}{
		{SDead, "dead"}, {SExpire, "expire"}, {SExpired, "expired"},
		{SPending, "pending"}, {SDummyF, "dummy-far"}, {SDummyN, "dummy-near"},
		{SSkipped, "skipped"}, {SNExpire, "nexpire"}, {SGoneF, "gone-far"},
		{SGoneN, "gone-near"}, {SDelF, "del-far"}, {SDelN, "del-near"},
		{SDelete, "delete"}, {SUpgrade, "upgrade"}, {SPurge, "purge"},
		{SPurged, "purged"},
	}
	var parts []string
	for _, n := range names {
		if st&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}
