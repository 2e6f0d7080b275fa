package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// UIDValBad marks an unknown UIDVALIDITY
const UIDValBad = ^uint32(0)

// stateSuffix is the in-box state file name used with the "*" location
const stateSuffix = ".mailbridgestate"

// fieldDelim separates the name components of prefix-located state files
const fieldDelim = ';'

// ErrStepLimit is returned by the sticky journal error once the developer
// step limit has been reached.
var ErrStepLimit = errors.New("journaled step limit reached")

// Options control journal behavior
type Options struct {
	FSync        bool // fsync each journal write and the committed state
	DryRun       bool // keep everything in memory, touch no files
	KeepJournal  bool // do not commit; leave journal and .new file behind
	ForceJournal bool // journal even pre-commit (idempotent) entries
	StepLimit    int  // abort after this many journaled steps (0 = off)
}

// Location describes where a pair's state lives
type Location struct {
	SyncState   string // channel- or global-level setting: "*" or a prefix
	NearBoxPath string // path of the near box, for the "*" location
	StoreName   [2]string
	BoxName     [2]string
}

// State is the full persistent state of one mailbox pair, plus the journal
// bookkeeping needed to update it crash-safely.
type State struct {
	// Records is the pairing table in stable order. Never reordered;
	// records are appended, or inserted after their sibling on upgrade.
	Records []*Record

	UIDVal    [2]uint32 // committed UIDVALIDITYs
	MaxUID    [2]uint32 // highest UID already propagated
	NewMaxUID [2]uint32 // highest UID currently being propagated
	OldMaxUID [2]uint32 // NewMaxUID before this run
	MaxXFUID  uint32    // highest expired UID on the expiration source side
	FindUID   [2]uint32 // TUID lookup applies to UIDs >= this
	Trashed   [2]map[uint32]bool

	// Existing reports whether a committed state file was found
	Existing bool
	// Replayed is the number of journal lines replayed (0 if none)
	Replayed int

	opts  Options
	dname string // committed state file
	jname string // journal
	nname string // new state being built
	lname string // lock file

	mu    sync.Mutex
	lockf *os.File
	jf    *os.File
	steps int
	err   error // sticky journal error

	log zerolog.Logger
}

// New derives the state file paths for loc and prepares parent directories.
// No file is touched yet.
func New(loc Location, opts Options) (*State, error) {
	s := &State{
		opts: opts,
		log:  logging.WithComponent("state"),
	}
	s.UIDVal[config.F] = UIDValBad
	s.UIDVal[config.N] = UIDValBad
	s.Trashed[config.F] = make(map[uint32]bool)
	s.Trashed[config.N] = make(map[uint32]bool)

	if loc.SyncState == "*" {
		if loc.NearBoxPath == "" {
			return nil, fmt.Errorf("store %q does not support in-box sync state", loc.StoreName[config.N])
		}
		s.dname = filepath.Join(loc.NearBoxPath, stateSuffix)
	} else {
		cf := cleanName(loc.BoxName[config.F])
		cn := cleanName(loc.BoxName[config.N])
		d := string(fieldDelim)
		s.dname = loc.SyncState +
			d + loc.StoreName[config.F] + d + cf +
			"_" + d + loc.StoreName[config.N] + d + cn
		dir := filepath.Dir(s.dname)
		if dir == "." {
			return nil, fmt.Errorf("invalid sync state location %q", s.dname)
		}
		if !opts.DryRun {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("cannot create sync state directory %s: %w", dir, err)
			}
		}
	}
	s.jname = s.dname + ".journal"
	s.nname = s.dname + ".new"
	s.lname = s.dname + ".lock"
	return s, nil
}

// cleanName makes a box name safe for use inside a file name
func cleanName(name string) string {
	return strings.ReplaceAll(name, "/", "!")
}

// Path returns the committed state file path
func (s *State) Path() string { return s.dname }

// Lock takes the advisory write-lock on the sibling lock file. It fails if
// another run holds it.
func (s *State) Lock() error {
	if s.opts.DryRun || s.lockf != nil {
		return nil
	}
	f, err := os.OpenFile(s.lname, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("cannot create lock file %s: %w", s.lname, err)
	}
	lck := unix.Flock_t{Type: unix.F_WRLCK, Whence: unix.SEEK_SET}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lck); err != nil {
		f.Close()
		return fmt.Errorf("state %s is locked by another run", s.dname)
	}
	s.lockf = f
	return nil
}

// Load reads the committed state file (if any) and replays the journal
// (if any). It takes the lock as a side effect.
func (s *State) Load() error {
	f, err := os.Open(s.dname)
	switch {
	case err == nil:
		if lerr := s.Lock(); lerr != nil {
			f.Close()
			return lerr
		}
		err = s.parseStateFile(f)
		f.Close()
		if err != nil {
			return err
		}
		s.Existing = true
	case os.IsNotExist(err):
		s.Existing = false
	default:
		return fmt.Errorf("cannot read sync state %s: %w", s.dname, err)
	}

	s.NewMaxUID[config.F] = s.MaxUID[config.F]
	s.NewMaxUID[config.N] = s.MaxUID[config.N]

	return s.replayJournal()
}

func (s *State) parseStateFile(f *os.File) error {
	sc := bufio.NewScanner(f)
	line := 0
	inHeader := true
	var maxxnuid uint32 // pre-1.3 legacy

	for sc.Scan() {
		line++
		text := sc.Text()
		if inHeader {
			if text == "" {
				inHeader = false
				continue
			}
			var key string
			var val uint32
			if n, _ := fmt.Sscanf(text, "%s %d", &key, &val); n != 2 {
				return fmt.Errorf("malformed sync state header entry at %s:%d", s.dname, line)
			}
			switch key {
			case "FarUidValidity", "MasterUidValidity":
				s.UIDVal[config.F] = val
			case "NearUidValidity", "SlaveUidValidity":
				s.UIDVal[config.N] = val
			case "MaxPulledUid":
				s.MaxUID[config.F] = val
			case "MaxPushedUid":
				s.MaxUID[config.N] = val
			case "MaxExpiredFarUid", "MaxExpiredMasterUid":
				s.MaxXFUID = val
			case "MaxExpiredSlaveUid": // pre-1.3 legacy
				maxxnuid = val
			default:
				return fmt.Errorf("unrecognized sync state header entry at %s:%d", s.dname, line)
			}
			continue
		}
		var uf, un uint32
		var fbuf string
		n, _ := fmt.Sscanf(text, "%d %d %s", &uf, &un, &fbuf)
		if n < 2 {
			return fmt.Errorf("invalid sync state entry at %s:%d", s.dname, line)
		}
		rec := &Record{}
		rec.UID[config.F] = uf
		rec.UID[config.N] = un
		rest := fbuf
		if strings.HasPrefix(rest, "<") {
			rest = rest[1:]
			rec.Status = SDummyF
		} else if strings.HasPrefix(rest, ">") {
			rest = rest[1:]
			rec.Status = SDummyN
		}
		switch {
		case strings.HasPrefix(rest, "^"): // pre-1.4 legacy
			rest = rest[1:]
			rec.Status |= SSkipped
		case strings.HasPrefix(rest, "~"), strings.HasPrefix(rest, "X"): // X is pre-1.3 legacy
			rest = rest[1:]
			rec.Status |= SExpire | SExpired
		case rec.UID[config.F] == UIDValBad: // pre-1.3 legacy
			rec.UID[config.F] = 0
			rec.Status |= SSkipped
		case rec.UID[config.N] == UIDValBad:
			rec.UID[config.N] = 0
			rec.Status |= SSkipped
		}
		rec.Flags = driver.ParseFlags(rest)
		s.Records = append(s.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cannot read sync state %s: %w", s.dname, err)
	}
	if inHeader {
		return fmt.Errorf("unterminated sync state header in %s", s.dname)
	}

	// Pre-1.3 states tracked the expiration boundary on the near side;
	// re-derive the far-side boundary from it.
	if maxxnuid != 0 {
		minwuid := ^uint32(0)
		for _, rec := range s.Records {
			if rec.Status&(SDead|SSkipped|SPending) != 0 || rec.UID[config.F] == 0 {
				continue
			}
			if rec.Status&SExpired != 0 {
				if rec.UID[config.N] == 0 {
					continue
				}
			} else if rec.UID[config.N] != 0 && maxxnuid >= rec.UID[config.N] {
				continue
			}
			if minwuid > rec.UID[config.F] {
				minwuid = rec.UID[config.F]
			}
		}
		s.MaxXFUID = minwuid - 1
	}
	return nil
}

// Save commits the run: it writes a complete new state file, fsyncs it,
// renames it over the old one and unlinks the journal.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// If no change was made, the state is also unmodified.
	if s.jf == nil && s.Replayed == 0 {
		return nil
	}
	if s.opts.DryRun {
		return nil
	}

	nf, err := os.Create(s.nname)
	if err != nil {
		return fmt.Errorf("cannot create new sync state %s: %w", s.nname, err)
	}
	w := bufio.NewWriter(nf)
	fmt.Fprintf(w, "FarUidValidity %d\nNearUidValidity %d\nMaxPulledUid %d\nMaxPushedUid %d\n",
		s.UIDVal[config.F], s.UIDVal[config.N], s.MaxUID[config.F], s.MaxUID[config.N])
	if s.MaxXFUID != 0 {
		fmt.Fprintf(w, "MaxExpiredFarUid %d\n", s.MaxXFUID)
	}
	fmt.Fprintln(w)
	for _, rec := range s.Records {
		if rec.Status&SDead != 0 {
			continue
		}
		marker := ""
		if rec.Status&SDummyF != 0 {
			marker = "<"
		} else if rec.Status&SDummyN != 0 {
			marker = ">"
		}
		if rec.Status&SSkipped != 0 {
			marker += "^"
		} else if rec.Status&SExpired != 0 {
			marker += "~"
		}
		fmt.Fprintf(w, "%d %d %s%s\n", rec.UID[config.F], rec.UID[config.N], marker, rec.Flags)
	}
	if err := w.Flush(); err != nil {
		nf.Close()
		return fmt.Errorf("cannot write new sync state %s: %w", s.nname, err)
	}
	if s.opts.FSync {
		if err := nf.Sync(); err != nil {
			nf.Close()
			return fmt.Errorf("cannot sync new sync state %s: %w", s.nname, err)
		}
	}
	if err := nf.Close(); err != nil {
		return fmt.Errorf("cannot close new sync state %s: %w", s.nname, err)
	}
	if s.jf != nil {
		s.jf.Close()
		s.jf = nil
	}
	if s.opts.KeepJournal {
		return nil
	}
	// Order is important: the new state replaces the old one before the
	// journal goes away.
	if err := os.Rename(s.nname, s.dname); err != nil {
		return fmt.Errorf("cannot commit sync state %s: %w", s.dname, err)
	}
	if err := os.Remove(s.jname); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Str("journal", s.jname).Err(err).Msg("Cannot delete journal")
	}
	return nil
}

// Delete removes all state files of the pair, used when propagating a
// mailbox deletion.
func (s *State) Delete() error {
	if s.opts.DryRun {
		return nil
	}
	os.Remove(s.nname)
	os.Remove(s.jname)
	err1 := os.Remove(s.dname)
	err2 := os.Remove(s.lname)
	if (err1 != nil && !os.IsNotExist(err1)) || (err2 != nil && !os.IsNotExist(err2)) {
		return fmt.Errorf("sync state %s cannot be deleted", s.dname)
	}
	return nil
}

// Close releases the lock file. The journal, if still present, is left for
// the next run to replay.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jf != nil {
		s.jf.Close()
		s.jf = nil
	}
	if s.lockf != nil {
		os.Remove(s.lname)
		s.lockf.Close()
		s.lockf = nil
	}
}

// Err returns the sticky journal error, if any
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
