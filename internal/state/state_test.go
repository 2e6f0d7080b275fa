package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
)

func newTestState(t *testing.T, opts Options) *State {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Location{
		SyncState: filepath.Join(dir, "state") + string(os.PathSeparator),
		StoreName: [2]string{"far", "near"},
		BoxName:   [2]string{"INBOX", "INBOX"},
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func reopen(t *testing.T, s *State) *State {
	t.Helper()
	s.Close()
	n, err := New(Location{
		SyncState: s.dname[:len(s.dname)-len(filepath.Base(s.dname))],
		StoreName: [2]string{"far", "near"},
		BoxName:   [2]string{"INBOX", "INBOX"},
	}, s.opts)
	if err != nil {
		t.Fatal(err)
	}
	if n.Path() != s.Path() {
		t.Fatalf("path mismatch after reopen: %s vs %s", n.Path(), s.Path())
	}
	if err := n.Load(); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestStatePathInBox(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Location{SyncState: "*", NearBoxPath: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Path() != filepath.Join(dir, stateSuffix) {
		t.Errorf("in-box state path = %s", s.Path())
	}
	if _, err := New(Location{SyncState: "*"}, Options{}); err == nil {
		t.Error("expected error for in-box state without a box path")
	}
}

func TestStatePathCleansNames(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Location{
		SyncState: dir + string(os.PathSeparator),
		StoreName: [2]string{"far", "near"},
		BoxName:   [2]string{"Lists/golang", "Lists/golang"},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	base := filepath.Base(s.Path())
	if base != ";far;Lists!golang_;near;Lists!golang" {
		t.Errorf("state file name = %q", base)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if s.Existing {
		t.Fatal("fresh state reported as existing")
	}

	s.SetUIDValidity(11, 22)
	r1 := s.AddRecord(1, 0)
	s.AssignUID(r1, config.N, 5)
	s.SetFlags(r1, driver.FlagSeen|driver.FlagAnswered)
	r2 := s.AddRecord(2, 0)
	s.MarkDummy(r2, config.N)
	s.AssignUID(r2, config.N, 6)
	r3 := s.AddRecord(3, 0)
	s.AssignUID(r3, config.N, 7)
	r3.Status |= SExpire | SExpired
	s.LogStatus(r3)
	if s.MaxXFUID < 3 {
		s.MaxXFUID = 3
	}
	s.NewMaxUID[config.F] = 3
	s.NewMaxUID[config.N] = 7
	s.CommitMaxUID(config.F)
	s.CommitMaxUID(config.N)
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	n := reopen(t, s)
	defer n.Close()
	if !n.Existing {
		t.Fatal("state not found after save")
	}
	if n.UIDVal != [2]uint32{11, 22} {
		t.Errorf("uidval = %v", n.UIDVal)
	}
	if n.MaxUID != [2]uint32{3, 7} {
		t.Errorf("maxuid = %v", n.MaxUID)
	}
	if n.MaxXFUID != 3 {
		t.Errorf("maxxfuid = %d", n.MaxXFUID)
	}
	if len(n.Records) != 3 {
		t.Fatalf("got %d records", len(n.Records))
	}
	if n.Records[0].Flags != driver.FlagSeen|driver.FlagAnswered {
		t.Errorf("record 1 flags = %s", n.Records[0].Flags)
	}
	if n.Records[1].Status&SDummyN == 0 {
		t.Errorf("record 2 lost dummy marker: %s", DumpStatus(n.Records[1].Status))
	}
	if n.Records[2].Status&SExpired == 0 {
		t.Errorf("record 3 lost expired marker: %s", DumpStatus(n.Records[2].Status))
	}
	// Committed: no journal should remain.
	if _, err := os.Stat(s.jname); !os.IsNotExist(err) {
		t.Error("journal not removed after commit")
	}
}

func TestJournalReplay(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.SetUIDValidity(1, 2)
	rec := s.AddRecord(9, 0)
	s.SetPFlags(rec, driver.FlagSeen)
	s.AssignTUID(rec)
	tuid := rec.TUID
	s.SyncJournal()
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: no Save.
	s.Close()

	n := reopen(t, s)
	defer n.Close()
	if n.Replayed == 0 {
		t.Fatal("journal was not replayed")
	}
	if len(n.Records) != 1 {
		t.Fatalf("got %d records after replay", len(n.Records))
	}
	r := n.Records[0]
	if r.UID[config.F] != 9 || r.UID[config.N] != 0 {
		t.Errorf("uids = %v", r.UID)
	}
	if r.Status&SPending == 0 {
		t.Errorf("record not pending: %s", DumpStatus(r.Status))
	}
	if r.TUID != tuid {
		t.Errorf("tuid = %q, want %q", r.TUID, tuid)
	}
	if r.PFlags != driver.FlagSeen {
		t.Errorf("pflags = %s", r.PFlags)
	}

	// Completing the interrupted run must produce the same state as an
	// uninterrupted one.
	n.AssignUID(r, config.N, 1)
	if r.Flags != driver.FlagSeen {
		t.Errorf("flags after assign = %s", r.Flags)
	}
	if r.TUID != "" || r.Status&SPending != 0 {
		t.Error("assign did not clear pending/tuid")
	}
}

func TestReplayUpgrade(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	rec := s.AddRecord(4, 0)
	s.AssignUID(rec, config.N, 8)
	s.MarkDummy(rec, config.N)
	sib := s.UpgradePlaceholder(rec, config.N, driver.FlagSeen)
	if rec.UID[config.N] != 0 || sib.UID[config.N] != 8 {
		t.Fatalf("upgrade did not move the placeholder: rec=%v sib=%v", rec.UID, sib.UID)
	}
	if rec.Status&(SPending|SUpgrade) != SPending|SUpgrade {
		t.Errorf("original not pending+upgrade: %s", DumpStatus(rec.Status))
	}
	if sib.Status&SPurge == 0 || sib.AFlags[config.N] != driver.FlagDeleted {
		t.Errorf("sibling not marked for purge: %s", DumpStatus(sib.Status))
	}
	s.Close()

	n := reopen(t, s)
	defer n.Close()
	if len(n.Records) != 2 {
		t.Fatalf("got %d records after replay", len(n.Records))
	}
	gotRec, gotSib := n.Records[0], n.Records[1]
	if gotRec.Status&SUpgrade == 0 || gotRec.PFlags != driver.FlagSeen {
		t.Errorf("replayed original wrong: %s pflags=%s", DumpStatus(gotRec.Status), gotRec.PFlags)
	}
	if gotSib.UID[config.N] != 8 || gotSib.Status&SPurge == 0 {
		t.Errorf("replayed sibling wrong: %v %s", gotSib.UID, DumpStatus(gotSib.Status))
	}
}

func TestReplayRejectsUnknownRecord(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.AddRecord(1, 0)
	s.Close()
	// Corrupt the journal with an entry for a record that does not exist.
	jf, err := os.OpenFile(s.jname, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(jf, "- 7 7")
	jf.Close()

	n, err := New(Location{
		SyncState: s.dname[:len(s.dname)-len(filepath.Base(s.dname))],
		StoreName: [2]string{"far", "near"},
		BoxName:   [2]string{"INBOX", "INBOX"},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if err := n.Load(); err == nil {
		t.Fatal("expected replay failure for unknown record")
	}
}

func TestUnknownHeaderKeyFatal(t *testing.T) {
	s := newTestState(t, Options{})
	if err := os.WriteFile(s.dname, []byte("FarUidValidity 1\nBogusKey 2\n\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err == nil {
		t.Fatal("expected error for unknown header key")
	}
	s.Close()
}

func TestLegacyHeaderKeys(t *testing.T) {
	s := newTestState(t, Options{})
	body := "MasterUidValidity 5\nSlaveUidValidity 6\nMaxPulledUid 3\nMaxPushedUid 4\n\n1 1 S\n"
	if err := os.WriteFile(s.dname, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.UIDVal != [2]uint32{5, 6} || s.MaxUID != [2]uint32{3, 4} {
		t.Errorf("legacy header parse: uidval=%v maxuid=%v", s.UIDVal, s.MaxUID)
	}
}

func TestRelockIdempotent(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	// A fcntl lock is per-process, so a second lock from the same process
	// succeeds; just verify relocking is idempotent.
	if err := s.Lock(); err != nil {
		t.Errorf("relock failed: %v", err)
	}
}

func TestStepLimit(t *testing.T) {
	s := newTestState(t, Options{StepLimit: 2})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.AddRecord(1, 0)
	s.AddRecord(2, 0)
	s.AddRecord(3, 0)
	if s.Err() != ErrStepLimit {
		t.Errorf("expected step limit error, got %v", s.Err())
	}
}

func TestMonotoneCounters(t *testing.T) {
	s := newTestState(t, Options{})
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	rec := s.AddRecord(10, 0)
	s.AssignUID(rec, config.N, 3)
	s.CommitMaxUID(config.F)
	s.CommitMaxUID(config.N)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	before := s.MaxUID

	n := reopen(t, s)
	defer n.Close()
	if n.MaxUID[config.F] < before[config.F] || n.MaxUID[config.N] < before[config.N] {
		t.Errorf("maxuid regressed: %v -> %v", before, n.MaxUID)
	}
}

func TestTUIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		tuid := newTUID()
		if len(tuid) != driver.TUIDLength {
			t.Fatalf("tuid length = %d", len(tuid))
		}
		for _, c := range tuid {
			ok := c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/'
			if !ok {
				t.Fatalf("tuid contains %q", c)
			}
		}
		if seen[tuid] {
			t.Fatal("duplicate tuid")
		}
		seen[tuid] = true
	}
}
