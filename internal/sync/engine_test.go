package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/local"
)

// testEnv wires two local stores into one channel
type testEnv struct {
	t        *testing.T
	dir      string
	storeCfg [2]*config.Store
	stores   [2]driver.Store
	ch       *config.Channel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{t: t, dir: dir}
	names := [2]string{"far", "near"}
	for i := 0; i < 2; i++ {
		env.storeCfg[i] = &config.Store{
			Name:   names[i],
			Driver: "local",
			Path:   filepath.Join(dir, names[i]+".db"),
		}
	}
	env.ch = &config.Channel{
		Name:          "test",
		Stores:        env.storeCfg,
		Ops:           [2]config.Ops{config.OpsDefault | config.OpExpunge, config.OpsDefault | config.OpExpunge},
		ExpireSideIdx: config.N,
		SyncState:     filepath.Join(dir, "state") + string(os.PathSeparator),
	}
	env.openStores()
	t.Cleanup(func() {
		for _, s := range env.stores {
			if s != nil {
				s.Free(context.Background())
			}
		}
	})
	return env
}

func (env *testEnv) openStores() {
	env.t.Helper()
	for i := 0; i < 2; i++ {
		st, err := local.OpenStore(context.Background(), env.storeCfg[i])
		if err != nil {
			env.t.Fatal(err)
		}
		env.stores[i] = st
		if err := st.SelectBox("INBOX"); err != nil {
			env.t.Fatal(err)
		}
		if err := st.CreateBox(context.Background()); err != nil {
			env.t.Fatal(err)
		}
		if _, err := st.OpenBox(context.Background()); err != nil {
			env.t.Fatal(err)
		}
	}
}

// reopenStores gives each side a fresh driver instance, as a new run would
func (env *testEnv) reopenStores() {
	env.t.Helper()
	for _, s := range env.stores {
		s.Free(context.Background())
	}
	env.openStores()
}

func (env *testEnv) seed(side int, body string, flags driver.Flags) uint32 {
	env.t.Helper()
	uid, err := env.stores[side].StoreMsg(context.Background(), &driver.MsgData{
		Data:  []byte(body),
		Flags: flags,
	}, false)
	if err != nil {
		env.t.Fatal(err)
	}
	return uid
}

func (env *testEnv) messages(side int) []*driver.Message {
	env.t.Helper()
	st := env.stores[side]
	st.PrepareLoadBox(driver.OpenOld | driver.OpenNew | driver.OpenFlags_ | driver.OpenOldSize | driver.OpenNewSize)
	res, err := st.LoadBox(context.Background(), driver.LoadParams{MinUID: 1})
	if err != nil {
		env.t.Fatal(err)
	}
	return res.Msgs
}

func (env *testEnv) fetch(side int, msg *driver.Message) string {
	env.t.Helper()
	data, err := env.stores[side].FetchMsg(context.Background(), msg, false)
	if err != nil {
		env.t.Fatal(err)
	}
	return string(data.Data)
}

func (env *testEnv) sync() Result {
	env.t.Helper()
	res := SyncBoxes(context.Background(), env.stores, [2]string{"INBOX", "INBOX"},
		[2]int{BoxPossible, BoxPossible}, env.ch, "*", Options{FSync: false})
	// The engine leaves the boxes closed; reopen for inspection and the
	// next run.
	env.reopenStores()
	return res
}

func (env *testEnv) statePath() string {
	return env.ch.SyncState + ";far;INBOX_;near;INBOX"
}

func testMessage(subject, id string) string {
	return fmt.Sprintf("From: a@example.com\nMessage-ID: <%s@example.com>\nSubject: %s\n\nbody of %s\n",
		id, subject, subject)
}

func TestSyncPropagatesBothWays(t *testing.T) {
	env := newTestEnv(t)
	env.seed(config.F, testMessage("A", "a"), 0)
	env.seed(config.N, testMessage("B", "b"), driver.FlagSeen)

	if res := env.sync(); res != ResultOK {
		t.Fatalf("sync result = %v", res)
	}

	far := env.messages(config.F)
	near := env.messages(config.N)
	if len(far) != 2 || len(near) != 2 {
		t.Fatalf("far=%d near=%d messages, want 2/2", len(far), len(near))
	}
	// B's copy on the far side keeps Seen; A's copy on the near side has
	// no flags.
	if far[1].Flags != driver.FlagSeen {
		t.Errorf("far copy of B has flags %q", far[1].Flags)
	}
	if near[1].Flags != 0 {
		t.Errorf("near copy of A has flags %q", near[1].Flags)
	}
	if got := env.fetch(config.N, near[1]); !strings.Contains(got, "body of A") {
		t.Errorf("near copy of A has wrong body: %q", got)
	}
	if got := env.fetch(config.F, far[1]); !strings.Contains(got, "X-TUID: ") {
		t.Errorf("propagated copy lacks X-TUID header: %q", got)
	}

	st, err := os.ReadFile(env.statePath())
	if err != nil {
		t.Fatalf("state file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(st), "\n"), "\n")
	var records []string
	past := false
	for _, l := range lines {
		if l == "" {
			past = true
			continue
		}
		if past {
			records = append(records, l)
		}
	}
	if len(records) != 2 {
		t.Errorf("state file has %d records: %v", len(records), records)
	}
}

func TestSyncIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(config.F, testMessage("A", "a"), driver.FlagAnswered)
	env.seed(config.N, testMessage("B", "b"), 0)

	if res := env.sync(); res != ResultOK {
		t.Fatalf("first sync: %v", res)
	}
	before, err := os.ReadFile(env.statePath())
	if err != nil {
		t.Fatal(err)
	}

	if res := env.sync(); res != ResultOK {
		t.Fatalf("second sync: %v", res)
	}
	after, err := os.ReadFile(env.statePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Errorf("state changed across a quiescent run:\n%s\nvs\n%s", before, after)
	}
	if _, err := os.Stat(env.statePath() + ".journal"); !os.IsNotExist(err) {
		t.Error("journal left behind after quiescent run")
	}
	if len(env.messages(config.F)) != 2 || len(env.messages(config.N)) != 2 {
		t.Error("message counts changed across a quiescent run")
	}
}

func TestSyncFlagChanges(t *testing.T) {
	env := newTestEnv(t)
	env.seed(config.F, testMessage("A", "a"), 0)
	if res := env.sync(); res != ResultOK {
		t.Fatalf("first sync: %v", res)
	}

	// Mark the near copy seen; the far original must follow.
	near := env.messages(config.N)
	if err := env.stores[config.N].SetMsgFlags(context.Background(), near[0], near[0].UID, driver.FlagSeen, 0); err != nil {
		t.Fatal(err)
	}
	if res := env.sync(); res != ResultOK {
		t.Fatalf("second sync: %v", res)
	}
	far := env.messages(config.F)
	if far[0].Flags&driver.FlagSeen == 0 {
		t.Errorf("Seen flag did not propagate to the far side: %q", far[0].Flags)
	}
}

func TestSyncDeletionPropagates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(config.F, testMessage("A", "a"), 0)
	env.seed(config.F, testMessage("B", "b"), 0)
	if res := env.sync(); res != ResultOK {
		t.Fatalf("first sync: %v", res)
	}

	// Delete A on the near side; the far original must go away.
	near := env.messages(config.N)
	if err := env.stores[config.N].SetMsgFlags(context.Background(), near[0], near[0].UID, driver.FlagDeleted, 0); err != nil {
		t.Fatal(err)
	}
	near[0].Status |= driver.MsgExpunge
	if _, err := env.stores[config.N].CloseBox(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.reopenStores()

	if res := env.sync(); res != ResultOK {
		t.Fatalf("second sync: %v", res)
	}
	far := env.messages(config.F)
	if len(far) != 1 {
		t.Fatalf("far side has %d messages after deletion propagation, want 1", len(far))
	}
	if got := env.fetch(config.F, far[0]); !strings.Contains(got, "body of B") {
		t.Errorf("wrong survivor on far side: %q", got)
	}
}

func TestSyncPlaceholderAndUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.storeCfg[config.N].MaxSize = 1024

	big := testMessage("big", "big") + strings.Repeat("x", 50*1024) + "\n"
	env.seed(config.F, big, 0)

	if res := env.sync(); res != ResultOK {
		t.Fatalf("first sync: %v", res)
	}
	near := env.messages(config.N)
	if len(near) != 1 {
		t.Fatalf("near has %d messages, want 1", len(near))
	}
	ph := env.fetch(config.N, near[0])
	if !strings.Contains(ph, "Subject: [placeholder] big") {
		t.Errorf("placeholder subject missing: %q", ph)
	}
	if !strings.Contains(ph, "over the MaxSize limit") {
		t.Errorf("placeholder body missing: %q", ph)
	}
	st, _ := os.ReadFile(env.statePath())
	if !strings.Contains(string(st), ">") {
		t.Errorf("state lacks near-side dummy marker:\n%s", st)
	}

	// Flag the placeholder; the next run upgrades it to the real message.
	if err := env.stores[config.N].SetMsgFlags(context.Background(), near[0], near[0].UID, driver.FlagFlagged, 0); err != nil {
		t.Fatal(err)
	}
	if res := env.sync(); res != ResultOK {
		t.Fatalf("upgrade sync: %v", res)
	}
	near = env.messages(config.N)
	if len(near) != 1 {
		t.Fatalf("near has %d messages after upgrade, want 1", len(near))
	}
	full := env.fetch(config.N, near[0])
	if strings.Contains(full, "[placeholder]") {
		t.Errorf("placeholder not replaced: %.200q", full)
	}
	if !strings.Contains(full, strings.Repeat("x", 1024)) {
		t.Errorf("upgraded message lacks the real body")
	}
	st, _ = os.ReadFile(env.statePath())
	if strings.Contains(string(st), ">") {
		t.Errorf("dummy marker survived the upgrade:\n%s", st)
	}
}

func TestSyncExpiration(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.seed(config.F, testMessage(fmt.Sprintf("m%d", i), fmt.Sprintf("m%d", i)), driver.FlagSeen)
	}
	if res := env.sync(); res != ResultOK {
		t.Fatalf("first sync: %v", res)
	}
	if n := len(env.messages(config.N)); n != 5 {
		t.Fatalf("near has %d messages, want 5", n)
	}

	env.ch.MaxMessages = 2
	env.ch.ExpireUnreadMode = 0
	if res := env.sync(); res != ResultOK {
		t.Fatalf("expiring sync: %v", res)
	}
	near := env.messages(config.N)
	if len(near) != 2 {
		t.Fatalf("near has %d messages after expiration, want 2", len(near))
	}
	far := env.messages(config.F)
	if len(far) != 5 {
		t.Fatalf("far side lost messages to expiration: %d", len(far))
	}
	st, err := os.ReadFile(env.statePath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(st), "MaxExpiredFarUid 3") {
		t.Errorf("MaxExpiredFarUid not advanced to 3:\n%s", st)
	}

	// A further run must not re-propagate the expired messages.
	if res := env.sync(); res != ResultOK {
		t.Fatalf("third sync: %v", res)
	}
	if n := len(env.messages(config.N)); n != 2 {
		t.Errorf("expired messages came back: near has %d", n)
	}
}
