package local

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conf := &config.Store{
		Name:   "disk",
		Driver: "local",
		Path:   filepath.Join(t.TempDir(), "mail.db"),
		Trash:  "Trash",
	}
	s, err := OpenStore(context.Background(), conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Free(context.Background()) })
	if err := s.SelectBox("INBOX"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBox(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenBox(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

const sampleMsg = "From: x@example.com\nMessage-ID: <sample@example.com>\nX-TUID: abcdefghijkl\nSubject: s\n\nbody\n"

func load(t *testing.T, s *Store) *driver.LoadResult {
	t.Helper()
	s.PrepareLoadBox(driver.OpenOld | driver.OpenNew | driver.OpenFlags_ |
		driver.OpenOldSize | driver.OpenNewSize | driver.OpenFind | driver.OpenPairedIDs)
	res, err := s.LoadBox(context.Background(), driver.LoadParams{MinUID: 1})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	uid, err := s.StoreMsg(context.Background(), &driver.MsgData{
		Data:  []byte(sampleMsg),
		Flags: driver.FlagSeen,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 1 {
		t.Errorf("first uid = %d", uid)
	}
	if s.UIDNext() != 2 {
		t.Errorf("uidnext = %d", s.UIDNext())
	}

	res := load(t, s)
	if len(res.Msgs) != 1 || res.Total != 1 {
		t.Fatalf("load: %d msgs, total %d", len(res.Msgs), res.Total)
	}
	msg := res.Msgs[0]
	if msg.Flags != driver.FlagSeen {
		t.Errorf("flags = %q", msg.Flags)
	}
	if msg.TUID != "abcdefghijkl" {
		t.Errorf("tuid = %q", msg.TUID)
	}
	if msg.MsgID != "<sample@example.com>" {
		t.Errorf("msgid = %q", msg.MsgID)
	}
	if msg.Size != int64(len(sampleMsg)) {
		t.Errorf("size = %d", msg.Size)
	}

	data, err := s.FetchMsg(context.Background(), msg, false)
	if err != nil {
		t.Fatal(err)
	}
	if string(data.Data) != sampleMsg {
		t.Errorf("fetched body differs")
	}
	hdr, err := s.FetchMsg(context.Background(), msg, true)
	if err != nil {
		t.Fatal(err)
	}
	if string(hdr.Data) == sampleMsg || len(hdr.Data) == 0 {
		t.Errorf("minimal fetch returned %d bytes", len(hdr.Data))
	}
}

func TestStoreFlagsAndExpunge(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.StoreMsg(context.Background(), &driver.MsgData{Data: []byte(sampleMsg)}, false); err != nil {
			t.Fatal(err)
		}
	}
	res := load(t, s)
	if err := s.SetMsgFlags(context.Background(), res.Msgs[1], 2, driver.FlagDeleted, 0); err != nil {
		t.Fatal(err)
	}
	res.Msgs[1].Status |= driver.MsgExpunge

	expunged := 0
	s.SetCallbacks(func(msg *driver.Message) { expunged++ }, nil)
	reported, err := s.CloseBox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reported || expunged != 1 {
		t.Errorf("reported=%v expunged=%d", reported, expunged)
	}
	if _, err := s.OpenBox(context.Background()); err != nil {
		t.Fatal(err)
	}
	if res := load(t, s); len(res.Msgs) != 2 {
		t.Errorf("%d messages after expunge, want 2", len(res.Msgs))
	}
}

func TestStoreTrash(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreMsg(context.Background(), &driver.MsgData{Data: []byte(sampleMsg)}, false); err != nil {
		t.Fatal(err)
	}
	res := load(t, s)
	if err := s.TrashMsg(context.Background(), res.Msgs[0]); err != nil {
		t.Fatal(err)
	}
	boxes, err := s.ListBoxes(context.Background(), driver.ListInbox|driver.ListPath)
	if err != nil {
		t.Fatal(err)
	}
	foundTrash := false
	for _, b := range boxes {
		if b == "Trash" {
			foundTrash = true
		}
	}
	if !foundTrash {
		t.Errorf("trash box not created: %v", boxes)
	}
	if _, err := s.OpenBox(context.Background()); err != nil {
		t.Fatal(err)
	}
	if res := load(t, s); len(res.Msgs) != 0 {
		t.Errorf("message still in INBOX after trashing")
	}
}

func TestStoreFindNewMsgs(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 2; i++ {
		if _, err := s.StoreMsg(context.Background(), &driver.MsgData{Data: []byte(sampleMsg)}, false); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.FindNewMsgs(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UID != 2 || msgs[0].TUID != "abcdefghijkl" {
		t.Errorf("find-new: %+v", msgs)
	}
}
