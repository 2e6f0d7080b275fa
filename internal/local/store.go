package local

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
)

// Store implements driver.Store on a SQLite mail database. Messages are
// stored with LF line endings; the engine converts on the way in and out.
type Store struct {
	conf *config.Store
	db   *DB

	selected  string
	boxID     int64
	opened    bool
	uidNext   uint32
	opts      driver.OpenFlags
	onExpunge func(*driver.Message)
	onBad     func(error)

	msgs      []*driver.Message
	failState driver.FailState
	log       zerolog.Logger
}

// OpenStore opens (creating if needed) the store database
func OpenStore(ctx context.Context, conf *config.Store) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	db, err := Open(conf.Path)
	if err != nil {
		return nil, driver.StoreBad(err)
	}
	return &Store{
		conf: conf,
		db:   db,
		log:  logging.WithComponent("local").With().Str("store", conf.Name).Logger(),
	}, nil
}

// Caps: the local store keeps LF line endings and completes synchronously
func (s *Store) Caps() driver.Caps { return 0 }

func (s *Store) SetCallbacks(onExpunge func(*driver.Message), onBad func(error)) {
	s.onExpunge = onExpunge
	s.onBad = onBad
}

func (s *Store) ListBoxes(ctx context.Context, flags driver.ListFlags) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	rows, err := s.db.Query("SELECT name FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, driver.StoreBad(fmt.Errorf("failed to list mailboxes: %w", err))
	}
	defer rows.Close()
	var names []string
	seenInbox := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, driver.StoreBad(err)
		}
		if name == "INBOX" {
			seenInbox = true
			if flags&driver.ListInbox == 0 {
				continue
			}
		} else if flags&driver.ListPath == 0 {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, driver.StoreBad(err)
	}
	if flags&driver.ListInbox != 0 && !seenInbox {
		names = append(names, "INBOX")
		sort.Strings(names)
	}
	return names, nil
}

func (s *Store) SelectBox(name string) error {
	if s.conf.MapInbox != "" && name == s.conf.MapInbox {
		name = "INBOX"
	}
	s.selected = name
	s.opened = false
	s.boxID = 0
	return nil
}

func (s *Store) lookupBox(name string) (id int64, uidValidity, uidNext uint32, err error) {
	err = s.db.QueryRow(
		"SELECT id, uidvalidity, uidnext FROM mailboxes WHERE name = ?", name,
	).Scan(&id, &uidValidity, &uidNext)
	return
}

func (s *Store) OpenBox(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, driver.Canceled()
	}
	id, uidValidity, uidNext, err := s.lookupBox(s.selected)
	if err == sql.ErrNoRows {
		return 0, driver.BoxBad(fmt.Errorf("mailbox %s does not exist", s.selected))
	}
	if err != nil {
		return 0, driver.StoreBad(fmt.Errorf("cannot open %s: %w", s.selected, err))
	}
	s.boxID = id
	s.uidNext = uidNext
	s.opened = true
	s.msgs = nil
	s.log.Debug().
		Str("box", s.selected).
		Uint32("uidvalidity", uidValidity).
		Uint32("uidnext", uidNext).
		Msg("Opened box")
	return uidValidity, nil
}

func (s *Store) CreateBox(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	uidValidity := uint32(time.Now().Unix())
	_, err := s.db.Exec(
		"INSERT INTO mailboxes (name, uidvalidity) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		s.selected, uidValidity)
	if err != nil {
		return driver.StoreBad(fmt.Errorf("cannot create %s: %w", s.selected, err))
	}
	return nil
}

func (s *Store) DeleteBox(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	if _, err := s.db.Exec(
		"DELETE FROM messages WHERE mailbox_id IN (SELECT id FROM mailboxes WHERE name = ?)",
		s.selected); err != nil {
		return driver.BoxBad(fmt.Errorf("cannot empty %s: %w", s.selected, err))
	}
	return nil
}

func (s *Store) FinishDeleteBox() {
	if _, err := s.db.Exec("DELETE FROM mailboxes WHERE name = ?", s.selected); err != nil {
		s.log.Debug().Str("box", s.selected).Err(err).Msg("Mailbox removal failed")
	}
	os.RemoveAll(s.boxDir(s.selected))
}

func (s *Store) ConfirmBoxEmpty(ctx context.Context) error {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE mailbox_id IN (SELECT id FROM mailboxes WHERE name = ?)",
		s.selected).Scan(&n)
	if err != nil {
		return driver.StoreBad(err)
	}
	if n != 0 {
		return driver.BoxBad(fmt.Errorf("mailbox %s is not empty", s.selected))
	}
	return nil
}

// boxDir is the per-mailbox directory used for in-box sync state
func (s *Store) boxDir(name string) string {
	return filepath.Join(s.db.Path()+".boxes", strings.ReplaceAll(name, "/", "!"))
}

func (s *Store) BoxPath() string {
	dir := s.boxDir(s.selected)
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.log.Warn().Str("dir", dir).Err(err).Msg("Cannot create box state directory")
		return ""
	}
	return dir
}

func (s *Store) UIDNext() uint32 { return s.uidNext }

func (s *Store) SupportedFlags() driver.Flags { return driver.AllFlags }

func (s *Store) PrepareLoadBox(opts driver.OpenFlags) driver.OpenFlags {
	// Flags and sizes live in indexed columns; exact-UID expunge is native.
	opts |= driver.OpenFlags_ | driver.OpenUIDExpunge
	s.opts = opts
	return opts
}

func (s *Store) LoadBox(ctx context.Context, p driver.LoadParams) (*driver.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	if !s.opened {
		return nil, driver.BoxBad(fmt.Errorf("mailbox %s not opened", s.selected))
	}
	s.msgs = nil
	res := &driver.LoadResult{}

	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE mailbox_id = ?", s.boxID).Scan(&res.Total); err != nil {
		return nil, driver.StoreBad(err)
	}
	if p.MinUID == ^uint32(0) && len(p.Excs) == 0 {
		return res, nil
	}

	max := p.MaxUID
	if max == 0 {
		max = ^uint32(0)
	}
	query := `SELECT uid, flags, size, tuid, message_id FROM messages
		WHERE mailbox_id = ? AND (uid BETWEEN ? AND ?`
	args := []any{s.boxID, p.MinUID, max}
	for _, exc := range p.Excs {
		query += " OR uid = ?"
		args = append(args, exc)
	}
	query += ") ORDER BY uid"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, driver.StoreBad(fmt.Errorf("cannot load %s: %w", s.selected, err))
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		var flags int
		var size int64
		var tuid, msgid string
		if err := rows.Scan(&uid, &flags, &size, &tuid, &msgid); err != nil {
			return nil, driver.StoreBad(err)
		}
		msg := &driver.Message{
			UID:    uid,
			Flags:  driver.Flags(flags),
			Status: driver.MsgHasFlags,
		}
		if s.opts&(driver.OpenOldSize|driver.OpenNewSize) != 0 {
			msg.Size = size
			msg.Status |= driver.MsgHasSize
		}
		if s.opts&driver.OpenFind != 0 && uid >= p.FindUID && len(tuid) == driver.TUIDLength {
			msg.TUID = tuid
		}
		if uid <= p.PairUID || s.opts&driver.OpenPairedIDs != 0 {
			msg.MsgID = msgid
		}
		s.msgs = append(s.msgs, msg)
		res.Msgs = append(res.Msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, driver.StoreBad(err)
	}
	return res, nil
}

func (s *Store) FetchMsg(ctx context.Context, msg *driver.Message, minimal bool) (*driver.MsgData, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	var raw []byte
	var flags int
	var date int64
	err := s.db.QueryRow(
		"SELECT raw, flags, internal_date FROM messages WHERE mailbox_id = ? AND uid = ?",
		s.boxID, msg.UID).Scan(&raw, &flags, &date)
	if err == sql.ErrNoRows {
		msg.Status |= driver.MsgDead
		return nil, driver.MsgBad(fmt.Errorf("message %d is gone", msg.UID))
	}
	if err != nil {
		return nil, driver.StoreBad(err)
	}
	if minimal {
		if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
			raw = raw[:idx+1]
		}
	}
	data := &driver.MsgData{
		Data:  raw,
		Flags: driver.Flags(flags),
	}
	if date != 0 {
		data.Date = time.Unix(date, 0)
	}
	msg.Flags = data.Flags
	msg.Status |= driver.MsgHasFlags
	return data, nil
}

// headerInfo extracts the TUID and Message-ID columns from a message
func headerInfo(raw []byte) (tuid, msgid string) {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", ""
	}
	if v := hdr.Get("X-TUID"); len(v) == driver.TUIDLength {
		tuid = v
	}
	msgid = strings.TrimSpace(hdr.Get("Message-Id"))
	return
}

func (s *Store) StoreMsg(ctx context.Context, data *driver.MsgData, toTrash bool) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, driver.Canceled()
	}
	boxID := s.boxID
	if toTrash {
		var err error
		if boxID, err = s.trashID(ctx); err != nil {
			return 0, err
		}
	}

	tuid, msgid := headerInfo(data.Data)
	date := time.Now().Unix()
	if !data.Date.IsZero() {
		date = data.Date.Unix()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, driver.StoreBad(err)
	}
	defer tx.Rollback()

	var uid uint32
	if err := tx.QueryRow("SELECT uidnext FROM mailboxes WHERE id = ?", boxID).Scan(&uid); err != nil {
		return 0, driver.StoreBad(err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (mailbox_id, uid, flags, internal_date, size, tuid, message_id, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		boxID, uid, int(data.Flags), date, int64(len(data.Data)), tuid, msgid, data.Data); err != nil {
		return 0, driver.MsgBad(fmt.Errorf("cannot store message: %w", err))
	}
	if _, err := tx.Exec("UPDATE mailboxes SET uidnext = ? WHERE id = ?", uid+1, boxID); err != nil {
		return 0, driver.StoreBad(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, driver.StoreBad(err)
	}
	if !toTrash {
		s.uidNext = uid + 1
	}
	return uid, nil
}

// trashID returns the trash mailbox id, creating the box on first use
func (s *Store) trashID(ctx context.Context) (int64, error) {
	if s.conf.Trash == "" {
		return 0, driver.BoxBad(fmt.Errorf("store %s has no trash configured", s.conf.Name))
	}
	id, _, _, err := s.lookupBox(s.conf.Trash)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(
			"INSERT INTO mailboxes (name, uidvalidity) VALUES (?, ?)",
			s.conf.Trash, uint32(time.Now().Unix())); err != nil {
			return 0, driver.StoreBad(fmt.Errorf("cannot create trash: %w", err))
		}
		id, _, _, err = s.lookupBox(s.conf.Trash)
	}
	if err != nil {
		return 0, driver.StoreBad(err)
	}
	return id, nil
}

func (s *Store) FindNewMsgs(ctx context.Context, newuid uint32) ([]*driver.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	rows, err := s.db.Query(
		"SELECT uid, flags, tuid FROM messages WHERE mailbox_id = ? AND uid >= ? ORDER BY uid",
		s.boxID, newuid)
	if err != nil {
		return nil, driver.StoreBad(err)
	}
	defer rows.Close()
	var msgs []*driver.Message
	for rows.Next() {
		var uid uint32
		var flags int
		var tuid string
		if err := rows.Scan(&uid, &flags, &tuid); err != nil {
			return nil, driver.StoreBad(err)
		}
		msgs = append(msgs, &driver.Message{
			UID:    uid,
			Flags:  driver.Flags(flags),
			Status: driver.MsgHasFlags,
			TUID:   tuid,
		})
	}
	return msgs, rows.Err()
}

func (s *Store) SetMsgFlags(ctx context.Context, msg *driver.Message, uid uint32, add, del driver.Flags) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	res, err := s.db.Exec(
		"UPDATE messages SET flags = (flags | ?) & ~? WHERE mailbox_id = ? AND uid = ?",
		int(add), int(del), s.boxID, uid)
	if err != nil {
		return driver.StoreBad(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return driver.MsgBad(fmt.Errorf("message %d is gone", uid))
	}
	if msg != nil {
		msg.Flags = (msg.Flags | add) &^ del
	}
	return nil
}

func (s *Store) TrashMsg(ctx context.Context, msg *driver.Message) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	trashID, err := s.trashID(ctx)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return driver.StoreBad(err)
	}
	defer tx.Rollback()
	var uid uint32
	if err := tx.QueryRow("SELECT uidnext FROM mailboxes WHERE id = ?", trashID).Scan(&uid); err != nil {
		return driver.StoreBad(err)
	}
	res, err := tx.Exec(
		"UPDATE messages SET mailbox_id = ?, uid = ? WHERE mailbox_id = ? AND uid = ?",
		trashID, uid, s.boxID, msg.UID)
	if err != nil {
		return driver.StoreBad(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return driver.MsgBad(fmt.Errorf("message %d is gone", msg.UID))
	}
	if _, err := tx.Exec("UPDATE mailboxes SET uidnext = ? WHERE id = ?", uid+1, trashID); err != nil {
		return driver.StoreBad(err)
	}
	if err := tx.Commit(); err != nil {
		return driver.StoreBad(err)
	}
	msg.Status |= driver.MsgDead
	return nil
}

func (s *Store) CloseBox(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, driver.Canceled()
	}
	for _, msg := range s.msgs {
		if msg.Status&driver.MsgDead != 0 {
			continue
		}
		doomed := msg.Status&driver.MsgExpunge != 0
		if s.opts&driver.OpenUIDExpunge == 0 {
			doomed = msg.Flags&driver.FlagDeleted != 0
		}
		if !doomed {
			continue
		}
		res, err := s.db.Exec(
			"DELETE FROM messages WHERE mailbox_id = ? AND uid = ?", s.boxID, msg.UID)
		if err != nil {
			return false, driver.BoxBad(fmt.Errorf("cannot expunge %d: %w", msg.UID, err))
		}
		if n, _ := res.RowsAffected(); n != 0 {
			msg.Status |= driver.MsgDead
			if s.onExpunge != nil {
				s.onExpunge(msg)
			}
		}
	}
	return true, nil
}

func (s *Store) Free(ctx context.Context) {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

func (s *Store) Cancel() {
	s.Free(context.Background())
	s.failState = driver.FailTemp
}

func (s *Store) FailState() driver.FailState { return s.failState }

func (s *Store) MemoryUsage() int64 { return 0 }
