package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
)

// tuidHeader is the header carrying the transient UID of a copied message
const tuidHeader = "X-TUID"

// trashState tracks what we know about the trash mailbox
type trashState int

const (
	trashUnknown trashState = iota
	trashChecking
	trashPresent
)

// Store implements driver.Store against an IMAP server
type Store struct {
	conf   *config.Store
	client *Client
	cl     *imapclient.Client

	prefix string // personal namespace prefix, raw (server-side) form
	delim  string // server hierarchy delimiter

	selected    string // canonical box name
	selectedRaw string // encoded server-side name
	opened      bool

	uidValidity uint32
	uidNext     uint32
	totalMsgs   uint32
	recentMsgs  uint32

	opts  driver.OpenFlags
	trash trashState

	// msgs is the UID-ordered list of loaded messages; seqs parallels it
	// with each message's last known sequence number, for translating
	// EXPUNGE responses.
	msgs  []*driver.Message
	seqs  []uint32
	seqOf map[uint32]uint32 // uid -> last known sequence number
	pool  *Pool

	onExpunge func(*driver.Message)
	onBad     func(error)

	failState driver.FailState
	log       zerolog.Logger
}

// OpenStore connects (or reuses a pooled connection) and returns a Store
// for the given configuration.
func OpenStore(ctx context.Context, conf *config.Store, pool *Pool) (*Store, error) {
	s := &Store{
		conf:  conf,
		pool:  pool,
		seqOf: map[uint32]uint32{},
		log:   logging.WithComponent("imap").With().Str("store", conf.Name).Logger(),
	}

	client, err := pool.Get(ctx, conf, s.handleExpunge)
	if err != nil {
		s.failState = driver.FailWait
		return nil, driver.StoreBad(err)
	}
	s.client = client
	s.cl = client.RawClient()

	if err := s.discoverNamespace(); err != nil {
		pool.Discard(client)
		s.failState = driver.FailWait
		return nil, driver.StoreBad(err)
	}
	return s, nil
}

// discoverNamespace fills in the personal namespace prefix and delimiter
func (s *Store) discoverNamespace() error {
	if s.conf.FlatDelim != "" {
		// FlatDelim is only logged; box names are encoded with the
		// server delimiter and are not flattened.
		s.log.Debug().Str("flatDelim", s.conf.FlatDelim).Msg("Ignoring flat_delim")
	}
	if s.client.HasCap(imap.CapNamespace) {
		data, err := s.cl.Namespace().Wait()
		if err != nil {
			return fmt.Errorf("NAMESPACE failed: %w", err)
		}
		if len(data.Personal) > 0 {
			s.prefix = data.Personal[0].Prefix
			if data.Personal[0].Delim != 0 {
				s.delim = string(data.Personal[0].Delim)
			}
		}
	}
	if s.delim == "" {
		// Fall back to a LIST probe for the delimiter.
		listCmd := s.cl.List("", "", nil)
		for {
			mbox := listCmd.Next()
			if mbox == nil {
				break
			}
			if mbox.Delim != 0 {
				s.delim = string(mbox.Delim)
			}
		}
		if err := listCmd.Close(); err != nil {
			return fmt.Errorf("LIST probe failed: %w", err)
		}
	}
	if s.delim == "" {
		s.delim = "/"
	}
	s.log.Debug().Str("prefix", s.prefix).Str("delim", s.delim).Msg("Namespace discovered")
	return nil
}

// Caps reports CRLF storage and pipelining
func (s *Store) Caps() driver.Caps {
	return driver.CapCRLF | driver.CapAsync
}

func (s *Store) SetCallbacks(onExpunge func(*driver.Message), onBad func(error)) {
	s.onExpunge = onExpunge
	s.onBad = onBad
}

// handleExpunge translates a unilateral EXPUNGE sequence number into a UID
// and renumbers the remaining messages.
func (s *Store) handleExpunge(seq uint32) {
	for i, ms := range s.seqs {
		if ms == seq {
			msg := s.msgs[i]
			msg.Status |= driver.MsgDead
			s.seqs[i] = 0
			if s.totalMsgs > 0 {
				s.totalMsgs--
			}
			for j := range s.seqs {
				if s.seqs[j] > seq {
					s.seqs[j]--
				}
			}
			if s.onExpunge != nil {
				s.onExpunge(msg)
			}
			return
		}
	}
	// Not one of ours; still renumber.
	for j := range s.seqs {
		if s.seqs[j] > seq {
			s.seqs[j]--
		}
	}
	if s.totalMsgs > 0 {
		s.totalMsgs--
	}
}

// encodeBox maps a canonical name to the server-side raw name
func (s *Store) encodeBox(name string) (string, error) {
	if strings.EqualFold(name, "INBOX") {
		if name != "INBOX" && s.prefix != "" {
			return "", driver.BoxBad(fmt.Errorf("ambiguous mailbox name %q (INBOX under a prefix must be uppercase)", name))
		}
		return "INBOX", nil
	}
	mapped := name
	if s.delim != "/" {
		if strings.Contains(name, s.delim) {
			return "", driver.BoxBad(fmt.Errorf("canonical mailbox name %q contains the server delimiter", name))
		}
		mapped = strings.ReplaceAll(name, "/", s.delim)
	}
	if !s.client.HasCap(imap.CapIMAP4rev2) {
		enc, err := EncodeUTF7(mapped)
		if err != nil {
			return "", driver.BoxBad(fmt.Errorf("mailbox name %q: %w", name, err))
		}
		mapped = enc
	}
	return s.prefix + mapped, nil
}

// decodeBox maps a server-side raw name to canonical form
func (s *Store) decodeBox(raw string) (string, bool) {
	if strings.EqualFold(raw, "INBOX") {
		return "INBOX", true
	}
	name, ok := strings.CutPrefix(raw, s.prefix)
	if !ok {
		return "", false
	}
	if !s.client.HasCap(imap.CapIMAP4rev2) {
		dec, err := DecodeUTF7(name)
		if err != nil {
			s.log.Warn().Str("mailbox", raw).Err(err).Msg("Skipping mailbox with malformed UTF-7 name")
			return "", false
		}
		name = dec
	}
	if s.delim != "/" {
		if strings.Contains(name, "/") {
			s.log.Warn().Str("mailbox", raw).Msg("Skipping mailbox whose name contains the canonical delimiter")
			return "", false
		}
		name = strings.ReplaceAll(name, s.delim, "/")
	}
	return name, true
}

func (s *Store) ListBoxes(ctx context.Context, flags driver.ListFlags) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	var names []string
	seen := map[string]bool{}

	if flags&driver.ListPath != 0 {
		listCmd := s.cl.List(s.prefix, "*", nil)
		for {
			mbox := listCmd.Next()
			if mbox == nil {
				break
			}
			if hasAttr(mbox.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			if name, ok := s.decodeBox(mbox.Mailbox); ok && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		if err := listCmd.Close(); err != nil {
			return nil, driver.StoreBad(fmt.Errorf("failed to list mailboxes: %w", err))
		}
	}
	if flags&driver.ListInbox != 0 && !seen["INBOX"] {
		names = append(names, "INBOX")
	}
	sort.Strings(names)
	return names, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func (s *Store) SelectBox(name string) error {
	if s.conf.MapInbox != "" && name == s.conf.MapInbox {
		name = "INBOX"
	}
	raw, err := s.encodeBox(name)
	if err != nil {
		return err
	}
	s.selected = name
	s.selectedRaw = raw
	s.opened = false
	return nil
}

func (s *Store) OpenBox(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, driver.Canceled()
	}
	data, err := s.cl.Select(s.selectedRaw, nil).Wait()
	if err != nil {
		return 0, driver.BoxBad(fmt.Errorf("cannot select %s: %w", s.selected, err))
	}
	s.opened = true
	s.uidValidity = data.UIDValidity
	s.uidNext = uint32(data.UIDNext)
	s.totalMsgs = data.NumMessages
	s.recentMsgs = 0
	s.msgs = nil
	s.seqs = nil
	s.log.Debug().
		Str("box", s.selected).
		Uint32("uidvalidity", s.uidValidity).
		Uint32("uidnext", s.uidNext).
		Uint32("messages", s.totalMsgs).
		Msg("Opened box")
	return s.uidValidity, nil
}

func (s *Store) CreateBox(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	if err := s.cl.Create(s.selectedRaw, nil).Wait(); err != nil {
		// Benign if the box appeared meanwhile.
		if !strings.Contains(strings.ToLower(err.Error()), "already") {
			return driver.BoxBad(fmt.Errorf("cannot create %s: %w", s.selected, err))
		}
	}
	return nil
}

func (s *Store) DeleteBox(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	// Nuke the contents first, so a failing DELETE (common on namespace
	// roots) still leaves an empty box.
	seqSet := imap.SeqSet{}
	seqSet.AddRange(1, 0)
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}
	if err := s.cl.Store(seqSet, store, nil).Close(); err != nil {
		return driver.BoxBad(fmt.Errorf("cannot mark %s for deletion: %w", s.selected, err))
	}
	expunge := s.cl.Expunge()
	if err := expunge.Close(); err != nil {
		return driver.BoxBad(fmt.Errorf("cannot expunge %s: %w", s.selected, err))
	}
	return nil
}

func (s *Store) FinishDeleteBox() {
	if err := s.cl.Delete(s.selectedRaw).Wait(); err != nil {
		s.log.Debug().Str("box", s.selected).Err(err).Msg("Mailbox removal failed (contents were deleted)")
	}
}

func (s *Store) ConfirmBoxEmpty(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	data, err := s.cl.Status(s.selectedRaw, &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		return driver.BoxBad(fmt.Errorf("cannot get status of %s: %w", s.selected, err))
	}
	if data.NumMessages == nil || *data.NumMessages != 0 {
		return driver.BoxBad(fmt.Errorf("mailbox %s is not empty", s.selected))
	}
	return nil
}

// BoxPath returns "": IMAP stores have no local path for in-box sync state
func (s *Store) BoxPath() string { return "" }

func (s *Store) UIDNext() uint32 { return s.uidNext }

// SupportedFlags: IMAP supports the full syncable set; $Forwarded is a
// keyword, assumed available on servers with PERMANENTFLAGS \*.
func (s *Store) SupportedFlags() driver.Flags { return driver.AllFlags }

func (s *Store) PrepareLoadBox(opts driver.OpenFlags) driver.OpenFlags {
	// Flags arrive with every FETCH anyway.
	if opts&(driver.OpenOld|driver.OpenNew|driver.OpenPaired) != 0 {
		opts |= driver.OpenFlags_
	}
	if opts&driver.OpenUIDExpunge != 0 && !s.client.HasCap(imap.CapUIDPlus) {
		opts &^= driver.OpenUIDExpunge
	}
	s.opts = opts
	return opts
}

// flagsFromIMAP converts go-imap flags to the driver bit-set
func flagsFromIMAP(flags []imap.Flag) driver.Flags {
	var f driver.Flags
	for _, fl := range flags {
		switch {
		case fl == imap.FlagDraft:
			f |= driver.FlagDraft
		case fl == imap.FlagFlagged:
			f |= driver.FlagFlagged
		case fl == imap.FlagForwarded || strings.EqualFold(string(fl), "$Forwarded"):
			f |= driver.FlagForwarded
		case fl == imap.FlagAnswered:
			f |= driver.FlagAnswered
		case fl == imap.FlagSeen:
			f |= driver.FlagSeen
		case fl == imap.FlagDeleted:
			f |= driver.FlagDeleted
		}
	}
	return f
}

// flagsToIMAP converts the driver bit-set to go-imap flags
func flagsToIMAP(f driver.Flags) []imap.Flag {
	var flags []imap.Flag
	if f&driver.FlagDraft != 0 {
		flags = append(flags, imap.FlagDraft)
	}
	if f&driver.FlagFlagged != 0 {
		flags = append(flags, imap.FlagFlagged)
	}
	if f&driver.FlagForwarded != 0 {
		flags = append(flags, imap.FlagForwarded)
	}
	if f&driver.FlagAnswered != 0 {
		flags = append(flags, imap.FlagAnswered)
	}
	if f&driver.FlagSeen != 0 {
		flags = append(flags, imap.FlagSeen)
	}
	if f&driver.FlagDeleted != 0 {
		flags = append(flags, imap.FlagDeleted)
	}
	return flags
}

// parseHeaderFields extracts X-TUID and Message-ID from a HEADER.FIELDS
// literal, with folding handled by textproto.
func parseHeaderFields(raw []byte, msg *driver.Message) {
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(raw, '\r', '\n'))))
	hdr, err := tr.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return
	}
	if tuid := hdr.Get(tuidHeader); len(tuid) == driver.TUIDLength {
		msg.TUID = tuid
	}
	if msgid := hdr.Get("Message-Id"); msgid != "" {
		msg.MsgID = strings.TrimSpace(msgid)
		msg.Status |= driver.MsgHasHeader
	}
}

func (s *Store) LoadBox(ctx context.Context, p driver.LoadParams) (*driver.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	s.msgs = nil
	s.seqs = nil
	byUID := map[uint32]*driver.Message{}

	if s.totalMsgs > 0 && p.MinUID != ^uint32(0) {
		// Bulk range plus exceptions in one go; the TUID/Message-ID
		// capture range is fetched separately with header fields.
		uidSet := imap.UIDSet{}
		if p.MaxUID == 0 {
			uidSet.AddRange(imap.UID(p.MinUID), 0)
		} else if p.MinUID <= p.MaxUID {
			uidSet.AddRange(imap.UID(p.MinUID), imap.UID(p.MaxUID))
		}
		for _, uid := range p.Excs {
			uidSet.AddNum(imap.UID(uid))
		}
		if len(uidSet) > 0 {
			opts := &imap.FetchOptions{UID: true}
			if s.opts&driver.OpenFlags_ != 0 {
				opts.Flags = true
			}
			if s.opts&(driver.OpenOldSize|driver.OpenNewSize) != 0 {
				opts.RFC822Size = true
			}
			if err := s.fetchInto(ctx, uidSet, opts, byUID); err != nil {
				return nil, err
			}
		}

		if s.opts&(driver.OpenFind|driver.OpenPairedIDs) != 0 {
			hdrFields := []string{"Message-Id"}
			start := p.PairUID
			if s.opts&driver.OpenFind != 0 && p.FindUID != 0 {
				hdrFields = append(hdrFields, tuidHeader)
				if p.FindUID < start || start == 0 {
					start = p.FindUID
				}
			}
			if s.opts&driver.OpenPairedIDs != 0 {
				start = 1
			}
			if start != 0 {
				hdrSet := imap.UIDSet{}
				hdrSet.AddRange(imap.UID(start), 0)
				opts := &imap.FetchOptions{
					UID: true,
					BodySection: []*imap.FetchItemBodySection{{
						Specifier:    imap.PartSpecifierHeader,
						HeaderFields: hdrFields,
						Peek:         true,
					}},
				}
				if err := s.fetchInto(ctx, hdrSet, opts, byUID); err != nil {
					return nil, err
				}
			}
		}
	}

	uids := make([]uint32, 0, len(byUID))
	for uid := range byUID {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	res := &driver.LoadResult{Total: int(s.totalMsgs)}
	for _, uid := range uids {
		msg := byUID[uid]
		s.msgs = append(s.msgs, msg)
		s.seqs = append(s.seqs, s.seqOf[uid])
		res.Msgs = append(res.Msgs, msg)
		if msg.Status&driver.MsgRecent != 0 {
			res.Recent++
		}
	}
	s.recentMsgs = uint32(res.Recent)
	return res, nil
}

// fetchInto streams one FETCH command into the byUID map
func (s *Store) fetchInto(ctx context.Context, set imap.UIDSet, opts *imap.FetchOptions, byUID map[uint32]*driver.Message) error {
	fetchCmd := s.cl.Fetch(set, opts)
	for {
		if err := ctx.Err(); err != nil {
			fetchCmd.Close()
			return driver.Canceled()
		}
		md := fetchCmd.Next()
		if md == nil {
			break
		}
		var uid uint32
		var flags []imap.Flag
		var haveFlags bool
		var size int64
		var hdrRaw []byte
		for {
			item := md.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(data.UID)
			case imapclient.FetchItemDataFlags:
				flags = data.Flags
				haveFlags = true
			case imapclient.FetchItemDataRFC822Size:
				size = data.Size
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					raw, err := io.ReadAll(data.Literal)
					if err == nil {
						hdrRaw = raw
					}
				}
			}
		}
		if uid == 0 {
			// A FETCH without UID is an unsolicited flag update; ignore.
			continue
		}
		msg := byUID[uid]
		if msg == nil {
			msg = &driver.Message{UID: uid}
			byUID[uid] = msg
		}
		if md.SeqNum != 0 {
			s.seqOf[uid] = md.SeqNum
		}
		if haveFlags {
			msg.Flags = flagsFromIMAP(flags)
			msg.Status |= driver.MsgHasFlags
			if hasFlag(flags, imap.Flag("\\Recent")) {
				msg.Status |= driver.MsgRecent
			}
		}
		if size != 0 {
			msg.Size = size
			msg.Status |= driver.MsgHasSize
		}
		if hdrRaw != nil {
			parseHeaderFields(hdrRaw, msg)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return driver.BoxBad(fmt.Errorf("FETCH failed: %w", err))
	}
	return nil
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func (s *Store) FetchMsg(ctx context.Context, msg *driver.Message, minimal bool) (*driver.MsgData, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(msg.UID))
	section := &imap.FetchItemBodySection{Peek: true}
	if minimal {
		section.Specifier = imap.PartSpecifierHeader
	}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	data := &driver.MsgData{}
	found := false
	fetchCmd := s.cl.Fetch(uidSet, opts)
	for {
		md := fetchCmd.Next()
		if md == nil {
			break
		}
		buf, err := md.Collect()
		if err != nil {
			fetchCmd.Close()
			return nil, driver.MsgBad(fmt.Errorf("cannot fetch message %d: %w", msg.UID, err))
		}
		if uint32(buf.UID) != msg.UID {
			continue
		}
		found = true
		data.Flags = flagsFromIMAP(buf.Flags)
		data.Date = buf.InternalDate
		for _, sec := range buf.BodySection {
			data.Data = sec.Bytes
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, driver.MsgBad(fmt.Errorf("cannot fetch message %d: %w", msg.UID, err))
	}
	if !found || data.Data == nil {
		msg.Status |= driver.MsgDead
		return nil, driver.MsgBad(fmt.Errorf("message %d is gone", msg.UID))
	}
	msg.Flags = data.Flags
	msg.Status |= driver.MsgHasFlags
	return data, nil
}

// ensureTrash creates the trash mailbox once, on first use
func (s *Store) ensureTrash(ctx context.Context) (string, error) {
	raw, err := s.encodeBox(s.conf.Trash)
	if err != nil {
		return "", err
	}
	if s.trash == trashPresent {
		return raw, nil
	}
	s.trash = trashChecking
	listCmd := s.cl.List("", raw, nil)
	exists := false
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		if mbox.Mailbox == raw {
			exists = true
		}
	}
	if err := listCmd.Close(); err != nil {
		s.trash = trashUnknown
		return "", driver.StoreBad(fmt.Errorf("cannot list trash: %w", err))
	}
	if !exists {
		if err := s.cl.Create(raw, nil).Wait(); err != nil {
			s.trash = trashUnknown
			return "", driver.StoreBad(fmt.Errorf("cannot create trash %s: %w", s.conf.Trash, err))
		}
	}
	s.trash = trashPresent
	return raw, nil
}

func (s *Store) StoreMsg(ctx context.Context, data *driver.MsgData, toTrash bool) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, driver.Canceled()
	}
	target := s.selectedRaw
	if toTrash {
		var err error
		if target, err = s.ensureTrash(ctx); err != nil {
			return 0, err
		}
	}
	uid, err := s.append(ctx, target, data)
	if err != nil && !toTrash {
		// NO [TRYCREATE]: create the target and retry once.
		if strings.Contains(strings.ToUpper(err.Error()), "TRYCREATE") {
			if cerr := s.cl.Create(target, nil).Wait(); cerr == nil {
				uid, err = s.append(ctx, target, data)
			}
		}
	}
	if err != nil {
		return 0, driver.MsgBad(fmt.Errorf("cannot store message: %w", err))
	}
	if !toTrash && uid != 0 && uid >= s.uidNext {
		s.uidNext = uid + 1
	}
	return uid, nil
}

func (s *Store) append(ctx context.Context, target string, data *driver.MsgData) (uint32, error) {
	opts := &imap.AppendOptions{Flags: flagsToIMAP(data.Flags)}
	if !data.Date.IsZero() {
		opts.Time = data.Date
	}
	appendCmd := s.cl.Append(target, int64(len(data.Data)), opts)
	if _, err := appendCmd.Write(data.Data); err != nil {
		appendCmd.Close()
		return 0, err
	}
	if err := appendCmd.Close(); err != nil {
		return 0, err
	}
	res, err := appendCmd.Wait()
	if err != nil {
		return 0, err
	}
	return uint32(res.UID), nil
}

func (s *Store) FindNewMsgs(ctx context.Context, newuid uint32) ([]*driver.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, driver.Canceled()
	}
	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(newuid), 0)
	byUID := map[uint32]*driver.Message{}
	opts := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{{
			Specifier:    imap.PartSpecifierHeader,
			HeaderFields: []string{tuidHeader, "Message-Id"},
			Peek:         true,
		}},
	}
	if err := s.fetchInto(ctx, uidSet, opts, byUID); err != nil {
		return nil, err
	}
	uids := make([]uint32, 0, len(byUID))
	for uid := range byUID {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	msgs := make([]*driver.Message, 0, len(uids))
	for _, uid := range uids {
		msgs = append(msgs, byUID[uid])
	}
	return msgs, nil
}

func (s *Store) SetMsgFlags(ctx context.Context, msg *driver.Message, uid uint32, add, del driver.Flags) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	if add != 0 {
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: flagsToIMAP(add), Silent: true}
		if err := s.cl.Store(uidSet, store, nil).Close(); err != nil {
			return driver.MsgBad(fmt.Errorf("cannot add flags on %d: %w", uid, err))
		}
	}
	if del != 0 {
		store := &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: flagsToIMAP(del), Silent: true}
		if err := s.cl.Store(uidSet, store, nil).Close(); err != nil {
			return driver.MsgBad(fmt.Errorf("cannot remove flags on %d: %w", uid, err))
		}
	}
	if msg != nil {
		msg.Flags = (msg.Flags | add) &^ del
	}
	return nil
}

// TrashMsg moves the message into this store's trash folder, using MOVE
// when available.
func (s *Store) TrashMsg(ctx context.Context, msg *driver.Message) error {
	if err := ctx.Err(); err != nil {
		return driver.Canceled()
	}
	target, err := s.ensureTrash(ctx)
	if err != nil {
		return err
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(msg.UID))
	if s.client.HasCap(imap.CapMove) {
		if _, err := s.cl.Move(uidSet, target).Wait(); err != nil {
			return driver.MsgBad(fmt.Errorf("cannot move %d to trash: %w", msg.UID, err))
		}
		msg.Status |= driver.MsgDead
		return nil
	}
	if _, err := s.cl.Copy(uidSet, target).Wait(); err != nil {
		return driver.MsgBad(fmt.Errorf("cannot copy %d to trash: %w", msg.UID, err))
	}
	return nil
}

func (s *Store) CloseBox(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, driver.Canceled()
	}
	var expungeCmd *imapclient.ExpungeCommand
	if s.opts&driver.OpenUIDExpunge != 0 {
		uidSet := imap.UIDSet{}
		n := 0
		for _, msg := range s.msgs {
			if msg.Status&driver.MsgExpunge != 0 && msg.Status&driver.MsgDead == 0 {
				uidSet.AddNum(imap.UID(msg.UID))
				n++
			}
		}
		if n == 0 {
			return true, nil
		}
		expungeCmd = s.cl.UIDExpunge(uidSet)
	} else {
		expungeCmd = s.cl.Expunge()
	}
	for {
		seq := expungeCmd.Next()
		if seq == 0 {
			break
		}
		s.handleExpunge(seq)
	}
	if err := expungeCmd.Close(); err != nil {
		return false, driver.BoxBad(fmt.Errorf("cannot expunge %s: %w", s.selected, err))
	}
	return true, nil
}

// Free returns the connection to the pool for reuse by a later channel
func (s *Store) Free(ctx context.Context) {
	if s.client != nil {
		s.client.SetExpungeHandler(nil)
		s.pool.Put(s.conf, s.client)
		s.client = nil
		s.cl = nil
	}
}

// Cancel destroys the connection after a fatal error
func (s *Store) Cancel() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.cl = nil
	}
	s.failState = driver.FailWait
}

func (s *Store) FailState() driver.FailState { return s.failState }

// MemoryUsage: payloads are handed off synchronously, nothing is buffered
func (s *Store) MemoryUsage() int64 { return 0 }
