// Package driver defines the uniform store abstraction both sync sides
// implement. The engine only ever talks to a Store; whether messages live on
// an IMAP server or in the local database is invisible above this interface.
package driver

import (
	"context"
	"time"
)

// TUIDLength is the length of the transient UID token injected as an
// X-TUID header into copied messages.
const TUIDLength = 12

// Message status bits (ephemeral, per run)
type MsgStatus uint8

const (
	MsgRecent MsgStatus = 1 << iota
	MsgDead             // expunged
	MsgHasFlags
	MsgHasSize
	MsgHasBody
	MsgHasHeader
	MsgExpunge // marked for expunge by the engine
)

// Message is a driver-supplied view of one stored message. UID 0 means
// "absent/not stored". Size and flags are populated according to the open
// flags the box was loaded with.
type Message struct {
	UID    uint32
	Size   int64
	Flags  Flags
	Status MsgStatus
	TUID   string // captured X-TUID header, empty if none
	MsgID  string // Message-ID, captured for UIDVALIDITY recovery
}

// MsgData is a message payload in transit between stores
type MsgData struct {
	Data  []byte
	Flags Flags
	// Date is the internal date to store with the message; zero means
	// "let the target assign its own".
	Date time.Time
}

// Open flags: the engine requests a load profile, the driver answers with
// the subset (or superset) it will actually honor.
type OpenFlags uint16

const (
	OpenOld        OpenFlags = 1 << iota // fetch the paired range
	OpenNew                              // fetch past maxuid
	OpenPaired                           // messages known via the state file
	OpenPairedIDs                        // capture Message-IDs for re-validation
	OpenFind                             // capture X-TUID headers
	OpenFlags_                           // fetch flags
	OpenOldSize                          // sizes for the paired range
	OpenNewSize                          // sizes for the new range
	OpenAppend                           // we will append
	OpenSetFlags                         // we will store flags
	OpenExpunge                          // we will expunge
	OpenUIDExpunge                       // driver can expunge an exact UID set
)

// Capability bits reported by GetCaps
type Caps uint8

const (
	// CapCRLF says the driver can store messages with CRLF line endings.
	// Without it the engine strips CRs before storing.
	CapCRLF Caps = 1 << iota
	// CapVerbose says the driver honors the verbose flag itself
	CapVerbose
	// CapAsync says the driver actually pipelines commands
	CapAsync
)

// ListFlags select which mailbox listings are of interest
type ListFlags uint8

const (
	ListInbox ListFlags = 1 << iota
	ListPath
)

// LoadParams bound a LoadBox call. Messages in [MinUID, MaxUID] plus the
// exception UIDs Excs are loaded. TUIDs are captured for UIDs >= FindUID,
// Message-IDs for UIDs <= PairUID; NewUID is the maxuid boundary between the
// "old" and "new" size interest ranges.
type LoadParams struct {
	MinUID  uint32
	MaxUID  uint32 // 0 means unbounded
	FindUID uint32
	PairUID uint32
	NewUID  uint32
	Excs    []uint32
}

// LoadResult is the outcome of LoadBox. Msgs is sorted by ascending UID.
type LoadResult struct {
	Msgs   []*Message
	Total  int
	Recent int
}

// Store is one opened endpoint of a channel. Implementations are not safe
// for concurrent use; the engine serializes access per store.
//
// Methods taking a context may block; a canceled context yields a
// KindCanceled error. Methods returning classified failures wrap them in
// *Error.
type Store interface {
	// Caps reports the driver capability bits
	Caps() Caps

	// SetCallbacks installs the asynchronous upcalls: onExpunge fires when
	// the driver learns that a message was expunged behind the engine's
	// back, onBad when the store failed unrecoverably.
	SetCallbacks(onExpunge func(msg *Message), onBad func(err error))

	// ListBoxes enumerates mailboxes, names in canonical (slash-delimited)
	// form
	ListBoxes(ctx context.Context, flags ListFlags) ([]string, error)

	// SelectBox records which mailbox subsequent operations target. It does
	// not touch the network.
	SelectBox(name string) error

	// OpenBox opens the selected mailbox and returns its UIDVALIDITY
	OpenBox(ctx context.Context) (uidValidity uint32, err error)

	// CreateBox creates the selected mailbox
	CreateBox(ctx context.Context) error

	// DeleteBox removes the selected mailbox's messages and, where the
	// backend supports it, prepares removal of the mailbox itself;
	// FinishDeleteBox completes the removal and is fire-and-forget.
	DeleteBox(ctx context.Context) error
	FinishDeleteBox()

	// ConfirmBoxEmpty verifies the selected mailbox holds no messages
	ConfirmBoxEmpty(ctx context.Context) error

	// BoxPath returns the filesystem path of the selected mailbox, or ""
	// if the store has no meaningful path (used for in-box sync state).
	BoxPath() string

	// UIDNext returns the predicted next UID of the opened mailbox
	UIDNext() uint32

	// SupportedFlags returns the flags this store can persist
	SupportedFlags() Flags

	// PrepareLoadBox narrows or widens the requested open flags to what the
	// driver will actually deliver
	PrepareLoadBox(opts OpenFlags) OpenFlags

	// LoadBox loads the messages selected by p, honoring the options
	// previously fixed by PrepareLoadBox
	LoadBox(ctx context.Context, p LoadParams) (*LoadResult, error)

	// FetchMsg retrieves a message's content. With minimal set, only the
	// headers are fetched (placeholder emission).
	FetchMsg(ctx context.Context, msg *Message, minimal bool) (*MsgData, error)

	// StoreMsg appends a message; toTrash selects the trash folder instead
	// of the selected box. Returns the assigned UID, or 0 if the backend
	// does not report one.
	StoreMsg(ctx context.Context, data *MsgData, toTrash bool) (uid uint32, err error)

	// FindNewMsgs loads headers of messages with UID >= newuid, for TUID
	// matching on backends that do not report appended UIDs
	FindNewMsgs(ctx context.Context, newuid uint32) ([]*Message, error)

	// SetMsgFlags adds and removes flags on a message. msg may be nil if
	// only the UID is known.
	SetMsgFlags(ctx context.Context, msg *Message, uid uint32, add, del Flags) error

	// TrashMsg moves a message into this store's trash folder
	TrashMsg(ctx context.Context, msg *Message) error

	// CloseBox closes the mailbox, expunging either the exact UID set the
	// engine marked (OpenUIDExpunge granted) or every \Deleted message.
	// reported tells whether expunge upcalls were delivered per message.
	CloseBox(ctx context.Context) (reported bool, err error)

	// Free returns the store for reuse after a successful run
	Free(ctx context.Context)

	// Cancel destroys the store after a fatal error
	Cancel()

	// FailState reports how the store's last failure should be retried
	FailState() FailState

	// MemoryUsage returns the aggregate size of buffered message payloads
	MemoryUsage() int64
}
