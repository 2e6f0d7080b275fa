// Package state implements the per-mailbox-pair sync state: the committed
// state file, the write-ahead journal, and the lock file guarding both.
package state

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
)

// Status is the per-record status bit-set. The low bits up to SSkipped are
// the logged-persistent subset mirrored into the journal; everything above
// is ephemeral and reconstructed every run.
type Status uint16

const (
	SDead    Status = 1 << iota // tombstone
	SExpire                     // expiration transaction in flight
	SExpired                    // expiration committed
	SPending                    // propagation not yet complete
	SDummyF                     // far message is a placeholder
	SDummyN                     // near message is a placeholder
	SSkipped                    // legacy: never propagated (too big)

	// Ephemeral bits follow; never written to the committed state file.
	SNExpire // target expiration state being computed
	SGoneF   // far message expunged this run
	SGoneN   // near message expunged this run
	SDelF    // far message marked for expunge
	SDelN    // near message marked for expunge
	SDelete  // flag propagation is a deletion
	SUpgrade // placeholder being upgraded to real message
	SPurge   // placeholder itself being nuked
	SPurged  // placeholder nuked
)

// SLogged is the persistent status subset recorded by '~' journal entries
const SLogged = SExpire | SExpired | SPending | SDummyF | SDummyN | SSkipped

// SDummy returns the placeholder bit for side t
func SDummy(t int) Status {
	if t == config.F {
		return SDummyF
	}
	return SDummyN
}

// SGone returns the expunged-this-run bit for side t
func SGone(t int) Status {
	if t == config.F {
		return SGoneF
	}
	return SGoneN
}

// SDel returns the marked-for-expunge bit for side t
func SDel(t int) Status {
	if t == config.F {
		return SDelF
	}
	return SDelN
}

// Record is one persistent message pairing. Either UID may be zero, meaning
// the message is orphaned (or not yet stored) on that side.
type Record struct {
	UID    [2]uint32
	Flags  driver.Flags    // last agreed flag state
	PFlags driver.Flags    // flags the in-flight copy will be stored with
	AFlags [2]driver.Flags // pending flag additions per side
	DFlags [2]driver.Flags // pending flag removals per side
	Status Status
	TUID   string
}

// Dummy reports whether the record's message on side t is a placeholder
func (r *Record) Dummy(t int) bool { return r.Status&SDummy(t) != 0 }

// newTUID draws a fresh 12-character token from [A-Za-z0-9+/]
func newTUID() string {
	var raw [9]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic("state: cannot read random bytes: " + err.Error())
	}
	return base64.RawStdEncoding.EncodeToString(raw[:])
}
