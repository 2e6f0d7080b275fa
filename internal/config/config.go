// Package config loads and validates the mailbridge configuration: stores,
// channels, groups and global settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hkdb/mailbridge/internal/logging"
)

// Side indexes the two ends of a channel
const (
	F = 0 // far side
	N = 1 // near side
)

// SideName returns "far side" or "near side"
func SideName(t int) string {
	if t == F {
		return "far side"
	}
	return "near side"
}

// DirName returns the sync direction name towards side t
func DirName(t int) string {
	if t == F {
		return "push"
	}
	return "pull"
}

// Ops is the per-side bit-set of enabled operations
type Ops uint16

const (
	OpNew Ops = 1 << iota
	OpOld
	OpUpgrade
	OpGone
	OpFlags
	OpExpunge
	OpExpungeSolo
	OpCreate
	OpRemove
)

// OpsDefault is the operation set enabled when none is configured
const OpsDefault = OpNew | OpUpgrade | OpGone | OpFlags

// Store describes one endpoint. Driver selects the backend.
type Store struct {
	Name   string `json:"name"`
	Driver string `json:"driver"` // "imap" or "local"

	// IMAP settings
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Security    string `json:"security,omitempty"` // "tls", "starttls", "none"
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	AuthType    string `json:"auth_type,omitempty"` // "password" or "oauth2"
	AccessToken string `json:"access_token,omitempty"`
	Tunnel      string `json:"tunnel,omitempty"` // command yielding an IMAP byte stream

	// Local settings
	Path string `json:"path,omitempty"` // database file

	// Common settings
	Trash          string `json:"trash,omitempty"`
	TrashOnlyNew   bool   `json:"trash_only_new,omitempty"`
	TrashRemoteNew bool   `json:"trash_remote_new,omitempty"`
	MaxSize        int64  `json:"max_size,omitempty"` // bytes; 0 means unlimited
	MapInbox       string `json:"map_inbox,omitempty"`
	FlatDelim      string `json:"flat_delim,omitempty"`
	PipelineDepth  int    `json:"pipeline_depth,omitempty"`
}

// Channel pairs two stores under a synchronization policy
type Channel struct {
	Name string `json:"name"`
	Far  string `json:"far"`
	Near string `json:"near"`

	// Legacy pre-rename keys; parse as aliases of Far/Near.
	Master string `json:"master,omitempty"`
	Slave  string `json:"slave,omitempty"`

	// FarBox/NearBox name a single box (or, with Patterns, a prefix) on
	// each side. Without Patterns, empty means INBOX.
	FarBox  string `json:"far_box,omitempty"`
	NearBox string `json:"near_box,omitempty"`

	// Patterns are globs selecting participating boxes; see package channel.
	Patterns []string `json:"patterns,omitempty"`

	// Sync lists enabled operations: "all", "pull", "push", "new", "old",
	// "gone", "flags", "upgrade", or compounds like "pull-new".
	Sync []string `json:"sync,omitempty"`

	// Create/Remove/Expunge/ExpungeSolo: "", "none", "far", "near", "both"
	Create      string `json:"create,omitempty"`
	Remove      string `json:"remove,omitempty"`
	Expunge     string `json:"expunge,omitempty"`
	ExpungeSolo string `json:"expunge_solo,omitempty"`

	MaxMessages     int    `json:"max_messages,omitempty"`
	ExpireUnread    string `json:"expire_unread,omitempty"` // "", "yes", "no"
	ExpireSide      string `json:"expire_side,omitempty"`   // "far" or "near" (default)
	UseInternalDate bool   `json:"use_internal_date,omitempty"`
	SyncState       string `json:"sync_state,omitempty"`

	// Resolved references and operation masks, filled by Load.
	Stores [2]*Store `json:"-"`
	Ops    [2]Ops    `json:"-"`
	// ExpireUnreadMode: -1 unset, 0 no, 1 yes
	ExpireUnreadMode int `json:"-"`
	// ExpireSideIdx: F or N
	ExpireSideIdx int `json:"-"`
}

// Group names a set of channels
type Group struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

// Config is the whole configuration file
type Config struct {
	// BufferLimit caps in-flight message payload bytes per channel
	BufferLimit int64 `json:"buffer_limit,omitempty"`
	// FSync enables fsync on journal writes beyond the mandatory TUID batch
	FSync *bool `json:"fsync,omitempty"`
	// SyncState is the default state location: "*" or a path prefix
	SyncState string `json:"sync_state,omitempty"`

	Stores   []*Store   `json:"stores"`
	Channels []*Channel `json:"channels"`
	Groups   []*Group   `json:"groups,omitempty"`
}

// DefaultBufferLimit is the default in-flight payload budget (10 MiB)
const DefaultBufferLimit = 10 * 1024 * 1024

// Load reads, parses and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	cfg := &Config{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	log := logging.WithComponent("config")

	if c.BufferLimit <= 0 {
		c.BufferLimit = DefaultBufferLimit
	}
	if c.SyncState == "" {
		c.SyncState = "*"
	}

	byName := make(map[string]*Store, len(c.Stores))
	for _, st := range c.Stores {
		if st.Name == "" {
			return fmt.Errorf("store without a name")
		}
		if _, dup := byName[st.Name]; dup {
			return fmt.Errorf("duplicate store %q", st.Name)
		}
		switch st.Driver {
		case "imap":
			if st.Host == "" && st.Tunnel == "" {
				return fmt.Errorf("store %q: imap driver needs a host or tunnel", st.Name)
			}
		case "local":
			if st.Path == "" {
				return fmt.Errorf("store %q: local driver needs a path", st.Name)
			}
		default:
			return fmt.Errorf("store %q: unknown driver %q", st.Name, st.Driver)
		}
		if st.FlatDelim == "/" {
			return fmt.Errorf("store %q: flat_delim cannot be the canonical delimiter", st.Name)
		}
		byName[st.Name] = st
	}

	chanNames := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel without a name")
		}
		if chanNames[ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		chanNames[ch.Name] = true

		if ch.Master != "" || ch.Slave != "" {
			log.Warn().
				Str("channel", ch.Name).
				Msg("Notice: 'master'/'slave' are deprecated; use 'far'/'near'")
			if ch.Far == "" {
				ch.Far = ch.Master
			}
			if ch.Near == "" {
				ch.Near = ch.Slave
			}
		}
		for t, name := range []string{ch.Far, ch.Near} {
			st, ok := byName[name]
			if !ok {
				return fmt.Errorf("channel %q: unknown %s store %q", ch.Name, SideName(t), name)
			}
			ch.Stores[t] = st
		}

		ops, err := parseOps(ch.Sync)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		for t := 0; t < 2; t++ {
			if err := applySideOp(&ops[t], t, ch.Create, OpCreate); err != nil {
				return fmt.Errorf("channel %q: create: %w", ch.Name, err)
			}
			if err := applySideOp(&ops[t], t, ch.Remove, OpRemove); err != nil {
				return fmt.Errorf("channel %q: remove: %w", ch.Name, err)
			}
			if err := applySideOp(&ops[t], t, ch.Expunge, OpExpunge); err != nil {
				return fmt.Errorf("channel %q: expunge: %w", ch.Name, err)
			}
			if err := applySideOp(&ops[t], t, ch.ExpungeSolo, OpExpungeSolo); err != nil {
				return fmt.Errorf("channel %q: expunge_solo: %w", ch.Name, err)
			}
		}
		ch.Ops = ops

		switch ch.ExpireUnread {
		case "":
			ch.ExpireUnreadMode = -1
		case "yes", "true":
			ch.ExpireUnreadMode = 1
		case "no", "false":
			ch.ExpireUnreadMode = 0
		default:
			return fmt.Errorf("channel %q: invalid expire_unread %q", ch.Name, ch.ExpireUnread)
		}
		switch ch.ExpireSide {
		case "", "near":
			ch.ExpireSideIdx = N
		case "far":
			ch.ExpireSideIdx = F
		default:
			return fmt.Errorf("channel %q: invalid expire_side %q", ch.Name, ch.ExpireSide)
		}
		if ch.MaxMessages < 0 {
			return fmt.Errorf("channel %q: negative max_messages", ch.Name)
		}
	}

	for _, g := range c.Groups {
		for _, cn := range g.Channels {
			if !chanNames[cn] {
				return fmt.Errorf("group %q: unknown channel %q", g.Name, cn)
			}
		}
	}
	return nil
}

// parseOps translates the Sync list into per-side operation masks.
// Directional words restrict which side subsequent type words apply to;
// compounds like "pull-new" combine both in one token.
func parseOps(words []string) ([2]Ops, error) {
	var ops [2]Ops
	if len(words) == 0 {
		ops[F] = OpsDefault
		ops[N] = OpsDefault
		return ops, nil
	}
	haveDir := false
	haveType := false
	dir := [2]bool{true, true}
	for _, w := range words {
		w = strings.ToLower(w)
		if d, ty, ok := strings.Cut(w, "-"); ok {
			t, err := dirSide(d)
			if err != nil {
				return ops, fmt.Errorf("invalid sync op %q", w)
			}
			op, err := typeOp(ty)
			if err != nil {
				return ops, err
			}
			ops[t] |= op
			haveType = true
			continue
		}
		switch w {
		case "all":
			ops[F] |= OpsDefault | OpOld
			ops[N] |= OpsDefault | OpOld
			haveType = true
		case "none":
			haveType = true
		case "pull", "push":
			t, _ := dirSide(w)
			if !haveDir {
				dir = [2]bool{false, false}
				haveDir = true
			}
			dir[t] = true
		default:
			op, err := typeOp(w)
			if err != nil {
				return ops, err
			}
			for t := 0; t < 2; t++ {
				if dir[t] {
					ops[t] |= op
				}
			}
			haveType = true
		}
	}
	if !haveType {
		for t := 0; t < 2; t++ {
			if dir[t] {
				ops[t] |= OpsDefault
			}
		}
	}
	return ops, nil
}

// dirSide maps a direction word to the side it propagates towards:
// pull targets the near side, push the far side.
func dirSide(w string) (int, error) {
	switch w {
	case "pull":
		return N, nil
	case "push":
		return F, nil
	}
	return 0, fmt.Errorf("invalid direction %q", w)
}

func typeOp(w string) (Ops, error) {
	switch w {
	case "new":
		return OpNew, nil
	case "old":
		return OpOld, nil
	case "gone", "delete":
		return OpGone, nil
	case "flags":
		return OpFlags, nil
	case "upgrade":
		return OpUpgrade, nil
	}
	return 0, fmt.Errorf("invalid sync op %q", w)
}

func applySideOp(ops *Ops, t int, val string, op Ops) error {
	switch val {
	case "", "none":
	case "both":
		*ops |= op
	case "far":
		if t == F {
			*ops |= op
		}
	case "near":
		if t == N {
			*ops |= op
		}
	default:
		return fmt.Errorf("invalid side %q", val)
	}
	return nil
}

// FSyncEnabled reports whether journal writes beyond the TUID batch should
// be fsynced (default true)
func (c *Config) FSyncEnabled() bool {
	return c.FSync == nil || *c.FSync
}

// ChannelsFor expands the given selectors (channel or group names) into
// channels, preserving order and deduplicating. An empty selector list with
// all=true selects every channel.
func (c *Config) ChannelsFor(selectors []string, all bool) ([]*Channel, error) {
	if all {
		return c.Channels, nil
	}
	byName := make(map[string]*Channel, len(c.Channels))
	for _, ch := range c.Channels {
		byName[ch.Name] = ch
	}
	groups := make(map[string]*Group, len(c.Groups))
	for _, g := range c.Groups {
		groups[g.Name] = g
	}
	var out []*Channel
	seen := make(map[string]bool)
	add := func(name string) error {
		ch, ok := byName[name]
		if !ok {
			return fmt.Errorf("no channel or group named %q", name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, ch)
		}
		return nil
	}
	for _, sel := range selectors {
		if g, ok := groups[sel]; ok {
			for _, cn := range g.Channels {
				if err := add(cn); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(sel); err != nil {
			return nil, err
		}
	}
	return out, nil
}
