package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `{
  "stores": [
    {"name": "work", "driver": "imap", "host": "imap.example.com", "username": "u", "password": "p"},
    {"name": "disk", "driver": "local", "path": "/tmp/mail.db", "trash": "Trash"}
  ],
  "channels": [
    {"name": "inbox", "far": "work", "near": "disk", "patterns": ["INBOX", "Lists/*"],
     "max_messages": 200, "expire_unread": "no", "expunge": "both"}
  ],
  "groups": [
    {"name": "default", "channels": ["inbox"]}
  ]
}`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BufferLimit != DefaultBufferLimit {
		t.Errorf("BufferLimit = %d, want default", cfg.BufferLimit)
	}
	ch := cfg.Channels[0]
	if ch.Stores[F].Name != "work" || ch.Stores[N].Name != "disk" {
		t.Fatalf("store resolution broken: %+v", ch.Stores)
	}
	if ch.Ops[F] != OpsDefault|OpExpunge || ch.Ops[N] != OpsDefault|OpExpunge {
		t.Errorf("ops = %v, want defaults plus expunge", ch.Ops)
	}
	if ch.ExpireUnreadMode != 0 {
		t.Errorf("ExpireUnreadMode = %d, want 0", ch.ExpireUnreadMode)
	}
	if ch.ExpireSideIdx != N {
		t.Errorf("ExpireSideIdx = %d, want near", ch.ExpireSideIdx)
	}
}

func TestLegacyMasterSlave(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
	  "stores": [
	    {"name": "a", "driver": "local", "path": "/tmp/a.db"},
	    {"name": "b", "driver": "local", "path": "/tmp/b.db"}
	  ],
	  "channels": [
	    {"name": "legacy", "master": "a", "slave": "b"}
	  ]
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := cfg.Channels[0]
	if ch.Stores[F].Name != "a" || ch.Stores[N].Name != "b" {
		t.Errorf("legacy master/slave not honored: %+v", ch.Stores)
	}
}

func TestUnknownStoreRef(t *testing.T) {
	_, err := Load(writeConfig(t, `{
	  "stores": [{"name": "a", "driver": "local", "path": "/tmp/a.db"}],
	  "channels": [{"name": "c", "far": "a", "near": "nope"}]
	}`))
	if err == nil {
		t.Fatal("expected error for unknown store reference")
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `{"stores": [], "channels": [], "frobnicate": true}`))
	if err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestParseOps(t *testing.T) {
	tests := []struct {
		words []string
		wantF Ops
		wantN Ops
	}{
		{nil, OpsDefault, OpsDefault},
		{[]string{"all"}, OpsDefault | OpOld, OpsDefault | OpOld},
		{[]string{"pull"}, 0, OpsDefault},
		{[]string{"push", "flags"}, OpFlags, 0},
		{[]string{"pull-new", "push-flags"}, OpFlags, OpNew},
		{[]string{"new", "gone"}, OpNew | OpGone, OpNew | OpGone},
		{[]string{"none"}, 0, 0},
	}
	for _, tt := range tests {
		ops, err := parseOps(tt.words)
		if err != nil {
			t.Errorf("parseOps(%v): %v", tt.words, err)
			continue
		}
		if ops[F] != tt.wantF || ops[N] != tt.wantN {
			t.Errorf("parseOps(%v) = F:%v N:%v, want F:%v N:%v",
				tt.words, ops[F], ops[N], tt.wantF, tt.wantN)
		}
	}
}

func TestChannelsFor(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	chans, err := cfg.ChannelsFor([]string{"default"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 1 || chans[0].Name != "inbox" {
		t.Errorf("group expansion failed: %v", chans)
	}
	if _, err := cfg.ChannelsFor([]string{"missing"}, false); err == nil {
		t.Error("expected error for unknown selector")
	}
}
