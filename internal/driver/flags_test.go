package driver

import "testing"

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, ""},
		{FlagSeen, "S"},
		{FlagDraft | FlagDeleted, "DT"},
		{AllFlags, "DFPRST"},
		{FlagFlagged | FlagAnswered | FlagSeen, "FRS"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%08b).String() = %q, want %q", tt.flags, got, tt.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		in   string
		want Flags
	}{
		{"", 0},
		{"S", FlagSeen},
		{"DFPRST", AllFlags},
		{"FT", FlagFlagged | FlagDeleted},
		{"RS", FlagAnswered | FlagSeen},
	}
	for _, tt := range tests {
		if got := ParseFlags(tt.in); got != tt.want {
			t.Errorf("ParseFlags(%q) = %08b, want %08b", tt.in, got, tt.want)
		}
	}
}

func TestParseFlagsRoundTrip(t *testing.T) {
	for f := Flags(0); f <= AllFlags; f++ {
		if f&^AllFlags != 0 {
			continue
		}
		if got := ParseFlags(f.String()); got != f {
			t.Errorf("round trip of %08b yielded %08b", f, got)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	if !IsBoxBad(BoxBad(nil)) {
		t.Error("BoxBad not recognized")
	}
	if !IsCanceled(Canceled()) {
		t.Error("Canceled not recognized")
	}
	if IsMsgBad(StoreBad(nil)) {
		t.Error("StoreBad misclassified as MsgBad")
	}
	if KindOf(errUnknown) != KindStoreBad {
		t.Error("unclassified errors should default to store-bad")
	}
}

var errUnknown = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
