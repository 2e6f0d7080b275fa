package imap

import "testing"

// utf7Pairs pairs canonical UTF-8 names with their modified UTF-7 form.
// Invalid inputs are covered by the Rejects tests below.
var utf7Pairs = []struct {
	utf8, utf7 string
}{
	{"", ""},
	{"1", "1"},
	{"word", "word"},
	{"&", "&-"},
	{"&&", "&-&-"},
	{"1&1", "1&-1"},
	{"&1&", "&-1&-"},
	{"\t", "&AAk-"},
	{"m\x7fll", "m&AH8-ll"},
	{"\t&", "&AAk-&-"},
	{"\t&\t", "&AAk-&-&AAk-"},
	{"&\t", "&-&AAk-"},
	{"&\t&", "&-&AAk-&-"},
	{"ä", "&AOQ-"},
	{"äö", "&AOQA9g-"},
	{"äöü", "&AOQA9gD8-"},
	{"Ḁ", "&HgA-"},
	{"Ḁḁ", "&HgAeAQ-"},
	{"\U0001f602", "&2D3eAg-"},
	{"\U0001f608\U0001f60e", "&2D3eCNg93g4-"},
	{"müll", "m&APw-ll"},
	{"mü", "m&APw-"},
	{"über", "&APw-ber"},
}

func TestEncodeUTF7(t *testing.T) {
	for _, tt := range utf7Pairs {
		got, err := EncodeUTF7(tt.utf8)
		if err != nil {
			t.Errorf("EncodeUTF7(%q): %v", tt.utf8, err)
			continue
		}
		if got != tt.utf7 {
			t.Errorf("EncodeUTF7(%q) = %q, want %q", tt.utf8, got, tt.utf7)
		}
	}
}

func TestEncodeUTF7RejectsInvalidUTF8(t *testing.T) {
	for _, in := range []string{
		"\x83\x84",
		"\xc3\xc4",
		"\xc3",
		"\xe1\xc8\x80",
		"\xe1\xb8\xf0",
		"\xe1\xb8",
		"\xe1",
		"\xf8\x9f\x98\x82",
		"\xf0\xcf\x98\x82",
		"\xf0\x9f\xd8\x82",
		"\xf0\x9f\x98\xe2",
		"\xf0\x9f\x98",
		"\xf0\x9f",
		"\xf0",
	} {
		if got, err := EncodeUTF7(in); err == nil {
			t.Errorf("EncodeUTF7(%q) = %q, want error", in, got)
		}
	}
}

func TestDecodeUTF7(t *testing.T) {
	for _, tt := range utf7Pairs {
		got, err := DecodeUTF7(tt.utf7)
		if err != nil {
			t.Errorf("DecodeUTF7(%q): %v", tt.utf7, err)
			continue
		}
		if got != tt.utf8 {
			t.Errorf("DecodeUTF7(%q) = %q, want %q", tt.utf7, got, tt.utf8)
		}
	}
}

func TestDecodeUTF7RejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"&",        // unterminated shift sequence
		"&-&",      // unterminated second sequence
		"&AAk",     // unterminated shift sequence
		"&AA-",     // incomplete code point
		"&*Ak-",    // char outside alphabet
		"&&-",      // '&' inside shift sequence
		"&2D0-",    // lone high surrogate
		"&3gI-",    // lone low surrogate
		"\x80",     // 8-bit octet outside shift sequence
		"&AO\xc4-", // 8-bit octet inside shift sequence
	} {
		if got, err := DecodeUTF7(in); err == nil {
			t.Errorf("DecodeUTF7(%q) = %q, want error", in, got)
		}
	}
}

func TestUTF7RoundTrip(t *testing.T) {
	for _, tt := range utf7Pairs {
		enc, err := EncodeUTF7(tt.utf8)
		if err != nil {
			t.Fatalf("EncodeUTF7(%q): %v", tt.utf8, err)
		}
		dec, err := DecodeUTF7(enc)
		if err != nil {
			t.Fatalf("DecodeUTF7(%q): %v", enc, err)
		}
		if dec != tt.utf8 {
			t.Errorf("round trip of %q: got %q", tt.utf8, dec)
		}
	}
}
