package sync

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hkdb/mailbridge/internal/driver"
)

const testTUID = "one two tuid"

const (
	hdrFrom      = "From: de\rvil\r\n"
	hdrTo        = "To: me\r\n"
	hdrInTUID    = "X-TUID: garbage\r\n"
	hdrOutTUID   = "X-TUID: " + testTUID + "\r\n"
	hdrSubject   = "Subject: hell\r\n"
	hdrPHSubject = "Subject: [placeholder] hell\r\n"
	hdrNoSubject = "Subject: [placeholder] (No Subject)\r\n"
	msgBody      = "\r\nHi,\r\n\r\n...\r\n"
	phBody       = "\r\nHaving a size of 2.2MiB, this message is over the MaxSize limit.\r\n" +
		"Flag it and sync again (Sync mode Upgrade) to fetch its real contents.\r\n"
	flaggedPHBody = phBody + "\r\nThe original message is flagged as important.\r\n"
)

const bigSize = 2345687

// stripCRString mirrors the line-ending normalization of the LF variants
func stripCRString(s string) string {
	return string(StripCR([]byte(s)))
}

// runConvert exercises one conversion in all four line-ending combinations
func runConvert(t *testing.T, name, in, out string, tuid string, minimal, flagged bool) {
	t.Helper()
	cases := []struct {
		label           string
		inCRLF, outCRLF bool
		input, want     string
	}{
		{"lf-to-crlf", false, true, stripCRString(in), out},
		{"crlf-to-lf", true, false, in, stripCRString(out)},
		{"crlf-to-crlf", true, true, in, out},
		{"lf-to-lf", false, false, stripCRString(in), stripCRString(out)},
	}
	for _, tc := range cases {
		opts := &ConvertOpts{TUID: tuid, Minimal: minimal, SrcSize: bigSize}
		if flagged {
			opts.Flags = driver.FlagFlagged
		}
		got, err := Convert([]byte(tc.input), tc.inCRLF, tc.outCRLF, opts)
		if err != nil {
			t.Errorf("%s/%s: %v", name, tc.label, err)
			continue
		}
		if !bytes.Equal(got, []byte(tc.want)) {
			t.Errorf("%s/%s:\ninput:  %q\ngot:    %q\nwant:   %q", name, tc.label, tc.input, got, tc.want)
		}
		if flagged && opts.Flags&driver.FlagFlagged != 0 {
			t.Errorf("%s/%s: Flagged not cleared on placeholder", name, tc.label)
		}
	}
}

func TestConvertPassThrough(t *testing.T) {
	in := hdrFrom + hdrTo + msgBody
	// No TUID: only line endings are converted.
	got, err := Convert([]byte(in), true, true, &ConvertOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != in {
		t.Errorf("same-style copy modified the message")
	}
	got, err = Convert([]byte(in), true, false, &ConvertOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != stripCRString(in) {
		t.Errorf("CRLF->LF conversion wrong: %q", got)
	}
}

func TestConvertInjectsTUID(t *testing.T) {
	runConvert(t, "from/to",
		hdrFrom+hdrTo+msgBody,
		hdrFrom+hdrTo+hdrOutTUID+msgBody,
		testTUID, false, false)
}

func TestConvertReplacesStaleTUID(t *testing.T) {
	runConvert(t, "from/tuid/to",
		hdrFrom+hdrInTUID+hdrTo+msgBody,
		hdrFrom+hdrOutTUID+hdrTo+msgBody,
		testTUID, false, false)
}

func TestConvertPlaceholder(t *testing.T) {
	runConvert(t, "ph/no-subject",
		hdrFrom+hdrTo+msgBody,
		hdrFrom+hdrTo+hdrOutTUID+hdrNoSubject+phBody,
		testTUID, true, false)
	runConvert(t, "ph/flagged",
		hdrFrom+hdrTo+msgBody,
		hdrFrom+hdrTo+hdrOutTUID+hdrNoSubject+flaggedPHBody,
		testTUID, true, true)
	runConvert(t, "ph/stale-tuid",
		hdrFrom+hdrInTUID+hdrTo+msgBody,
		hdrFrom+hdrOutTUID+hdrTo+hdrNoSubject+phBody,
		testTUID, true, false)
}

func TestConvertPlaceholderSubject(t *testing.T) {
	runConvert(t, "ph/subject",
		hdrFrom+hdrSubject+hdrTo+msgBody,
		hdrFrom+hdrPHSubject+hdrTo+hdrOutTUID+phBody,
		testTUID, true, false)
	runConvert(t, "ph/subject-tuid",
		hdrFrom+hdrSubject+hdrInTUID+hdrTo+msgBody,
		hdrFrom+hdrPHSubject+hdrOutTUID+hdrTo+phBody,
		testTUID, true, false)
	runConvert(t, "ph/subject-first",
		hdrSubject+hdrFrom+hdrInTUID+hdrTo+msgBody,
		hdrPHSubject+hdrFrom+hdrOutTUID+hdrTo+phBody,
		testTUID, true, false)
	runConvert(t, "ph/tuid-before-subject",
		hdrFrom+hdrInTUID+hdrSubject+hdrTo+msgBody,
		hdrFrom+hdrOutTUID+hdrPHSubject+hdrTo+phBody,
		testTUID, true, false)
	runConvert(t, "ph/tuid-first",
		hdrInTUID+hdrFrom+hdrSubject+hdrTo+msgBody,
		hdrOutTUID+hdrFrom+hdrPHSubject+hdrTo+phBody,
		testTUID, true, false)
}

func TestConvertHeaderOnlyMessage(t *testing.T) {
	// No header/body separator: the break is created for our headers.
	got, err := Convert([]byte("From: x\n"), false, false, &ConvertOpts{TUID: testTUID})
	if err != nil {
		t.Fatal(err)
	}
	want := "From: x\nX-TUID: " + testTUID + "\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Unterminated final header line gets completed first.
	got, err = Convert([]byte("From: x"), false, false, &ConvertOpts{TUID: testTUID})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConvertEOLProperties(t *testing.T) {
	msgs := []string{
		"a\r\nb\nc\r\n\r\nbody\nmore\r\n",
		"x\n",
		"",
		"stray\rcr\n\nin line\n",
	}
	for _, m := range msgs {
		crlf := convertEOL([]byte(m), true)
		if bytes.Contains(crlf, []byte("\n")) {
			for i, c := range crlf {
				if c == '\n' && (i == 0 || crlf[i-1] != '\r') {
					t.Errorf("convertEOL(%q, CRLF) left a bare LF: %q", m, crlf)
					break
				}
			}
		}
		lf := convertEOL([]byte(m), false)
		if bytes.Contains(lf, []byte("\r\n")) {
			t.Errorf("convertEOL(%q, LF) left a CRLF: %q", m, lf)
		}
		// strip_CR(convert(m)) == strip_CR(m)
		if !bytes.Equal(StripCR(crlf), StripCR([]byte(m))) {
			t.Errorf("round trip via CRLF altered %q", m)
		}
		if !bytes.Equal(StripCR(lf), StripCR([]byte(m))) {
			t.Errorf("round trip via LF altered %q", m)
		}
	}
}

func TestFormatSize(t *testing.T) {
	if got := formatSize(bigSize); got != "2.2MiB" {
		t.Errorf("formatSize(big) = %q", got)
	}
	if got := formatSize(51200); got != "50KiB" {
		t.Errorf("formatSize(50k) = %q", got)
	}
}

func TestPlaceholderBodyMentionsSize(t *testing.T) {
	opts := &ConvertOpts{TUID: testTUID, Minimal: true, SrcSize: bigSize}
	got, err := Convert([]byte(stripCRString(hdrFrom+hdrTo+msgBody)), false, false, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), "2.2MiB") {
		t.Errorf("placeholder body does not mention the size: %q", got)
	}
	if !strings.Contains(string(got), "[placeholder]") {
		t.Errorf("placeholder subject marker missing: %q", got)
	}
}
