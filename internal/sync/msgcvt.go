package sync

import (
	"bytes"
	"fmt"

	"github.com/hkdb/mailbridge/internal/driver"
)

// Placeholder texts emitted for messages over the size limit
const (
	placeholderPrefix   = "[placeholder] "
	placeholderSubject  = "Subject: [placeholder] (No Subject)"
	placeholderBodyFmt  = "Having a size of %s, this message is over the MaxSize limit."
	placeholderBodyHint = "Flag it and sync again (Sync mode Upgrade) to fetch its real contents."
	placeholderFlagNote = "The original message is flagged as important."
	maxConvertedMsgSize = 1 << 30
)

// ConvertOpts control message conversion on the copy path
type ConvertOpts struct {
	// TUID is injected as an X-TUID header; empty means plain copy
	// (trash replication), which only converts line endings.
	TUID string
	// Minimal replaces the body with a placeholder notice
	Minimal bool
	// SrcSize is the original message size, quoted in the placeholder
	SrcSize int64
	// Flags are the flags the copy will be stored with; Flagged is
	// cleared when a placeholder is emitted for a flagged message.
	Flags driver.Flags
}

type headerLine struct {
	content  []byte // without line terminator
	hadCR    bool
	complete bool // had a line terminator at all
}

// Convert rewrites a fetched message for storage on the other side:
// line endings are converted between LF and CRLF, the X-TUID header takes
// the place of a stale one or is otherwise injected immediately before the
// first empty line, and placeholder messages get a marker subject and
// documented body.
func Convert(in []byte, inCRLF, outCRLF bool, opts *ConvertOpts) ([]byte, error) {
	if opts.TUID == "" {
		if inCRLF == outCRLF {
			return in, nil
		}
		return convertEOL(in, outCRLF), nil
	}
	if len(opts.TUID) != driver.TUIDLength {
		return nil, fmt.Errorf("internal error: malformed TUID %q", opts.TUID)
	}

	headers, hadBlank, blankCR, body := splitHeader(in)

	hdrCRs := 0
	completeLines := 0
	for _, h := range headers {
		if h.hadCR {
			hdrCRs++
		}
		if h.complete {
			completeLines++
		}
	}
	// Injected lines match the prevailing style: CRLF only if the target
	// wants CRLF and the message is not visibly LF-only.
	appCR := outCRLF && (!inCRLF || hdrCRs > 0 || completeLines == 0)

	var out bytes.Buffer
	writeEOL := func(hadCR bool) {
		if inCRLF != outCRLF {
			hadCR = outCRLF
		}
		if hadCR {
			out.WriteByte('\r')
		}
		out.WriteByte('\n')
	}
	writeInjected := func(line string) {
		out.WriteString(line)
		if appCR {
			out.WriteByte('\r')
		}
		out.WriteByte('\n')
	}

	tuidDone := false
	subjectDone := false
	for _, h := range headers {
		if hasCaseInsensitivePrefix(h.content, "X-TUID: ") {
			if !tuidDone {
				writeInjected("X-TUID: " + opts.TUID)
				tuidDone = true
			}
			continue
		}
		if opts.Minimal && !subjectDone && hasCaseInsensitivePrefix(h.content, "Subject:") {
			rest := h.content[len("Subject:"):]
			if len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}
			out.WriteString("Subject: ")
			out.WriteString(placeholderPrefix)
			out.Write(rest)
			if h.complete {
				writeEOL(h.hadCR)
			} else {
				writeEOL(appCR)
			}
			subjectDone = true
			continue
		}
		out.Write(h.content)
		if h.complete {
			writeEOL(h.hadCR)
		} else {
			// Complete the unterminated header before ours follow.
			writeEOL(appCR)
		}
	}
	if !tuidDone {
		writeInjected("X-TUID: " + opts.TUID)
	}

	if opts.Minimal {
		if !subjectDone {
			writeInjected(placeholderSubject)
		}
		writeInjected("") // header/body separator
		size := formatSize(opts.SrcSize)
		writeInjected(fmt.Sprintf(placeholderBodyFmt, size))
		writeInjected(placeholderBodyHint)
		if opts.Flags&driver.FlagFlagged != 0 {
			opts.Flags &^= driver.FlagFlagged
			writeInjected("")
			writeInjected(placeholderFlagNote)
		}
	} else if hadBlank {
		writeEOL(blankCR)
		if inCRLF != outCRLF {
			body = convertEOL(body, outCRLF)
		}
		out.Write(body)
	}

	if out.Len() > maxConvertedMsgSize {
		return nil, fmt.Errorf("message is too big after conversion")
	}
	return out.Bytes(), nil
}

// hasCaseInsensitivePrefix matches an ASCII header name prefix
func hasCaseInsensitivePrefix(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c, p := b[i], prefix[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		if p >= 'a' && p <= 'z' {
			p -= 32
		}
		if c != p {
			return false
		}
	}
	return true
}

// splitHeader cuts the message into header lines, the blank separator and
// the raw body
func splitHeader(in []byte) (headers []headerLine, hadBlank, blankCR bool, body []byte) {
	idx := 0
	for idx < len(in) {
		nl := bytes.IndexByte(in[idx:], '\n')
		if nl < 0 {
			// Unterminated final header line.
			line := in[idx:]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if len(line) > 0 {
				headers = append(headers, headerLine{content: line})
			}
			return
		}
		line := in[idx : idx+nl]
		hadCR := false
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
			hadCR = true
		}
		idx += nl + 1
		if len(line) == 0 {
			hadBlank = true
			blankCR = hadCR
			body = in[idx:]
			return
		}
		headers = append(headers, headerLine{content: line, hadCR: hadCR, complete: true})
	}
	return
}

// convertEOL rewrites line terminators. Only CRs immediately before LF are
// touched; stray CRs inside lines are preserved.
func convertEOL(in []byte, outCRLF bool) []byte {
	var out bytes.Buffer
	out.Grow(len(in) + len(in)/16)
	var pc byte
	for _, c := range in {
		if c == '\n' {
			if pc == '\r' {
				if !outCRLF {
					out.Truncate(out.Len() - 1)
				}
			} else if outCRLF {
				out.WriteByte('\r')
			}
		}
		out.WriteByte(c)
		pc = c
	}
	return out.Bytes()
}

// formatSize renders a message size the way the placeholder body quotes it
func formatSize(size int64) string {
	if size < 1024000 {
		return fmt.Sprintf("%dKiB", size>>10)
	}
	return fmt.Sprintf("%.1fMiB", float64(size)/1048576)
}

// StripCR removes CRs that precede LFs, for comparing message content
// across line-ending conventions.
func StripCR(in []byte) []byte {
	return convertEOL(in, false)
}
