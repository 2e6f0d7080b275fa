// Package channel expands channel configurations into mailbox pairs and
// fans the sync engine out over them.
package channel

import "strings"

// matchGlob matches a mailbox pattern against a canonical box name.
// '*' matches anything, '%' matches anything except the hierarchy
// delimiter '/'. Matching is case-sensitive except for the name INBOX.
func matchGlob(pattern, name string) bool {
	if strings.EqualFold(pattern, "INBOX") && strings.EqualFold(name, "INBOX") {
		return true
	}
	return globMatch(pattern, name)
}

func globMatch(pattern, name string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			rest := pattern[i+1:]
			for j := len(name); j >= 0; j-- {
				if globMatch(rest, name[j:]) {
					return true
				}
			}
			return false
		case '%':
			rest := pattern[i+1:]
			// '%' stops at the hierarchy delimiter.
			limit := strings.IndexByte(name, '/')
			if limit < 0 {
				limit = len(name)
			}
			for j := limit; j >= 0; j-- {
				if globMatch(rest, name[j:]) {
					return true
				}
			}
			return false
		default:
			if len(name) == 0 || name[0] != pattern[i] {
				return false
			}
			name = name[1:]
		}
	}
	return len(name) == 0
}

// SelectBoxes filters candidate box names through the channel patterns.
// Patterns are evaluated in order; the first matching pattern decides, and
// a '!'-prefixed pattern excludes. No patterns means "take everything".
func SelectBoxes(patterns, boxes []string) []string {
	if len(patterns) == 0 {
		return boxes
	}
	var out []string
	for _, box := range boxes {
		for _, pat := range patterns {
			negated := strings.HasPrefix(pat, "!")
			if negated {
				pat = pat[1:]
			}
			if matchGlob(pat, box) {
				if !negated {
					out = append(out, box)
				}
				break
			}
		}
	}
	return out
}
