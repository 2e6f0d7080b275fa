package channel

import (
	"reflect"
	"testing"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything", true},
		{"*", "deep/hierarchy", true},
		{"%", "flat", true},
		{"%", "deep/hierarchy", false},
		{"Lists/*", "Lists/golang", true},
		{"Lists/*", "Lists/golang/dev", true},
		{"Lists/%", "Lists/golang", true},
		{"Lists/%", "Lists/golang/dev", false},
		{"INBOX", "inbox", true},
		{"inbox", "INBOX", true},
		{"Work", "work", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"%/important", "work/important", true},
		{"%/important", "work/sub/important", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestSelectBoxes(t *testing.T) {
	boxes := []string{"INBOX", "Archive", "Lists/golang", "Lists/spam", "Trash"}
	tests := []struct {
		patterns []string
		want     []string
	}{
		{nil, boxes},
		{[]string{"*"}, boxes},
		{[]string{"INBOX"}, []string{"INBOX"}},
		{[]string{"!Trash", "*"}, []string{"INBOX", "Archive", "Lists/golang", "Lists/spam"}},
		{[]string{"!Lists/spam", "Lists/*"}, []string{"Lists/golang"}},
		{[]string{"%"}, []string{"INBOX", "Archive", "Trash"}},
	}
	for _, tt := range tests {
		if got := SelectBoxes(tt.patterns, boxes); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SelectBoxes(%v) = %v, want %v", tt.patterns, got, tt.want)
		}
	}
}
