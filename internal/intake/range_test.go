package intake

import (
	"reflect"
	"strings"
	"testing"
)

func TestExpandIssueRange(t *testing.T) {
	cases := []struct {
		spec string
		want []string
	}{
		{"114", []string{"114"}},
		{"114-118", []string{"114", "115", "116", "117", "118"}},
		{"7-7", []string{"7"}},
		{"1,3,7-9", []string{"1", "3", "7", "8", "9"}},
		{" 2 , 4 - 5 ", []string{"2", "4", "5"}},
		{"1,,2", []string{"1", "2"}},
	}
	for _, tc := range cases {
		got, err := ExpandIssueRange(tc.spec)
		if err != nil {
			t.Errorf("ExpandIssueRange(%q): %v", tc.spec, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ExpandIssueRange(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
}

func TestExpandIssueRange_Ordering(t *testing.T) {
	_, err := ExpandIssueRange("10-5")
	if err == nil {
		t.Fatal("reversed range accepted")
	}
	if !strings.Contains(err.Error(), "precedes") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExpandIssueRange_SpanBound(t *testing.T) {
	// 101 issues is the ceiling.
	if _, err := ExpandIssueRange("1-101"); err != nil {
		t.Errorf("span of 101 rejected: %v", err)
	}
	_, err := ExpandIssueRange("1-102")
	if err == nil {
		t.Fatal("oversized range accepted")
	}
	if !strings.Contains(err.Error(), "spans") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExpandIssueRange_Invalid(t *testing.T) {
	for _, spec := range []string{"", "  ", "abc", "1-x", "-5", "1--3"} {
		if _, err := ExpandIssueRange(spec); err == nil {
			t.Errorf("ExpandIssueRange(%q) accepted", spec)
		}
	}
}
