package imageopt

import (
	"errors"
	"testing"
)

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{Input: []byte("1234567890"), Output: []byte("12345")},
		{Input: []byte("1234"), Output: []byte("12"), Cached: true},
		{Input: []byte("abc"), Output: []byte("abc"), Filtered: true},
		{Input: []byte("abc"), Output: []byte("abc"), Warnings: []error{errors.New("w")}},
		{Output: nil, Errors: []error{ErrEmptyInput}},
	}

	s := Summarize(outcomes)
	want := Summary{
		Total: 5, Optimized: 2, Cached: 1, Filtered: 1, Warned: 1, Failed: 1,
		InputBytes: 14, OutputBytes: 7,
	}
	if s != want {
		t.Fatalf("Summarize = %+v, want %+v", s, want)
	}
	if s.Saved() != 7 {
		t.Fatalf("Saved = %d, want 7", s.Saved())
	}

	if !HasErrors(outcomes) {
		t.Fatal("HasErrors = false")
	}
	if HasErrors(outcomes[:4]) {
		t.Fatal("HasErrors = true without errors")
	}
}
