package wits

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFramerBasicSplit(t *testing.T) {
	f := NewFramer(DelimiterLF, 0, testLogger())

	records := f.Feed([]byte("A\nBC\nDE"))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if string(records[0]) != "A" || string(records[1]) != "BC" {
		t.Errorf("unexpected records: %q, %q", records[0], records[1])
	}
	if f.Pending() != 2 {
		t.Errorf("expected 2 pending bytes (residual \"DE\"), got %d", f.Pending())
	}

	// The residual completes on the next feed.
	records = f.Feed([]byte("F\n"))
	if len(records) != 1 || string(records[0]) != "DEF" {
		t.Fatalf("expected [\"DEF\"], got %q", records)
	}
	if f.Pending() != 0 {
		t.Errorf("expected empty buffer, got %d pending bytes", f.Pending())
	}
}

func TestFramerCRLF(t *testing.T) {
	f := NewFramer(DelimiterCRLF, 0, testLogger())

	records := f.Feed([]byte("0111\t1\r\n0108\t42.7\r\npartial"))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if string(records[0]) != "0111\t1" || string(records[1]) != "0108\t42.7" {
		t.Errorf("unexpected records: %q", records)
	}
	// A bare LF is data under CRLF framing, not a delimiter.
	records = f.Feed([]byte("\nmore\r\n"))
	if len(records) != 1 || string(records[0]) != "partial\nmore" {
		t.Fatalf("expected [\"partial\\nmore\"], got %q", records)
	}
}

func TestFramerDelimiterSplitAcrossFeeds(t *testing.T) {
	f := NewFramer(DelimiterCRLF, 0, testLogger())

	if records := f.Feed([]byte("REC\r")); len(records) != 0 {
		t.Fatalf("expected no records before full delimiter, got %q", records)
	}
	records := f.Feed([]byte("\n"))
	if len(records) != 1 || string(records[0]) != "REC" {
		t.Fatalf("expected [\"REC\"], got %q", records)
	}
}

func TestFramerDropsEmptyRecords(t *testing.T) {
	f := NewFramer(DelimiterLF, 0, testLogger())

	if records := f.Feed([]byte("\n\n\n")); len(records) != 0 {
		t.Fatalf("delimiter-only stream must produce zero records, got %q", records)
	}
	records := f.Feed([]byte("A\n\nB\n"))
	if len(records) != 2 || string(records[0]) != "A" || string(records[1]) != "B" {
		t.Fatalf("expected [\"A\" \"B\"], got %q", records)
	}
}

func TestFramerOverflowDiscardsOldestHalf(t *testing.T) {
	const size = 1000
	f := NewFramer(DelimiterLF, size, testLogger())

	// Exactly maxSize bytes with no delimiter triggers overflow handling
	// once, not repeatedly.
	if records := f.Feed(bytes.Repeat([]byte("x"), size)); len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
	if f.Overflows() != 1 {
		t.Fatalf("expected exactly 1 overflow, got %d", f.Overflows())
	}
	if f.Pending() != size/2 {
		t.Fatalf("expected %d retained bytes, got %d", size/2, f.Pending())
	}

	// Feeding nothing new must not trigger again.
	f.Feed(nil)
	if f.Overflows() != 1 {
		t.Fatalf("overflow handling re-triggered without new input: %d", f.Overflows())
	}

	// The retained tail still frames correctly once a delimiter arrives.
	records := f.Feed([]byte("\nA\n"))
	if len(records) != 2 {
		t.Fatalf("expected 2 records after overflow, got %d", len(records))
	}
	if string(records[0]) != strings.Repeat("x", size/2) {
		t.Errorf("retained bytes should be the newest tail of the stream")
	}
	if string(records[1]) != "A" {
		t.Errorf("expected \"A\", got %q", records[1])
	}
}

func TestFramerConcatenationProperty(t *testing.T) {
	// Concatenating the emitted records with the delimiter, plus the
	// residual, reproduces the input minus dropped empty records.
	f := NewFramer(DelimiterLF, 0, testLogger())
	chunks := []string{"01", "11\t1\n0108", "\t3.14\n0", "113\t88.1\ntail"}

	var got []string
	for _, c := range chunks {
		for _, r := range f.Feed([]byte(c)) {
			got = append(got, string(r))
		}
	}
	want := []string{"0111\t1", "0108\t3.14", "0113\t88.1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if f.Pending() != len("tail") {
		t.Errorf("expected residual %q, got %d pending bytes", "tail", f.Pending())
	}
}

func TestFramerReset(t *testing.T) {
	f := NewFramer(DelimiterLF, 0, testLogger())
	f.Feed([]byte("partial"))
	f.Reset()
	if f.Pending() != 0 {
		t.Fatalf("expected empty buffer after reset, got %d", f.Pending())
	}
	records := f.Feed([]byte("A\n"))
	if len(records) != 1 || string(records[0]) != "A" {
		t.Fatalf("reset must not leak prior bytes, got %q", records)
	}
}
