package idempotency

import (
	"testing"
	"time"
)

func TestScanKeyDeterministic(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 0, 3, 0, time.UTC)
	a := ScanKey("p1", "m1", at)
	b := ScanKey("p1", "m1", at)
	if a != b {
		t.Fatal("same inputs produced different keys")
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want sha256 hex", len(a))
	}
}

func TestScanKeyBucketsRepeatedScans(t *testing.T) {
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	// A reader double-fire lands in the same bucket.
	if ScanKey("p1", "m1", base.Add(time.Second)) != ScanKey("p1", "m1", base.Add(3*time.Second)) {
		t.Fatal("scans 2s apart should share a bucket")
	}

	// A deliberate re-scan after the window does not.
	if ScanKey("p1", "m1", base) == ScanKey("p1", "m1", base.Add(scanBucket)) {
		t.Fatal("scans a full bucket apart should differ")
	}
}

func TestScanKeyVariesByPatientAndMedicine(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if ScanKey("p1", "m1", at) == ScanKey("p2", "m1", at) {
		t.Fatal("patient must contribute to the key")
	}
	if ScanKey("p1", "m1", at) == ScanKey("p1", "m2", at) {
		t.Fatal("medicine must contribute to the key")
	}
}

func TestIsTerminalError(t *testing.T) {
	cases := []struct {
		msg      string
		terminal bool
	}{
		{"validation failed on dosage", true},
		{"medicine not found", true},
		{"connection refused", false},
		{"context deadline exceeded", false},
	}
	for _, tc := range cases {
		if got := isTerminalError(errFrom(tc.msg)); got != tc.terminal {
			t.Errorf("isTerminalError(%q) = %v, want %v", tc.msg, got, tc.terminal)
		}
	}
}

type errFrom string

func (e errFrom) Error() string { return string(e) }
