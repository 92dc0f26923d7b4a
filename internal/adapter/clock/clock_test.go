package clock

import (
	"testing"
	"time"
)

func TestBuckets_UTCDerivation(t *testing.T) {
	// 23:30 in UTC+2 is 21:30 UTC; buckets must follow UTC.
	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2025, 1, 31, 23, 30, 0, 0, loc)

	if got := MonthBucket(ts); got != "2025-01" {
		t.Fatalf("month bucket = %q", got)
	}
	if got := DayBucket(ts); got != "2025-01-31" {
		t.Fatalf("day bucket = %q", got)
	}
	if got := HourBucket(ts); got != "2025-01-31-21" {
		t.Fatalf("hour bucket = %q", got)
	}
	if got := MinuteBucket(ts); got != "2025-01-31-21-30" {
		t.Fatalf("minute bucket = %q", got)
	}
}

func TestNewEventID_MonotonicWithinCall(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	if a == b {
		t.Fatalf("expected distinct event IDs")
	}
	if len(a) != 26 {
		t.Fatalf("unexpected ULID length %d", len(a))
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
	}
}
