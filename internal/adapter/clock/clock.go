// Package clock provides the wall clock, ID generation and time-bucket
// derivation used by the counting services.
package clock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// System is the production clock.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// NewRequestID returns a UUIDv4 request identifier.
func NewRequestID() string { return uuid.NewString() }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable ULID for bus events.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Bucket keys are derived from UTC date components so every instance
// lands on the same counter key regardless of local zone.

// MonthBucket returns the YYYY-MM bucket for t.
func MonthBucket(t time.Time) string { return t.UTC().Format("2006-01") }

// DayBucket returns the YYYY-MM-DD bucket for t.
func DayBucket(t time.Time) string { return t.UTC().Format("2006-01-02") }

// HourBucket returns the YYYY-MM-DD-HH bucket for t.
func HourBucket(t time.Time) string { return t.UTC().Format("2006-01-02-15") }

// MinuteBucket returns the YYYY-MM-DD-HH-MM bucket for t.
func MinuteBucket(t time.Time) string { return t.UTC().Format("2006-01-02-15-04") }
