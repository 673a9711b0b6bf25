package ingest

import (
	"strings"
	"sync/atomic"
)

// CheckInterval is how often a running job polls its cancel token.
type CheckInterval int

const (
	// PerBatch polls before each batch is committed.
	PerBatch CheckInterval = iota
	// PerRow polls before each row is read, in addition to PerBatch.
	PerRow
)

// ParseCheckInterval accepts "batch" (default) and "row".
func ParseCheckInterval(s string) CheckInterval {
	if strings.EqualFold(strings.TrimSpace(s), "row") {
		return PerRow
	}
	return PerBatch
}

func (c CheckInterval) String() string {
	if c == PerRow {
		return "row"
	}
	return "batch"
}

// CancelToken is a cooperative cancellation flag. Setting it never
// interrupts a batch commit; the job stops at its next poll.
type CancelToken struct {
	Interval  CheckInterval
	cancelled atomic.Bool
}

func NewCancelToken(interval CheckInterval) *CancelToken {
	return &CancelToken{Interval: interval}
}

// Cancel sets the flag. It is safe to call more than once and from any goroutine.
func (t *CancelToken) Cancel() { t.cancelled.Store(true) }

func (t *CancelToken) Cancelled() bool { return t.cancelled.Load() }
