package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job lifecycle states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Priority orders jobs across bands; within a band order is FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the wire form to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Progress is the mutable per-job progress block, written only by the
// running worker and read through snapshots.
type Progress struct {
	Percentage     float64  `json:"percentage"`
	ProcessedCount int      `json:"processed_count"`
	TotalExpected  int      `json:"total_expected"`
	Errors         []string `json:"errors,omitempty"`
}

// Request describes one unit of work to enqueue. ID doubles as the
// idempotence and cancellation key.
type Request struct {
	ID       string
	Type     string
	Priority Priority
	Payload  any
}

// Snapshot is the externally visible view of a job. Payload is carried
// for terminal callbacks but not serialized.
type Snapshot struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Priority string   `json:"priority"`
	State    string   `json:"state"`
	Attempt  int      `json:"attempt"`
	Progress Progress `json:"progress"`
	LastErr  string   `json:"last_error,omitempty"`
	Payload  any      `json:"-"`
}

// Event is emitted on every job state transition.
type Event struct {
	JobID   string
	Type    string
	State   string
	Attempt int
	Err     string
}

// ErrNotFound is returned for lookups of unknown or evicted job ids.
var ErrNotFound = errors.New("job not found")

// PermanentError marks a handler failure that must not be retried, such
// as bad credentials or a missing entity.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryAfterError carries a provider-informed delay, overriding the
// queue's own backoff for the next attempt. Quota denials use this.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}
func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with an explicit next-attempt delay.
func RetryAfter(after time.Duration, err error) error {
	return &RetryAfterError{After: after, Err: err}
}

// job is the internal record. All fields are guarded by the queue mutex
// except progress writes, which go through the runContext.
type job struct {
	req       Request
	seq       uint64
	state     string
	attempt   int
	progress  Progress
	lastErr   error
	notBefore time.Time
	cancelled bool
	cancelRun func()
	doneCh    chan struct{}
	heapIdx   int
	queued    bool
	finished  time.Time
}

func (j *job) snapshot() Snapshot {
	s := Snapshot{
		ID:       j.req.ID,
		Type:     j.req.Type,
		Priority: j.req.Priority.String(),
		State:    j.state,
		Attempt:  j.attempt,
		Progress: j.progress,
		Payload:  j.req.Payload,
	}
	if j.lastErr != nil {
		s.LastErr = j.lastErr.Error()
	}
	return s
}

func (j *job) terminal() bool {
	switch j.state {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// readyHeap orders pending jobs by priority band then enqueue order.
type readyHeap []*job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x any) {
	j := x.(*job)
	j.heapIdx = len(*h)
	*h = append(*h, j)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIdx = -1
	*h = old[:n-1]
	return j
}
