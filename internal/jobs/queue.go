package jobs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler executes one attempt of a job. It must observe Run.Cancelled
// (or ctx.Done()) between units of work and return promptly.
type Handler func(ctx context.Context, run *Run) error

// Run is the handler's view of its job: payload access, progress
// reporting, and the cooperative cancellation checkpoint.
type Run struct {
	q   *Queue
	j   *job
	ctx context.Context
}

// ID returns the job id.
func (r *Run) ID() string { return r.j.req.ID }

// Attempt returns the 1-based attempt number for this execution.
func (r *Run) Attempt() int {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return r.j.attempt
}

// Payload returns the opaque work description supplied at enqueue.
func (r *Run) Payload() any { return r.j.req.Payload }

// Cancelled reports whether cancellation was requested. Handlers check
// this between units of work and return early when it fires.
func (r *Run) Cancelled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
	}
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return r.j.cancelled
}

// Report updates the job's progress block.
func (r *Run) Report(processed, total int, errs ...string) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	p := &r.j.progress
	p.ProcessedCount = processed
	p.TotalExpected = total
	if total > 0 {
		p.Percentage = float64(processed) / float64(total) * 100
	}
	p.Errors = append(p.Errors, errs...)
}

// Options tunes the queue. Zero values fall back to defaults.
type Options struct {
	Workers           int
	MaxAttempts       int
	Backoff           func(attempt int) time.Duration
	AttemptBudget     time.Duration
	TerminalRetention time.Duration
	OnTerminal        func(Snapshot)
	Logger            *logrus.Logger
}

// Stats counts jobs by state.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Queue is an in-process priority job queue with a fixed worker pool,
// per-job retry with backoff, progress reporting, and cooperative
// cancellation. The mutex guards only map/heap bookkeeping; it is never
// held across handler execution or backoff waits.
type Queue struct {
	opts     Options
	handlers map[string]Handler

	mu      sync.Mutex
	jobs    map[string]*job
	ready   readyHeap
	delayed []*job
	seq     uint64
	stats   struct {
		succeeded int
		failed    int
		cancelled int
	}

	subsMu sync.Mutex
	subs   []chan Event

	wake    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New builds a stopped queue; call Start to launch the pool.
func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		}
	}
	if opts.AttemptBudget <= 0 {
		opts.AttemptBudget = 2 * time.Minute
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Queue{
		opts:     opts,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*job),
		wake:     make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before
// Start.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	q.handlers[jobType] = h
}

// Start launches the worker pool. Workers stop when ctx is cancelled;
// Wait blocks until they have drained.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Enqueue submits a job. Submitting an id that is still pending or
// running is a no-op returning the live job's snapshot with idempotent
// set; a terminal id is treated as a fresh submission.
func (q *Queue) Enqueue(req Request) (Snapshot, bool, error) {
	if req.ID == "" {
		return Snapshot{}, false, errors.New("job id required")
	}
	if _, ok := q.handlers[req.Type]; !ok {
		return Snapshot{}, false, fmt.Errorf("no handler registered for type %q", req.Type)
	}

	q.mu.Lock()
	if existing, ok := q.jobs[req.ID]; ok && !existing.terminal() {
		snap := existing.snapshot()
		q.mu.Unlock()
		return snap, true, nil
	}

	q.seq++
	j := &job{
		req:     req,
		seq:     q.seq,
		state:   StatePending,
		heapIdx: -1,
		doneCh:  make(chan struct{}),
	}
	q.jobs[req.ID] = j
	heap.Push(&q.ready, j)
	j.queued = true
	snap := j.snapshot()
	q.mu.Unlock()

	q.emit(Event{JobID: req.ID, Type: req.Type, State: StatePending})
	q.kick()
	return snap, false, nil
}

// Cancel requests cancellation. Pending jobs are removed before they
// start; running jobs get a cooperative flag plus attempt-context
// cancellation and finish at their next checkpoint.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.terminal() {
		q.mu.Unlock()
		if ok {
			return nil // already terminal, cancel is a no-op
		}
		return ErrNotFound
	}

	j.cancelled = true
	if j.state == StatePending {
		q.removeFromSchedules(j)
		q.finishLocked(j, StateCancelled, nil)
		snap := j.snapshot()
		q.mu.Unlock()
		q.afterTerminal(snap)
		return nil
	}
	cancelRun := j.cancelRun
	q.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	return nil
}

// Progress returns the job's current snapshot.
func (q *Queue) Progress(id string) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return j.snapshot(), nil
}

// Done returns a channel closed when the job reaches a terminal state.
func (q *Queue) Done(id string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.doneCh, nil
}

// DrainStats counts jobs by state, including retained terminal jobs.
func (q *Queue) DrainStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Succeeded: q.stats.succeeded,
		Failed:    q.stats.failed,
		Cancelled: q.stats.cancelled,
	}
	for _, j := range q.jobs {
		switch j.state {
		case StatePending:
			s.Pending++
		case StateRunning:
			s.Running++
		}
	}
	return s
}

// Subscribe returns a channel receiving state-transition events. Slow
// subscribers drop events rather than blocking workers.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	q.subsMu.Lock()
	q.subs = append(q.subs, ch)
	q.subsMu.Unlock()
	return ch
}

func (q *Queue) emit(e Event) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker pulls the highest-priority due job and executes it. Each worker
// does its own promotion of due delayed jobs, mirroring a
// promote-then-dequeue loop.
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		j, wait := q.next()
		if j == nil {
			if wait <= 0 || wait > time.Second {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(wait):
			}
			continue
		}
		q.execute(ctx, j)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// next pops the best runnable job, or returns how long until the next
// delayed job is due.
func (q *Queue) next() (*job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.promoteLocked(now)
	q.evictLocked(now)

	for q.ready.Len() > 0 {
		j := heap.Pop(&q.ready).(*job)
		j.queued = false
		if j.state != StatePending || j.cancelled {
			continue
		}
		j.state = StateRunning
		j.attempt++
		return j, 0
	}

	var wait time.Duration
	for _, j := range q.delayed {
		d := j.notBefore.Sub(now)
		if wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Queue) promoteLocked(now time.Time) {
	kept := q.delayed[:0]
	for _, j := range q.delayed {
		if j.state != StatePending || j.cancelled {
			continue
		}
		if !j.notBefore.After(now) {
			heap.Push(&q.ready, j)
			j.queued = true
			continue
		}
		kept = append(kept, j)
	}
	q.delayed = kept
}

func (q *Queue) evictLocked(now time.Time) {
	for id, j := range q.jobs {
		if j.terminal() && now.Sub(j.finished) > q.opts.TerminalRetention {
			delete(q.jobs, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, j *job) {
	attempt := j.attempt
	q.emit(Event{JobID: j.req.ID, Type: j.req.Type, State: StateRunning, Attempt: attempt})

	runCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptBudget)
	q.mu.Lock()
	j.cancelRun = cancel
	q.mu.Unlock()

	handler := q.handlers[j.req.Type]
	err := handler(runCtx, &Run{q: q, j: j, ctx: runCtx})
	cancel()

	q.mu.Lock()
	j.cancelRun = nil
	if j.cancelled {
		q.finishLocked(j, StateCancelled, err)
		snap := j.snapshot()
		q.mu.Unlock()
		q.afterTerminal(snap)
		return
	}
	if err == nil {
		q.finishLocked(j, StateSucceeded, nil)
		snap := j.snapshot()
		q.mu.Unlock()
		q.afterTerminal(snap)
		return
	}

	j.lastErr = err
	var perm *PermanentError
	if errors.As(err, &perm) || attempt >= q.opts.MaxAttempts {
		q.finishLocked(j, StateFailed, err)
		snap := j.snapshot()
		q.mu.Unlock()
		q.afterTerminal(snap)
		return
	}

	// Retryable: back to pending after a delay. A provider-supplied
	// retry-after wins over the local backoff curve.
	delay := q.opts.Backoff(attempt)
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		delay = ra.After
	}
	j.state = StatePending
	j.notBefore = time.Now().Add(delay)
	q.delayed = append(q.delayed, j)
	q.mu.Unlock()

	q.opts.Logger.WithFields(logrus.Fields{
		"job_id":  j.req.ID,
		"attempt": attempt,
		"delay":   delay.String(),
	}).WithError(err).Warn("job attempt failed, retry scheduled")
	q.emit(Event{JobID: j.req.ID, Type: j.req.Type, State: StatePending, Attempt: attempt, Err: err.Error()})
	q.kick()
}

// finishLocked moves a job to a terminal state. Caller holds the mutex.
func (q *Queue) finishLocked(j *job, state string, err error) {
	j.state = state
	if err != nil {
		j.lastErr = err
	}
	j.finished = time.Now()
	switch state {
	case StateSucceeded:
		q.stats.succeeded++
	case StateFailed:
		q.stats.failed++
	case StateCancelled:
		q.stats.cancelled++
	}
	close(j.doneCh)
}

func (q *Queue) afterTerminal(snap Snapshot) {
	q.emit(Event{JobID: snap.ID, Type: snap.Type, State: snap.State, Attempt: snap.Attempt, Err: snap.LastErr})
	if q.opts.OnTerminal != nil {
		q.opts.OnTerminal(snap)
	}
}

// removeFromSchedules detaches a pending job from the ready heap or the
// delayed list. Caller holds the mutex.
func (q *Queue) removeFromSchedules(j *job) {
	if j.queued && j.heapIdx >= 0 {
		heap.Remove(&q.ready, j.heapIdx)
		j.queued = false
		return
	}
	for i, d := range q.delayed {
		if d == j {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}
