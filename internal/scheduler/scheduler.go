// Package scheduler admits download jobs against a global and per-kind
// concurrency budget. Jobs queue FIFO within their kind, video drains
// before thumbnails, and limits can be adjusted while jobs are in
// flight. The scheduler owns a job from submission to its terminal
// state; submitters keep only a Ticket.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
)

// Limits caps concurrently running jobs globally and per kind.
type Limits struct {
	Global    int
	Video     int
	Thumbnail int
}

// Validate rejects limits the scheduler cannot run with.
func (l Limits) Validate() error {
	if l.Global < 1 || l.Video < 1 || l.Thumbnail < 1 {
		return fmt.Errorf("limits must be at least 1, got global=%d video=%d thumbnail=%d",
			l.Global, l.Video, l.Thumbnail)
	}

	return nil
}

func (l Limits) forKind(kind stream.Kind) int {
	if kind == stream.KindVideo {
		return l.Video
	}

	return l.Thumbnail
}

// StartFunc launches the actual transfer once a slot is granted. It
// runs outside the scheduler's lock, must return quickly, and must
// honor ctx cancellation through the returned handle.
type StartFunc func(ctx context.Context) (*stream.DownloadHandle, error)

// job state transitions happen only under Scheduler.mu.
type job struct {
	id       string
	streamID string
	kind     stream.Kind
	start    StartFunc

	enqueuedAt time.Time
	queueWait  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state  stream.JobState
	err    error
	handle *stream.DownloadHandle

	done   chan struct{}
	notify chan struct{}
}

func (j *job) pulse() {
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Ticket is the submitter's cancellable view of a job.
type Ticket struct {
	s *Scheduler
	j *job
}

// ID identifies the job.
func (t *Ticket) ID() string { return t.j.id }

// StreamID identifies the stream the job downloads for.
func (t *Ticket) StreamID() string { return t.j.streamID }

// Done is closed when the job reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.j.done }

// Notify pulses on admission, on download progress, and on completion.
func (t *Ticket) Notify() <-chan struct{} { return t.j.notify }

// State reports the job's current state.
func (t *Ticket) State() stream.JobState {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	return t.j.state
}

// Err reports why the job failed or was cancelled. Nil until Done.
func (t *Ticket) Err() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	return t.j.err
}

// Cancel removes the job from its queue, or aborts its transfer if it
// is already running. Cancelling a finished job is a no-op.
func (t *Ticket) Cancel() {
	t.s.cancelJob(t.j)
}

// Snapshot is a point-in-time view of the scheduler for status
// reporting.
type Snapshot struct {
	Limits Limits         `json:"limits"`
	Active map[string]int `json:"active"`
	Queued map[string]int `json:"queued"`
}

// Scheduler admits jobs against the configured budget.
type Scheduler struct {
	tel *telemetry.Telemetry

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	limits Limits
	active map[stream.Kind]int
	total  int
	queues map[stream.Kind]*list.List
	elems  map[string]*list.Element
	closed bool
}

// New creates a scheduler with the given starting limits.
func New(limits Limits, tel *telemetry.Telemetry) (*Scheduler, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	baseCtx, stop := context.WithCancel(context.Background())

	return &Scheduler{
		tel:     tel,
		baseCtx: baseCtx,
		stop:    stop,
		limits:  limits,
		active:  make(map[stream.Kind]int),
		queues: map[stream.Kind]*list.List{
			stream.KindVideo:     list.New(),
			stream.KindThumbnail: list.New(),
		},
		elems: make(map[string]*list.Element),
	}, nil
}

// Submit hands a job to the scheduler. If a slot is free it starts
// immediately, otherwise it queues behind earlier jobs of its kind.
// The job outlives the submitting context; only the submitter's logger
// is carried over.
func (s *Scheduler) Submit(ctx context.Context, streamID string, kind stream.Kind, start StartFunc) (*Ticket, error) {
	if start == nil {
		return nil, errors.New("scheduler: nil start func")
	}

	logger := logctx.LoggerFromContext(ctx)

	jobCtx, cancel := context.WithCancel(logctx.WithLogger(s.baseCtx, logger))
	j := &job{
		id:         uuid.NewString(),
		streamID:   streamID,
		kind:       kind,
		start:      start,
		enqueuedAt: time.Now(),
		ctx:        jobCtx,
		cancel:     cancel,
		state:      stream.JobQueued,
		done:       make(chan struct{}),
		notify:     make(chan struct{}, 1),
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		cancel()

		return nil, fmt.Errorf("scheduler: %w", stream.ErrClosed)
	}

	admitted := s.hasSlotLocked(kind)
	if admitted {
		s.grantLocked(j)
	} else {
		s.elems[j.id] = s.queues[kind].PushBack(j)
		s.tel.IncrementQueuedJobs(kind.String())
	}

	s.mu.Unlock()

	logger.Debug("job submitted", "job_id", j.id, "stream_id", streamID, "kind", kind.String(), "queued", !admitted)

	if admitted {
		s.launch(j)
	}

	return &Ticket{s: s, j: j}, nil
}

// SetLimits installs new limits and immediately admits whatever the
// new budget allows. Shrinking never cancels running jobs; the budget
// converges as they finish.
func (s *Scheduler) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()
	s.limits = limits
	next := s.drainLocked()
	s.mu.Unlock()

	s.tel.RecordLimitAdjustment()

	for _, j := range next {
		s.launch(j)
	}

	return nil
}

// Snapshot reports current limits and per-kind occupancy.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Limits: s.limits,
		Active: map[string]int{
			stream.KindVideo.String():     s.active[stream.KindVideo],
			stream.KindThumbnail.String(): s.active[stream.KindThumbnail],
		},
		Queued: map[string]int{
			stream.KindVideo.String():     s.queues[stream.KindVideo].Len(),
			stream.KindThumbnail.String(): s.queues[stream.KindThumbnail].Len(),
		},
	}
}

// Close cancels every queued job, aborts running ones, and rejects
// further submissions.
func (s *Scheduler) Close() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true

	var dropped []*job

	for _, q := range s.queues {
		for e := q.Front(); e != nil; e = e.Next() {
			j := e.Value.(*job)
			j.state = stream.JobCancelled
			j.err = context.Canceled
			j.queueWait = time.Since(j.enqueuedAt)
			dropped = append(dropped, j)
		}

		q.Init()
	}

	s.elems = make(map[string]*list.Element)
	s.mu.Unlock()

	for _, j := range dropped {
		j.cancel()
		close(j.done)
		j.pulse()
		s.tel.DecrementQueuedJobs(j.kind.String())
		s.tel.RecordJob(j.kind.String(), stream.JobCancelled.String(), j.queueWait)
	}

	s.stop()
}

// hasSlotLocked reports whether a job of the kind may run now.
func (s *Scheduler) hasSlotLocked(kind stream.Kind) bool {
	return s.total < s.limits.Global && s.active[kind] < s.limits.forKind(kind)
}

// grantLocked moves a job to Active and claims its slots.
func (s *Scheduler) grantLocked(j *job) {
	j.state = stream.JobActive
	j.queueWait = time.Since(j.enqueuedAt)
	s.active[j.kind]++
	s.total++
	s.tel.IncrementActiveJobs(j.kind.String())
}

// drainLocked admits queued jobs while slots remain, video queue
// first. Returns the jobs to launch once the lock is released.
func (s *Scheduler) drainLocked() []*job {
	var admitted []*job

	for _, kind := range []stream.Kind{stream.KindVideo, stream.KindThumbnail} {
		q := s.queues[kind]

		for q.Len() > 0 && s.hasSlotLocked(kind) {
			e := q.Front()
			q.Remove(e)

			j := e.Value.(*job)
			delete(s.elems, j.id)
			s.tel.DecrementQueuedJobs(kind.String())
			s.grantLocked(j)
			admitted = append(admitted, j)
		}
	}

	return admitted
}

// launch runs the start func outside the lock and hands the live
// handle to a watcher.
func (s *Scheduler) launch(j *job) {
	logger := logctx.LoggerFromContext(j.ctx)

	handle, err := j.start(j.ctx)
	if err != nil {
		logger.Error("job failed to start", "job_id", j.id, "stream_id", j.streamID, "err", err)
		s.finish(j, err)

		return
	}

	s.mu.Lock()
	j.handle = handle
	s.mu.Unlock()

	j.pulse()

	go s.watch(j, handle)
}

// watch forwards progress pulses and completes the job when its
// transfer stops.
func (s *Scheduler) watch(j *job, h *stream.DownloadHandle) {
	for {
		select {
		case <-h.Done():
			s.finish(j, h.Err())

			return
		case <-h.Progress():
			j.pulse()
		}
	}
}

// finish records the terminal state, releases the slot, and admits
// the next queued jobs.
func (s *Scheduler) finish(j *job, err error) {
	s.mu.Lock()

	if j.state != stream.JobActive {
		s.mu.Unlock()

		return
	}

	switch {
	case err == nil:
		j.state = stream.JobDone
	case errors.Is(err, context.Canceled):
		j.state = stream.JobCancelled
		j.err = err
	default:
		j.state = stream.JobFailed
		j.err = err
	}

	s.active[j.kind]--
	s.total--
	s.tel.DecrementActiveJobs(j.kind.String())

	next := s.drainLocked()
	s.mu.Unlock()

	j.cancel()
	close(j.done)
	j.pulse()
	s.tel.RecordJob(j.kind.String(), j.state.String(), j.queueWait)

	for _, nj := range next {
		s.launch(nj)
	}
}

// cancelJob implements Ticket.Cancel for every job state.
func (s *Scheduler) cancelJob(j *job) {
	s.mu.Lock()

	switch j.state {
	case stream.JobQueued:
		if e, ok := s.elems[j.id]; ok {
			s.queues[j.kind].Remove(e)
			delete(s.elems, j.id)
		}

		j.state = stream.JobCancelled
		j.err = context.Canceled
		j.queueWait = time.Since(j.enqueuedAt)
		s.mu.Unlock()

		j.cancel()
		close(j.done)
		j.pulse()
		s.tel.DecrementQueuedJobs(j.kind.String())
		s.tel.RecordJob(j.kind.String(), stream.JobCancelled.String(), j.queueWait)
	case stream.JobActive:
		s.mu.Unlock()

		// The transfer observes the context through its handle; the
		// watcher finishes the job and frees the slot when it stops.
		j.cancel()
	default:
		s.mu.Unlock()
	}
}
