package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"paceq/eventbus"
	logx "paceq/pkg/logx"
)

// Factory is the unit of work: a callable that eventually settles with a
// value or an error. Ownership stays with the pending queue until the
// scheduler dequeues it.
type Factory[T any] func(ctx context.Context) (T, error)

// The pending queue is unbounded; past this depth the scheduler starts
// warning (throttled) that producers are outrunning consumers.
const queueWarnDepth = 1024

const queueWarnEvery = 30 * time.Second

// Scheduler runs task factories with bounded concurrency, paced starts,
// optional in-order completion notifications, and a configurable failure
// policy. All mutable state is owned by the instance and guarded by one
// mutex; finalization and its buffer drain happen as a single atomic step.
type Scheduler[T any] struct {
	opts options
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.Mutex
	pending  []Factory[T]
	seq      uint64 // next sequence number assigned at dequeue
	inflight int
	buf      *completionBuffer[T]
	running  bool
	fatal    bool
	auto     bool // auto-start-on-enqueue, toggled by Start/Stop

	// epoch invalidates in-flight tasks across Clear(): a stale task's
	// finalization must not touch the fresh instance state.
	epoch uint64

	queueWarn rate.Sometimes
}

type entry[T any] struct {
	factory   Factory[T]
	seq       uint64
	startedAt time.Time
	epoch     uint64
}

// New builds a scheduler from functional options; see options.go for the
// defaults.
func New[T any](opts ...Option) *Scheduler[T] {
	o := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return &Scheduler[T]{
		opts:      o,
		log:       o.log,
		bus:       o.bus,
		buf:       newCompletionBuffer[T](),
		auto:      o.autoStart,
		queueWarn: rate.Sometimes{Interval: queueWarnEvery},
	}
}

// Enqueue appends a factory to the pending queue and, when auto-start is
// enabled and the scheduler is eligible to run, starts it.
func (s *Scheduler[T]) Enqueue(f Factory[T]) {
	if f == nil {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, f)
	pos := len(s.pending) - 1
	s.publishLocked(EventEnqueue, EnqueuePayload{Position: pos, Factory: f})
	if len(s.pending) > queueWarnDepth {
		depth := len(s.pending)
		s.queueWarn.Do(func() {
			s.log.Warn("pending queue is deep; producers outrun consumers",
				logx.Int("pending", depth),
				logx.Int("concurrency", s.opts.concurrency))
		})
	}
	trigger := s.auto && s.shouldRunLocked()
	s.mu.Unlock()

	if trigger {
		s.Start()
	}
}

// Start marks the scheduler running, re-enables auto-start, and eagerly
// fills every available concurrency slot.
func (s *Scheduler[T]) Start() {
	s.mu.Lock()
	s.auto = true
	s.fatal = false
	s.running = true
	s.publishLocked(EventStart, nil)
	for s.running && s.shouldRunLocked() {
		s.dequeueLocked()
	}
	s.mu.Unlock()
}

// Stop disables auto-start and halts further dequeues. In-flight tasks run
// to completion and still go through the normal finalize path.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	s.auto = false
	s.publishLocked(EventStop, nil)
	if s.running {
		s.running = false
		s.publishLocked(EventEnd, nil)
	}
	s.mu.Unlock()
}

// Clear resets the scheduler to the state of a fresh instance: empty
// queue, empty completion buffer, sequence numbers restarting at zero.
// Outcomes of tasks still in flight are discarded when they settle.
func (s *Scheduler[T]) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.buf.reset()
	s.seq = 0
	s.inflight = 0
	s.running = false
	s.fatal = false
	s.auto = s.opts.autoStart
	s.epoch++
	s.mu.Unlock()
}

// Size returns the pending queue length.
func (s *Scheduler[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsEmpty reports whether the pending queue is empty.
func (s *Scheduler[T]) IsEmpty() bool { return s.Size() == 0 }

// ShouldRun is the admission predicate: a free concurrency slot and a
// non-empty pending queue.
func (s *Scheduler[T]) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldRunLocked()
}

// Started reports the running state.
func (s *Scheduler[T]) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stopped reports whether auto-start is disabled and the scheduler is not
// running.
func (s *Scheduler[T]) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.auto && !s.running
}

func (s *Scheduler[T]) shouldRunLocked() bool {
	return s.inflight < s.opts.concurrency && len(s.pending) > 0
}

// dequeueLocked pulls the queue head, assigns it the next sequence number,
// and launches it. An empty queue ends the run: running flips to false and
// a finish notification is emitted.
func (s *Scheduler[T]) dequeueLocked() {
	if len(s.pending) == 0 {
		s.running = false
		s.publishLocked(EventFinish, nil)
		return
	}
	f := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	e := entry[T]{
		factory:   f,
		seq:       s.seq,
		startedAt: time.Now(),
		epoch:     s.epoch,
	}
	s.seq++
	s.inflight++
	s.publishLocked(EventDequeue, DequeuePayload{Seq: e.seq, StartedAt: e.startedAt, Factory: f})
	s.log.Debug("task dequeued", logx.Uint64("seq", e.seq), logx.Int("inflight", s.inflight))

	go s.run(e)
}

// run drives one task through invocation, the rejection policy, and the
// retry loop until it reaches a terminal outcome. The attempt counter is
// carried explicitly; a failure during a retry re-enters the same handling
// with the counter incremented.
func (s *Scheduler[T]) run(e entry[T]) {
	attempt := 0
	for {
		v, err := s.invoke(e)
		if err == nil {
			s.finalizeResolve(e, v)
			return
		}

		switch s.opts.policy {
		case FailFast:
			s.finalizeFatal(e, err)
			return
		case Ignore:
			s.finalizeReject(e, err, attempt)
			return
		case RetryThenFail, RetryThenIgnore:
			wait, retry := decideRetry(s.opts, err, attempt)
			if !retry {
				if s.opts.policy == RetryThenFail {
					s.finalizeFatal(e, err)
				} else {
					s.finalizeReject(e, err, attempt)
				}
				return
			}
			meta := TaskMeta{Seq: e.seq, Attempt: attempt, StartedAt: e.startedAt}
			s.publish(EventAboutToRetry, AboutToRetryPayload{Err: err, Wait: wait, Task: meta})
			s.log.Debug("task retry scheduled",
				logx.Uint64("seq", e.seq),
				logx.Int("attempt", attempt+1),
				logx.Duration("wait", wait),
				logx.Err(err))
			if wait > 0 {
				time.Sleep(wait)
			}
			s.publish(EventRetrying, RetryingPayload{Task: meta})
			attempt++
		default:
			s.finalizeFatal(e, fmt.Errorf("unknown rejection policy %v: %w", s.opts.policy, err))
			return
		}
	}
}

// invoke runs the factory, converting panics into errors so one bad task
// cannot take the process down or leak a concurrency slot.
func (s *Scheduler[T]) invoke(e entry[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panic",
				logx.Uint64("seq", e.seq),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return e.factory(s.opts.baseCtx)
}

func (s *Scheduler[T]) finalizeResolve(e entry[T], v T) {
	s.mu.Lock()
	if e.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.fatal {
		s.inflight--
		s.mu.Unlock()
		return
	}
	if s.opts.ordered {
		s.buf.putResolved(e.seq, v)
		for _, val := range s.buf.drain() {
			s.publishLocked(EventResolve, ResolvePayload{Value: val})
		}
	} else {
		s.publishLocked(EventResolve, ResolvePayload{Value: v})
	}
	s.inflight--
	s.log.Debug("task resolved", logx.Uint64("seq", e.seq), logx.Duration("took", time.Since(e.startedAt)))
	s.mu.Unlock()

	s.pace(e)
}

func (s *Scheduler[T]) finalizeReject(e entry[T], err error, attempt int) {
	s.mu.Lock()
	if e.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.fatal {
		s.inflight--
		s.mu.Unlock()
		return
	}
	meta := TaskMeta{Seq: e.seq, Attempt: attempt, StartedAt: e.startedAt}
	s.publishLocked(EventReject, RejectPayload{Err: err, Task: meta})
	if s.opts.ordered {
		// Rejected sequence numbers are recorded too, otherwise the drain
		// would stall at this slot forever.
		s.buf.putRejected(e.seq)
		for _, val := range s.buf.drain() {
			s.publishLocked(EventResolve, ResolvePayload{Value: val})
		}
	}
	s.inflight--
	s.log.Warn("task rejected",
		logx.Uint64("seq", e.seq),
		logx.Int("attempts", attempt),
		logx.Err(err))
	s.mu.Unlock()

	// A rejection frees the slot immediately; pacing applies to resolved
	// tasks only.
	s.next(e)
}

func (s *Scheduler[T]) finalizeFatal(e entry[T], err error) {
	s.mu.Lock()
	if e.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.fatal {
		// Another task already failed the scheduler; this outcome is moot.
		s.inflight--
		s.mu.Unlock()
		return
	}
	s.fatal = true
	s.running = false
	s.auto = false
	s.inflight--
	s.publishLocked(EventFail, FailPayload{Err: err})
	s.log.Error("scheduler halted by task failure", logx.Uint64("seq", e.seq), logx.Err(err))
	s.mu.Unlock()
}

// pace suspends until the pacing interval since this task's dequeue has
// elapsed, then hands the slot to the next pending task.
func (s *Scheduler[T]) pace(e entry[T]) {
	if d := time.Until(e.startedAt.Add(s.opts.pace)); d > 0 {
		time.Sleep(d)
	}
	s.next(e)
}

// next hands this task's slot to the next pending task, unless the
// scheduler stopped or was cleared in the meantime.
func (s *Scheduler[T]) next(e entry[T]) {
	s.mu.Lock()
	if s.running && e.epoch == s.epoch {
		s.dequeueLocked()
	}
	s.mu.Unlock()
}

func (s *Scheduler[T]) publishLocked(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// publish is for notifications outside the finalize/dispatch critical
// section (retry waits).
func (s *Scheduler[T]) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
