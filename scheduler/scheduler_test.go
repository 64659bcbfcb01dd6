package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"paceq/eventbus"
)

const testTimeout = 5 * time.Second

// fastLadder keeps retry waits negligible in tests.
var fastLadder = []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}

func newTestBus(t *testing.T) (eventbus.Bus, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4096)
	t.Cleanup(unsub)
	return bus, ch
}

// gather reads events until stop returns true for one of them, then
// returns everything read so far (including that event).
func gather(t *testing.T, ch <-chan eventbus.Event, stop func(eventbus.Event) bool) []eventbus.Event {
	t.Helper()
	var got []eventbus.Event
	deadline := time.After(testTimeout)
	for {
		select {
		case e := <-ch:
			got = append(got, e)
			if stop(e) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; got %d events so far", len(got))
		}
	}
}

// gatherResolves waits for n resolve events and returns their values in
// arrival order, plus every other event seen along the way.
func gatherResolves(t *testing.T, ch <-chan eventbus.Event, n int) ([]string, []eventbus.Event) {
	t.Helper()
	seen := 0
	events := gather(t, ch, func(e eventbus.Event) bool {
		if e.Type == EventResolve {
			seen++
		}
		return seen == n
	})
	return resolveValues(events), events
}

func resolveValues(events []eventbus.Event) []string {
	var vals []string
	for _, e := range events {
		if e.Type != EventResolve {
			continue
		}
		p, ok := e.Data.(ResolvePayload)
		if !ok {
			continue
		}
		vals = append(vals, fmt.Sprint(p.Value))
	}
	return vals
}

func countType(events []eventbus.Event, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func indexValue(i int) Factory[string] {
	return func(ctx context.Context) (string, error) {
		return fmt.Sprint(i), nil
	}
}

func TestOrderedResolvesFollowSubmissionOrder(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(3),
		WithPaceInterval(time.Millisecond),
		WithBus(bus),
	)

	// Earlier tasks are slower, so raw completion order is reversed.
	const n = 8
	for i := 0; i < n; i++ {
		i := i
		s.Enqueue(func(ctx context.Context) (string, error) {
			time.Sleep(time.Duration(n-i) * 5 * time.Millisecond)
			return fmt.Sprint(i), nil
		})
	}

	vals, _ := gatherResolves(t, ch, n)
	for i, v := range vals {
		if v != fmt.Sprint(i) {
			t.Fatalf("resolve[%d] = %q, want %q (all: %v)", i, v, fmt.Sprint(i), vals)
		}
	}
}

func TestUnorderedResolvesFollowCompletionOrder(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(2),
		WithPaceInterval(time.Millisecond),
		WithOrderedResults(false),
		WithBus(bus),
	)

	s.Enqueue(func(ctx context.Context) (string, error) {
		time.Sleep(150 * time.Millisecond)
		return "slow", nil
	})
	s.Enqueue(func(ctx context.Context) (string, error) {
		return "fast", nil
	})

	vals, _ := gatherResolves(t, ch, 2)
	if vals[0] != "fast" || vals[1] != "slow" {
		t.Fatalf("resolve order = %v, want [fast slow]", vals)
	}
}

func TestConcurrencyLimitNeverExceeded(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	const limit = 2
	s := New[string](
		WithConcurrency(limit),
		WithPaceInterval(time.Millisecond),
		WithBus(bus),
	)

	var cur, max int64
	const n = 10
	for i := 0; i < n; i++ {
		i := i
		s.Enqueue(func(ctx context.Context) (string, error) {
			c := atomic.AddInt64(&cur, 1)
			for {
				m := atomic.LoadInt64(&max)
				if c <= m || atomic.CompareAndSwapInt64(&max, m, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&cur, -1)
			return fmt.Sprint(i), nil
		})
	}

	gatherResolves(t, ch, n)
	if got := atomic.LoadInt64(&max); got > limit {
		t.Fatalf("observed %d concurrent tasks, limit is %d", got, limit)
	}
}

func TestFailFastHaltsScheduler(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(FailFast),
		WithBus(bus),
	)

	boom := errors.New("boom")
	s.Enqueue(indexValue(0))
	s.Enqueue(func(ctx context.Context) (string, error) { return "", boom })
	s.Enqueue(indexValue(2))

	events := gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventFail })

	// Grace period: any further dequeue would be a bug.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			continue
		default:
		}
		break
	}

	failAt := -1
	for i, e := range events {
		if e.Type == EventFail {
			failAt = i
			p := e.Data.(FailPayload)
			if !errors.Is(p.Err, boom) {
				t.Fatalf("fail payload error = %v, want boom", p.Err)
			}
		}
	}
	for i, e := range events {
		if i > failAt && e.Type == EventDequeue {
			t.Fatalf("dequeue observed after fatal failure (event %d)", i)
		}
	}
	if countType(events, EventAboutToRetry) != 0 {
		t.Fatal("fail-fast must not consult the retry controller")
	}
	if s.Started() {
		t.Fatal("scheduler still running after fatal failure")
	}
	if !s.Stopped() {
		t.Fatal("scheduler not stopped after fatal failure")
	}
}

func TestRetryThenFailDeciderDeclines(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(RetryThenFail),
		WithBackoff(fastLadder),
		WithRetryDecider(func(err error) Decision { return Decision{Retry: false} }),
		WithBus(bus),
	)

	s.Enqueue(func(ctx context.Context) (string, error) { return "", errors.New("nope") })

	events := gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventFail })
	if n := countType(events, EventFail); n != 1 {
		t.Fatalf("fail events = %d, want 1", n)
	}
	if n := countType(events, EventReject); n != 0 {
		t.Fatalf("reject events = %d, want 0", n)
	}
	if n := countType(events, EventAboutToRetry); n != 0 {
		t.Fatalf("aboutToRetry events = %d, want 0", n)
	}
}

func TestRetryThenIgnoreFailOnceThenSucceed(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(RetryThenIgnore),
		WithBackoff(fastLadder),
		WithBus(bus),
	)

	failed := false
	s.Enqueue(func(ctx context.Context) (string, error) {
		if !failed {
			failed = true
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	vals, events := gatherResolves(t, ch, 1)
	if vals[0] != "ok" {
		t.Fatalf("resolve value = %q, want ok", vals[0])
	}
	if n := countType(events, EventRetrying); n != 1 {
		t.Fatalf("retrying events = %d, want 1", n)
	}
	if n := countType(events, EventReject); n != 0 {
		t.Fatalf("reject events = %d, want 0", n)
	}
}

func TestClearMidRunResetsToFreshInstance(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithBus(bus),
	)

	// Two slow tasks: the first occupies the slot while we call Clear.
	for i := 0; i < 2; i++ {
		s.Enqueue(func(ctx context.Context) (string, error) {
			time.Sleep(100 * time.Millisecond)
			return "stale", nil
		})
	}

	s.Clear()
	if s.Size() != 0 || !s.IsEmpty() {
		t.Fatalf("after Clear: Size = %d, IsEmpty = %v", s.Size(), s.IsEmpty())
	}
	if s.Started() {
		t.Fatal("after Clear: still running")
	}

	s.Enqueue(func(ctx context.Context) (string, error) { return "fresh", nil })

	// The stale task settles during this window; its outcome must be dropped.
	events := gather(t, ch, func(e eventbus.Event) bool {
		p, ok := e.Data.(ResolvePayload)
		return ok && p.Value == "fresh"
	})
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			continue
		default:
		}
		break
	}

	for _, v := range resolveValues(events) {
		if v == "stale" {
			t.Fatal("stale outcome emitted after Clear")
		}
	}

	// Sequence numbers restart at 0: two distinct dequeues carried seq 0.
	seqZero := 0
	for _, e := range events {
		if e.Type == EventDequeue && e.Data.(DequeuePayload).Seq == 0 {
			seqZero++
		}
	}
	if seqZero != 2 {
		t.Fatalf("dequeues with seq 0 = %d, want 2 (before and after Clear)", seqZero)
	}
}

func TestTenTasksFailOnceResolveInOrder(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(RetryThenFail),
		WithBackoff(fastLadder),
		WithBus(bus),
	)

	const n = 10
	for i := 0; i < n; i++ {
		i := i
		first := true
		s.Enqueue(func(ctx context.Context) (string, error) {
			if first {
				first = false
				return "", fmt.Errorf("task %d: first call fails", i)
			}
			return fmt.Sprint(i), nil
		})
	}

	vals, _ := gatherResolves(t, ch, n)
	for i, v := range vals {
		if v != fmt.Sprint(i) {
			t.Fatalf("resolve[%d] = %q, want %q (all: %v)", i, v, fmt.Sprint(i), vals)
		}
	}
}

func TestOddTasksRejectEvenTasksResolve(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(RetryThenIgnore),
		WithBackoff(fastLadder),
		WithBus(bus),
	)

	const n = 10
	for i := 0; i < n; i++ {
		i := i
		if i%2 == 1 {
			s.Enqueue(func(ctx context.Context) (string, error) {
				return "", fmt.Errorf("task %d always fails", i)
			})
			continue
		}
		s.Enqueue(indexValue(i))
	}

	// The last task (9) rejects after the final resolve, so wait for the
	// queue to drain before counting.
	events := gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventFinish })
	vals := resolveValues(events)
	want := []string{"0", "2", "4", "6", "8"}
	if len(vals) != len(want) {
		t.Fatalf("resolves = %v, want %v", vals, want)
	}
	for i, v := range vals {
		if v != want[i] {
			t.Fatalf("resolve[%d] = %q, want %q (all: %v)", i, v, want[i], vals)
		}
	}
	if got := countType(events, EventReject); got != n/2 {
		t.Fatalf("reject events = %d, want %d", got, n/2)
	}
}

func TestRejectHandsSlotOverImmediately(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(300*time.Millisecond),
		WithPolicy(Ignore),
		WithBus(bus),
	)

	s.Enqueue(func(ctx context.Context) (string, error) {
		return "", errors.New("instant failure")
	})
	s.Enqueue(indexValue(1))

	_, events := gatherResolves(t, ch, 1)
	var rejectAt, nextDequeueAt time.Time
	for _, e := range events {
		switch e.Type {
		case EventReject:
			rejectAt = e.Time
		case EventDequeue:
			if e.Data.(DequeuePayload).Seq == 1 {
				nextDequeueAt = e.Time
			}
		}
	}
	if rejectAt.IsZero() || nextDequeueAt.IsZero() {
		t.Fatalf("missing reject or second dequeue among %d events", len(events))
	}
	if gap := nextDequeueAt.Sub(rejectAt); gap > 150*time.Millisecond {
		t.Fatalf("next dequeue waited %v after a rejection; pacing applies to resolved tasks only", gap)
	}
}

func TestStopHaltsDequeuesButNotInflight(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithBus(bus),
	)

	release := make(chan struct{})
	s.Enqueue(func(ctx context.Context) (string, error) {
		<-release
		return "survivor", nil
	})
	s.Enqueue(indexValue(1))

	gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventDequeue })
	s.Stop()
	close(release)

	events := gather(t, ch, func(e eventbus.Event) bool {
		p, ok := e.Data.(ResolvePayload)
		return ok && p.Value == "survivor"
	})
	if countType(events, EventStop) != 1 || countType(events, EventEnd) != 1 {
		t.Fatalf("stop/end events = %d/%d, want 1/1",
			countType(events, EventStop), countType(events, EventEnd))
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case e := <-ch:
		if e.Type == EventDequeue {
			t.Fatal("dequeue observed after Stop")
		}
	default:
	}
	if s.Size() != 1 {
		t.Fatalf("pending size after Stop = %d, want 1", s.Size())
	}
	if !s.Stopped() {
		t.Fatal("Stopped() = false after Stop with no running tasks")
	}
}

func TestAutoStartDisabledWaitsForStart(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithAutoStart(false),
		WithBus(bus),
	)

	s.Enqueue(indexValue(0))
	time.Sleep(50 * time.Millisecond)
	if s.Started() {
		t.Fatal("scheduler started without Start()")
	}
	if !s.ShouldRun() {
		t.Fatal("ShouldRun() = false with a pending task and a free slot")
	}

	s.Start()
	vals, events := gatherResolves(t, ch, 1)
	if vals[0] != "0" {
		t.Fatalf("resolve = %q, want 0", vals[0])
	}
	if countType(events, EventStart) != 1 {
		t.Fatalf("start events = %d, want 1", countType(events, EventStart))
	}
}

func TestDrainEmitsFinish(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(2),
		WithPaceInterval(time.Millisecond),
		WithBus(bus),
	)

	s.Enqueue(indexValue(0))
	s.Enqueue(indexValue(1))

	events := gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventFinish })
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			continue
		default:
		}
		break
	}
	if countType(events, EventResolve) != 2 {
		t.Fatalf("resolve events = %d, want 2", countType(events, EventResolve))
	}
	if s.Started() {
		t.Fatal("scheduler still running after drain")
	}
}

func TestEnqueuePositionsAndDequeueSequence(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithAutoStart(false),
		WithBus(bus),
	)

	for i := 0; i < 3; i++ {
		s.Enqueue(indexValue(i))
	}
	s.Start()

	events := gather(t, ch, func(e eventbus.Event) bool { return e.Type == EventFinish })

	var positions []int
	var seqs []uint64
	for _, e := range events {
		switch e.Type {
		case EventEnqueue:
			positions = append(positions, e.Data.(EnqueuePayload).Position)
		case EventDequeue:
			seqs = append(seqs, e.Data.(DequeuePayload).Seq)
		}
	}
	// Queue positions are assigned at enqueue time while nothing drains,
	// so they grow 0,1,2; sequence numbers are assigned at dequeue time.
	for i, p := range positions {
		if p != i {
			t.Fatalf("enqueue position[%d] = %d, want %d", i, p, i)
		}
	}
	for i, q := range seqs {
		if q != uint64(i) {
			t.Fatalf("dequeue seq[%d] = %d, want %d", i, q, i)
		}
	}
}

func TestFactoryPanicBecomesRejection(t *testing.T) {
	t.Parallel()
	bus, ch := newTestBus(t)
	s := New[string](
		WithConcurrency(1),
		WithPaceInterval(time.Millisecond),
		WithPolicy(Ignore),
		WithBus(bus),
	)

	s.Enqueue(func(ctx context.Context) (string, error) { panic("kaboom") })
	s.Enqueue(indexValue(1))

	vals, events := gatherResolves(t, ch, 1)
	if vals[0] != "1" {
		t.Fatalf("resolve = %q, want 1", vals[0])
	}
	if n := countType(events, EventReject); n != 1 {
		t.Fatalf("reject events = %d, want 1", n)
	}
}
