package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock for deterministic tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recorder collects the order in which requests reach the worker callback.
type recorder struct {
	mu    sync.Mutex
	order []string
	seen  chan struct{}
}

func newRecorder(expected int) *recorder {
	return &recorder{seen: make(chan struct{}, expected)}
}

func (r *recorder) worker(_ context.Context, req *Request) error {
	r.mu.Lock()
	r.order = append(r.order, req.RequesterID)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for request %d of %d", i+1, n)
		}
	}
}

func (r *recorder) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func enqueueAt(t *testing.T, q *PriorityRequestQueue, requester string, privileged bool, at time.Time) {
	t.Helper()
	err := q.Enqueue(&Request{
		RequesterID: requester,
		Privileged:  privileged,
		EnqueuedAt:  at,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", requester, err)
	}
}

func TestPrivilegedOvertakesNormal(t *testing.T) {
	q := New()
	rec := newRecorder(3)
	q.SetWorker(rec.worker)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	enqueueAt(t, q, "alice", false, base)
	enqueueAt(t, q, "bob", true, base.Add(time.Second))
	enqueueAt(t, q, "carol", false, base.Add(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.DrainAndStop(context.Background())

	rec.waitFor(t, 3)
	got := rec.processed()
	want := []string{"bob", "alice", "carol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", got, want)
		}
	}
}

func TestFIFOWithinClass(t *testing.T) {
	q := New()
	rec := newRecorder(5)
	q.SetWorker(rec.worker)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		enqueueAt(t, q, u, false, base.Add(time.Duration(i)*time.Second))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.DrainAndStop(context.Background())

	rec.waitFor(t, 5)
	got := rec.processed()
	for i, u := range users {
		if got[i] != u {
			t.Fatalf("processing order = %v, want %v", got, users)
		}
	}
}

func TestEnqueueRejectsInFlightRequester(t *testing.T) {
	q := New()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	enqueueAt(t, q, "alice", false, base)
	err := q.Enqueue(&Request{RequesterID: "alice", EnqueuedAt: base.Add(time.Second)})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("second enqueue: got %v, want ErrInFlight", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}
}

func TestInFlightClearedAfterProcessing(t *testing.T) {
	q := New()
	rec := newRecorder(2)
	q.SetWorker(rec.worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.DrainAndStop(context.Background())

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	enqueueAt(t, q, "alice", false, base)
	rec.waitFor(t, 1)

	// The marker clears after the callback returns; poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for q.IsInFlight("alice") {
		if time.Now().After(deadline) {
			t.Fatal("in-flight marker never cleared")
		}
		time.Sleep(time.Millisecond)
	}

	enqueueAt(t, q, "alice", false, base.Add(time.Minute))
	rec.waitFor(t, 1)
}

func TestInFlightClearedOnWorkerError(t *testing.T) {
	q := New()
	processed := make(chan struct{}, 1)
	q.SetWorker(func(_ context.Context, _ *Request) error {
		processed <- struct{}{}
		return errors.New("backend unavailable")
	})

	var sinkMu sync.Mutex
	var sinkErrs []error
	q.SetErrorSink(func(_ *Request, err error) {
		sinkMu.Lock()
		sinkErrs = append(sinkErrs, err)
		sinkMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.DrainAndStop(context.Background())

	enqueueAt(t, q, "alice", false, time.Now())
	<-processed

	deadline := time.Now().Add(5 * time.Second)
	for q.IsInFlight("alice") {
		if time.Now().After(deadline) {
			t.Fatal("in-flight marker not cleared after worker error")
		}
		time.Sleep(time.Millisecond)
	}

	sinkMu.Lock()
	defer sinkMu.Unlock()
	if len(sinkErrs) != 1 {
		t.Fatalf("error sink calls = %d, want 1", len(sinkErrs))
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	q := New()
	rec := newRecorder(1)
	first := true
	var mu sync.Mutex
	panicked := make(chan struct{})
	q.SetWorker(func(ctx context.Context, req *Request) error {
		mu.Lock()
		f := first
		first = false
		mu.Unlock()
		if f {
			close(panicked)
			panic("boom")
		}
		return rec.worker(ctx, req)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.DrainAndStop(context.Background())

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	enqueueAt(t, q, "alice", false, base)
	<-panicked

	enqueueAt(t, q, "bob", false, base.Add(time.Second))
	rec.waitFor(t, 1)
	if got := rec.processed(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("processed after panic = %v, want [bob]", got)
	}
}

func TestDrainDiscardsQueuedRequests(t *testing.T) {
	q := New()
	var calls int
	q.SetWorker(func(_ context.Context, _ *Request) error {
		calls++
		return nil
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	enqueueAt(t, q, "alice", false, base)
	enqueueAt(t, q, "bob", false, base.Add(time.Second))
	enqueueAt(t, q, "carol", false, base.Add(2*time.Second))

	// Worker never started: drain must discard everything unprocessed.
	q.DrainAndStop(context.Background())

	if calls != 0 {
		t.Fatalf("worker calls = %d, want 0", calls)
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", q.Pending())
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if q.IsInFlight(u) {
			t.Fatalf("%s still marked in flight after drain", u)
		}
	}
	if err := q.Enqueue(&Request{RequesterID: "dave", EnqueuedAt: base}); err == nil {
		t.Fatal("enqueue after drain succeeded, want error")
	}
}

func TestDrainCancelsInProgressRequest(t *testing.T) {
	q := New()
	entered := make(chan struct{})
	q.SetWorker(func(ctx context.Context, _ *Request) error {
		close(entered)
		<-ctx.Done() // simulate a slow backend call that honors cancellation
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	enqueueAt(t, q, "alice", false, time.Now())
	<-entered

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	q.DrainAndStop(drainCtx)

	if q.IsInFlight("alice") {
		t.Fatal("in-flight marker not cleared after cancelled drain")
	}
}

func TestStartWithoutWorker(t *testing.T) {
	q := New()
	if err := q.Start(context.Background()); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("got %v, want ErrNoWorker", err)
	}
}

func TestConcurrentEnqueueSameRequester(t *testing.T) {
	q := New()

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Enqueue(&Request{RequesterID: "alice", EnqueuedAt: time.Now()})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("accepted = %d concurrent enqueues for one requester, want 1", accepted)
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}
}
