// Package queue implements the request admission and scheduling core of
// Mikaz: a priority queue of pending chat requests drained by a single
// background worker against a slow external completion backend.
//
// Scheduling order is total and deterministic: privileged requests strictly
// precede normal ones, and within a priority class requests are processed in
// arrival order. A requester can have at most one request queued or being
// processed at any instant; the queue enforces this atomically at enqueue
// time so concurrent admission calls cannot double-queue a user.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInFlight is returned by Enqueue when the requester already has a request
// queued or being processed. This is an expected, user-facing rejection;
// callers should use errors.Is to surface the admission message.
var ErrInFlight = errors.New("queue: requester already has a request in flight")

// ErrNoWorker is returned by Start when no worker callback has been installed.
var ErrNoWorker = errors.New("queue: no worker callback installed")

// Request is one admitted chat request awaiting processing. The queue owns
// the request from Enqueue until the worker callback returns; the payload is
// opaque to the queue and only interpreted by the dispatcher.
type Request struct {
	// ID correlates log lines for this request across components.
	ID string
	// RequesterID identifies the user this request belongs to.
	RequesterID string
	// Privileged requests overtake all queued normal requests.
	Privileged bool
	// EnqueuedAt is the admission timestamp, the tie-break within a class.
	EnqueuedAt time.Time
	// Payload carries dispatcher-specific data (prompt text, originating
	// room and event). Never touched by the queue.
	Payload any

	seq uint64 // arrival counter, breaks exact-timestamp ties
}

// Worker processes one dequeued request. The context is cancelled when the
// queue is draining; implementations should pass it through to the completion
// backend so shutdown aborts in-progress calls promptly.
type Worker func(ctx context.Context, req *Request) error

// ErrorSink receives per-request processing failures (worker errors and
// recovered panics). It must not block for long; it runs on the worker
// goroutine.
type ErrorSink func(req *Request, err error)

// PriorityRequestQueue is safe for concurrent Enqueue calls from any number
// of goroutines while the single worker drains it. Enqueue never waits on
// processing; the queue is unbounded (effective depth is already limited to
// one request per active user by the in-flight rule).
type PriorityRequestQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	pending    requestHeap
	inFlight   map[string]struct{} // queued or processing requesters
	processing int                 // requests currently in the worker callback
	nextSeq    uint64

	worker  Worker
	errSink ErrorSink

	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an empty queue. Install a worker with SetWorker before Start.
func New() *PriorityRequestQueue {
	q := &PriorityRequestQueue{
		inFlight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetWorker installs the processing callback. Must be called before Start.
func (q *PriorityRequestQueue) SetWorker(w Worker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.worker = w
}

// SetErrorSink installs the callback invoked with per-request processing
// failures. When unset, failures are only logged.
func (q *PriorityRequestQueue) SetErrorSink(sink ErrorSink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errSink = sink
}

// Enqueue admits req, assigning an ID when empty. It returns ErrInFlight when
// the requester already has a request queued or processing; the in-flight
// check and the insertion happen under one critical section so concurrent
// calls for the same requester cannot both succeed.
func (q *PriorityRequestQueue) Enqueue(req *Request) error {
	if req.RequesterID == "" {
		return fmt.Errorf("queue: request has no requester ID")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return fmt.Errorf("queue: shutting down")
	}
	if _, busy := q.inFlight[req.RequesterID]; busy {
		return ErrInFlight
	}

	q.inFlight[req.RequesterID] = struct{}{}
	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.pending, req)
	q.cond.Signal()

	slog.Debug("request enqueued",
		"request_id", req.ID, "requester", req.RequesterID,
		"privileged", req.Privileged, "pending", q.pending.Len())
	return nil
}

// Start launches the single worker goroutine. Calling Start on a running
// queue is a no-op. Returns ErrNoWorker when SetWorker has not been called.
func (q *PriorityRequestQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.worker == nil {
		return ErrNoWorker
	}
	if q.started {
		return nil
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	go q.run(workerCtx)
	return nil
}

// run is the worker loop. A panic inside the callback is treated as a
// processing error for that request only; a panic anywhere else restarts the
// loop after a short backoff so a broken iteration can never silently stall
// every future request.
func (q *PriorityRequestQueue) run(ctx context.Context) {
	defer close(q.done)
	slog.Info("request queue worker started")

	for {
		if !q.runOne(ctx) {
			slog.Info("request queue worker stopped")
			return
		}
	}
}

// runOne processes a single request. Returns false when the loop should exit.
func (q *PriorityRequestQueue) runOne(ctx context.Context) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("request queue worker fault, restarting", "panic", r)
			time.Sleep(time.Second)
			cont = true
		}
	}()

	q.mu.Lock()
	for q.pending.Len() == 0 && !q.draining {
		q.cond.Wait()
	}
	if q.draining {
		q.mu.Unlock()
		return false
	}
	req := heap.Pop(&q.pending).(*Request)
	q.processing++
	q.mu.Unlock()

	err := q.invoke(ctx, req)

	q.mu.Lock()
	q.processing--
	delete(q.inFlight, req.RequesterID)
	q.mu.Unlock()

	if err != nil {
		slog.Error("request processing failed",
			"request_id", req.ID, "requester", req.RequesterID, "err", err)
		if sink := q.errorSink(); sink != nil {
			sink(req, err)
		}
	}
	return true
}

// invoke runs the worker callback, converting a panic into an error so the
// in-flight marker is released on every exit path.
func (q *PriorityRequestQueue) invoke(ctx context.Context, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: worker panic: %v", r)
		}
	}()
	return q.worker(ctx, req)
}

func (q *PriorityRequestQueue) errorSink() ErrorSink {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errSink
}

// DrainAndStop shuts the queue down: no further requests are dequeued, the
// request currently in the worker callback is cancelled via its context and
// awaited (bounded by ctx), and everything still queued is discarded without
// being processed, releasing the in-flight markers. Safe to call whether or
// not the worker was ever started.
func (q *PriorityRequestQueue) DrainAndStop(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	discarded := q.pending.Len()
	for q.pending.Len() > 0 {
		req := heap.Pop(&q.pending).(*Request)
		delete(q.inFlight, req.RequesterID)
	}
	started := q.started
	cancel := q.cancel
	q.cond.Broadcast()
	q.mu.Unlock()

	if discarded > 0 {
		slog.Info("discarded queued requests on shutdown", "count", discarded)
	}

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for in-progress request", "err", ctx.Err())
	}
}

// IsInFlight reports whether requesterID has a request queued or processing.
func (q *PriorityRequestQueue) IsInFlight(requesterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[requesterID]
	return ok
}

// Pending returns the number of requests queued but not yet picked up.
func (q *PriorityRequestQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Processing returns the number of requests currently inside the worker
// callback (0 or 1 with the single worker).
func (q *PriorityRequestQueue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// requestHeap orders requests by (privileged first, enqueue time, arrival
// sequence). The sequence counter makes the order total even when an injected
// clock hands out identical timestamps.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Privileged != h[j].Privileged {
		return h[i].Privileged
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*Request)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}
