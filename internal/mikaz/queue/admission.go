package queue

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum gap between accepted requests from a
// non-privileged requester.
const DefaultCooldown = 5 * time.Second

// DecisionKind classifies the outcome of an admission check.
type DecisionKind int

const (
	// Accept admits the request onto the queue.
	Accept DecisionKind = iota
	// RejectAlreadyInFlight means the requester already has a request
	// queued or being processed.
	RejectAlreadyInFlight
	// RejectCooldown means the requester re-requested too soon; Remaining
	// says how long they still have to wait.
	RejectCooldown
)

// Decision is the admission outcome. Rejections are values, not errors:
// they are expected, user-facing, and non-fatal.
type Decision struct {
	Kind      DecisionKind
	Remaining time.Duration // set for RejectCooldown
}

// Accepted reports whether the decision admits the request.
func (d Decision) Accepted() bool { return d.Kind == Accept }

// AdmissionController decides whether an inbound chat request may be queued.
// It rejects duplicates for requesters with a request already in flight and
// rate-limits non-privileged requesters with a fixed cooldown. Privileged
// requesters bypass the cooldown but are still subject to the in-flight rule.
//
// Safe for concurrent use.
type AdmissionController struct {
	mu           sync.Mutex
	queue        *PriorityRequestQueue
	clock        Clock
	cooldown     time.Duration
	lastAccepted map[string]time.Time // non-privileged requesters only
}

// NewAdmissionController creates a controller bound to q. A cooldown ≤ 0
// falls back to DefaultCooldown; a nil clock falls back to the system clock.
func NewAdmissionController(q *PriorityRequestQueue, cooldown time.Duration, clock Clock) *AdmissionController {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &AdmissionController{
		queue:        q,
		clock:        clock,
		cooldown:     cooldown,
		lastAccepted: make(map[string]time.Time),
	}
}

// Check evaluates the admission policy for requesterID at the given instant
// without mutating any state. Use Admit to actually accept a request; Check
// exists for status introspection and keeps the policy testable in isolation.
func (a *AdmissionController) Check(requesterID string, privileged bool, now time.Time) Decision {
	if a.queue.IsInFlight(requesterID) {
		return Decision{Kind: RejectAlreadyInFlight}
	}
	if privileged {
		return Decision{Kind: Accept}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rem := a.cooldown - now.Sub(a.lastAccepted[requesterID]); rem > 0 {
		return Decision{Kind: RejectCooldown, Remaining: rem}
	}
	return Decision{Kind: Accept}
}

// Admit runs the full admission transaction for one inbound request: the
// cooldown check, the enqueue, and the cooldown bookkeeping. The
// duplicate-in-flight rejection is made by Enqueue itself, under the queue's
// own critical section, so two concurrent Admit calls for the same requester
// can never both be accepted.
//
// On Accept the returned request has been enqueued and its EnqueuedAt set
// from the controller's clock.
func (a *AdmissionController) Admit(requesterID string, privileged bool, payload any) (Decision, *Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if !privileged {
		if rem := a.cooldown - now.Sub(a.lastAccepted[requesterID]); rem > 0 {
			return Decision{Kind: RejectCooldown, Remaining: rem}, nil
		}
	}

	req := &Request{
		RequesterID: requesterID,
		Privileged:  privileged,
		EnqueuedAt:  now,
		Payload:     payload,
	}
	if err := a.queue.Enqueue(req); err != nil {
		// ErrInFlight and shutdown both mean the request goes nowhere;
		// neither consumes the requester's cooldown slot.
		return Decision{Kind: RejectAlreadyInFlight}, nil
	}

	if !privileged {
		a.lastAccepted[requesterID] = now
	}
	return Decision{Kind: Accept}, req
}
