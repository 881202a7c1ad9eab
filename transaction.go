package txcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxID uniquely identifies one logical transaction.
type TxID string

// NewTxID generates a fresh transaction ID.
func NewTxID() TxID {
	return TxID(uuid.NewString())
}

// TxStatus is the lifecycle status of a transaction. Transitions are
// monotonic: once a terminal status is reached no further transition is
// permitted.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusRunning
	StatusCompensating
	StatusCommitted
	StatusRolledBack
	StatusFailed
)

// String returns the string representation of the TxStatus.
func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompensating:
		return "compensating"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown TxStatus: %d", int(s))
	}
}

// Terminal reports whether the status is final.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed:
		return true
	default:
		return false
	}
}

// ErrInvalidState is returned for an illegal status transition, in
// particular any transition out of a terminal status.
var ErrInvalidState = errors.New("invalid transaction state transition")

// canTransition encodes the legal status transitions.
func (s TxStatus) canTransition(to TxStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		switch to {
		case StatusCompensating, StatusCommitted, StatusRolledBack, StatusFailed:
			return true
		}
	case StatusCompensating:
		switch to {
		case StatusRolledBack, StatusFailed:
			return true
		}
	}
	return false
}

// AttemptOutcome is the result category of a single execution try.
type AttemptOutcome int

const (
	AttemptSuccess AttemptOutcome = iota
	AttemptTransient
	AttemptPermanent
	AttemptConflict
)

// String returns the string representation of the AttemptOutcome.
func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSuccess:
		return "success"
	case AttemptTransient:
		return "transient"
	case AttemptPermanent:
		return "permanent"
	case AttemptConflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown AttemptOutcome: %d", int(o))
	}
}

// Attempt records one execution try of a step.
type Attempt struct {
	Step       string
	Number     int
	StartedAt  time.Time
	FinishedAt time.Time
	// Delay is the backoff applied before this attempt.
	Delay   time.Duration
	Outcome AttemptOutcome
	Err     error
}

// TransactionContext tracks one logical transaction for the duration
// of its execution. It is owned exclusively by the coordinator that
// created it; participants and callers observe it only through the
// final Outcome.
type TransactionContext struct {
	mu       sync.Mutex
	id       TxID
	plan     *Plan
	status   TxStatus
	failure  *Failure
	attempts []Attempt
}

// NewTransactionContext creates a context in StatusPending for the
// given plan.
func NewTransactionContext(id TxID, plan *Plan) *TransactionContext {
	return &TransactionContext{id: id, plan: plan, status: StatusPending}
}

// ID returns the transaction ID.
func (t *TransactionContext) ID() TxID {
	return t.id
}

// Plan returns the transaction's step plan.
func (t *TransactionContext) Plan() *Plan {
	return t.plan
}

// Status returns the current status.
func (t *TransactionContext) Status() TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setStatus performs a checked, monotonic status transition.
func (t *TransactionContext) setStatus(to TxStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.canTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.status, to)
	}
	t.status = to
	return nil
}

// fail records the transaction's final classified failure. Only the
// first failure is kept; later ones are already reflected in the
// attempt history.
func (t *TransactionContext) fail(f *Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		t.failure = f
	}
}

// failFinal replaces any earlier failure. Used for compensation
// failures, which must be the failure the caller ultimately sees; the
// forward failure that triggered unwinding remains visible in the
// attempt history.
func (t *TransactionContext) failFinal(f *Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failure = f
}

// Failure returns the accumulated failure, or nil.
func (t *TransactionContext) Failure() *Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// recordAttempt appends one try to the attempt history.
func (t *TransactionContext) recordAttempt(a Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = append(t.attempts, a)
}

// Attempts returns a copy of the attempt history.
func (t *TransactionContext) Attempts() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Attempt, len(t.attempts))
	copy(out, t.attempts)
	return out
}

// stepAttempts counts recorded attempts for one step.
func (t *TransactionContext) stepAttempts(step string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.attempts {
		if a.Step == step {
			n++
		}
	}
	return n
}

// Outcome is the final, caller-visible result of a transaction.
type Outcome struct {
	TxID    TxID
	Status  TxStatus
	Failure *Failure
	// Uncompensated lists steps whose effects remain applied after a
	// compensation exhausted its retries. Empty unless the outcome is
	// a partially-compensated failure.
	Uncompensated []string
	Attempts      []Attempt
}

// outcome snapshots the context into a caller-visible Outcome.
func (t *TransactionContext) outcome(uncompensated []string) Outcome {
	return Outcome{
		TxID:          t.id,
		Status:        t.Status(),
		Failure:       t.Failure(),
		Uncompensated: uncompensated,
		Attempts:      t.Attempts(),
	}
}

// TransactionHandle is the caller's reference to a submitted
// transaction. The outcome is available once Done is closed.
type TransactionHandle struct {
	id      TxID
	done    chan struct{}
	outcome Outcome
}

func newTransactionHandle(id TxID) *TransactionHandle {
	return &TransactionHandle{id: id, done: make(chan struct{})}
}

// ID returns the transaction ID.
func (h *TransactionHandle) ID() TxID {
	return h.id
}

// Done returns a channel closed when the transaction reaches a
// terminal status.
func (h *TransactionHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the transaction finishes or ctx is done.
func (h *TransactionHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("waiting for transaction %s: %w", h.id, ctx.Err())
	}
}

// finish publishes the outcome and releases waiters. Called exactly
// once by the coordinator.
func (h *TransactionHandle) finish(o Outcome) {
	h.outcome = o
	close(h.done)
}
