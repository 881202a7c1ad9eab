package txcoord

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepRequest is passed to a participant on every invocation of a
// step, including retries. The idempotency key is carried on each try
// so a retried write that already succeeded server-side can be
// recognized as a no-op instead of applied twice.
type StepRequest struct {
	TxID           TxID
	Step           string
	IdempotencyKey string
	Attempt        int

	// Reads carries the step's versioned reads as of this try. After a
	// conflict the coordinator refreshes these to current versions, so
	// a retried write is made against current state.
	Reads []VersionedRead
}

// StepResult is the output of a successfully executed step.
type StepResult struct {
	Output any
}

// Participant is an external resource or service a step executes
// against. Participants are referenced by the coordinator, never
// owned. Compensate undoes a previously successful Execute and must be
// idempotent and retryable by contract.
type Participant interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
	Compensate(ctx context.Context, req StepRequest) error
}

// ExecuteFunc is the forward half of a function-backed participant.
type ExecuteFunc func(ctx context.Context, req StepRequest) (StepResult, error)

// CompensateFunc is the undo half of a function-backed participant.
type CompensateFunc func(ctx context.Context, req StepRequest) error

// ParticipantFuncs is a Participant implemented by a pair of ordinary
// functions. A nil compensate function means the participant has no
// compensating action; submitting such a step into a saga is a
// validation error.
type ParticipantFuncs struct {
	execute    ExecuteFunc
	compensate CompensateFunc
}

// NewParticipant constructs a ParticipantFuncs from a pair of
// functions.
func NewParticipant(execute ExecuteFunc, compensate CompensateFunc) *ParticipantFuncs {
	return &ParticipantFuncs{execute: execute, compensate: compensate}
}

// Execute implements the Participant interface.
func (p *ParticipantFuncs) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	if p.execute == nil {
		return StepResult{}, fmt.Errorf("participant has no execute function")
	}
	return p.execute(ctx, req)
}

// Compensate implements the Participant interface.
func (p *ParticipantFuncs) Compensate(ctx context.Context, req StepRequest) error {
	if p.compensate == nil {
		return fmt.Errorf("participant has no compensating action")
	}
	return p.compensate(ctx, req)
}

// HasCompensation reports whether a compensating action was provided.
func (p *ParticipantFuncs) HasCompensation() bool {
	return p.compensate != nil
}

// compensable is the optional interface participants implement to
// advertise whether they carry a compensating action. Used by Submit
// validation for saga and local-rollback transactions.
type compensable interface {
	HasCompensation() bool
}

// IdempotentParticipant wraps a Participant and de-duplicates Execute
// calls by idempotency key. A retried step whose earlier try actually
// succeeded returns the recorded result without re-invoking the inner
// participant: the same key yields exactly one observable effect.
//
// Requests without a key pass straight through.
type IdempotentParticipant struct {
	inner Participant
	seen  *xsync.MapOf[string, StepResult]
}

// NewIdempotentParticipant wraps inner with idempotency-key
// de-duplication.
func NewIdempotentParticipant(inner Participant) *IdempotentParticipant {
	return &IdempotentParticipant{
		inner: inner,
		seen:  xsync.NewMapOf[string, StepResult](),
	}
}

// Execute implements the Participant interface.
func (p *IdempotentParticipant) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	if req.IdempotencyKey == "" {
		return p.inner.Execute(ctx, req)
	}
	if result, ok := p.seen.Load(req.IdempotencyKey); ok {
		return result, nil
	}
	result, err := p.inner.Execute(ctx, req)
	if err != nil {
		return StepResult{}, err
	}
	p.seen.Store(req.IdempotencyKey, result)
	return result, nil
}

// Compensate implements the Participant interface. Compensations are
// idempotent by contract, so they pass through; the recorded result
// for the key is dropped so a later re-execution is not mistaken for a
// duplicate.
func (p *IdempotentParticipant) Compensate(ctx context.Context, req StepRequest) error {
	if err := p.inner.Compensate(ctx, req); err != nil {
		return err
	}
	if req.IdempotencyKey != "" {
		p.seen.Delete(req.IdempotencyKey)
	}
	return nil
}

// HasCompensation forwards the inner participant's answer when it
// advertises one.
func (p *IdempotentParticipant) HasCompensation() bool {
	if c, ok := p.inner.(compensable); ok {
		return c.HasCompensation()
	}
	return true
}

// Vote is a participant's answer to a two-phase commit prepare round.
type Vote string

const (
	VoteCommit Vote = "COMMIT"
	VoteAbort  Vote = "ABORT"
)

// PrepareRequest is the first-phase message of two-phase commit.
type PrepareRequest struct {
	TxID    TxID
	Step    string
	Payload any
}

// CommitRequest is the second-phase commit message.
type CommitRequest struct {
	TxID TxID
}

// AbortRequest is the second-phase abort message.
type AbortRequest struct {
	TxID TxID
}

// TwoPCParticipant is a resource capable of two-phase commit. Names
// must be stable across process restarts: the coordinator's durable
// record stores participant names, and recovery resolves them back to
// live participants through the ParticipantRegistry.
type TwoPCParticipant interface {
	Name() string
	Prepare(ctx context.Context, req PrepareRequest) (Vote, error)
	Commit(ctx context.Context, req CommitRequest) error
	Abort(ctx context.Context, req AbortRequest) error
}

// ErrParticipantNotFound is returned by the registry for an unknown
// participant name.
var ErrParticipantNotFound = fmt.Errorf("participant not found")

// ParticipantRegistry maps stable names to live TwoPCParticipants.
//
// A CoordinatorRecord loaded from durable storage has only the names of
// its participants; the concrete types are erased. Recovery therefore
// needs every participant registered up front so records can be
// resolved back to something that can receive Commit and Abort.
type ParticipantRegistry struct {
	participants *xsync.MapOf[string, TwoPCParticipant]
}

// NewParticipantRegistry creates an empty registry.
func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{participants: xsync.NewMapOf[string, TwoPCParticipant]()}
}

// Register adds a participant to the registry.
func (r *ParticipantRegistry) Register(p TwoPCParticipant) error {
	if _, ok := r.participants.Load(p.Name()); ok {
		return fmt.Errorf("participant with name %q already registered", p.Name())
	}
	r.participants.Store(p.Name(), p)
	return nil
}

// Get retrieves a participant by name.
func (r *ParticipantRegistry) Get(name string) (TwoPCParticipant, error) {
	p, ok := r.participants.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrParticipantNotFound, name)
	}
	return p, nil
}
