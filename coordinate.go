package txcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortressi/txcoord/set"
	"go.uber.org/zap"
)

// Strategy selects how a transaction unwinds when a step fails after
// its retry and conflict bounds are exhausted.
type Strategy int

const (
	// StrategyLocalRollback undoes completed steps in reverse so that
	// no effect remains observable.
	StrategyLocalRollback Strategy = iota

	// StrategySaga records completed steps in a SagaLog and
	// compensates them in strict reverse order.
	StrategySaga

	// StrategyTwoPhaseCommit coordinates participants through
	// prepare/commit/abort with a durable coordinator record.
	StrategyTwoPhaseCommit
)

// String returns the string representation of the Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyLocalRollback:
		return "local_rollback"
	case StrategySaga:
		return "saga"
	case StrategyTwoPhaseCommit:
		return "two_phase_commit"
	default:
		return fmt.Sprintf("unknown Strategy: %d", int(s))
	}
}

// StepSpec describes one step of a transaction submission.
type StepSpec struct {
	// Name identifies the step. Unique within the transaction.
	Name string

	// Participant executes the step for local-rollback and saga
	// transactions.
	Participant Participant

	// TwoPC is the participant for two-phase commit transactions.
	TwoPC TwoPCParticipant

	// Retryable marks the step safe to re-execute after a transient
	// failure.
	Retryable bool

	// IdempotencyKey is carried on every try so duplicate side effects
	// can be detected by the participant.
	IdempotencyKey string

	// Reads declares the versioned entities the step writes against.
	Reads []VersionedRead

	// Payload is the prepare payload for two-phase commit.
	Payload any
}

// TransactionSpec is the explicit, inspectable configuration of one
// transaction submission: ordered steps, unwinding strategy, and retry
// policy. There is no hidden interception; everything the coordinator
// will do is in this value.
type TransactionSpec struct {
	Steps       []StepSpec
	Strategy    Strategy
	Retry       RetryPolicy
	StepTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClassifier replaces the DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(co *Coordinator) { co.classifier = c }
}

// WithObserver registers the observability collaborator.
func WithObserver(o Observer) Option {
	return func(co *Coordinator) { co.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithVersionSource enables coordinator-side optimistic version
// checks against the given source.
func WithVersionSource(v VersionSource) Option {
	return func(co *Coordinator) { co.versions = v }
}

// WithRecordStore sets the durable store for 2PC coordinator records.
func WithRecordStore(s RecordStore) Option {
	return func(co *Coordinator) { co.records = s }
}

// OnFailure registers the centralized failure handler: one function,
// invoked once with the final classified failure of any transaction
// that does not commit, so call sites need not re-implement failure
// mapping.
func OnFailure(fn func(*Failure)) Option {
	return func(co *Coordinator) { co.onFailure = fn }
}

// Coordinator is the submission surface. Each submitted transaction
// runs as its own goroutine; concurrent transactions are independent
// and no global lock serializes them.
type Coordinator struct {
	classifier Classifier
	observer   Observer
	log        *zap.Logger
	versions   VersionSource
	records    RecordStore
	registry   *ParticipantRegistry
	onFailure  func(*Failure)

	mu     sync.Mutex
	active map[TxID]*TransactionHandle
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		classifier: DefaultClassifier{},
		observer:   NopObserver{},
		log:        zap.NewNop(),
		records:    NewMemoryRecordStore(),
		registry:   NewParticipantRegistry(),
		active:     make(map[TxID]*TransactionHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the participant registry used for 2PC recovery.
func (c *Coordinator) Registry() *ParticipantRegistry {
	return c.registry
}

// Submit validates the spec, assigns a transaction id, and starts the
// transaction on its own goroutine. The returned handle reports the
// outcome once the transaction reaches a terminal status.
func (c *Coordinator) Submit(ctx context.Context, spec TransactionSpec) (*TransactionHandle, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("transaction spec has no steps")
	}
	if spec.Retry.MaxAttempts == 0 {
		spec.Retry = DefaultRetryPolicy()
	}

	txID := NewTxID()
	var plan *Plan

	switch spec.Strategy {
	case StrategyTwoPhaseCommit:
		var names set.Set[string]
		for _, s := range spec.Steps {
			if s.Name == "" {
				return nil, fmt.Errorf("step must have a name")
			}
			if names.Contains(s.Name) {
				return nil, fmt.Errorf("duplicate step name %q", s.Name)
			}
			names.Insert(s.Name)
			if s.TwoPC == nil {
				return nil, fmt.Errorf("step %q: two-phase commit requires a TwoPC participant", s.Name)
			}
		}

	default:
		builder := NewPlanBuilder()
		for _, s := range spec.Steps {
			if s.Participant == nil {
				return nil, fmt.Errorf("step %q must have a participant", s.Name)
			}
			if spec.Strategy == StrategySaga {
				if comp, ok := s.Participant.(compensable); ok && !comp.HasCompensation() {
					return nil, fmt.Errorf("step %q: saga steps require a compensating action", s.Name)
				}
			}
			if err := builder.Append(&Step{
				Name:           s.Name,
				Participant:    s.Participant,
				Retryable:      s.Retryable,
				IdempotencyKey: s.IdempotencyKey,
				Reads:          s.Reads,
			}); err != nil {
				return nil, err
			}
		}
		built, err := builder.Build()
		if err != nil {
			return nil, err
		}
		plan = built
	}

	txc := NewTransactionContext(txID, plan)
	handle := newTransactionHandle(txID)

	c.mu.Lock()
	c.active[txID] = handle
	c.mu.Unlock()

	go c.run(ctx, spec, txc, handle)
	return handle, nil
}

// Recover resumes a two-phase commit transaction from its durable
// record. Participants must have been registered (a prior Execute in
// this process registers them; otherwise register through Registry).
func (c *Coordinator) Recover(ctx context.Context, txID TxID) error {
	twopc := c.newTwoPC(DefaultRetryPolicy(), 0)
	return twopc.Recover(ctx, txID)
}

// run drives one transaction to a terminal status and publishes the
// outcome.
func (c *Coordinator) run(ctx context.Context, spec TransactionSpec, txc *TransactionContext, handle *TransactionHandle) {
	exec := NewExecutor(ExecutorConfig{
		Retry:       spec.Retry,
		Classifier:  c.classifier,
		Versions:    c.versions,
		Observer:    c.observer,
		Logger:      c.log,
		StepTimeout: spec.StepTimeout,
	})

	var outcome Outcome
	switch spec.Strategy {
	case StrategySaga:
		outcome = NewSagaCoordinator(exec).Run(ctx, txc)
	case StrategyTwoPhaseCommit:
		outcome = c.runTwoPC(ctx, spec, txc, exec)
	default:
		outcome = exec.Execute(ctx, txc)
	}

	c.mu.Lock()
	delete(c.active, txc.ID())
	c.mu.Unlock()

	if outcome.Failure != nil && c.onFailure != nil {
		c.onFailure(outcome.Failure)
	}
	handle.finish(outcome)
}

// runTwoPC adapts the 2PC coordinator's result into a transaction
// outcome.
func (c *Coordinator) runTwoPC(ctx context.Context, spec TransactionSpec, txc *TransactionContext, exec *Executor) Outcome {
	if err := exec.transition(txc, StatusRunning); err != nil {
		txc.fail(&Failure{TxID: txc.ID(), Kind: KindPermanent, Cause: err})
		return txc.outcome(nil)
	}

	participants := make([]TwoPCParticipant, 0, len(spec.Steps))
	payloads := make(map[string]any, len(spec.Steps))
	for _, s := range spec.Steps {
		participants = append(participants, s.TwoPC)
		payloads[s.TwoPC.Name()] = s.Payload
	}

	twopc := c.newTwoPC(spec.Retry, spec.StepTimeout)
	err := twopc.Execute(ctx, txc.ID(), participants, payloads)

	switch {
	case err == nil:
		_ = exec.transition(txc, StatusCommitted)

	case errors.Is(err, ErrIndeterminate):
		failure := &Failure{TxID: txc.ID(), Kind: KindCrashRecovery, Cause: err}
		txc.fail(failure)
		c.observer.StepFailure(NewFailureReport(failure))
		_ = exec.transition(txc, StatusFailed)

	case errors.Is(err, ErrDuplicateTx):
		failure := &Failure{TxID: txc.ID(), Kind: KindPermanent, Cause: err}
		txc.fail(failure)
		c.observer.StepFailure(NewFailureReport(failure))
		_ = exec.transition(txc, StatusFailed)

	default:
		var failure *Failure
		if !errors.As(err, &failure) {
			failure = &Failure{TxID: txc.ID(), Kind: c.classifier.Classify(err), Cause: err}
		}
		txc.fail(failure)
		c.observer.StepFailure(NewFailureReport(failure))
		_ = exec.transition(txc, StatusRolledBack)
	}
	return txc.outcome(nil)
}

func (c *Coordinator) newTwoPC(retry RetryPolicy, roundTimeout time.Duration) *TwoPCCoordinator {
	return NewTwoPCCoordinator(TwoPCConfig{
		Store:        c.records,
		Registry:     c.registry,
		RoundTimeout: roundTimeout,
		Retry:        retry,
		Classifier:   c.classifier,
		Observer:     c.observer,
		Logger:       c.log,
	})
}
