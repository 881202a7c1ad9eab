package txcoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrIndeterminate is returned when a 2PC decision is durably recorded
// but the corresponding participant round could not be completed. The
// transaction is not lost: the record holds the decision, and Recover
// will re-drive the round. Operators should surface this rather than
// retry silently forever.
var ErrIndeterminate = errors.New("decision recorded but participant round incomplete; run Recover")

// TwoPCConfig configures a TwoPCCoordinator.
type TwoPCConfig struct {
	// Store persists CoordinatorRecords. Nil selects an in-memory
	// store, which cannot survive restart; production use wants
	// FileRecordStore or an equivalent durable implementation.
	Store RecordStore

	// Registry resolves participant names back to live participants
	// during Recover. Nil creates an empty registry; Execute registers
	// its participants as it runs.
	Registry *ParticipantRegistry

	// RoundTimeout bounds each prepare/commit/abort round-trip. A
	// prepare that times out counts as an abort vote. Zero means no
	// timeout.
	RoundTimeout time.Duration

	// Retry bounds commit and abort re-sends. Zero selects
	// DefaultRetryPolicy.
	Retry RetryPolicy

	// Classifier, Observer and Logger as in ExecutorConfig.
	Classifier Classifier
	Observer   Observer
	Logger     *zap.Logger
}

// TwoPCCoordinator drives the two-phase commit protocol across a set
// of participants, journaling each phase transition to the RecordStore
// before the next round of participant calls.
//
// The resume rule is asymmetric and is the core correctness property:
// a record at Prepared (or Committing) resumes by re-sending Commit,
// never Abort, because other participants may have already committed;
// a record still at Preparing resumes by aborting, because no
// participant can have committed before the coordinator recorded a
// commit decision.
type TwoPCCoordinator struct {
	store      RecordStore
	registry   *ParticipantRegistry
	timeout    time.Duration
	retry      *RetryController
	classifier Classifier
	observer   Observer
	log        *zap.Logger
}

// NewTwoPCCoordinator creates a coordinator from the given config.
func NewTwoPCCoordinator(cfg TwoPCConfig) *TwoPCCoordinator {
	if cfg.Store == nil {
		cfg.Store = NewMemoryRecordStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewParticipantRegistry()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &TwoPCCoordinator{
		store:      cfg.Store,
		registry:   cfg.Registry,
		timeout:    cfg.RoundTimeout,
		retry:      NewRetryController(cfg.Retry, cfg.Classifier),
		classifier: cfg.Classifier,
		observer:   cfg.Observer,
		log:        cfg.Logger,
	}
}

// Registry returns the registry used to resolve participant names
// during Recover.
func (c *TwoPCCoordinator) Registry() *ParticipantRegistry {
	return c.registry
}

// Execute runs the full protocol for one transaction. Payloads maps
// participant name to the prepare payload for that participant.
//
// A nil return means every participant committed. An abort outcome
// returns the classified failure that caused it. ErrIndeterminate (in
// the chain) means the decision is recorded but a round is incomplete.
func (c *TwoPCCoordinator) Execute(ctx context.Context, txID TxID, participants []TwoPCParticipant, payloads map[string]any) error {
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Name())
		// Registration makes the participant resolvable during a later
		// Recover. An already-registered name is fine.
		_ = c.registry.Register(p)
	}

	record := &CoordinatorRecord{
		TxID:         txID,
		Phase:        PhasePreparing,
		Participants: names,
		Votes:        make(map[string]Vote),
	}
	if err := c.store.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create coordinator record: %w", err)
	}
	c.emitPhase(txID, "", PhasePreparing)

	// Phase 1: PREPARE. Votes are journaled as they arrive so a crash
	// mid-phase leaves an accurate record.
	prepared := make([]TwoPCParticipant, 0, len(participants))
	for _, p := range participants {
		vote, err := c.prepare(ctx, p, PrepareRequest{TxID: txID, Payload: payloads[p.Name()]})
		if err != nil || vote != VoteCommit {
			record.Votes[p.Name()] = VoteAbort
			_ = c.store.Save(ctx, record)

			cause := err
			if cause == nil {
				cause = Permanent(fmt.Errorf("participant %q voted abort", p.Name()))
			}
			if abortErr := c.abortAll(ctx, record, prepared); abortErr != nil {
				return abortErr
			}
			return &Failure{TxID: txID, Step: p.Name(), Kind: c.classify(cause), Cause: cause}
		}
		record.Votes[p.Name()] = VoteCommit
		if err := c.store.Save(ctx, record); err != nil {
			return fmt.Errorf("failed to journal vote: %w", err)
		}
		prepared = append(prepared, p)
	}

	// All voted commit: record the decision before any participant is
	// told to commit.
	if err := c.transition(ctx, record, PhasePrepared); err != nil {
		return err
	}
	if err := c.transition(ctx, record, PhaseCommitting); err != nil {
		return err
	}

	if err := c.commitAll(ctx, record, participants); err != nil {
		return err
	}
	return c.transition(ctx, record, PhaseDone)
}

// Recover resumes a transaction from its durable record after a
// coordinator restart. It is safe to call repeatedly; a Done record is
// a no-op.
func (c *TwoPCCoordinator) Recover(ctx context.Context, txID TxID) error {
	record, err := c.store.Load(ctx, txID)
	if err != nil {
		return err
	}
	if record.Phase == PhaseDone {
		return nil
	}

	c.observer.StepFailure(FailureReport{
		TxID:  txID,
		Kind:  KindCrashRecovery,
		Cause: fmt.Errorf("resuming from recorded phase %s", record.Phase),
		At:    time.Now(),
	})
	c.log.Info("recovering transaction from durable record",
		zap.String("txid", string(txID)),
		zap.String("phase", string(record.Phase)))

	participants, err := c.resolve(record.Participants)
	if err != nil {
		return err
	}

	switch record.Phase {
	case PhasePrepared, PhaseCommitting:
		// The commit decision was recorded; some participants may have
		// already committed. Re-send commit, never abort.
		if record.Phase == PhasePrepared {
			if err := c.transition(ctx, record, PhaseCommitting); err != nil {
				return err
			}
		}
		if err := c.commitAll(ctx, record, participants); err != nil {
			return err
		}
		return c.transition(ctx, record, PhaseDone)

	case PhasePreparing, PhaseAborting:
		// No commit decision was ever recorded, so no participant can
		// have committed. Aborting is safe.
		return c.abortAll(ctx, record, participants)

	default:
		return fmt.Errorf("unknown recorded phase %q for transaction %s", record.Phase, txID)
	}
}

// prepare runs one first-phase round-trip under the round timeout.
func (c *TwoPCCoordinator) prepare(ctx context.Context, p TwoPCParticipant, req PrepareRequest) (Vote, error) {
	roundCtx, cancel := c.roundContext(ctx)
	defer cancel()
	return p.Prepare(roundCtx, req)
}

// commitAll sends Commit to every participant, retrying each under the
// policy. Once committing has begun the only way forward is through.
func (c *TwoPCCoordinator) commitAll(ctx context.Context, record *CoordinatorRecord, participants []TwoPCParticipant) error {
	for _, p := range participants {
		send := func() error {
			roundCtx, cancel := c.roundContext(ctx)
			defer cancel()
			return p.Commit(roundCtx, CommitRequest{TxID: record.TxID})
		}
		if err := c.sendWithRetry(ctx, send); err != nil {
			c.log.Error("commit round incomplete",
				zap.String("txid", string(record.TxID)),
				zap.String("participant", p.Name()),
				zap.Error(err))
			return fmt.Errorf("commit to %q failed: %v: %w", p.Name(), err, ErrIndeterminate)
		}
	}
	return nil
}

// abortAll records the abort decision, then sends Abort to the given
// participants in reverse order.
func (c *TwoPCCoordinator) abortAll(ctx context.Context, record *CoordinatorRecord, participants []TwoPCParticipant) error {
	if record.Phase != PhaseAborting {
		if err := c.transition(ctx, record, PhaseAborting); err != nil {
			return err
		}
	}
	for i := len(participants) - 1; i >= 0; i-- {
		p := participants[i]
		send := func() error {
			roundCtx, cancel := c.roundContext(ctx)
			defer cancel()
			return p.Abort(roundCtx, AbortRequest{TxID: record.TxID})
		}
		if err := c.sendWithRetry(ctx, send); err != nil {
			c.log.Error("abort round incomplete",
				zap.String("txid", string(record.TxID)),
				zap.String("participant", p.Name()),
				zap.Error(err))
			return fmt.Errorf("abort to %q failed: %v: %w", p.Name(), err, ErrIndeterminate)
		}
	}
	return c.transition(ctx, record, PhaseDone)
}

// sendWithRetry retries a round-trip under the controller's policy.
func (c *TwoPCCoordinator) sendWithRetry(ctx context.Context, send func() error) error {
	for attempt := 1; ; attempt++ {
		err := send()
		if err == nil {
			return nil
		}
		decision := c.retry.ShouldRetry(err, attempt)
		if !decision.Retry {
			return err
		}
		if waitErr := c.retry.Wait(ctx, decision.Delay); waitErr != nil {
			return waitErr
		}
	}
}

// transition journals a phase change before the next round of
// participant calls can happen.
func (c *TwoPCCoordinator) transition(ctx context.Context, record *CoordinatorRecord, to Phase) error {
	from := record.Phase
	record.Phase = to
	if err := c.store.Save(ctx, record); err != nil {
		record.Phase = from
		return fmt.Errorf("failed to journal phase %s: %w", to, err)
	}
	c.emitPhase(record.TxID, from, to)
	return nil
}

func (c *TwoPCCoordinator) emitPhase(txID TxID, from, to Phase) {
	c.observer.TransactionPhase(PhaseChange{
		TxID: txID,
		From: string(from),
		To:   string(to),
		At:   time.Now(),
	})
	c.log.Info("2pc phase",
		zap.String("txid", string(txID)),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (c *TwoPCCoordinator) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *TwoPCCoordinator) resolve(names []string) ([]TwoPCParticipant, error) {
	out := make([]TwoPCParticipant, 0, len(names))
	for _, name := range names {
		p, err := c.registry.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *TwoPCCoordinator) classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return c.classifier.Classify(err)
}
