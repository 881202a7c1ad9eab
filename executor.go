package txcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/fortressi/txcoord/set"
	"go.uber.org/zap"
)

// ExecutorConfig configures an Executor. Zero-value fields select the
// documented defaults.
type ExecutorConfig struct {
	// Retry bounds attempts and backoff for transient failures and
	// conflict re-reads. Zero selects DefaultRetryPolicy.
	Retry RetryPolicy

	// Classifier decides failure kinds. Nil selects DefaultClassifier.
	Classifier Classifier

	// Versions supplies current entity versions for conflict checking.
	// Nil disables coordinator-side version checks; conflicts surfaced
	// by participants are still classified and bounded.
	Versions VersionSource

	// Observer receives phase changes, attempts and failure reports.
	// Nil selects NopObserver.
	Observer Observer

	// Logger receives structured execution logs. Nil selects a no-op
	// logger.
	Logger *zap.Logger

	// StepTimeout bounds each step invocation and each compensation.
	// Zero means no per-step timeout.
	StepTimeout time.Duration
}

// Executor runs a transaction's steps strictly in plan order, tracks
// status, and drives local rollback. It decides neither retry nor
// failure kind itself: retries go through the RetryController and
// classification through the Classifier.
type Executor struct {
	retry       *RetryController
	classifier  Classifier
	versions    VersionSource
	observer    Observer
	log         *zap.Logger
	stepTimeout time.Duration
}

// NewExecutor creates an Executor from the given config.
func NewExecutor(cfg ExecutorConfig) *Executor {
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
	return &Executor{
		retry:       NewRetryController(cfg.Retry, cfg.Classifier),
		classifier:  cfg.Classifier,
		versions:    cfg.Versions,
		observer:    cfg.Observer,
		log:         cfg.Logger,
		stepTimeout: cfg.StepTimeout,
	}
}

// Execute runs the transaction with local rollback unwinding: if any
// step fails after its retry and conflict bounds are exhausted, every
// completed step is compensated in reverse order so that no step's
// effect remains observable.
func (e *Executor) Execute(ctx context.Context, txc *TransactionContext) Outcome {
	if err := e.transition(txc, StatusRunning); err != nil {
		txc.fail(&Failure{TxID: txc.ID(), Kind: KindPermanent, Cause: err})
		return txc.outcome(nil)
	}

	var completed []*Step
	for _, step := range txc.Plan().Steps() {
		_, failure := e.runStep(ctx, txc, step)
		if failure == nil {
			completed = append(completed, step)
			continue
		}
		txc.fail(failure)

		uncompensated, rollbackErr := e.unwind(ctx, txc, completed)
		if rollbackErr != nil {
			_ = e.transition(txc, StatusFailed)
			return txc.outcome(uncompensated)
		}
		_ = e.transition(txc, StatusRolledBack)
		return txc.outcome(nil)
	}

	_ = e.transition(txc, StatusCommitted)
	return txc.outcome(nil)
}

// runStep executes one step, bounded by the retry policy. Transient
// failures back off and retry; conflicts re-read current versions and
// retry within the same attempt cap; permanent failures and exhausted
// bounds return a classified Failure.
func (e *Executor) runStep(ctx context.Context, txc *TransactionContext, step *Step) (StepResult, *Failure) {
	maxAttempts := e.retry.Policy().MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	readSet := NewReadSet(step.Reads)
	var delay time.Duration

	for attempt := 1; ; attempt++ {
		started := time.Now()

		var result StepResult
		var err error
		if readSet.Len() > 0 && e.versions != nil {
			err = readSet.Check(ctx, e.versions)
		}
		if err == nil {
			result, err = e.invoke(ctx, step, StepRequest{
				TxID:           txc.ID(),
				Step:           step.Name,
				IdempotencyKey: step.IdempotencyKey,
				Attempt:        attempt,
				Reads:          readSet.Snapshot(),
			})
		}
		finished := time.Now()

		outcome := AttemptSuccess
		var kind FailureKind
		if err != nil {
			kind = e.classifier.Classify(err)
			outcome = attemptOutcome(kind)
		}
		txc.recordAttempt(Attempt{
			Step:       step.Name,
			Number:     attempt,
			StartedAt:  started,
			FinishedAt: finished,
			Delay:      delay,
			Outcome:    outcome,
			Err:        err,
		})
		e.observer.StepAttempt(txc.ID(), step.Name, outcome, finished.Sub(started))

		if err == nil {
			return result, nil
		}

		e.log.Debug("step attempt failed",
			zap.String("txid", string(txc.ID())),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", kind),
			zap.Error(err))

		switch kind {
		case KindConflict:
			if attempt >= maxAttempts || e.versions == nil {
				return StepResult{}, e.failStep(txc, step, KindConflict, attempt, err)
			}
			// Re-read current versions before the retried write. The
			// step never overwrites silently.
			if refreshErr := readSet.Refresh(ctx, e.versions); refreshErr != nil {
				return StepResult{}, e.failStep(txc, step, KindPermanent, attempt, refreshErr)
			}
			delay = 0

		case KindTransient:
			if !step.Retryable {
				return StepResult{}, e.failStep(txc, step, KindTransient, attempt, err)
			}
			decision := e.retry.ShouldRetry(err, attempt)
			if !decision.Retry {
				return StepResult{}, e.failStep(txc, step, KindTransient, attempt, err)
			}
			if waitErr := e.retry.Wait(ctx, decision.Delay); waitErr != nil {
				return StepResult{}, e.failStep(txc, step, KindTransient, attempt, waitErr)
			}
			delay = decision.Delay

		default:
			return StepResult{}, e.failStep(txc, step, kind, attempt, err)
		}
	}
}

// invoke calls the participant under the per-step timeout.
func (e *Executor) invoke(ctx context.Context, step *Step, req StepRequest) (StepResult, error) {
	if e.stepTimeout > 0 {
		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		return step.Participant.Execute(stepCtx, req)
	}
	return step.Participant.Execute(ctx, req)
}

// unwind compensates completed steps in strict reverse order, retrying
// each compensation under the forward policy. When a compensation
// exhausts its retries, unwinding stops and the names of all steps
// whose effects remain applied are returned; partial compensation is
// reported, never hidden.
func (e *Executor) unwind(ctx context.Context, txc *TransactionContext, completed []*Step) ([]string, error) {
	var done set.Set[string]
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if done.Contains(step.Name) {
			continue
		}
		if err := e.compensateStep(ctx, txc, step); err != nil {
			remaining := make([]string, 0, i+1)
			for j := i; j >= 0; j-- {
				if !done.Contains(completed[j].Name) {
					remaining = append(remaining, completed[j].Name)
				}
			}
			failure := &Failure{
				TxID:  txc.ID(),
				Step:  step.Name,
				Kind:  KindCompensation,
				Cause: err,
			}
			txc.failFinal(failure)
			e.observer.StepFailure(NewFailureReport(failure))
			e.log.Error("compensation exhausted retries; effects remain applied",
				zap.String("txid", string(txc.ID())),
				zap.String("step", step.Name),
				zap.Strings("uncompensated", remaining),
				zap.Error(err))
			return remaining, err
		}
		done.Insert(step.Name)
	}
	return nil, nil
}

// compensateStep invokes a step's compensating action, retrying under
// the same policy as forward steps. Compensations are idempotent and
// retryable by contract.
func (e *Executor) compensateStep(ctx context.Context, txc *TransactionContext, step *Step) error {
	for attempt := 1; ; attempt++ {
		err := e.compensateOnce(ctx, step, StepRequest{
			TxID:           txc.ID(),
			Step:           step.Name,
			IdempotencyKey: step.IdempotencyKey,
			Attempt:        attempt,
		})
		if err == nil {
			return nil
		}

		decision := e.retry.ShouldRetry(err, attempt)
		if !decision.Retry {
			return fmt.Errorf("compensation for step %q failed after %d attempts: %w",
				step.Name, attempt, err)
		}
		if waitErr := e.retry.Wait(ctx, decision.Delay); waitErr != nil {
			return fmt.Errorf("compensation for step %q interrupted: %w", step.Name, waitErr)
		}
	}
}

func (e *Executor) compensateOnce(ctx context.Context, step *Step, req StepRequest) error {
	if e.stepTimeout > 0 {
		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		return step.Participant.Compensate(stepCtx, req)
	}
	return step.Participant.Compensate(ctx, req)
}

// failStep finalizes a step failure: classified kind, attempt count,
// report to the observer.
func (e *Executor) failStep(txc *TransactionContext, step *Step, kind FailureKind, attempts int, cause error) *Failure {
	failure := &Failure{
		TxID:     txc.ID(),
		Step:     step.Name,
		Kind:     kind,
		Attempts: attempts,
		Cause:    cause,
	}
	e.observer.StepFailure(NewFailureReport(failure))
	e.log.Warn("step failed",
		zap.String("txid", string(txc.ID())),
		zap.String("step", step.Name),
		zap.Stringer("kind", kind),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return failure
}

// transition performs a checked status transition and emits it.
func (e *Executor) transition(txc *TransactionContext, to TxStatus) error {
	from := txc.Status()
	if err := txc.setStatus(to); err != nil {
		return err
	}
	e.observer.TransactionPhase(PhaseChange{
		TxID: txc.ID(),
		From: from.String(),
		To:   to.String(),
		At:   time.Now(),
	})
	e.log.Info("transaction status",
		zap.String("txid", string(txc.ID())),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	return nil
}

func attemptOutcome(kind FailureKind) AttemptOutcome {
	switch kind {
	case KindTransient:
		return AttemptTransient
	case KindConflict:
		return AttemptConflict
	default:
		return AttemptPermanent
	}
}
