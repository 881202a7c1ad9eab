package txcoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkoutState is the shared scenario fixture: an order checkout whose
// steps reserve inventory, charge payment and schedule shipment. Every
// effect and undo is journaled so tests can assert exact ordering.
type checkoutState struct {
	mu      sync.Mutex
	journal []string
}

func (s *checkoutState) note(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, event)
}

func (s *checkoutState) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.journal))
	copy(out, s.journal)
	return out
}

// step builds a journaling step. execErr is consulted per attempt; nil
// results mean success. compErr works the same way for compensation.
func (s *checkoutState) step(name string, execErr func(attempt int) error, compErr func(attempt int) error) *Step {
	return &Step{
		Name:      name,
		Retryable: true,
		Participant: NewParticipant(
			func(ctx context.Context, req StepRequest) (StepResult, error) {
				if execErr != nil {
					if err := execErr(req.Attempt); err != nil {
						s.note(name + ":fail")
						return StepResult{}, err
					}
				}
				s.note(name + ":exec")
				return StepResult{Output: name}, nil
			},
			func(ctx context.Context, req StepRequest) error {
				if compErr != nil {
					if err := compErr(req.Attempt); err != nil {
						s.note(name + ":undo-fail")
						return err
					}
				}
				s.note(name + ":undo")
				return nil
			},
		),
	}
}

func buildPlan(t *testing.T, steps ...*Step) *Plan {
	t.Helper()
	b := NewPlanBuilder()
	for _, s := range steps {
		require.NoError(t, b.Append(s))
	}
	plan, err := b.Build()
	require.NoError(t, err)
	return plan
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestExecutorCommitsWhenAllStepsSucceed(t *testing.T) {
	state := &checkoutState{}
	plan := buildPlan(t,
		state.step("reserveInventory", nil, nil),
		state.step("chargePayment", nil, nil),
	)
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.Nil(t, outcome.Failure)
	assert.Equal(t, []string{"reserveInventory:exec", "chargePayment:exec"}, state.events())
}

func TestExecutorRollsBackCompletedStepsInReverse(t *testing.T) {
	state := &checkoutState{}
	boom := func(int) error { return Permanent(errors.New("card declined")) }
	plan := buildPlan(t,
		state.step("reserveInventory", nil, nil),
		state.step("chargePayment", nil, nil),
		state.step("scheduleShipment", boom, nil),
	)
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusRolledBack, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, KindPermanent, outcome.Failure.Kind)
	assert.Equal(t, "scheduleShipment", outcome.Failure.Step)
	assert.Empty(t, outcome.Uncompensated)

	// The failed step is never compensated; completed steps unwind in
	// strict reverse order.
	assert.Equal(t, []string{
		"reserveInventory:exec",
		"chargePayment:exec",
		"scheduleShipment:fail",
		"chargePayment:undo",
		"reserveInventory:undo",
	}, state.events())
}

func TestExecutorRetriesTransientExactlyMaxAttempts(t *testing.T) {
	state := &checkoutState{}
	always := func(int) error { return Transient(errors.New("connection reset")) }
	plan := buildPlan(t, state.step("reserveInventory", always, nil))
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusRolledBack, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, KindTransient, outcome.Failure.Kind)
	assert.Equal(t, 3, outcome.Failure.Attempts)
	assert.Len(t, outcome.Attempts, 3, "exactly MaxAttempts tries, no more")
}

func TestExecutorTransientThenSuccess(t *testing.T) {
	state := &checkoutState{}
	flaky := func(attempt int) error {
		if attempt < 3 {
			return Transient(errors.New("blip"))
		}
		return nil
	}
	plan := buildPlan(t, state.step("chargePayment", flaky, nil))
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.Len(t, outcome.Attempts, 3)
	assert.Equal(t, AttemptSuccess, outcome.Attempts[2].Outcome)
}

func TestExecutorNonRetryableStepFailsOnFirstTransient(t *testing.T) {
	state := &checkoutState{}
	step := state.step("chargePayment", func(int) error {
		return Transient(errors.New("blip"))
	}, nil)
	step.Retryable = false
	plan := buildPlan(t, step)
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusRolledBack, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, 1, outcome.Failure.Attempts)
}

func TestExecutorCarriesIdempotencyKeyOnEveryTry(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	var attempts []int

	step := &Step{
		Name:           "chargePayment",
		Retryable:      true,
		IdempotencyKey: "order-17/charge",
		Participant: NewParticipant(
			func(ctx context.Context, req StepRequest) (StepResult, error) {
				mu.Lock()
				keys = append(keys, req.IdempotencyKey)
				attempts = append(attempts, req.Attempt)
				mu.Unlock()
				if req.Attempt < 3 {
					return StepResult{}, Transient(errors.New("blip"))
				}
				return StepResult{}, nil
			},
			func(ctx context.Context, req StepRequest) error { return nil },
		),
	}
	txc := NewTransactionContext(NewTxID(), buildPlan(t, step))

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.Equal(t, []string{"order-17/charge", "order-17/charge", "order-17/charge"}, keys)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestIdempotentParticipantDeduplicatesByKey(t *testing.T) {
	var calls int
	inner := NewParticipant(
		func(ctx context.Context, req StepRequest) (StepResult, error) {
			calls++
			return StepResult{Output: "charged"}, nil
		},
		func(ctx context.Context, req StepRequest) error { return nil },
	)
	p := NewIdempotentParticipant(inner)
	req := StepRequest{TxID: "tx-1", Step: "chargePayment", IdempotencyKey: "order-17/charge"}

	first, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "same key yields exactly one effect")
	assert.Equal(t, first.Output, second.Output)

	// Compensation clears the key so a genuine re-execution is not
	// mistaken for a duplicate.
	require.NoError(t, p.Compensate(context.Background(), req))
	_, err = p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIdempotentParticipantDoesNotRecordFailures(t *testing.T) {
	var calls int
	inner := NewParticipant(
		func(ctx context.Context, req StepRequest) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{}, Transient(errors.New("blip"))
			}
			return StepResult{Output: "charged"}, nil
		},
		func(ctx context.Context, req StepRequest) error { return nil },
	)
	p := NewIdempotentParticipant(inner)
	req := StepRequest{IdempotencyKey: "order-17/charge"}

	_, err := p.Execute(context.Background(), req)
	require.Error(t, err)

	result, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "charged", result.Output)
	assert.Equal(t, 2, calls)
}

func TestExecutorConflictReReadsBeforeRetry(t *testing.T) {
	versions := NewVersionStore()
	versions.Set("inventory/widget", 4)

	var mu sync.Mutex
	var seen [][]VersionedRead

	step := &Step{
		Name:  "reserveInventory",
		Reads: []VersionedRead{{Key: "inventory/widget", Version: 3}},
		Participant: NewParticipant(
			func(ctx context.Context, req StepRequest) (StepResult, error) {
				mu.Lock()
				seen = append(seen, req.Reads)
				mu.Unlock()
				return StepResult{}, nil
			},
			func(ctx context.Context, req StepRequest) error { return nil },
		),
	}
	txc := NewTransactionContext(NewTxID(), buildPlan(t, step))

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3), Versions: versions})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusCommitted, outcome.Status)

	// The stale attempt never reached the participant; the retried try
	// carried the re-read current version.
	require.Len(t, seen, 1)
	require.Len(t, seen[0], 1)
	assert.Equal(t, Version(4), seen[0][0].Version)

	require.Len(t, outcome.Attempts, 2)
	assert.Equal(t, AttemptConflict, outcome.Attempts[0].Outcome)
	assert.Equal(t, AttemptSuccess, outcome.Attempts[1].Outcome)
}

func TestExecutorConflictNeverBlindlyRetried(t *testing.T) {
	// Without a version source there is nothing to re-read against, so
	// a participant-surfaced conflict fails immediately instead of
	// being retried as if it were transient.
	state := &checkoutState{}
	conflict := func(int) error {
		return &ConflictError{Key: "inventory/widget", Expected: 3, Current: 4}
	}
	plan := buildPlan(t, state.step("reserveInventory", conflict, nil))
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusRolledBack, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, KindConflict, outcome.Failure.Kind)
	assert.Len(t, outcome.Attempts, 1)
}

func TestExecutorConflictBoundedBySameAttemptCap(t *testing.T) {
	versions := NewVersionStore()
	versions.Set("inventory/widget", 1)

	// The participant always reports a conflict, as if another writer
	// bumps the version between every re-read and write.
	step := &Step{
		Name:  "reserveInventory",
		Reads: []VersionedRead{{Key: "inventory/widget", Version: 1}},
		Participant: NewParticipant(
			func(ctx context.Context, req StepRequest) (StepResult, error) {
				return StepResult{}, &ConflictError{
					Key:      "inventory/widget",
					Expected: req.Reads[0].Version,
					Current:  req.Reads[0].Version + 1,
				}
			},
			func(ctx context.Context, req StepRequest) error { return nil },
		),
	}
	txc := NewTransactionContext(NewTxID(), buildPlan(t, step))

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3), Versions: versions})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusRolledBack, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, KindConflict, outcome.Failure.Kind)
	assert.Len(t, outcome.Attempts, 3, "conflict re-reads share the attempt cap")
}

func TestExecutorCompensationFailureSurfacesRemainingSteps(t *testing.T) {
	state := &checkoutState{}
	boom := func(int) error { return Permanent(errors.New("shipment unavailable")) }
	undoBoom := func(int) error { return Permanent(errors.New("refund rejected")) }

	plan := buildPlan(t,
		state.step("reserveInventory", nil, nil),
		state.step("chargePayment", nil, undoBoom),
		state.step("scheduleShipment", boom, nil),
	)
	txc := NewTransactionContext(NewTxID(), plan)

	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3)})
	outcome := exec.Execute(context.Background(), txc)

	assert.Equal(t, StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, KindCompensation, outcome.Failure.Kind)
	assert.Equal(t, "chargePayment", outcome.Failure.Step)

	// Both the step whose undo failed and the steps not yet reached
	// remain applied, and are reported explicitly.
	assert.Equal(t, []string{"chargePayment", "reserveInventory"}, outcome.Uncompensated)
}

func TestExecutorReportsToObserver(t *testing.T) {
	state := &checkoutState{}
	boom := func(int) error { return Permanent(errors.New("card declined")) }
	plan := buildPlan(t,
		state.step("reserveInventory", nil, nil),
		state.step("chargePayment", boom, nil),
	)
	txc := NewTransactionContext(NewTxID(), plan)

	obs := &recordingObserver{}
	exec := NewExecutor(ExecutorConfig{Retry: fastPolicy(3), Observer: obs})
	exec.Execute(context.Background(), txc)

	assert.Equal(t, []string{"pending->running", "running->rolled_back"}, obs.phases())
	require.Len(t, obs.failureReports(), 1)
	assert.Equal(t, KindPermanent, obs.failureReports()[0].Kind)
	assert.GreaterOrEqual(t, len(obs.attempts()), 2)
}

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	phase    []string
	attempt  []AttemptOutcome
	failures []FailureReport
}

func (o *recordingObserver) TransactionPhase(pc PhaseChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = append(o.phase, pc.From+"->"+pc.To)
}

func (o *recordingObserver) StepAttempt(_ TxID, _ string, outcome AttemptOutcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempt = append(o.attempt, outcome)
}

func (o *recordingObserver) StepFailure(report FailureReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, report)
}

func (o *recordingObserver) phases() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.phase...)
}

func (o *recordingObserver) attempts() []AttemptOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AttemptOutcome(nil), o.attempt...)
}

func (o *recordingObserver) failureReports() []FailureReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]FailureReport(nil), o.failures...)
}
