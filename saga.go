package txcoord

import (
	"context"

	"go.uber.org/zap"
)

// SagaCoordinator runs a transaction as a saga: forward steps are
// recorded in the SagaLog as they complete, and on an exhausted
// failure the log is walked in strict reverse order invoking each
// prior step's compensating action.
type SagaCoordinator struct {
	exec *Executor
}

// NewSagaCoordinator creates a saga coordinator over the given
// executor.
func NewSagaCoordinator(exec *Executor) *SagaCoordinator {
	return &SagaCoordinator{exec: exec}
}

// Run executes the transaction's plan as a saga.
//
// On failure, compensation walks the SagaLog backward from the last
// successfully completed step; a step that never completed is never
// compensated, and no step is compensated twice. If a compensation
// itself exhausts its retries the transaction terminates Failed with
// the un-compensated steps listed explicitly in the outcome.
func (s *SagaCoordinator) Run(ctx context.Context, txc *TransactionContext) Outcome {
	e := s.exec
	if err := e.transition(txc, StatusRunning); err != nil {
		txc.fail(&Failure{TxID: txc.ID(), Kind: KindPermanent, Cause: err})
		return txc.outcome(nil)
	}

	sagaLog := NewSagaLog(txc.ID())
	steps := txc.Plan().Steps()

	for _, step := range steps {
		_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: step.Name, Type: EventStarted})

		_, failure := e.runStep(ctx, txc, step)
		if failure == nil {
			_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: step.Name, Type: EventSucceeded})
			continue
		}

		_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: step.Name, Type: EventFailed})
		txc.fail(failure)
		return s.compensate(ctx, txc, sagaLog)
	}

	_ = e.transition(txc, StatusCommitted)
	return txc.outcome(nil)
}

// compensate unwinds the saga according to the log.
func (s *SagaCoordinator) compensate(ctx context.Context, txc *TransactionContext, sagaLog *SagaLog) Outcome {
	e := s.exec
	if err := e.transition(txc, StatusCompensating); err != nil {
		txc.fail(&Failure{TxID: txc.ID(), Kind: KindPermanent, Cause: err})
		return txc.outcome(nil)
	}

	order := sagaLog.CompensationOrder()
	plan := txc.Plan()

	for i, name := range order {
		step := plan.Step(name)
		_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: name, Type: EventUndoStarted})

		if err := e.compensateStep(ctx, txc, step); err != nil {
			_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: name, Type: EventUndoFailed})

			// This step and every earlier completed step remain
			// applied. Surface them; silent partial failure is
			// forbidden.
			uncompensated := order[i:]
			failure := &Failure{
				TxID:  txc.ID(),
				Step:  name,
				Kind:  KindCompensation,
				Cause: err,
			}
			txc.failFinal(failure)
			e.observer.StepFailure(NewFailureReport(failure))
			e.log.Error("saga compensation exhausted retries; effects remain applied",
				zap.String("txid", string(txc.ID())),
				zap.String("step", name),
				zap.Strings("uncompensated", uncompensated),
				zap.Error(err))

			_ = e.transition(txc, StatusFailed)
			return txc.outcome(uncompensated)
		}

		_ = sagaLog.Record(&SagaEvent{TxID: txc.ID(), Step: name, Type: EventUndoFinished})
	}

	_ = e.transition(txc, StatusRolledBack)
	return txc.outcome(nil)
}
