package txcoord

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SagaEvent is an entry in the saga log.
type SagaEvent struct {
	TxID TxID
	Step string
	Type SagaEventType
}

// String implements the fmt.Stringer interface for SagaEvent.
func (e *SagaEvent) String() string {
	return fmt.Sprintf("%s %s", e.Step, e.Type)
}

// SagaEventType defines the events that can occur for a saga step.
type SagaEventType int

const (
	EventStarted SagaEventType = iota
	EventSucceeded
	EventFailed
	EventUndoStarted
	EventUndoFinished
	EventUndoFailed
)

// String returns the string representation of the SagaEventType.
func (t SagaEventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventUndoStarted:
		return "undo_started"
	case EventUndoFinished:
		return "undo_finished"
	case EventUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("unknown SagaEventType: %d", int(t))
	}
}

// stepLogStatus is the per-step status derived from recorded events.
type stepLogStatus int

const (
	logNeverStarted stepLogStatus = iota
	logStarted
	logSucceeded
	logFailed
	logUndoStarted
	logUndoFinished
	logUndoFailed
)

// nextStatus returns the status for a step after recording the given
// event, rejecting illegal orderings: a step cannot succeed before it
// starts, cannot be undone before it succeeded, and cannot be undone
// twice.
func (s stepLogStatus) nextStatus(eventType SagaEventType) (stepLogStatus, error) {
	switch s {
	case logNeverStarted:
		if eventType == EventStarted {
			return logStarted, nil
		}
	case logStarted:
		switch eventType {
		case EventSucceeded:
			return logSucceeded, nil
		case EventFailed:
			return logFailed, nil
		}
	case logSucceeded:
		if eventType == EventUndoStarted {
			return logUndoStarted, nil
		}
	case logUndoStarted:
		switch eventType {
		case EventUndoFinished:
			return logUndoFinished, nil
		case EventUndoFailed:
			return logUndoFailed, nil
		}
	}

	return logNeverStarted, fmt.Errorf(
		"illegal event type %s for current step status %d", eventType, s,
	)
}

// SagaLog is the append-only record of what a saga has done. It is the
// sole authority on which steps completed and in what order, and
// therefore on the exact reverse order compensation must walk.
type SagaLog struct {
	mu         sync.Mutex
	txID       TxID
	unwinding  bool
	events     []*SagaEvent
	stepStatus map[string]stepLogStatus
	// succeeded holds step names in completion order.
	succeeded []string
}

// NewSagaLog creates a new, empty SagaLog.
func NewSagaLog(txID TxID) *SagaLog {
	return &SagaLog{
		txID:       txID,
		events:     make([]*SagaEvent, 0),
		stepStatus: make(map[string]stepLogStatus),
	}
}

// NewSagaLogRecover rebuilds a SagaLog from previously recorded events,
// validating that the replayed ordering is legal.
func NewSagaLogRecover(txID TxID, events []*SagaEvent) (*SagaLog, error) {
	// Replay in event-type order so started/succeeded pairs for each
	// step arrive in a legal sequence.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Type < events[j].Type
	})

	log := NewSagaLog(txID)
	for _, event := range events {
		if event.TxID != txID {
			return nil, fmt.Errorf(
				"event in log for different transaction (%s) than requested (%s)",
				event.TxID, txID,
			)
		}
		if err := log.Record(event); err != nil {
			return nil, fmt.Errorf("error recovering SagaLog: %w", err)
		}
	}
	return log, nil
}

// Record appends an event, enforcing the per-step status machine.
func (l *SagaLog) Record(event *SagaEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.stepStatus[event.Step]
	if !ok {
		current = logNeverStarted
	}
	next, err := current.nextStatus(event.Type)
	if err != nil {
		return err
	}

	switch next {
	case logFailed, logUndoStarted, logUndoFinished:
		l.unwinding = true
	case logSucceeded:
		l.succeeded = append(l.succeeded, event.Step)
	}

	l.stepStatus[event.Step] = next
	l.events = append(l.events, event)
	return nil
}

// Unwinding reports whether the saga has begun compensating.
func (l *SagaLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwinding
}

// Events returns a copy of the recorded events.
func (l *SagaLog) Events() []*SagaEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*SagaEvent, len(l.events))
	copy(out, l.events)
	return out
}

// CompensationOrder returns the steps whose forward action completed,
// in the strict reverse of their completion order. Steps that never
// succeeded are absent: they are never compensated.
func (l *SagaLog) CompensationOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.succeeded))
	for i, name := range l.succeeded {
		out[len(l.succeeded)-1-i] = name
	}
	return out
}

// String renders the log for debugging.
func (l *SagaLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("SAGA LOG:\n")
	sb.WriteString(fmt.Sprintf("tx id:     %s\n", l.txID))
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	sb.WriteString(fmt.Sprintf("direction: %s\n", direction))
	sb.WriteString(fmt.Sprintf("events (%d total):\n", len(l.events)))
	for i, event := range l.events {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, event.String()))
	}
	return sb.String()
}
