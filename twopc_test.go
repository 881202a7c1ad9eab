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

// ledger collects protocol events across participants and the record
// store so tests can assert exact ordering.
type ledger struct {
	mu     sync.Mutex
	events []string
}

func (l *ledger) note(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *ledger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *ledger) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

// scriptedParticipant is a TwoPCParticipant whose behavior per phase is
// configured up front.
type scriptedParticipant struct {
	name       string
	vote       Vote
	prepareErr error
	commitErrs int // number of leading Commit calls that fail
	abortErr   error
	block      bool // Prepare blocks until ctx is done

	mu          sync.Mutex
	commitCalls int
	abortCalls  int
	led         *ledger
}

func newScripted(name string, led *ledger) *scriptedParticipant {
	return &scriptedParticipant{name: name, vote: VoteCommit, led: led}
}

func (p *scriptedParticipant) Name() string { return p.name }

func (p *scriptedParticipant) Prepare(ctx context.Context, req PrepareRequest) (Vote, error) {
	if p.block {
		<-ctx.Done()
		return VoteAbort, ctx.Err()
	}
	p.led.note("prepare:" + p.name)
	return p.vote, p.prepareErr
}

func (p *scriptedParticipant) Commit(ctx context.Context, req CommitRequest) error {
	p.mu.Lock()
	p.commitCalls++
	calls := p.commitCalls
	p.mu.Unlock()
	p.led.note("commit:" + p.name)
	if calls <= p.commitErrs {
		return Transient(errors.New("commit channel down"))
	}
	return nil
}

func (p *scriptedParticipant) Abort(ctx context.Context, req AbortRequest) error {
	p.mu.Lock()
	p.abortCalls++
	p.mu.Unlock()
	p.led.note("abort:" + p.name)
	return p.abortErr
}

func (p *scriptedParticipant) commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitCalls
}

func (p *scriptedParticipant) aborts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abortCalls
}

// journalStore wraps a RecordStore and notes every phase write.
type journalStore struct {
	RecordStore
	led *ledger
}

func (s *journalStore) Create(ctx context.Context, record *CoordinatorRecord) error {
	s.led.note("store:" + string(record.Phase))
	return s.RecordStore.Create(ctx, record)
}

func (s *journalStore) Save(ctx context.Context, record *CoordinatorRecord) error {
	s.led.note("store:" + string(record.Phase))
	return s.RecordStore.Save(ctx, record)
}

func newTestTwoPC(store RecordStore) *TwoPCCoordinator {
	return NewTwoPCCoordinator(TwoPCConfig{
		Store: store,
		Retry: fastPolicy(3),
	})
}

func TestTwoPCAllVotesCommit(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a, b := newScripted("inventory", led), newScripted("payment", led)
	txID := NewTxID()

	c := newTestTwoPC(store)
	err := c.Execute(context.Background(), txID, []TwoPCParticipant{a, b}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, a.commits())
	assert.Equal(t, 1, b.commits())
	assert.Zero(t, a.aborts())
	assert.Zero(t, b.aborts())

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
	assert.Equal(t, VoteCommit, record.Votes["inventory"])
	assert.Equal(t, VoteCommit, record.Votes["payment"])
}

func TestTwoPCSingleAbortVoteAbortsAll(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a := newScripted("inventory", led)
	b := newScripted("payment", led)
	b.vote = VoteAbort
	c3 := newScripted("shipping", led)
	txID := NewTxID()

	c := newTestTwoPC(store)
	err := c.Execute(context.Background(), txID, []TwoPCParticipant{a, b, c3}, nil)
	require.Error(t, err)

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "payment", failure.Step)
	assert.Equal(t, KindPermanent, failure.Kind)

	// Only participants that had prepared are told to abort; no one
	// commits, and shipping was never contacted.
	assert.Zero(t, a.commits())
	assert.Equal(t, 1, a.aborts())
	assert.Zero(t, c3.commits())
	assert.Zero(t, c3.aborts())

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
	assert.Equal(t, VoteAbort, record.Votes["payment"])
}

func TestTwoPCPrepareTimeoutCountsAsAbort(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a := newScripted("inventory", led)
	b := newScripted("payment", led)
	b.block = true
	txID := NewTxID()

	c := NewTwoPCCoordinator(TwoPCConfig{
		Store:        store,
		Retry:        fastPolicy(3),
		RoundTimeout: 20 * time.Millisecond,
	})
	err := c.Execute(context.Background(), txID, []TwoPCParticipant{a, b}, nil)
	require.Error(t, err)

	assert.Zero(t, a.commits())
	assert.Equal(t, 1, a.aborts())

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
	assert.Equal(t, VoteAbort, record.Votes["payment"])
}

func TestTwoPCDecisionIsJournaledBeforeCommitRound(t *testing.T) {
	led := &ledger{}
	store := &journalStore{RecordStore: NewMemoryRecordStore(), led: led}
	a, b := newScripted("inventory", led), newScripted("payment", led)

	c := newTestTwoPC(store)
	require.NoError(t, c.Execute(context.Background(), NewTxID(), []TwoPCParticipant{a, b}, nil))

	committing := led.index("store:COMMITTING")
	firstCommit := led.index("commit:inventory")
	require.GreaterOrEqual(t, committing, 0)
	require.GreaterOrEqual(t, firstCommit, 0)
	assert.Less(t, committing, firstCommit,
		"the commit decision must be durable before any participant is told to commit")

	// Preparing was recorded before any prepare round-trip.
	assert.Less(t, led.index("store:PREPARING"), led.index("prepare:inventory"))
}

func TestTwoPCDuplicateTxRejected(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a := newScripted("inventory", led)
	txID := NewTxID()

	c := newTestTwoPC(store)
	require.NoError(t, c.Execute(context.Background(), txID, []TwoPCParticipant{a}, nil))

	err := c.Execute(context.Background(), txID, []TwoPCParticipant{a}, nil)
	assert.ErrorIs(t, err, ErrDuplicateTx)
}

func TestTwoPCCommitFailureIsIndeterminateThenRecoverable(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a := newScripted("inventory", led)
	a.commitErrs = 10 // exhausts the retry budget
	txID := NewTxID()

	c := newTestTwoPC(store)
	err := c.Execute(context.Background(), txID, []TwoPCParticipant{a}, nil)
	require.ErrorIs(t, err, ErrIndeterminate)

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitting, record.Phase)

	// The channel comes back; recovery re-drives the recorded decision.
	a.commitErrs = 0
	require.NoError(t, c.Recover(context.Background(), txID))

	record, err = store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
	assert.Zero(t, a.aborts(), "a recorded commit decision is never aborted")
}

func TestTwoPCRecoverPreparedResendsCommit(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a, b := newScripted("inventory", led), newScripted("payment", led)
	txID := NewTxID()

	// Simulate a coordinator that crashed right after recording the
	// decision and before telling anyone to commit.
	require.NoError(t, store.Create(context.Background(), &CoordinatorRecord{
		TxID:         txID,
		Phase:        PhasePrepared,
		Participants: []string{"inventory", "payment"},
		Votes:        map[string]Vote{"inventory": VoteCommit, "payment": VoteCommit},
	}))

	c := newTestTwoPC(store)
	require.NoError(t, c.Registry().Register(a))
	require.NoError(t, c.Registry().Register(b))

	require.NoError(t, c.Recover(context.Background(), txID))

	assert.Equal(t, 1, a.commits())
	assert.Equal(t, 1, b.commits())
	assert.Zero(t, a.aborts())
	assert.Zero(t, b.aborts())

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
}

func TestTwoPCRecoverPreparingAborts(t *testing.T) {
	led := &ledger{}
	store := NewMemoryRecordStore()
	a, b := newScripted("inventory", led), newScripted("payment", led)
	txID := NewTxID()

	// Crash mid-prepare: no commit decision was ever recorded, so no
	// participant can have committed and abort is safe.
	require.NoError(t, store.Create(context.Background(), &CoordinatorRecord{
		TxID:         txID,
		Phase:        PhasePreparing,
		Participants: []string{"inventory", "payment"},
		Votes:        map[string]Vote{"inventory": VoteCommit},
	}))

	c := newTestTwoPC(store)
	require.NoError(t, c.Registry().Register(a))
	require.NoError(t, c.Registry().Register(b))

	require.NoError(t, c.Recover(context.Background(), txID))

	assert.Zero(t, a.commits())
	assert.Zero(t, b.commits())
	assert.Equal(t, 1, a.aborts())
	assert.Equal(t, 1, b.aborts())

	record, err := store.Load(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, record.Phase)
}

func TestTwoPCRecoverDoneIsNoOp(t *testing.T) {
	store := NewMemoryRecordStore()
	txID := NewTxID()
	require.NoError(t, store.Create(context.Background(), &CoordinatorRecord{
		TxID:  txID,
		Phase: PhaseDone,
	}))

	c := newTestTwoPC(store)
	assert.NoError(t, c.Recover(context.Background(), txID))
}

func TestTwoPCRecoverUnknownTx(t *testing.T) {
	c := newTestTwoPC(NewMemoryRecordStore())
	err := c.Recover(context.Background(), NewTxID())
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestFileRecordStoreRoundTrip(t *testing.T) {
	store, err := NewFileRecordStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	txID := NewTxID()

	record := &CoordinatorRecord{
		TxID:         txID,
		Phase:        PhasePreparing,
		Participants: []string{"inventory", "payment"},
		Votes:        map[string]Vote{"inventory": VoteCommit},
	}
	require.NoError(t, store.Create(ctx, record))
	assert.ErrorIs(t, store.Create(ctx, record), ErrDuplicateTx)

	loaded, err := store.Load(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, PhasePreparing, loaded.Phase)
	assert.Equal(t, []string{"inventory", "payment"}, loaded.Participants)
	assert.Equal(t, VoteCommit, loaded.Votes["inventory"])

	record.Phase = PhaseCommitting
	require.NoError(t, store.Save(ctx, record))
	loaded, err = store.Load(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitting, loaded.Phase)

	require.NoError(t, store.Delete(ctx, txID))
	_, err = store.Load(ctx, txID)
	assert.ErrorIs(t, err, ErrTxNotFound)

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, txID))
}
