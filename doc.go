// Package txcoord is a transactional execution coordinator: it runs
// units of work composed of one or more steps against one or more
// participants, detects failure (transient, permanent, or version
// conflict), and drives the matching recovery path: local rollback,
// bounded retry, optimistic re-read, saga compensation, or two-phase
// commit.
//
// Overview
//
//  1. Implement Participant for each resource a step executes
//     against, or wrap a pair of functions with NewParticipant.
//  2. Describe the transaction as a TransactionSpec: ordered steps,
//     per-step retryability and idempotency keys, an unwinding
//     strategy, and a RetryPolicy.
//  3. Submit it to a Coordinator. Each transaction runs concurrently
//     on its own goroutine; steps within a transaction run strictly in
//     sequence.
//  4. Wait on the returned TransactionHandle for the Outcome: final
//     status, classified failure, attempt history, and (for a
//     partially compensated saga) the explicit list of steps whose
//     effects remain applied.
//
// Failure classification is centralized in the Classifier. Only
// transient failures are retried, with exponential backoff and jitter
// bounded by the policy. Version conflicts take a separate path: the
// executor re-reads current versions before the retried write and
// never overwrites silently.
//
// Two-phase commit journals a CoordinatorRecord to a RecordStore
// before each phase's participant round, so a restarted coordinator
// can call Recover and resume deterministically: a recorded commit
// decision is always re-driven to commit, and an undecided transaction
// is aborted.
package txcoord
