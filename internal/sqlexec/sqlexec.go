// Package sqlexec defines the SqlExecutor collaborator interface (C6,
// spec.md §4.6): the core's abstract boundary to a relational database. The
// core never holds a schema catalog; a concrete Executor resolves table
// names and primary-key columns via the entity-type descriptor it is
// configured with.
package sqlexec

import (
	"context"

	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// Tx is an opaque transaction handle returned by Begin and threaded through
// Apply/Commit/Rollback/StoreCheckpoint. Concrete Executors define their
// own underlying type; the core treats it as opaque.
type Tx interface{}

// Executor is the abstract SqlExecutor collaborator from spec.md §4.6. All
// methods are context-aware so the Commit Coordinator's deadline (spec.md
// §5, commit.deadline_ms) can cancel an in-flight round trip.
type Executor interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// Apply executes entry's mutation within tx. It must be idempotent
	// under UPSERT and raise a *ConstraintError on a unique/FK violation
	// so the Coordinator can classify the failure per spec.md §7.
	Apply(ctx context.Context, tx Tx, entry wire.Entry) error

	// Commit commits tx.
	Commit(ctx context.Context, tx Tx) error

	// Rollback aborts tx. Rollback on an already-committed or
	// already-rolled-back Tx must be a safe no-op.
	Rollback(ctx context.Context, tx Tx) error

	// LoadCheckpoint returns the last committed offset for consumerName,
	// or ok=false if none has ever been stored.
	LoadCheckpoint(ctx context.Context, consumerName string) (offset types.Offset, ok bool, err error)

	// StoreCheckpoint persists consumerName's checkpoint as offset. When
	// tx is non-nil it runs inside that transaction (the live-commit
	// path, spec.md §4.7 step 4); when tx is nil it runs standalone
	// (the Replay Engine's periodic checkpoint advance, spec.md §4.8
	// step 4).
	StoreCheckpoint(ctx context.Context, tx Tx, consumerName string, offset types.Offset) error

	// RecordDataLoss appends an operator-visible row to the data_loss
	// table (spec.md §6) describing a corruption-skip event.
	RecordDataLoss(ctx context.Context, event types.DataLossEvent) error
}

// TransientError marks a DbError::Transient fault (spec.md §7). The
// Coordinator does not retry it; the batch fails like any other DbError.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "db: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ConstraintError marks a DbError::Constraint fault: a unique or
// foreign-key violation. It is never retried.
type ConstraintError struct{ Err error }

func (e *ConstraintError) Error() string { return "db: constraint: " + e.Err.Error() }
func (e *ConstraintError) Unwrap() error { return e.Err }

// FatalError marks a DbError::Fatal fault: the connection or schema is
// unusable and the engine should not keep retrying this batch.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "db: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }
