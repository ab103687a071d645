package engine

import (
	"context"
	"sync"

	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// stubTx is the opaque transaction handle stubExecutor hands back from
// Begin; it exists only so Coordinator/Replayer code paths that thread a
// Tx through Apply/Commit/Rollback/StoreCheckpoint have something concrete
// to pass around, mirroring the teacher's own in-memory testStorage stub.
type stubTx struct {
	committed  bool
	rolledBack bool
	applied    []wire.Entry
}

// stubExecutor is a hand-written in-memory sqlexec.Executor, grounded on
// the teacher's testStorage pattern of stubbing every external-facing
// interface rather than mocking it.
type stubExecutor struct {
	mu sync.Mutex

	checkpoints map[string]types.Offset
	dataLoss    []types.DataLossEvent
	applyErr    error
	beginErr    error
	commitErr   error
	checkpointErr error

	commits int
	rollbacks int
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{checkpoints: make(map[string]types.Offset)}
}

func (s *stubExecutor) Begin(ctx context.Context) (sqlexec.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &stubTx{}, nil
}

func (s *stubExecutor) Apply(ctx context.Context, tx sqlexec.Tx, entry wire.Entry) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	tx.(*stubTx).applied = append(tx.(*stubTx).applied, entry)
	return nil
}

func (s *stubExecutor) Commit(ctx context.Context, tx sqlexec.Tx) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	tx.(*stubTx).committed = true
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

func (s *stubExecutor) Rollback(ctx context.Context, tx sqlexec.Tx) error {
	t := tx.(*stubTx)
	if t.committed || t.rolledBack {
		return nil
	}
	t.rolledBack = true
	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()
	return nil
}

func (s *stubExecutor) LoadCheckpoint(ctx context.Context, consumerName string) (types.Offset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.checkpoints[consumerName]
	return off, ok, nil
}

func (s *stubExecutor) StoreCheckpoint(ctx context.Context, tx sqlexec.Tx, consumerName string, offset types.Offset) error {
	if s.checkpointErr != nil {
		return s.checkpointErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[consumerName] = offset
	return nil
}

func (s *stubExecutor) RecordDataLoss(ctx context.Context, event types.DataLossEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataLoss = append(s.dataLoss, event)
	return nil
}
