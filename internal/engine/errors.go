// Package engine implements the Commit Coordinator (C7), the Replay Engine
// (C8), and the Engine process-wide facade described in spec.md §4.7,
// §4.8, and §6.
package engine

import (
	"errors"
	"fmt"

	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal/codec"
	"github.com/batchcache/engine/internal/wire"
)

// ErrNotReady is returned by SubmitBatch while the engine is Replaying or
// not yet initialized (spec.md §4.8/§7).
var ErrNotReady = errors.New("engine: not ready")

// WalErrorKind classifies a log-layer fault, per spec.md §7.
type WalErrorKind string

const (
	WalIo     WalErrorKind = "Io"
	WalFull   WalErrorKind = "Full"
	WalSealed WalErrorKind = "Sealed"
)

// WalError wraps a Producer/Log fault with its taxonomy kind.
type WalError struct {
	Kind WalErrorKind
	Err  error
}

func (e *WalError) Error() string { return fmt.Sprintf("wal: %s: %v", e.Kind, e.Err) }
func (e *WalError) Unwrap() error { return e.Err }

// TimeoutError reports that commit.deadline_ms elapsed before the batch
// reached the database-transaction step.
type TimeoutError struct {
	Stage string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("engine: timeout at %s", e.Stage) }

// ErrorKind stringifies the outer error classification of a Result for
// transport back to adapters, per spec.md §6's submit_batch contract.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindNotReady         ErrorKind = "NotReady"
	KindValidationError  ErrorKind = "ValidationError"
	KindCodecError       ErrorKind = "CodecError"
	KindWalError         ErrorKind = "WalError"
	KindDbError          ErrorKind = "DbError"
	KindTimeout          ErrorKind = "Timeout"
	KindCapacityExceeded ErrorKind = "CapacityExceeded"
)

// classifyErrorKind maps an internal error to the taxonomy name carried in
// a failing Result, per spec.md §7.
func classifyErrorKind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		walErr      *WalError
		timeoutErr  *TimeoutError
		validateErr *wire.ValidationError
		capacityErr *store.CapacityExceededError
		codecErr    *codec.CodecError
		transientE  *sqlexec.TransientError
		constraintE *sqlexec.ConstraintError
		fatalE      *sqlexec.FatalError
	)

	switch {
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.As(err, &walErr):
		return KindWalError
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &validateErr):
		return KindValidationError
	case errors.As(err, &capacityErr):
		return KindCapacityExceeded
	case errors.As(err, &codecErr):
		return KindCodecError
	case errors.As(err, &transientE), errors.As(err, &constraintE), errors.As(err, &fatalE):
		return KindDbError
	default:
		return KindDbError
	}
}
