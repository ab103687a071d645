package wal

import (
	"fmt"

	"github.com/batchcache/engine/internal/wal/codec"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// FlushMode controls how often Producer.Append forces an fsync, per
// spec.md §6 (wal.flush_mode).
type FlushMode int

const (
	// FlushPerBatch fsyncs after every Append; the strictest durability
	// setting and the default.
	FlushPerBatch FlushMode = iota
	// FlushEveryN fsyncs after every N appends.
	FlushEveryN
	// FlushNever leaves fsync to the caller (e.g. a periodic timer); used
	// in throughput-over-durability configurations.
	FlushNever
)

// Producer is the thin wrapper described as C3 in spec.md §4.3: it encodes
// a batch and appends it to the Segmented Log atomically, returning the
// offset it was assigned. Callers (the Commit Coordinator) must serialize
// concurrent calls; Producer does no locking of its own beyond what the Log
// already provides.
type Producer struct {
	log *Log

	mode    FlushMode
	everyN  int
	sinceFl int
}

// NewProducer wraps log with the given flush policy.
func NewProducer(log *Log, mode FlushMode, everyN int) *Producer {
	if everyN <= 0 {
		everyN = 1
	}
	return &Producer{log: log, mode: mode, everyN: everyN}
}

// Append encodes batch and appends it durably to the log, returning its
// offset. It fails with a CodecError if batch cannot be encoded, or with a
// wrapped I/O error (WalError, from the caller's perspective) if the
// underlying append fails.
func (p *Producer) Append(batch wire.Batch) (types.Offset, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	record, err := codec.Encode(batch)
	if err != nil {
		return 0, fmt.Errorf("producer: encode batch %q: %w", batch.TxnID, err)
	}

	offset, err := p.log.Append(record)
	if err != nil {
		return 0, fmt.Errorf("producer: append batch %q: %w", batch.TxnID, err)
	}

	p.sinceFl++
	switch p.mode {
	case FlushPerBatch:
		if err := p.log.Flush(); err != nil {
			return offset, fmt.Errorf("producer: flush: %w", err)
		}
		p.sinceFl = 0
	case FlushEveryN:
		if p.sinceFl >= p.everyN {
			if err := p.log.Flush(); err != nil {
				return offset, fmt.Errorf("producer: flush: %w", err)
			}
			p.sinceFl = 0
		}
	case FlushNever:
		// caller is responsible for calling Flush
	}
	return offset, nil
}

// Flush forces a pass-through fsync of the underlying log.
func (p *Producer) Flush() error { return p.log.Flush() }
