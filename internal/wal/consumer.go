package wal

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/batchcache/engine/internal/wal/codec"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// fullSkipLadder is the escalating jump sequence from spec.md §4.4's
// corruption-skip policy: skip the one bad record, and if the records
// immediately following are also unreadable, jump progressively further
// before giving up and repositioning to the end of the log.
var fullSkipLadder = []uint64{1, 10, 100, 1_000, 10_000, 1_000_000}

// SkipStrategy controls how far a Consumer climbs fullSkipLadder before
// giving up on a corrupt record, per spec.md §6 (corruption.skip_strategy).
type SkipStrategy int

const (
	// SkipAggressive runs the full ladder, including the 1,000,000-record
	// emergency jump (spec.md §9, Open Question (a)).
	SkipAggressive SkipStrategy = iota
	// SkipConservative stops after the small jumps (1/10/100/1,000/10,000)
	// and never makes the 1,000,000-record jump. Once those jumps are
	// exhausted it repositions to the end of the log and records an
	// EmergencyJump event, exactly as SkipAggressive does.
	SkipConservative
	// SkipNone disables automatic skipping entirely: the first corrupt
	// record halts ReadNextBatch for operator intervention.
	SkipNone
)

func (s SkipStrategy) ladder() []uint64 {
	switch s {
	case SkipConservative:
		return fullSkipLadder[:len(fullSkipLadder)-1]
	case SkipNone:
		return nil
	default:
		return fullSkipLadder
	}
}

// Consumer implements the WAL Consumer (C4, spec.md §4.4): sequential
// decode of batches with an explicit, externally-durable checkpoint and a
// bounded recovery policy for corrupt records.
type Consumer struct {
	log    *Log
	cursor *Cursor

	logger  log.Logger
	limiter *rate.Limiter
	skip    SkipStrategy

	committed types.Offset
	onLoss    func(types.DataLossEvent)
}

// ConsumerOption configures a Consumer at construction time.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger used for data-loss diagnostics.
func WithConsumerLogger(l log.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithDataLossHandler registers a callback invoked once per DataLossEvent,
// e.g. to persist it via the SqlExecutor's data_loss table (spec.md §6).
func WithDataLossHandler(fn func(types.DataLossEvent)) ConsumerOption {
	return func(c *Consumer) { c.onLoss = fn }
}

// WithSkipStrategy bounds how far recoverFromCorruption climbs the skip
// ladder. Default SkipAggressive.
func WithSkipStrategy(s SkipStrategy) ConsumerOption {
	return func(c *Consumer) { c.skip = s }
}

// NewConsumer opens a Consumer on l, starting at from (the last durably
// committed offset loaded by the caller via a prior store_checkpoint, or 0
// for a fresh consumer).
func NewConsumer(l *Log, from types.Offset, opts ...ConsumerOption) (*Consumer, error) {
	cur, err := l.OpenCursor(from)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		log:       l,
		cursor:    cur,
		logger:    l.logger,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		committed: from,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ReadNextBatch decodes up to max batches starting at the cursor's current
// position. It returns fewer than max (possibly zero) without error when
// the live tail is caught up; io.EOF is never returned to the caller here,
// an empty slice means "nothing new yet".
func (c *Consumer) ReadNextBatch(max int) ([]DecodedBatch, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]DecodedBatch, 0, max)
	for len(out) < max {
		offset, raw, err := c.cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, types.ErrCorrupt) {
				recovered, rerr := c.recoverFromCorruption(offset, err)
				if rerr != nil {
					return out, rerr
				}
				if !recovered {
					break
				}
				continue
			}
			return out, fmt.Errorf("consumer: read at %s: %w", offset, err)
		}

		batch, derr := codec.Decode(raw)
		if derr != nil {
			recovered, rerr := c.recoverFromCorruption(offset, derr)
			if rerr != nil {
				return out, rerr
			}
			if !recovered {
				break
			}
			continue
		}
		out = append(out, DecodedBatch{Offset: offset, Batch: batch})
	}
	return out, nil
}

// DecodedBatch pairs a decoded Batch with the offset it was read from.
type DecodedBatch struct {
	Offset types.Offset
	Batch  wire.Batch
}

// recoverFromCorruption implements the escalating skip ladder. It returns
// recovered=true if the cursor was advanced past the bad region and reading
// should continue, or false if the consumer has given up for this call
// (caller should stop and retry later, e.g. after an operator look).
func (c *Consumer) recoverFromCorruption(at types.Offset, cause error) (bool, error) {
	start := at
	if c.skip == SkipNone {
		c.emitLoss(types.DataLossEvent{
			Kind:                 types.CorruptionSkip,
			StartOffset:          start,
			EndOffset:            start,
			EstimatedEntriesLost: 0,
			Note:                 fmt.Sprintf("skip_strategy=None, halting at corrupt record: %v", cause),
		})
		return false, nil
	}
	for _, jump := range c.skip.ladder() {
		if err := c.cursor.Seek(start); err != nil {
			return false, fmt.Errorf("consumer: reseek to %s: %w", start, err)
		}
		if err := c.cursor.SkipRecords(jump); err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("consumer: skip %d from %s: %w", jump, start, err)
		}
		landing := c.cursor.Offset()

		_, raw, err := c.cursor.Next()
		if err == io.EOF {
			c.emitLoss(types.DataLossEvent{
				Kind:                 classifyJump(jump),
				StartOffset:          start,
				EndOffset:            landing,
				EstimatedEntriesLost: int32(jump),
				Note:                 fmt.Sprintf("reached end of log while skipping past %v", cause),
			})
			return false, nil
		}
		if err != nil {
			// Still corrupt; escalate to the next rung.
			continue
		}
		if _, derr := codec.Decode(raw); derr != nil {
			continue
		}
		// The test read above consumed the landing record; seek back to it
		// so ReadNextBatch's own Next() call re-reads and returns it.
		if err := c.cursor.Seek(landing); err != nil {
			return false, fmt.Errorf("consumer: reseek to landing %s: %w", landing, err)
		}
		c.emitLoss(types.DataLossEvent{
			Kind:                 classifyJump(jump),
			StartOffset:          start,
			EndOffset:            landing,
			EstimatedEntriesLost: int32(jump),
			Note:                 cause.Error(),
		})
		return true, nil
	}

	// Ladder exhausted; reposition to end of log and give up recovering
	// this region. The caller observes an empty batch and can alert.
	end, err := c.log.LastOffset()
	if err != nil {
		return false, fmt.Errorf("consumer: last offset: %w", err)
	}
	if err := c.cursor.Seek(end); err == nil {
		_ = c.cursor.SkipRecords(1)
	}
	c.emitLoss(types.DataLossEvent{
		Kind:                 types.EmergencyJump,
		StartOffset:          start,
		EndOffset:            end,
		EstimatedEntriesLost: 0,
		Note:                 fmt.Sprintf("exhausted skip ladder, repositioned to end of log: %v", cause),
	})
	return false, nil
}

func classifyJump(n uint64) types.DataLossKind {
	if n <= 1 {
		return types.CorruptionSkip
	}
	return types.EmergencyJump
}

func (c *Consumer) emitLoss(ev types.DataLossEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	if c.limiter.Allow() {
		level.Error(c.logger).Log(
			"msg", "data loss during WAL consumption",
			"kind", ev.Kind.String(),
			"start", ev.StartOffset.String(),
			"end", ev.EndOffset.String(),
			"estimated_entries_lost", ev.EstimatedEntriesLost,
			"note", ev.Note,
		)
	}
	if c.onLoss != nil {
		c.onLoss(ev)
	}
}

// SeekTo repositions the consumer just past offset, a previously processed
// (checkpointed) offset, so the next ReadNextBatch starts with the record
// after it; offset 0 positions at the start of the log. Any unread progress
// since the last commit is discarded.
func (c *Consumer) SeekTo(offset types.Offset) error {
	if err := c.cursor.Seek(offset); err != nil {
		return err
	}
	if offset == 0 {
		return nil
	}
	if err := c.cursor.SkipRecords(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// CommitOffset records offset as durably processed. The caller is
// responsible for persisting it (spec.md's store_checkpoint, via the
// SqlExecutor's consumer_offsets table) in the same transaction as the
// writes it guards.
func (c *Consumer) CommitOffset(offset types.Offset) {
	c.committed = offset
}

// LastCommittedOffset returns the most recently committed offset.
func (c *Consumer) LastCommittedOffset() types.Offset {
	return c.committed
}

// Close releases the consumer's cursor.
func (c *Consumer) Close() error {
	return c.cursor.Close()
}
