package engine

import (
	"time"

	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal"
	"github.com/batchcache/engine/internal/wal/types"
)

// Config gathers the options recognized from spec.md §6.
type Config struct {
	// WalDir is the directory holding segment files. Required.
	WalDir string
	// RollCycle is how often a new segment is opened. Default Minutely.
	RollCycle types.RollCycle
	// RetentionSegments is how many sealed segments to retain in addition
	// to the active one. Default 2.
	RetentionSegments int
	// FlushMode controls Producer.Append's fsync cadence. Default
	// FlushPerBatch.
	FlushMode wal.FlushMode
	// FlushEveryN is the batch count between flushes when FlushMode is
	// FlushEveryN.
	FlushEveryN int

	// Store sizes the Unified Entity Store.
	Store store.Config

	// MaxAcceptableLossPercent is the corruption.max_acceptable_loss_percent
	// option. Default 0.1. It is only stored here: no code reads it, so it
	// neither limits the skip policy nor appears in statistics().
	MaxAcceptableLossPercent float64
	// SkipStrategy bounds the corruption-skip ladder the Consumer and
	// Replay Engine use. Default wal.SkipAggressive.
	SkipStrategy wal.SkipStrategy

	// CommitDeadline bounds how long SubmitBatch waits before Step 3
	// (spec.md §5). Default 5s.
	CommitDeadline time.Duration

	// ConsumerName identifies this engine's row in consumer_offsets.
	ConsumerName string
	// ReplayBatchSize is K in the Replay Engine's read_next_batch(K) loop
	// (spec.md §4.8).
	ReplayBatchSize int
	// CheckpointEveryBatches is M: how often replay persists its
	// checkpoint (spec.md §4.8 step 4).
	CheckpointEveryBatches int
}

// withDefaults returns a copy of cfg with zero-valued fields set to their
// spec.md §6 defaults.
func (cfg Config) withDefaults() Config {
	if cfg.RollCycle == 0 {
		cfg.RollCycle = types.Minutely
	}
	if cfg.RetentionSegments < 1 {
		cfg.RetentionSegments = 2
	}
	if cfg.CommitDeadline <= 0 {
		cfg.CommitDeadline = 5 * time.Second
	}
	// wal.SkipAggressive is the zero value, so an unset SkipStrategy
	// already defaults correctly.
	if cfg.MaxAcceptableLossPercent <= 0 {
		cfg.MaxAcceptableLossPercent = 0.1
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "batchcache"
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 256
	}
	if cfg.CheckpointEveryBatches <= 0 {
		cfg.CheckpointEveryBatches = 100
	}
	if cfg.Store.MaxTotalRecords <= 0 {
		cfg.Store.MaxTotalRecords = 1_000_000
	}
	return cfg
}
