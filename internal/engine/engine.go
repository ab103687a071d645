package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/batchcache/engine/internal/metadb"
	"github.com/batchcache/engine/internal/sqlexec"
	"github.com/batchcache/engine/internal/store"
	"github.com/batchcache/engine/internal/wal"
	"github.com/batchcache/engine/internal/wal/segment"
	"github.com/batchcache/engine/internal/wal/types"
	"github.com/batchcache/engine/internal/wire"
)

// State is a value in the cache subsystem's lifecycle, per spec.md §4.8.
type State int32

const (
	Uninitialized State = iota
	Replaying
	Ready
	Degraded
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Replaying:
		return "Replaying"
	case Ready:
		return "Ready"
	case Degraded:
		return "Degraded"
	case ShuttingDown:
		return "ShuttingDown"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Health is the health() response from spec.md §6.
type Health struct {
	WalOK     bool
	DbOK      bool
	StoreOK   bool
	State     State
	LastError string
}

// Statistics is the statistics() response from spec.md §6, extended with
// commit-latency percentiles (SUPPLEMENTED, see DESIGN.md).
type Statistics struct {
	BatchesTotal       uint64
	EntriesTotal       uint64
	FailedBatches      uint64
	StoreSize          int
	ReplayComplete     bool
	CommitLatencyMS    float64
	CommitLatencyP50MS float64
	CommitLatencyP99MS float64
}

type engineMetrics struct {
	batchesTotal  prometheus.Counter
	entriesTotal  prometheus.Counter
	failedBatches prometheus.Counter
	commitLatency prometheus.Histogram
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		batchesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "engine_batches_total", Help: "engine_batches_total counts every submit_batch call.",
		}),
		entriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "engine_entries_total", Help: "engine_entries_total counts entries across submitted batches.",
		}),
		failedBatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "engine_failed_batches_total", Help: "engine_failed_batches_total counts batches that returned success=false.",
		}),
		commitLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_commit_latency_seconds",
			Help:    "engine_commit_latency_seconds observes SubmitBatch wall-clock latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Engine is the process-wide singleton described in spec.md §6: it owns
// the Log, Producer, Consumer, Store, Executor and Coordinator, and
// exposes the lifecycle and submission surface adapters call into. Per
// spec.md §9, it is an explicit value created at startup and passed by
// reference, not a hidden global.
type Engine struct {
	cfg Config

	log         *wal.Log
	producer    *wal.Producer
	consumer    *wal.Consumer
	db          sqlexec.Executor
	store       *store.Store
	registry    *store.Registry
	coordinator *Coordinator

	logger  log.Logger
	metrics *engineMetrics
	reg     prometheus.Registerer

	state     atomic.Int32
	lastError atomic.Value // string

	batchesTotal    atomic.Uint64
	entriesTotal    atomic.Uint64
	failedBatches   atomic.Uint64
	lastCommitNanos atomic.Int64

	histMu  sync.Mutex
	latency *hdrhistogram.Histogram

	mu             sync.Mutex
	inFlight       sync.WaitGroup
	replayedUpTo   types.Offset
	stopBackground chan struct{}
}

// New constructs an Engine with its Store pre-registered against
// descriptors, but does not yet open the WAL or connect to the database;
// call Init to bring it up.
func New(cfg Config, registry *store.Registry, db sqlexec.Executor, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.WalDir == "" {
		return nil, fmt.Errorf("engine: wal.dir is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	st, err := store.New(registry, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("engine: build store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		db:       db,
		store:    st,
		registry: registry,
		logger:   logger,
		metrics:  newEngineMetrics(reg),
		reg:      reg,
		// microseconds, 1us to 60s, 3 significant figures: commit_latency
		// percentiles in statistics() (SUPPLEMENTED, see DESIGN.md).
		latency: hdrhistogram.New(1, 60_000_000, 3),
	}
	e.state.Store(int32(Uninitialized))
	e.lastError.Store("")
	return e, nil
}

// Init opens the WAL, runs the Replay Engine (C8) to repopulate the Store
// from the last durable checkpoint, and transitions the engine to Ready.
// Live batches submitted before Init completes are rejected with
// NotReady, per spec.md §4.8.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if State(e.state.Load()) != Uninitialized {
		return fmt.Errorf("engine: already initialized")
	}
	e.state.Store(int32(Replaying))

	metaDB, err := metadb.Open(e.cfg.WalDir)
	if err != nil {
		return e.failInit(fmt.Errorf("engine: open metadb: %w", err))
	}
	filer := segment.NewFiler(e.cfg.WalDir)

	l, err := wal.Open(e.cfg.WalDir, filer, metaDB,
		wal.WithLogger(e.logger),
		wal.WithRegisterer(e.reg),
		wal.WithRollCycle(e.cfg.RollCycle),
	)
	if err != nil {
		return e.failInit(fmt.Errorf("engine: open wal: %w", err))
	}
	e.log = l
	e.producer = wal.NewProducer(l, e.cfg.FlushMode, e.cfg.FlushEveryN)

	consumer, err := wal.NewConsumer(l, 0,
		wal.WithConsumerLogger(e.logger),
		wal.WithSkipStrategy(e.cfg.SkipStrategy),
		wal.WithDataLossHandler(func(ev types.DataLossEvent) {
			if rerr := e.db.RecordDataLoss(context.Background(), ev); rerr != nil {
				level.Error(e.logger).Log("msg", "record data loss failed", "err", rerr)
			}
		}),
	)
	if err != nil {
		return e.failInit(fmt.Errorf("engine: open consumer: %w", err))
	}
	e.consumer = consumer

	replayer := NewReplayer(consumer, e.db, e.store, e.cfg.ConsumerName, e.cfg.ReplayBatchSize, e.cfg.CheckpointEveryBatches, e.logger)
	last, err := replayer.Run(ctx)
	if err != nil {
		return e.failInit(fmt.Errorf("engine: replay: %w", err))
	}
	e.replayedUpTo = last

	e.coordinator = NewCoordinator(e.producer, consumer, e.db, e.store, e.registry, e.cfg.ConsumerName, e.logger)

	e.state.Store(int32(Ready))
	e.lastError.Store("")
	level.Info(e.logger).Log("msg", "engine ready", "replayed_up_to", last.String())

	e.stopBackground = make(chan struct{})
	go e.degradedRecoveryLoop(30 * time.Second)
	go e.maintenanceLoop(time.Minute)
	return nil
}

// maintenanceLoop is the steady-state half of §4.1's segment lifecycle:
// while Ready, it periodically seals segments the roll cycle has moved
// past and enforces wal.retention_segments, so segment files don't grow
// unbounded between restarts. MinCheckpoint tracks the Consumer's
// committed offset, which SubmitBatch now advances on every successful
// commit (see Coordinator.SubmitBatch).
func (e *Engine) maintenanceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBackground:
			return
		case <-ticker.C:
			if State(e.state.Load()) != Ready {
				continue
			}
			if err := e.log.SealInactiveSegments(); err != nil {
				level.Error(e.logger).Log("msg", "maintenance: seal inactive segments failed", "err", err)
				continue
			}
			policy := wal.RetentionPolicy{
				KeepSegments:  e.cfg.RetentionSegments,
				MinCheckpoint: e.consumer.LastCommittedOffset(),
			}
			if err := e.log.EnforceRetention(policy); err != nil {
				level.Error(e.logger).Log("msg", "maintenance: enforce retention failed", "err", err)
			}
		}
	}
}

// degradedRecoveryLoop is the SUPPLEMENTED recovery half of spec.md §7's
// WalError::Full -> Degraded transition: without it Degraded would be a
// terminal state once entered, even after an operator or enforce_retention
// frees disk space. It polls at a low frequency rather than reacting to
// every SubmitBatch, since probing retention/flush is itself I/O.
func (e *Engine) degradedRecoveryLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBackground:
			return
		case <-ticker.C:
			if State(e.state.Load()) != Degraded {
				continue
			}
			policy := wal.RetentionPolicy{
				KeepSegments:  e.cfg.RetentionSegments,
				MinCheckpoint: e.consumer.LastCommittedOffset(),
			}
			if err := e.log.EnforceRetention(policy); err != nil {
				level.Error(e.logger).Log("msg", "degraded recovery: enforce retention failed", "err", err)
				continue
			}
			if err := e.producer.Flush(); err != nil {
				level.Error(e.logger).Log("msg", "degraded recovery: wal still unwritable", "err", err)
				continue
			}
			if e.state.CompareAndSwap(int32(Degraded), int32(Ready)) {
				e.lastError.Store("")
				level.Info(e.logger).Log("msg", "engine recovered from degraded state")
			}
		}
	}
}

func (e *Engine) failInit(err error) error {
	e.state.Store(int32(Degraded))
	e.lastError.Store(err.Error())
	return err
}

// SubmitBatch is the submission API from spec.md §6. It rejects with
// NotReady outside the Ready state.
func (e *Engine) SubmitBatch(ctx context.Context, batch wire.Batch) Result {
	st := State(e.state.Load())
	if st != Ready {
		e.metrics.failedBatches.Inc()
		e.failedBatches.Add(1)
		return failure(batch.TxnID, 0, ErrNotReady)
	}

	e.inFlight.Add(1)
	defer e.inFlight.Done()

	deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.CommitDeadline)
	defer cancel()

	start := time.Now()
	res := e.coordinator.SubmitBatch(deadlineCtx, batch)
	elapsed := time.Since(start)
	e.metrics.commitLatency.Observe(elapsed.Seconds())
	e.lastCommitNanos.Store(elapsed.Nanoseconds())
	e.histMu.Lock()
	_ = e.latency.RecordValue(elapsed.Microseconds())
	e.histMu.Unlock()

	e.metrics.batchesTotal.Inc()
	e.batchesTotal.Add(1)
	e.metrics.entriesTotal.Add(float64(res.EntriesProcessed))
	e.entriesTotal.Add(uint64(res.EntriesProcessed))
	if !res.Success {
		e.metrics.failedBatches.Inc()
		e.failedBatches.Add(1)
	}
	if res.ErrorKind == KindWalError {
		e.state.CompareAndSwap(int32(Ready), int32(Degraded))
		e.lastError.Store(res.Err.Error())
	}
	return res
}

// Health reports the engine's current health, per spec.md §6.
func (e *Engine) Health() Health {
	st := State(e.state.Load())
	lastErr, _ := e.lastError.Load().(string)
	return Health{
		WalOK:     e.log != nil && st != Degraded,
		DbOK:      st != Degraded,
		StoreOK:   e.store != nil,
		State:     st,
		LastError: lastErr,
	}
}

// Statistics reports point-in-time counters, per spec.md §6.
func (e *Engine) Statistics() Statistics {
	storeSize := 0
	if e.store != nil {
		storeSize = e.store.TotalSize()
	}
	st := State(e.state.Load())
	e.histMu.Lock()
	p50 := e.latency.ValueAtQuantile(50)
	p99 := e.latency.ValueAtQuantile(99)
	e.histMu.Unlock()
	return Statistics{
		BatchesTotal:       e.batchesTotal.Load(),
		EntriesTotal:       e.entriesTotal.Load(),
		FailedBatches:      e.failedBatches.Load(),
		StoreSize:          storeSize,
		ReplayComplete:     st != Replaying && st != Uninitialized,
		CommitLatencyMS:    float64(e.lastCommitNanos.Load()) / 1e6,
		CommitLatencyP50MS: float64(p50) / 1e3,
		CommitLatencyP99MS: float64(p99) / 1e3,
	}
}

// Shutdown drains in-flight batches (up to deadline), flushes the
// producer, closes segments, and stores the latest checkpoint, per
// spec.md §6.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := State(e.state.Swap(int32(ShuttingDown)))
	if prev == Stopped || prev == Uninitialized {
		e.state.Store(int32(Stopped))
		return nil
	}
	if e.stopBackground != nil {
		close(e.stopBackground)
	}

	drained := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		level.Error(e.logger).Log("msg", "shutdown deadline exceeded waiting for in-flight batches")
	}

	if e.producer != nil {
		if err := e.producer.Flush(); err != nil {
			level.Error(e.logger).Log("msg", "flush on shutdown failed", "err", err)
		}
	}
	if e.consumer != nil {
		if err := e.db.StoreCheckpoint(context.Background(), nil, e.cfg.ConsumerName, e.consumer.LastCommittedOffset()); err != nil {
			level.Error(e.logger).Log("msg", "final checkpoint on shutdown failed", "err", err)
		}
		_ = e.consumer.Close()
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			level.Error(e.logger).Log("msg", "close wal on shutdown failed", "err", err)
		}
	}

	e.state.Store(int32(Stopped))
	return nil
}
