// Package wal implements the Segmented Log (C1), the Batch Codec's
// framing host, and the WAL Producer (C3) described in spec.md §4.1/§4.3.
// It follows the structure of the teacher package (github.com/dreamsxin/wal,
// a hashicorp/raft-wal-shaped segmented log): a single Log type holding an
// atomically-swapped immutable state snapshot, one background goroutine
// serializing segment rotation, and a storage backend factored out behind
// the wal/types interfaces so it can be stubbed in tests.
package wal

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/batchcache/engine/internal/wal/types"
)

var (
	ErrNotFound   = types.ErrNotFound
	ErrCorrupt    = types.ErrCorrupt
	ErrSealed     = types.ErrSealed
	ErrClosed     = types.ErrClosed
	ErrOutOfRange = errors.New("wal: offset out of range")
)

// RetentionPolicy describes how enforceRetention decides what to delete,
// combining the time-based and offset-based policies from spec.md §4.1.
type RetentionPolicy struct {
	// KeepSegments is how many of the most recent sealed segments to keep,
	// in addition to the active one (N >= 1).
	KeepSegments int
	// MinCheckpoint is the minimum last_committed_offset across all
	// consumers; a segment whose last offset is >= MinCheckpoint (it holds
	// the checkpoint or unconsumed offsets) is not deleted unless
	// ForwardOnly is set. A zero MinCheckpoint disables this floor.
	MinCheckpoint types.Offset
	// ForwardOnly overrides the offset-based floor, used by the
	// corruption-skip flow (spec.md §7) to force progress past data that
	// can never be read again.
	ForwardOnly bool
}

// Log is the segmented, append-only byte log described in spec.md §4.1.
type Log struct {
	closed uint32 // atomic; kept first for alignment, as in the teacher

	dir    string
	sf     types.SegmentFiler
	metaDB types.MetaStore

	logger    log.Logger
	metrics   *logMetrics
	rollCycle types.RollCycle

	s atomic.Value // *state

	writeMu sync.Mutex

	triggerRotate chan struct{}
	awaitRotate   chan struct{}
}

// Option configures a Log at Open time.
type Option func(*Log)

// WithLogger sets the structured logger used for background errors.
func WithLogger(l log.Logger) Option { return func(w *Log) { w.logger = l } }

// WithRegisterer sets the prometheus.Registerer metrics are registered to.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Log) { w.metrics = newLogMetrics(reg) }
}

// WithRollCycle sets how often a new segment is opened, per spec.md §6
// (wal.roll_cycle).
func WithRollCycle(c types.RollCycle) Option { return func(w *Log) { w.rollCycle = c } }

// Open attempts to open the log stored in dir, backed by sf for segment
// files and metaDB for the durable manifest. If no existing segments are
// found a new log is initialized. If existing segments are found, recovery
// is attempted: the unsealed tail (if any) is replayed to rebuild its frame
// index, discarding any corrupt or incomplete trailing write.
func Open(dir string, sf types.SegmentFiler, metaDB types.MetaStore, opts ...Option) (*Log, error) {
	l := &Log{
		dir:           dir,
		sf:            sf,
		metaDB:        metaDB,
		rollCycle:     types.Minutely,
		triggerRotate: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = log.NewNopLogger()
	}
	if l.metrics == nil {
		l.metrics = newLogMetrics(nil)
	}

	persisted, err := metaDB.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: load meta: %w", err)
	}

	newState := state{
		segments:      &immutable.SortedMap[uint64, segmentState]{},
		nextSegmentID: persisted.NextSegmentID,
	}
	if newState.nextSegmentID == 0 {
		// Segment IDs start at 1 so no record ever has offset 0, which
		// means "no offset" (empty log, no checkpoint) throughout this API.
		newState.nextSegmentID = 1
	}

	onDisk, err := sf.List()
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	recoveredTail := false
	for i, si := range persisted.Segments {
		delete(onDisk, si.ID)

		if !si.Sealed() {
			if i < len(persisted.Segments)-1 {
				return nil, fmt.Errorf("wal: unsealed segment %d is not at tail", si.ID)
			}
			sw, err := sf.RecoverTail(si)
			if errors.Is(err, errFileMissing) {
				sw, err = sf.Create(si)
			}
			if err != nil {
				return nil, fmt.Errorf("wal: recover tail segment %d: %w", si.ID, err)
			}
			si.Count = sw.Count()
			newState.tail = sw
			newState.tailID = si.ID
			newState.segments = newState.segments.Set(si.ID, segmentState{SegmentInfo: si, r: sw})
			recoveredTail = true
			break
		}

		sr, err := sf.Open(si)
		if err != nil {
			return nil, fmt.Errorf("wal: open sealed segment %d: %w", si.ID, err)
		}
		newState.segments = newState.segments.Set(si.ID, segmentState{SegmentInfo: si, r: sr})
	}

	if !recoveredTail {
		si := l.newSegmentInfo(newState.nextSegmentID)
		newState.nextSegmentID++
		newState.segments = newState.segments.Set(si.ID, segmentState{SegmentInfo: si})

		if err := metaDB.CommitState(newState.Persistent()); err != nil {
			return nil, fmt.Errorf("wal: commit initial meta: %w", err)
		}
		sw, err := sf.Create(si)
		if err != nil {
			return nil, fmt.Errorf("wal: create initial segment: %w", err)
		}
		newState.tail = sw
		newState.tailID = si.ID
		newState.segments = newState.segments.Set(si.ID, segmentState{SegmentInfo: si, r: sw})
	}

	l.s.Store(&newState)
	l.deleteSegmentFiles(onDisk, persisted.Segments)

	go l.runRotate()

	return l, nil
}

// errFileMissing is checked with errors.Is against whatever the SegmentFiler
// returns for a missing tail file (typically wrapping os.ErrNotExist, which
// is fs.ErrNotExist); kept as a var so tests can stub it without importing
// "os" into this package.
var errFileMissing = fs.ErrNotExist

func (l *Log) newSegmentInfo(id uint64) types.SegmentInfo {
	now := time.Now()
	return types.SegmentInfo{
		ID:         id,
		BaseOffset: types.MakeOffset(uint32(id), 0),
		Bucket:     l.rollCycle.Bucket(now),
		CreateTime: now,
	}
}

func (l *Log) loadState() *state { return l.s.Load().(*state) }

func (l *Log) checkClosed() error {
	if atomic.LoadUint32(&l.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// FirstOffset returns the first offset in the log, or 0 if empty.
func (l *Log) FirstOffset() (types.Offset, error) {
	if err := l.checkClosed(); err != nil {
		return 0, err
	}
	s := l.loadState()
	release := s.acquire()
	defer release()
	return s.firstOffset(), nil
}

// LastOffset returns the last offset written, or 0 if empty.
func (l *Log) LastOffset() (types.Offset, error) {
	if err := l.checkClosed(); err != nil {
		return 0, err
	}
	s := l.loadState()
	release := s.acquire()
	defer release()
	return s.lastOffset(), nil
}

// Append writes one pre-encoded batch record atomically and returns the
// offset it was assigned, per spec.md §4.1/§4.3. Callers (the Commit
// Coordinator) are responsible for serializing concurrent Append calls; the
// write lock here only protects the Log's own bookkeeping during rotation.
func (l *Log) Append(record []byte) (types.Offset, error) {
	if err := l.checkClosed(); err != nil {
		return 0, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	await := l.awaitRotate
	if await != nil {
		l.writeMu.Unlock()
		<-await
		l.writeMu.Lock()
	}

	s := l.loadState()
	release := s.acquire()
	defer release()

	idx := s.tail.Count()
	if _, err := s.tail.Append(record); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	l.metrics.appends.Inc()
	l.metrics.batchesWritten.Inc()
	l.metrics.bytesWritten.Add(float64(len(record)))

	offset := types.MakeOffset(uint32(s.tailID), idx)

	if bucketChanged(l.rollCycle, s) {
		l.triggerRotateLocked()
	}
	return offset, nil
}

func bucketChanged(cycle types.RollCycle, s *state) bool {
	info := s.getTailInfo()
	if info == nil {
		return false
	}
	return !cycle.Bucket(time.Now()).Equal(info.Bucket)
}

// Flush forces the active segment to stable storage (fsync), per
// spec.md §4.1's durability contract.
func (l *Log) Flush() error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	s := l.loadState()
	release := s.acquire()
	defer release()
	if s.tail == nil {
		return nil
	}
	return s.tail.Flush()
}

// SealInactiveSegments forces the active segment to seal and rotate if its
// roll-cycle bucket has already elapsed, even if no new batch has arrived to
// trigger that naturally on Append. It implements the seal_inactive_segments
// operation from spec.md §4.1 and is intended to be called periodically by
// the Engine so idle periods still produce bounded segment files.
func (l *Log) SealInactiveSegments() error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	l.writeMu.Lock()
	s := l.loadState()
	release := s.acquire()
	rotate := bucketChanged(l.rollCycle, s)
	release()
	if !rotate {
		l.writeMu.Unlock()
		return nil
	}
	l.triggerRotateLocked()
	l.writeMu.Unlock()
	return nil
}

func (l *Log) triggerRotateLocked() {
	if atomic.LoadUint32(&l.closed) == 1 {
		return
	}
	l.awaitRotate = make(chan struct{})
	select {
	case l.triggerRotate <- struct{}{}:
	default:
	}
}

func (l *Log) runRotate() {
	for range l.triggerRotate {
		l.writeMu.Lock()
		if atomic.LoadUint32(&l.closed) == 1 {
			l.writeMu.Unlock()
			return
		}
		if err := l.rotateSegmentLocked(); err != nil {
			level.Error(l.logger).Log("msg", "segment rotation failed", "err", err)
		}
		await := l.awaitRotate
		l.awaitRotate = nil
		l.writeMu.Unlock()
		if await != nil {
			close(await)
		}
	}
}

func (l *Log) rotateSegmentLocked() error {
	s := l.loadState()
	s.acquire()
	defer s.release()

	newS := s.clone()

	tail := newS.getTailInfo()
	if tail == nil {
		return fmt.Errorf("wal: no tail segment to rotate")
	}

	indexStart, err := newS.tail.Seal()
	if err != nil {
		return fmt.Errorf("wal: seal segment %d: %w", tail.ID, err)
	}
	tail.SealTime = time.Now()
	tail.Count = newS.tail.Count()
	tail.IndexStart = indexStart
	l.metrics.lastSegmentAgeSeconds.Set(tail.SealTime.Sub(tail.CreateTime).Seconds())

	oldTailID := newS.tailID
	oldSS, _ := newS.segments.Get(oldTailID)
	newS.segments = newS.segments.Set(oldTailID, segmentState{SegmentInfo: *tail, r: oldSS.r})

	nextInfo := l.newSegmentInfo(newS.nextSegmentID)
	newS.nextSegmentID++
	newS.segments = newS.segments.Set(nextInfo.ID, segmentState{SegmentInfo: nextInfo})

	if err := l.metaDB.CommitState(newS.Persistent()); err != nil {
		return fmt.Errorf("wal: commit meta after seal: %w", err)
	}

	sw, err := l.sf.Create(nextInfo)
	if err != nil {
		return fmt.Errorf("wal: create next segment: %w", err)
	}
	newS.tail = sw
	newS.tailID = nextInfo.ID
	newS.segments = newS.segments.Set(nextInfo.ID, segmentState{SegmentInfo: nextInfo, r: sw})

	l.metrics.segmentRotations.Inc()

	l.s.Store(&newS)
	s.finalizer.Store(func() {})
	return nil
}

// EnforceRetention deletes sealed segments that both fall outside
// policy.KeepSegments (the time-based policy) and contain only offsets
// below policy.MinCheckpoint (the offset-based floor), unless
// policy.ForwardOnly overrides that floor, per spec.md §4.1.
func (l *Log) EnforceRetention(policy RetentionPolicy) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	if policy.KeepSegments < 1 {
		policy.KeepSegments = 1
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	s.acquire()
	defer s.release()

	ids := s.sortedSegmentIDs()
	// Sealed segments only, oldest first, excluding the active tail.
	sealed := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == s.tailID {
			continue
		}
		ss, _ := s.segment(id)
		if ss.Sealed() {
			sealed = append(sealed, id)
		}
	}

	keepFrom := len(sealed) - policy.KeepSegments
	if keepFrom < 0 {
		keepFrom = 0
	}

	newS := s.clone()
	var toDelete []types.SegmentInfo
	for _, id := range sealed[:keepFrom] {
		ss, _ := newS.segment(id)
		if !policy.ForwardOnly {
			last := types.MakeOffset(uint32(id), ss.Count-1)
			if last >= policy.MinCheckpoint && policy.MinCheckpoint != 0 {
				// This segment still holds unconsumed offsets; keep it.
				continue
			}
		}
		toDelete = append(toDelete, ss.SegmentInfo)
		newS.segments = newS.segments.Delete(id)
	}

	if len(toDelete) == 0 {
		return nil
	}

	if err := l.metaDB.CommitState(newS.Persistent()); err != nil {
		return fmt.Errorf("wal: commit meta after retention: %w", err)
	}

	l.s.Store(&newS)
	s.finalizer.Store(func() {
		for _, si := range toDelete {
			if err := l.sf.Delete(si); err != nil {
				level.Error(l.logger).Log("msg", "failed to delete retired segment", "id", si.ID, "err", err)
				continue
			}
			l.metrics.segmentsDeleted.Inc()
		}
	})
	return nil
}

func (l *Log) deleteSegmentFiles(ids map[uint64]struct{}, known []types.SegmentInfo) {
	for _, si := range known {
		delete(ids, si.ID)
	}
	for id := range ids {
		if err := l.sf.Delete(types.SegmentInfo{ID: id}); err != nil {
			level.Error(l.logger).Log("msg", "failed to delete orphaned segment file", "id", id, "err", err)
		}
	}
}

// Close closes all open segment files. The Log must not be used again.
func (l *Log) Close() error {
	if atomic.SwapUint32(&l.closed, 1) != 0 {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.awaitRotate = nil
	close(l.triggerRotate)

	s := l.loadState()
	s.acquire()
	defer s.release()

	ids := s.sortedSegmentIDs()
	s.finalizer.Store(func() {
		for _, id := range ids {
			ss, _ := s.segment(id)
			if ss.r != nil {
				_ = ss.r.Close()
			}
		}
	})

	return l.metaDB.Close()
}
