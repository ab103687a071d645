package wal

import (
	"io"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"golang.org/x/exp/slices"

	"github.com/batchcache/engine/internal/wal/types"
)

// segmentReadable is the subset of types.SegmentWriter and
// types.SegmentReader that reading needs; both satisfy it, which lets the
// Log read through the active tail and sealed segments uniformly.
type segmentReadable interface {
	io.Closer
	ReadFrame(byteOffset int64) (record []byte, nextByteOffset int64, err error)
	OffsetForFrame(index uint32) (int64, error)
}

// segmentState pairs a segment's persisted metadata with its open handle.
type segmentState struct {
	types.SegmentInfo
	r segmentReadable
}

// state is an immutable snapshot of the Log's segment set, read lock-free by
// readers and swapped atomically by the single writer, exactly as the
// teacher's wal.state does. A state tracks how many readers currently hold
// it (acquire/release) and runs a finalizer once the last reader of a
// superseded state is done, so segment files are only closed/deleted once
// nobody can still be reading them.
type state struct {
	segments      *immutable.SortedMap[uint64, segmentState] // keyed by segment ID
	tail          types.SegmentWriter
	tailID        uint64
	nextSegmentID uint64

	refs      int32
	finalizer atomic.Value // func()
}

func (s *state) clone() state {
	return state{
		segments:      s.segments,
		tail:          s.tail,
		tailID:        s.tailID,
		nextSegmentID: s.nextSegmentID,
	}
}

// acquire marks the state as in-use by one more reader and returns a release
// func that must be called exactly once.
func (s *state) acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	return s.release
}

func (s *state) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if fn, ok := s.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

func (s *state) getTailInfo() *types.SegmentInfo {
	ss, ok := s.segments.Get(s.tailID)
	if !ok {
		return nil
	}
	info := ss.SegmentInfo
	return &info
}

func (s *state) segment(id uint64) (segmentState, bool) {
	return s.segments.Get(id)
}

// sortedSegmentIDs returns every segment ID present, ascending.
func (s *state) sortedSegmentIDs() []uint64 {
	ids := make([]uint64, 0, s.segments.Len())
	it := s.segments.Iterator()
	for !it.Done() {
		id, _, _ := it.Next()
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *state) firstOffset() types.Offset {
	ids := s.sortedSegmentIDs()
	if len(ids) == 0 {
		return 0
	}
	ss, _ := s.segments.Get(ids[0])
	return ss.BaseOffset
}

func (s *state) lastOffset() types.Offset {
	if s.tail == nil {
		return 0
	}
	n := s.tail.Count()
	if n > 0 {
		return types.MakeOffset(uint32(s.tailID), n-1)
	}
	// No records in the tail yet; last committed offset is whatever the
	// previous sealed segment ended at, if any (segments are sorted
	// ascending by ID and the tail is always the newest).
	ids := s.sortedSegmentIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == s.tailID {
			continue
		}
		ss, _ := s.segments.Get(ids[i])
		if ss.Count == 0 {
			continue
		}
		return types.MakeOffset(uint32(ids[i]), ss.Count-1)
	}
	return 0
}

// Persistent projects the in-memory state to the durable manifest shape.
func (s *state) Persistent() types.PersistentState {
	ps := types.PersistentState{NextSegmentID: s.nextSegmentID}
	ids := s.sortedSegmentIDs()
	ps.Segments = make([]types.SegmentInfo, 0, len(ids))
	for _, id := range ids {
		ss, _ := s.segments.Get(id)
		ps.Segments = append(ps.Segments, ss.SegmentInfo)
	}
	return ps
}
