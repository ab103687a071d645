package wal

import (
	"fmt"
	"io"

	"github.com/batchcache/engine/internal/wal/types"
)

// Cursor is a sequential reader over the log, started at a given offset.
// Multiple concurrent Cursors may be open on sealed segments; the Log
// guarantees a Cursor's underlying segments stay readable for its lifetime
// even if retention would otherwise have deleted them (acquire/release on
// the log's state snapshot).
type Cursor struct {
	log     *Log
	s       *state
	release func()

	segID uint64
	idx   uint32
}

// OpenCursor returns a Cursor positioned to read starting at from. Passing 0
// starts at the beginning of the log.
func (l *Log) OpenCursor(from types.Offset) (*Cursor, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	s := l.loadState()
	release := s.acquire()

	c := &Cursor{log: l, s: s, release: release}
	if err := c.Seek(from); err != nil {
		release()
		return nil, err
	}
	return c, nil
}

// Seek repositions the cursor to start reading at offset.
func (c *Cursor) Seek(offset types.Offset) error {
	if offset == 0 {
		ids := c.s.sortedSegmentIDs()
		if len(ids) == 0 {
			c.segID, c.idx = 0, 0
			return nil
		}
		c.segID, c.idx = ids[0], 0
		return nil
	}
	segID, idx := offset.Split()
	if _, ok := c.s.segment(uint64(segID)); !ok {
		return fmt.Errorf("%w: segment %d not present (likely retired)", ErrOutOfRange, segID)
	}
	c.segID, c.idx = uint64(segID), idx
	return nil
}

// liveCounter is implemented by an active (unsealed) segment's writer; a
// sealed segment's SegmentInfo.Count, frozen at seal time, is authoritative
// instead.
type liveCounter interface {
	Count() uint32
}

func recordCount(ss segmentState) uint32 {
	if !ss.Sealed() {
		if lc, ok := ss.r.(liveCounter); ok {
			return lc.Count()
		}
	}
	return ss.Count
}

// Next returns the next (offset, rawRecordBytes) pair, io.EOF when the
// cursor has caught up to the end of the log, or an error wrapping
// types.ErrCorrupt if the next record fails its length/CRC check — the
// "corrupt" outcome from spec.md §4.1's Cursor.next() contract.
func (c *Cursor) Next() (types.Offset, []byte, error) {
	for {
		ss, ok := c.s.segment(c.segID)
		if !ok {
			return 0, nil, io.EOF
		}

		if c.idx >= recordCount(ss) {
			if !ss.Sealed() {
				// Caught up to the live tail; nothing more to read yet.
				return 0, nil, io.EOF
			}
			next, ok := c.nextSegmentAfter(c.segID)
			if !ok {
				return 0, nil, io.EOF
			}
			c.segID, c.idx = next, 0
			continue
		}

		byteOffset, err := ss.r.OffsetForFrame(c.idx)
		if err != nil {
			return types.MakeOffset(uint32(c.segID), c.idx), nil, err
		}
		record, _, err := ss.r.ReadFrame(byteOffset)
		if err != nil {
			return types.MakeOffset(uint32(c.segID), c.idx), nil, err
		}

		offset := types.MakeOffset(uint32(c.segID), c.idx)
		c.idx++
		c.log.metrics.batchesRead.Inc()
		c.log.metrics.batchBytesRead.Add(float64(len(record)))
		return offset, record, nil
	}
}

func (c *Cursor) nextSegmentAfter(id uint64) (uint64, bool) {
	ids := c.s.sortedSegmentIDs()
	for i, sid := range ids {
		if sid == id && i+1 < len(ids) {
			return ids[i+1], true
		}
	}
	return 0, false
}

// SkipRecords advances the cursor forward by n records, crossing segment
// boundaries as needed. It is used by the Consumer's corruption-skip policy
// (spec.md §4.4) to attempt a landing past a corrupt record without
// decoding every intervening one.
func (c *Cursor) SkipRecords(n uint64) error {
	for n > 0 {
		ss, ok := c.s.segment(c.segID)
		if !ok {
			return io.EOF
		}
		count := recordCount(ss)
		remaining := uint64(0)
		if count > c.idx {
			remaining = uint64(count - c.idx)
		}
		if n < remaining {
			c.idx += uint32(n)
			return nil
		}
		n -= remaining
		next, ok := c.nextSegmentAfter(c.segID)
		if !ok {
			c.idx = count
			return io.EOF
		}
		c.segID, c.idx = next, 0
	}
	return nil
}

// Offset returns the offset the cursor will read next.
func (c *Cursor) Offset() types.Offset {
	return types.MakeOffset(uint32(c.segID), c.idx)
}

// Close releases the cursor's hold on the log's segment snapshot.
func (c *Cursor) Close() error {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return nil
}
