// Package types defines the contracts the Segmented Log (spec.md §4.1)
// depends on but does not implement itself: the on-disk segment file
// interface, the durable metadata store, and the shared error taxonomy.
// This mirrors the teacher's own wal/types package, which factors the
// storage-backend contract out of the WAL's orchestration logic so it can
// be stubbed in tests and swapped for alternative backends.
package types

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("wal: record not found")
	ErrCorrupt  = errors.New("wal: corrupt record")
	ErrSealed   = errors.New("wal: segment sealed")
	ErrClosed   = errors.New("wal: closed")
)

// Offset is the monotonic 64-bit identifier of a batch within the log,
// encoding (segment-id, intra-segment-index) per spec.md §3.
type Offset uint64

// MakeOffset packs a segment ID and an intra-segment record index into an
// Offset. Segment IDs increase monotonically across the life of the log, so
// comparing Offsets as plain uint64s preserves ordering across segments.
func MakeOffset(segmentID uint32, index uint32) Offset {
	return Offset(uint64(segmentID)<<32 | uint64(index))
}

// Split recovers the segment ID and intra-segment index from an Offset.
func (o Offset) Split() (segmentID uint32, index uint32) {
	return uint32(o >> 32), uint32(o)
}

func (o Offset) String() string {
	seg, idx := o.Split()
	return fmt.Sprintf("%d.%d", seg, idx)
}

// RollCycle controls how often a new segment is opened.
type RollCycle uint8

const (
	Minutely RollCycle = iota
	Hourly
	Daily
)

// Bucket truncates t to the start of the roll-cycle window it falls in.
func (c RollCycle) Bucket(t time.Time) time.Time {
	switch c {
	case Hourly:
		return t.Truncate(time.Hour)
	case Daily:
		return t.Truncate(24 * time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

// SegmentInfo is the persisted metadata about one segment file.
type SegmentInfo struct {
	ID         uint64
	BaseOffset Offset // offset of the first record in this segment
	Bucket     time.Time
	CreateTime time.Time
	SealTime   time.Time // zero if this is the active (unsealed) segment
	Count      uint32    // number of records written so far
	IndexStart int64     // byte offset of the trailing index block; 0 until sealed
}

// Sealed reports whether this segment has been closed for writing.
func (si SegmentInfo) Sealed() bool { return !si.SealTime.IsZero() }

// PersistentState is everything the MetaStore durably remembers about the
// log's segment manifest, analogous to the teacher's types.PersistentState.
type PersistentState struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
}

// DataLossKind classifies a DataLoss event, per spec.md §6.
type DataLossKind uint8

const (
	CorruptionSkip DataLossKind = iota
	EmergencyJump
	ManualSkip
)

func (k DataLossKind) String() string {
	switch k {
	case CorruptionSkip:
		return "CorruptionSkip"
	case EmergencyJump:
		return "EmergencyJump"
	case ManualSkip:
		return "ManualSkip"
	default:
		return "Unknown"
	}
}

// DataLossEvent is an operator-visible record of WAL entries skipped due to
// corruption, persisted to the data_loss table per spec.md §6.
type DataLossEvent struct {
	OccurredAt           time.Time
	Kind                 DataLossKind
	StartOffset          Offset
	EndOffset            Offset
	EstimatedEntriesLost int32
	Note                 string
}

// SegmentWriter is the write side of a single segment file: the active
// (unsealed) tail segment, or a sealed segment being recovered once more to
// rebuild its in-memory frame index.
type SegmentWriter interface {
	io.Closer

	// Append writes one length-prefixed, CRC-protected record and returns
	// the byte offset it was written at.
	Append(record []byte) (byteOffset int64, err error)

	// Flush forces the record(s) written so far to stable storage.
	Flush() error

	// Count returns the number of records written so far.
	Count() uint32

	// OffsetForFrame returns the byte offset of the record at the given
	// intra-segment index, for a not-yet-sealed segment's in-memory index.
	OffsetForFrame(index uint32) (int64, error)

	// ReadFrame reads back the record at the given byte offset; used both
	// for live reads of the tail and to validate just-written records.
	ReadFrame(byteOffset int64) (record []byte, nextByteOffset int64, err error)

	// Seal stops accepting writes, appends the trailing index block and
	// returns its byte offset so the caller can persist it in SegmentInfo.
	Seal() (indexStart int64, err error)
}

// SegmentReader is the read side of a sealed segment file.
type SegmentReader interface {
	io.Closer

	// ReadFrame reads the record at the given byte offset.
	ReadFrame(byteOffset int64) (record []byte, nextByteOffset int64, err error)

	// OffsetForFrame resolves the byte offset of the record at the given
	// intra-segment index using the segment's trailing index block.
	OffsetForFrame(index uint32) (int64, error)
}

// SegmentFiler creates, recovers, opens and deletes segment files. It is the
// storage-backend seam the WAL depends on, analogous to the teacher's
// segmentFiler interface stubbed by testStorage in wal_stubs_test.go.
type SegmentFiler interface {
	// Create makes a brand new segment file for info and returns a writer
	// for it.
	Create(info SegmentInfo) (SegmentWriter, error)

	// RecoverTail reopens the unsealed tail segment found in the persisted
	// manifest, rebuilding its in-memory index by scanning from the start.
	// If the file is missing (crash between meta commit and file create) it
	// returns an error wrapping os.ErrNotExist.
	RecoverTail(info SegmentInfo) (SegmentWriter, error)

	// Open opens a sealed segment for reading.
	Open(info SegmentInfo) (SegmentReader, error)

	// List returns the set of segment IDs with files present on disk,
	// regardless of what the metadata manifest says, so the WAL can clean
	// up orphaned files left behind by a crash.
	List() (map[uint64]struct{}, error)

	// Delete removes a segment's file(s) from disk.
	Delete(info SegmentInfo) error
}

// MetaStore persists the segment manifest (PersistentState) only. The
// default implementation is bbolt-backed (internal/metadb). Consumer
// checkpoints and data-loss events are not stored here; they go through the
// SqlExecutor.
type MetaStore interface {
	io.Closer

	// Load returns the persisted segment manifest for dir, or a zero value
	// if the log has never been written to.
	Load(dir string) (PersistentState, error)

	// CommitState durably persists the segment manifest.
	CommitState(PersistentState) error
}
