// Package segment implements the on-disk segment file format from
// spec.md §4.1: a sequence of length-prefixed, CRC32-protected batch
// records, sealed with a trailing index block so a sealed segment supports
// O(1) seek-by-intra-segment-index without re-scanning from the start.
//
// On-disk layout per batch record:
//
//	[u32 length] [u32 crc32 of payload] [payload bytes]
//
// Once a segment is sealed an index block is appended:
//
//	[u32 count] [u32 byteOffset]*count
//
// and SegmentInfo.IndexStart records where it begins.
package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/batchcache/engine/internal/wal/types"
)

// frameHeaderLen is the size of the [length][crc32] prefix before a record's
// payload.
const frameHeaderLen = 8

// MaxRecordSize bounds how large a single record's declared length may be
// before it is treated as corrupt; it guards against an out-of-range length
// field (itself possibly the product of corruption) causing a huge
// allocation.
const MaxRecordSize = 64 * 1024 * 1024

// File is a segment file opened for either writing (the active tail) or
// reading (a sealed segment), implementing types.SegmentWriter and
// types.SegmentReader respectively.
type File struct {
	f    *os.File
	bw   *bufio.Writer
	size int64 // current end-of-data byte offset (excludes any index block)

	offsets []int64 // in-memory frame index for the unsealed tail
	sealed  bool
}

// Create opens a brand new segment file for writing.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, bw: bufio.NewWriterSize(f, 64*1024)}, nil
}

// OpenWriter reopens an existing (unsealed) segment file for writing,
// without attempting to rebuild its frame index; callers needing recovery
// should use Recover instead.
func OpenWriter(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, bw: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Recover reopens an unsealed segment file and replays it from the start to
// rebuild the in-memory frame index, stopping at the first corrupt or
// truncated record (that record and anything after it is discarded as an
// incomplete tail write, per the forward-only recovery policy in
// spec.md §4.1/§7). It returns the recovered file along with the number of
// records successfully recovered and whether a corrupt tail was discarded.
func Recover(path string) (rf *File, recovered int, truncatedTail bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, false, err
	}
	sf := &File{f: f, bw: bufio.NewWriterSize(f, 64*1024)}

	var off int64
	for {
		rec, next, rerr := readFrameAt(f, off)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Incomplete or corrupt trailing write: truncate the file at
			// this point and treat it as the new append position.
			truncatedTail = true
			if terr := f.Truncate(off); terr != nil {
				f.Close()
				return nil, 0, false, fmt.Errorf("truncate corrupt tail: %w", terr)
			}
			break
		}
		sf.offsets = append(sf.offsets, off)
		_ = rec
		off = next
		recovered++
	}
	sf.size = off
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, false, err
	}
	return sf, recovered, truncatedTail, nil
}

// OpenReader opens a sealed segment file for reading, loading its trailing
// index block.
func OpenReader(path string, indexStart int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	rf := &File{f: f, sealed: true}
	if indexStart > 0 {
		offsets, err := readIndexBlock(f, indexStart)
		if err != nil {
			f.Close()
			return nil, err
		}
		rf.offsets = offsets
	}
	return rf, nil
}

// Close implements io.Closer.
func (sf *File) Close() error {
	if sf.bw != nil {
		_ = sf.bw.Flush()
	}
	return sf.f.Close()
}

// Count implements types.SegmentWriter.
func (sf *File) Count() uint32 { return uint32(len(sf.offsets)) }

// Append implements types.SegmentWriter.
func (sf *File) Append(record []byte) (int64, error) {
	if sf.sealed {
		return 0, types.ErrSealed
	}
	off := sf.size

	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(record)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(record))

	if _, err := sf.bw.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := sf.bw.Write(record); err != nil {
		return 0, err
	}
	// append returns only after the OS page cache has the bytes, per
	// spec.md §4.1; fsync is a separate, explicit Flush().
	if err := sf.bw.Flush(); err != nil {
		return 0, err
	}

	sf.offsets = append(sf.offsets, off)
	sf.size = off + frameHeaderLen + int64(len(record))
	return off, nil
}

// Flush implements types.SegmentWriter.
func (sf *File) Flush() error {
	if sf.bw != nil {
		if err := sf.bw.Flush(); err != nil {
			return err
		}
	}
	return sf.f.Sync()
}

// OffsetForFrame implements types.SegmentWriter and types.SegmentReader.
func (sf *File) OffsetForFrame(index uint32) (int64, error) {
	if int(index) >= len(sf.offsets) {
		return 0, types.ErrNotFound
	}
	return sf.offsets[index], nil
}

// ReadFrame implements types.SegmentWriter and types.SegmentReader.
func (sf *File) ReadFrame(byteOffset int64) ([]byte, int64, error) {
	if sf.bw != nil {
		// Flush so a read of a just-written record (same process) sees it.
		if err := sf.bw.Flush(); err != nil {
			return nil, 0, err
		}
	}
	return readFrameAt(sf.f, byteOffset)
}

// Seal implements types.SegmentWriter: it stops accepting writes and
// appends the trailing index block, returning its byte offset.
func (sf *File) Seal() (int64, error) {
	if err := sf.Flush(); err != nil {
		return 0, err
	}
	indexStart := sf.size
	buf := make([]byte, 4+4*len(sf.offsets))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(sf.offsets)))
	for i, o := range sf.offsets {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], uint32(o))
	}
	if _, err := sf.f.WriteAt(buf, indexStart); err != nil {
		return 0, err
	}
	if err := sf.f.Sync(); err != nil {
		return 0, err
	}
	sf.sealed = true
	return indexStart, nil
}

func readIndexBlock(f *os.File, indexStart int64) ([]int64, error) {
	var cbuf [4]byte
	if _, err := f.ReadAt(cbuf[:], indexStart); err != nil {
		return nil, fmt.Errorf("%w: reading index block count: %v", types.ErrCorrupt, err)
	}
	count := binary.LittleEndian.Uint32(cbuf[:])
	buf := make([]byte, 4*int(count))
	if _, err := f.ReadAt(buf, indexStart+4); err != nil {
		return nil, fmt.Errorf("%w: reading index block entries: %v", types.ErrCorrupt, err)
	}
	offsets := make([]int64, count)
	for i := uint32(0); i < count; i++ {
		offsets[i] = int64(binary.LittleEndian.Uint32(buf[4*i : 4*i+4]))
	}
	return offsets, nil
}

// readFrameAt reads one length-prefixed, CRC-checked record starting at
// byteOffset. It returns io.EOF if byteOffset is exactly at the end of
// written data, and a types.ErrCorrupt-wrapping error for a bad length,
// short read or CRC mismatch, per the corruption definition in spec.md §4.1.
func readFrameAt(f *os.File, byteOffset int64) ([]byte, int64, error) {
	var hdr [frameHeaderLen]byte
	n, err := f.ReadAt(hdr[:], byteOffset)
	if n == 0 && err == io.EOF {
		return nil, byteOffset, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, byteOffset, err
	}
	if n < frameHeaderLen {
		return nil, byteOffset, fmt.Errorf("%w: short frame header (%d bytes)", types.ErrCorrupt, n)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxRecordSize {
		return nil, byteOffset, fmt.Errorf("%w: record length %d exceeds maximum", types.ErrCorrupt, length)
	}

	payload := make([]byte, length)
	pn, perr := f.ReadAt(payload, byteOffset+frameHeaderLen)
	if pn < int(length) {
		if perr == nil {
			perr = io.EOF
		}
		return nil, byteOffset, fmt.Errorf("%w: short payload read (%d of %d bytes): %v", types.ErrCorrupt, pn, length, perr)
	}

	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return nil, byteOffset, fmt.Errorf("%w: crc mismatch (want %08x got %08x)", types.ErrCorrupt, wantCRC, gotCRC)
	}

	return payload, byteOffset + frameHeaderLen + int64(length), nil
}
