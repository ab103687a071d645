// Package codec implements the Batch Codec (spec.md §4.2): binary
// serialization of a Batch to the exact wire format the segmented log
// stores, with self-describing value tags so decoding needs no external
// schema.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/batchcache/engine/internal/wire"
)

// Magic identifies the batch wire format. "WAL1" as 0x57414C31.
const Magic uint32 = 0x57414C31

// Version is the current wire format version this codec writes.
const Version uint16 = 1

// CodecError is the structured error taxonomy from spec.md §7.
type CodecError struct {
	Kind string // Truncated | UnknownTag | BadMagic
	Err  error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Kind)
}

func (e *CodecError) Unwrap() error { return e.Err }

func truncated(err error) error { return &CodecError{Kind: "Truncated", Err: err} }
func unknownTag(err error) error { return &CodecError{Kind: "UnknownTag", Err: err} }
func badMagic(err error) error  { return &CodecError{Kind: "BadMagic", Err: err} }

// IsCodecError reports whether err is a CodecError of the given kind,
// unwrapping through any fmt.Errorf("...: %w", ...) wrapper (e.g. the
// Producer's own wrap of an Encode/Decode failure).
func IsCodecError(err error, kind string) bool {
	var ce *CodecError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}

// Encode serializes a batch to the wire format documented in spec.md §4.2.
func Encode(b wire.Batch) ([]byte, error) {
	size := 4 + 2 + 2 + len(b.TxnID) + 8 + 4
	for _, e := range b.Entries {
		size += 2 + len(e.Tenant) + 2 + len(e.Table) + 1 + 4
		for name, v := range e.Data {
			size += 2 + len(name) + 1 + valueLen(v)
		}
	}

	buf := make([]byte, 0, size)
	buf = appendU32(buf, Magic)
	buf = appendU16(buf, Version)
	buf = appendString(buf, b.TxnID)
	buf = appendI64(buf, b.WallTimeMS)
	buf = appendU32(buf, uint32(len(b.Entries)))

	for _, e := range b.Entries {
		buf = appendString(buf, e.Tenant)
		buf = appendString(buf, e.Table)
		buf = append(buf, byte(e.Op))
		buf = appendU32(buf, uint32(len(e.Data)))
		for name, v := range e.Data {
			buf = appendString(buf, name)
			var err error
			buf, err = appendValue(buf, v)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

// Decode parses a batch from the wire format, per spec.md §4.2. Decoding is
// strict: an unrecognized op or tag yields CodecError{Kind:"UnknownTag"} and
// a short buffer yields CodecError{Kind:"Truncated"}.
func Decode(data []byte) (wire.Batch, error) {
	var b wire.Batch
	r := reader{buf: data}

	magic, err := r.u32()
	if err != nil {
		return b, truncated(err)
	}
	if magic != Magic {
		return b, badMagic(fmt.Errorf("got 0x%08x", magic))
	}
	if _, err := r.u16(); err != nil { // version, currently ignored beyond presence
		return b, truncated(err)
	}
	txnID, err := r.string()
	if err != nil {
		return b, truncated(err)
	}
	wallTime, err := r.i64()
	if err != nil {
		return b, truncated(err)
	}
	n, err := r.u32()
	if err != nil {
		return b, truncated(err)
	}

	entries := make([]wire.Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		tenant, err := r.string()
		if err != nil {
			return b, truncated(err)
		}
		table, err := r.string()
		if err != nil {
			return b, truncated(err)
		}
		opByte, err := r.u8()
		if err != nil {
			return b, truncated(err)
		}
		op := wire.Op(opByte)
		switch op {
		case wire.OpInsert, wire.OpUpdate, wire.OpDelete, wire.OpUpsert:
		default:
			return b, unknownTag(fmt.Errorf("op byte %d", opByte))
		}

		fieldCount, err := r.u32()
		if err != nil {
			return b, truncated(err)
		}
		fields := make(wire.Fields, fieldCount)
		for j := uint32(0); j < fieldCount; j++ {
			name, err := r.string()
			if err != nil {
				return b, truncated(err)
			}
			v, err := readValue(&r)
			if err != nil {
				return b, err
			}
			fields[name] = v
		}

		entries = append(entries, wire.Entry{
			Tenant: tenant,
			Table:  table,
			Op:     op,
			Data:   fields,
		})
	}

	b.TxnID = txnID
	b.WallTimeMS = wallTime
	b.Entries = entries
	return b, nil
}

func valueLen(v wire.Value) int {
	switch v.Tag {
	case wire.TagNull:
		return 0
	case wire.TagString:
		return 2 + len(v.Str)
	case wire.TagInt64:
		return 8
	case wire.TagInt32:
		return 4
	case wire.TagFloat64:
		return 8
	case wire.TagBool:
		return 1
	default:
		return 0
	}
}

func appendValue(buf []byte, v wire.Value) ([]byte, error) {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case wire.TagNull:
		// carries 0 bytes
	case wire.TagString:
		buf = appendString(buf, v.Str)
	case wire.TagInt64:
		buf = appendI64(buf, v.I64)
	case wire.TagInt32:
		buf = appendI32(buf, v.I32)
	case wire.TagFloat64:
		buf = appendF64(buf, v.F64)
	case wire.TagBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	default:
		return nil, unknownTag(fmt.Errorf("tag %d", v.Tag))
	}
	return buf, nil
}

func readValue(r *reader) (wire.Value, error) {
	tagByte, err := r.u8()
	if err != nil {
		return wire.Value{}, truncated(err)
	}
	tag := wire.Tag(tagByte)
	switch tag {
	case wire.TagNull:
		return wire.Null(), nil
	case wire.TagString:
		s, err := r.string()
		if err != nil {
			return wire.Value{}, truncated(err)
		}
		return wire.StringValue(s), nil
	case wire.TagInt64:
		i, err := r.i64()
		if err != nil {
			return wire.Value{}, truncated(err)
		}
		return wire.Int64Value(i), nil
	case wire.TagInt32:
		i, err := r.i32()
		if err != nil {
			return wire.Value{}, truncated(err)
		}
		return wire.Int32Value(i), nil
	case wire.TagFloat64:
		f, err := r.f64()
		if err != nil {
			return wire.Value{}, truncated(err)
		}
		return wire.Float64Value(f), nil
	case wire.TagBool:
		bb, err := r.u8()
		if err != nil {
			return wire.Value{}, truncated(err)
		}
		return wire.BoolValue(bb != 0), nil
	default:
		return wire.Value{}, unknownTag(fmt.Errorf("tag %d", tagByte))
	}
}

// reader is a small cursor over a decode buffer used only within this file.
type reader struct {
	buf []byte
	pos int
}

var errShort = fmt.Errorf("buffer too short")

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errShort
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) i32() (int32, error) {
	u, err := r.u32()
	return int32(u), err
}

func (r *reader) i64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *reader) f64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(b)
	return math.Float64frombits(bits), nil
}

func (r *reader) string() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendI32(buf []byte, v int32) []byte { return appendU32(buf, uint32(v)) }

func appendI64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendF64(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}
