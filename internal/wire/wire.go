// Package wire defines the data model shared by the batch codec, the
// write-ahead log, and everything downstream of it: the tagged-scalar
// field map, the Entry (one record mutation) and the Batch (the unit of
// atomicity accepted by the Commit Coordinator).
package wire

import (
	"errors"
	"fmt"
)

// Op identifies the kind of mutation an Entry carries.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
	OpUpsert
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpUpsert:
		return "UPSERT"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Tag identifies the wire type of a scalar field value.
type Tag uint8

const (
	TagNull Tag = iota
	TagString
	TagInt64
	TagInt32
	TagFloat64
	TagBool
)

// Value is a tagged scalar, the same universe the codec serializes and the
// Store keeps as a record's field values.
type Value struct {
	Tag  Tag
	Str  string
	I64  int64
	I32  int32
	F64  float64
	Bool bool
}

// Null returns the null value.
func Null() Value { return Value{Tag: TagNull} }

// StringValue wraps a string as a tagged Value.
func StringValue(s string) Value { return Value{Tag: TagString, Str: s} }

// Int64Value wraps an int64 as a tagged Value.
func Int64Value(i int64) Value { return Value{Tag: TagInt64, I64: i} }

// Int32Value wraps an int32 as a tagged Value.
func Int32Value(i int32) Value { return Value{Tag: TagInt32, I32: i} }

// Float64Value wraps a float64 as a tagged Value.
func Float64Value(f float64) Value { return Value{Tag: TagFloat64, F64: f} }

// BoolValue wraps a bool as a tagged Value.
func BoolValue(b bool) Value { return Value{Tag: TagBool, Bool: b} }

// IsNull reports whether v carries the null tag.
func (v Value) IsNull() bool { return v.Tag == TagNull }

// String renders v for logging/debugging; it is not a wire encoding.
func (v Value) String() string {
	switch v.Tag {
	case TagNull:
		return "<null>"
	case TagString:
		return v.Str
	case TagInt64:
		return fmt.Sprintf("%d", v.I64)
	case TagInt32:
		return fmt.Sprintf("%d", v.I32)
	case TagFloat64:
		return fmt.Sprintf("%g", v.F64)
	case TagBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return "<unknown>"
	}
}

// Fields is the tagged-scalar field map carried by an Entry. It replaces the
// reflection-driven "universal record" of the source with plain string
// keys, per the redesign in spec.md §9.
type Fields map[string]Value

// Clone returns a shallow copy of the field map; Values are themselves
// immutable scalars so a shallow copy is a full copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Entry is a single record-level mutation against one (tenant, table).
type Entry struct {
	Tenant string
	Table  string
	Op     Op
	Data   Fields
}

// PrimaryKey looks up the field named by keyField (an entity-type
// descriptor resolves the actual name; the core never assumes "id").
func (e Entry) PrimaryKey(keyField string) (Value, bool) {
	v, ok := e.Data[keyField]
	return v, ok
}

// Batch is an ordered sequence of Entries committed atomically under one
// TxnID. It is the unit of atomicity enforced by the Commit Coordinator.
type Batch struct {
	TxnID      string
	WallTimeMS int64
	Entries    []Entry
}

// ValidationError reports a structurally invalid batch, per spec.md §7.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// ErrEmptyBatch's message is the Reason of the ValidationError returned for a
// batch with no entries, per the boundary behavior in spec.md §8. The
// ValidationError does not wrap it, so errors.Is does not match it.
var ErrEmptyBatch = errors.New("batch has no entries")

// Validate enforces the structural invariants from spec.md §3: at least one
// entry, and every entry names a table, an op and a tenant.
func (b Batch) Validate() error {
	if len(b.Entries) == 0 {
		return &ValidationError{Reason: ErrEmptyBatch.Error()}
	}
	for i, e := range b.Entries {
		if e.Table == "" {
			return &ValidationError{Reason: fmt.Sprintf("entry %d: missing table", i)}
		}
		if e.Tenant == "" {
			return &ValidationError{Reason: fmt.Sprintf("entry %d: missing tenant", i)}
		}
		switch e.Op {
		case OpInsert, OpUpdate, OpDelete, OpUpsert:
		default:
			return &ValidationError{Reason: fmt.Sprintf("entry %d: unrecognized op %v", i, e.Op)}
		}
	}
	return nil
}
