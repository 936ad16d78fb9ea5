package layout

import (
	"fmt"

	"github.com/yairfalse/threadprio/internal/memory"
)

// RawRecord is a record before its strings are read
type RawRecord struct {
	Addr         uint64
	TypeNamePtr  uint64
	FieldNamePtr uint64
}

// Record is one table entry
type Record struct {
	RawRecord
	TypeName  string
	FieldName string
}

// StopFunc decides whether the walk ends at r. The record it stops at is
// not yielded.
type StopFunc func(r RawRecord) bool

// NullTerminated ends the walk at the first record whose type name or field
// name pointer is null. This is the table's end marker, not an error.
func NullTerminated(r RawRecord) bool {
	return r.TypeNamePtr == 0 || r.FieldNamePtr == 0
}

// Cursor is a lazy, finite, non-restartable walk over the table. It reads
// one record per Next call and advances by the stride whether or not the
// caller uses the record.
type Cursor struct {
	table Table
	mem   *memory.Accessor
	stop  StopFunc
	limit int

	addr  uint64
	count int
	cur   Record
	err   error
	done  bool
}

// Cursor starts a walk at the table base. A limit of zero walks until stop
// fires; otherwise a record past limit that is not the end marker is
// ErrTableShape.
func (t Table) Cursor(mem *memory.Accessor, stop StopFunc, limit int) *Cursor {
	if stop == nil {
		stop = NullTerminated
	}
	return &Cursor{table: t, mem: mem, stop: stop, limit: limit, addr: t.Base}
}

// Next reads the next record. It returns false at the end of the table or
// on error; check Err to tell them apart.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}

	typePtr, err := c.mem.Pointer(c.addr, int64(c.table.TypeNameOffset))
	if err != nil {
		return c.fail(fmt.Errorf("record %d: type name pointer: %w", c.count, err))
	}
	fieldPtr, err := c.mem.Pointer(c.addr, int64(c.table.FieldNameOffset))
	if err != nil {
		return c.fail(fmt.Errorf("record %d: field name pointer: %w", c.count, err))
	}

	raw := RawRecord{Addr: c.addr, TypeNamePtr: typePtr, FieldNamePtr: fieldPtr}
	if c.stop(raw) {
		c.done = true
		return false
	}
	if c.limit > 0 && c.count >= c.limit {
		return c.fail(fmt.Errorf("%w: no end marker within %d records", ErrTableShape, c.limit))
	}

	rec := Record{RawRecord: raw}
	if typePtr != 0 {
		if rec.TypeName, err = c.mem.CString(typePtr, memory.DefaultMaxString); err != nil {
			return c.fail(fmt.Errorf("record %d: type name: %w", c.count, err))
		}
	}
	if fieldPtr != 0 {
		if rec.FieldName, err = c.mem.CString(fieldPtr, memory.DefaultMaxString); err != nil {
			return c.fail(fmt.Errorf("record %d: field name: %w", c.count, err))
		}
	}

	c.cur = rec
	c.count++
	c.addr += c.table.Stride
	return true
}

// Record returns the record read by the last successful Next
func (c *Cursor) Record() Record {
	return c.cur
}

// Offset reads the signed 32-bit offset column of the current record
func (c *Cursor) Offset() (int32, error) {
	return c.mem.Int32(c.cur.Addr, int64(c.table.OffsetOffset))
}

// Count returns how many records have been yielded
func (c *Cursor) Count() int {
	return c.count
}

// Err returns the error that ended the walk, if any
func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}
