// Package layouttest builds a fake VM inside a memorytest.Space: an exported
// layout table describing JavaThread and OSThread, and threads laid out
// according to it.
package layouttest

import (
	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/layout"
	"github.com/yairfalse/threadprio/internal/memory/memorytest"
	"github.com/yairfalse/threadprio/internal/symbols/symbolstest"
)

// Record geometry of a 64-bit VMStructEntry
const (
	Stride       = 48
	TypeColumn   = 0
	FieldColumn  = 8
	OffsetColumn = 32
)

// Default offsets published by the fake table
const (
	OSThreadOffset = 0x248
	ThreadIDOffset = 0x48
)

// Entry is one record of the fake table
type Entry struct {
	TypeName  string
	FieldName string
	Offset    int32
}

// HotSpotEntries is a small table containing both targets
func HotSpotEntries() []Entry {
	return []Entry{
		{"Thread", "_tlab", 0x60},
		{"JavaThread", "_threadObj", 0x210},
		{"JavaThread", "_osthread", OSThreadOffset},
		{"OSThread", "_state", 0x10},
		{"OSThread", "_thread_id", ThreadIDOffset},
	}
}

// VM is a fake target process
type VM struct {
	Space  *memorytest.Space
	Loader symbolstest.Loader
	Table  uint64

	osthreadOffset uint64
	threadIDOffset uint64
}

// New lays out entries as a null-terminated table in a fresh space and
// exports it from a fake libjvm.so
func New(entries []Entry) *VM {
	space := memorytest.New(0)
	vm := &VM{Space: space, osthreadOffset: OSThreadOffset, threadIDOffset: ThreadIDOffset}

	table := space.Alloc(Stride * (len(entries) + 1))
	for i, e := range entries {
		rec := table + uint64(i*Stride)
		space.PutUint64(rec+TypeColumn, space.CString(e.TypeName))
		space.PutUint64(rec+FieldColumn, space.CString(e.FieldName))
		space.PutInt32(rec+OffsetColumn, e.Offset)

		switch {
		case e.TypeName == "JavaThread" && e.FieldName == "_osthread":
			vm.osthreadOffset = uint64(e.Offset)
		case e.TypeName == "OSThread" && e.FieldName == "_thread_id":
			vm.threadIDOffset = uint64(e.Offset)
		}
	}

	vars := space.Alloc(5 * 8)
	space.PutUint64(vars, table)
	space.PutUint64(vars+8, Stride)
	space.PutUint64(vars+16, TypeColumn)
	space.PutUint64(vars+24, FieldColumn)
	space.PutUint64(vars+32, OffsetColumn)

	names := layout.HotSpotSymbols()
	vm.Loader = symbolstest.Loader{
		"libjvm.so": &symbolstest.Library{
			Name: "libjvm.so",
			Symbols: map[string]uint64{
				names.Entries:         vars,
				names.Stride:          vars + 8,
				names.TypeNameOffset:  vars + 16,
				names.FieldNameOffset: vars + 24,
				names.OffsetOffset:    vars + 32,
			},
		},
	}
	vm.Table = table
	return vm
}

// Thread allocates a JavaThread whose OSThread carries tid and returns the
// notification a shim would send for it
func (vm *VM) Thread(id int64, name string, tid int32) *host.Notification {
	osthread := vm.Space.Alloc(0x100)
	vm.Space.PutInt32(osthread+vm.threadIDOffset, tid)

	jt := vm.Space.Alloc(0x400)
	vm.Space.PutUint64(jt+vm.osthreadOffset, osthread)

	return &host.Notification{
		ID:     id,
		Name:   name,
		Fields: map[string]int64{"eetop": int64(jt)},
	}
}
