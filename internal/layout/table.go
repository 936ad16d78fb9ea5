// Package layout walks the VM's exported struct layout table to discover
// field offsets of private VM structures at attach time.
//
// The table is an array of fixed-stride records. Its base address, the stride
// and the position of the three interesting columns inside a record are
// published by the VM as exported variables, so nothing here depends on a
// particular VM build.
package layout

import (
	"errors"
	"fmt"

	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/symbols"
)

// ErrTableShape is returned when the table does not look like a stride-based
// array of records
var ErrTableShape = errors.New("unexpected layout table shape")

// SymbolNames are the exported variables describing the table
type SymbolNames struct {
	Entries         string `json:"entries" yaml:"entries" mapstructure:"entries"`
	Stride          string `json:"stride" yaml:"stride" mapstructure:"stride"`
	TypeNameOffset  string `json:"type_name_offset" yaml:"type_name_offset" mapstructure:"type_name_offset"`
	FieldNameOffset string `json:"field_name_offset" yaml:"field_name_offset" mapstructure:"field_name_offset"`
	OffsetOffset    string `json:"offset_offset" yaml:"offset_offset" mapstructure:"offset_offset"`
}

// HotSpotSymbols returns the names exported by libjvm
func HotSpotSymbols() SymbolNames {
	return SymbolNames{
		Entries:         "gHotSpotVMStructs",
		Stride:          "gHotSpotVMStructEntryArrayStride",
		TypeNameOffset:  "gHotSpotVMStructEntryTypeNameOffset",
		FieldNameOffset: "gHotSpotVMStructEntryFieldNameOffset",
		OffsetOffset:    "gHotSpotVMStructEntryOffsetOffset",
	}
}

// Table locates the record array in foreign memory
type Table struct {
	Base            uint64
	Stride          uint64
	TypeNameOffset  uint64
	FieldNameOffset uint64
	OffsetOffset    uint64
}

// ResolveTable reads the five table variables through lib and mem
func ResolveTable(lib symbols.Library, mem *memory.Accessor, names SymbolNames) (Table, error) {
	vars := []struct {
		name string
		dst  *uint64
	}{
		{names.Entries, new(uint64)},
		{names.Stride, new(uint64)},
		{names.TypeNameOffset, new(uint64)},
		{names.FieldNameOffset, new(uint64)},
		{names.OffsetOffset, new(uint64)},
	}

	for _, v := range vars {
		addr, err := lib.Lookup(v.name)
		if err != nil {
			return Table{}, fmt.Errorf("failed to resolve %s: %w", v.name, err)
		}
		value, err := mem.Uint64(addr)
		if err != nil {
			return Table{}, fmt.Errorf("failed to read %s at 0x%x: %w", v.name, addr, err)
		}
		*v.dst = value
	}

	t := Table{
		Base:            *vars[0].dst,
		Stride:          *vars[1].dst,
		TypeNameOffset:  *vars[2].dst,
		FieldNameOffset: *vars[3].dst,
		OffsetOffset:    *vars[4].dst,
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks that every column fits inside one record
func (t Table) Validate() error {
	if t.Base == 0 {
		return fmt.Errorf("%w: null table address", ErrTableShape)
	}
	if t.Stride == 0 {
		return fmt.Errorf("%w: zero stride", ErrTableShape)
	}

	columns := []struct {
		name   string
		offset uint64
		width  uint64
	}{
		{"type name", t.TypeNameOffset, memory.PointerSize},
		{"field name", t.FieldNameOffset, memory.PointerSize},
		{"offset", t.OffsetOffset, 4},
	}
	for _, c := range columns {
		if c.offset+c.width > t.Stride {
			return fmt.Errorf("%w: %s column at %d does not fit stride %d",
				ErrTableShape, c.name, c.offset, t.Stride)
		}
	}
	return nil
}
