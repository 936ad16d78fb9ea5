// Package memory is the only place where foreign process memory is read.
// Everything above it works with plain addresses and integers.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PointerSize is the width of a pointer in the target process. Only
	// 64-bit targets are supported.
	PointerSize = 8

	pageSize = 4096

	// DefaultMaxString bounds NUL-terminated string reads
	DefaultMaxString = 256
)

var (
	// ErrNullPointer is returned instead of dereferencing address zero
	ErrNullPointer = errors.New("null pointer dereference")

	// ErrShortRead is returned when fewer bytes than requested were read
	ErrShortRead = errors.New("short read from foreign memory")

	// ErrBadOffset is returned for negative field offsets
	ErrBadOffset = errors.New("negative field offset")

	// ErrUnterminated is returned when no NUL byte is found within the limit
	ErrUnterminated = errors.New("string not terminated within limit")
)

// Width is the size in bytes of a field read
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// Reader copies len(p) bytes of foreign memory starting at addr into p
type Reader interface {
	ReadMemory(addr uint64, p []byte) error
}

// ReaderFunc adapts a function to Reader
type ReaderFunc func(addr uint64, p []byte) error

// ReadMemory calls f
func (f ReaderFunc) ReadMemory(addr uint64, p []byte) error {
	return f(addr, p)
}

// Accessor reads typed fields through a Reader. Targets are little-endian.
type Accessor struct {
	r     Reader
	order binary.ByteOrder
}

// NewAccessor wraps r
func NewAccessor(r Reader) *Accessor {
	return &Accessor{r: r, order: binary.LittleEndian}
}

// Field reads an unsigned value of the given width at base+offset
func (a *Accessor) Field(base uint64, offset int64, width Width) (uint64, error) {
	if base == 0 {
		return 0, ErrNullPointer
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}

	addr := base + uint64(offset)
	var buf [8]byte
	switch width {
	case Width8, Width16, Width32, Width64:
	default:
		return 0, fmt.Errorf("unsupported field width %d", width)
	}
	p := buf[:width]
	if err := a.r.ReadMemory(addr, p); err != nil {
		return 0, fmt.Errorf("read %d bytes at 0x%x: %w", width, addr, err)
	}

	switch width {
	case Width8:
		return uint64(p[0]), nil
	case Width16:
		return uint64(a.order.Uint16(p)), nil
	case Width32:
		return uint64(a.order.Uint32(p)), nil
	default:
		return a.order.Uint64(p), nil
	}
}

// Pointer reads a pointer-sized value at base+offset
func (a *Accessor) Pointer(base uint64, offset int64) (uint64, error) {
	return a.Field(base, offset, PointerSize)
}

// Uint64 reads a 64-bit variable at addr
func (a *Accessor) Uint64(addr uint64) (uint64, error) {
	return a.Field(addr, 0, Width64)
}

// Int32 reads a signed 32-bit value at base+offset
func (a *Accessor) Int32(base uint64, offset int64) (int32, error) {
	v, err := a.Field(base, offset, Width32)
	if err != nil {
		return 0, err
	}
	return int32(uint32(v)), nil
}

// CString reads a NUL-terminated string of at most max bytes at addr.
// Reads never cross a page boundary in one call so a string ending just
// before an unmapped page is still readable.
func (a *Accessor) CString(addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", ErrNullPointer
	}
	if max <= 0 {
		max = DefaultMaxString
	}

	var out []byte
	for len(out) < max {
		cur := addr + uint64(len(out))
		chunk := pageSize - int(cur%pageSize)
		if chunk > 64 {
			chunk = 64
		}
		if remaining := max - len(out); chunk > remaining {
			chunk = remaining
		}

		buf := make([]byte, chunk)
		if err := a.r.ReadMemory(cur, buf); err != nil {
			return "", fmt.Errorf("read string at 0x%x: %w", cur, err)
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
	}
	return "", fmt.Errorf("%w: %d bytes at 0x%x", ErrUnterminated, max, addr)
}
