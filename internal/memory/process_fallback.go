//go:build !linux
// +build !linux

package memory

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without process_vm_readv
var ErrUnsupported = errors.New("foreign memory reads require Linux")

// ProcessReader is unavailable off Linux
type ProcessReader struct {
	pid int
}

// NewProcessReader always fails off Linux
func NewProcessReader(pid int) (*ProcessReader, error) {
	return nil, fmt.Errorf("pid %d: %w", pid, ErrUnsupported)
}

// PID returns the target process id
func (r *ProcessReader) PID() int {
	return r.pid
}

// ReadMemory implements Reader
func (r *ProcessReader) ReadMemory(addr uint64, p []byte) error {
	return ErrUnsupported
}
