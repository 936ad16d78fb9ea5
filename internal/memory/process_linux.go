//go:build linux
// +build linux

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessReader reads another process's memory with process_vm_readv(2).
// The caller needs ptrace access to the target (same uid and a permissive
// yama ptrace_scope, or CAP_SYS_PTRACE).
type ProcessReader struct {
	pid int
}

// NewProcessReader returns a reader for pid
func NewProcessReader(pid int) (*ProcessReader, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	return &ProcessReader{pid: pid}, nil
}

// PID returns the target process id
func (r *ProcessReader) PID() int {
	return r.pid
}

// ReadMemory implements Reader
func (r *ProcessReader) ReadMemory(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}

	n, err := unix.ProcessVMReadv(r.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_readv pid %d: %w", r.pid, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortRead, n, len(p))
	}
	return nil
}
