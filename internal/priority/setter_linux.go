//go:build linux
// +build linux

package priority

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// System issues ioprio_set(2) for the given thread id. With
// IOPRIO_WHO_PROCESS the kernel treats the id as a task, so only that
// thread changes class.
type System struct{}

// NewSystem returns the kernel-backed setter
func NewSystem() Setter {
	return System{}
}

// SetThreadIOPriority implements Setter
func (System) SetThreadIOPriority(tid int, class Class) error {
	if tid <= 0 {
		return fmt.Errorf("set io priority: invalid thread id %d", tid)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET,
		uintptr(ioprioWhoProcess), uintptr(tid), uintptr(class.Value())); errno != 0 {
		return fmt.Errorf("set io priority %s for tid %d: %w", class, tid, errno)
	}
	return nil
}

// Get reads the current io priority of a thread
func (System) Get(tid int) (Class, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET, uintptr(ioprioWhoProcess), uintptr(tid), 0)
	if errno != 0 {
		return Class{}, fmt.Errorf("get io priority for tid %d: %w", tid, errno)
	}
	value := uint32(r)
	return Class{
		Kind:  Kind(value >> ioprioClassShift),
		Level: uint8(value & ioprioPrioMask),
	}, nil
}
