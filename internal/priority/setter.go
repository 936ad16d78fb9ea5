package priority

import (
	"go.uber.org/zap"
)

// Setter applies an I/O scheduling class to a single OS thread
type Setter interface {
	SetThreadIOPriority(tid int, class Class) error
}

// SetterFunc adapts a function to Setter
type SetterFunc func(tid int, class Class) error

// SetThreadIOPriority calls f
func (f SetterFunc) SetThreadIOPriority(tid int, class Class) error {
	return f(tid, class)
}

// DryRun logs what would be applied without issuing the syscall
type DryRun struct {
	Logger *zap.Logger
}

// SetThreadIOPriority implements Setter
func (d DryRun) SetThreadIOPriority(tid int, class Class) error {
	if d.Logger != nil {
		d.Logger.Info("Dry run: would set io priority",
			zap.Int("tid", tid),
			zap.Stringer("class", class),
			zap.Uint32("value", class.Value()))
	}
	return nil
}
