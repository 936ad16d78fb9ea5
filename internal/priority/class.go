// Package priority models Linux I/O scheduling classes and applies them to
// individual OS threads.
package priority

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// These constants come from linux/include/uapi/linux/ioprio.h
const (
	ioprioClassShift = 13
	ioprioPrioMask   = (1 << ioprioClassShift) - 1

	ioprioWhoProcess = 1
)

// MaxBestEffortLevel is the lowest best-effort priority (0 is the highest).
const MaxBestEffortLevel = 7

var (
	// ErrUnsupported is returned by setters on platforms without ioprio_set
	ErrUnsupported = errors.New("io priority is not supported on this platform")

	// ErrInvalidClass is returned when a priority specification cannot be parsed
	ErrInvalidClass = errors.New("invalid io priority class")
)

// Kind is the kernel I/O scheduling class
type Kind uint8

const (
	// KindBestEffort is IOPRIO_CLASS_BE
	KindBestEffort Kind = 2
	// KindIdle is IOPRIO_CLASS_IDLE
	KindIdle Kind = 3
)

// Class is an I/O scheduling class together with its level
type Class struct {
	Kind  Kind
	Level uint8
}

// Idle returns the idle class. The kernel ignores the level for idle.
func Idle() Class {
	return Class{Kind: KindIdle}
}

// BestEffort returns the best-effort class at the given level
func BestEffort(level int) (Class, error) {
	if level < 0 || level > MaxBestEffortLevel {
		return Class{}, fmt.Errorf("%w: best-effort level %d out of range 0-%d",
			ErrInvalidClass, level, MaxBestEffortLevel)
	}
	return Class{Kind: KindBestEffort, Level: uint8(level)}, nil
}

// Parse accepts "idle" or "best_effort(<0-7>)"
func Parse(s string) (Class, error) {
	s = strings.TrimSpace(s)
	if s == "idle" {
		return Idle(), nil
	}

	inner, ok := strings.CutPrefix(s, "best_effort(")
	if !ok {
		return Class{}, fmt.Errorf("%w: %q", ErrInvalidClass, s)
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return Class{}, fmt.Errorf("%w: %q is missing closing parenthesis", ErrInvalidClass, s)
	}

	level, err := strconv.Atoi(strings.TrimSpace(inner))
	if err != nil {
		return Class{}, fmt.Errorf("%w: level %q is not an integer", ErrInvalidClass, inner)
	}
	return BestEffort(level)
}

// Value is the IOPRIO_PRIO_VALUE encoding passed to ioprio_set
func (c Class) Value() uint32 {
	return uint32(c.Kind)<<ioprioClassShift | (uint32(c.Level) & ioprioPrioMask)
}

// IsZero reports whether the class was never set
func (c Class) IsZero() bool {
	return c.Kind == 0
}

// String renders the class in the same syntax Parse accepts
func (c Class) String() string {
	switch c.Kind {
	case KindIdle:
		return "idle"
	case KindBestEffort:
		return fmt.Sprintf("best_effort(%d)", c.Level)
	default:
		return fmt.Sprintf("unknown(%d)", c.Kind)
	}
}

// MarshalText lets classes appear as plain strings in YAML and JSON output
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the Parse syntax
func (c *Class) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
