//go:build !linux
// +build !linux

package priority

// System is a no-op on non-Linux platforms
type System struct{}

// NewSystem returns a setter that always reports ErrUnsupported
func NewSystem() Setter {
	return System{}
}

// SetThreadIOPriority implements Setter
func (System) SetThreadIOPriority(tid int, class Class) error {
	return ErrUnsupported
}

// Get always fails off Linux
func (System) Get(tid int) (Class, error) {
	return Class{}, ErrUnsupported
}
