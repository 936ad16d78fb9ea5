// Package resolver turns a managed thread handle into the OS thread id by
// chasing pointers through the VM's private thread structures.
package resolver

import (
	"errors"
	"fmt"

	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/offsets"
)

// DefaultContainerField is the long field of java.lang.Thread holding the
// address of the VM's JavaThread
const DefaultContainerField = "eetop"

var (
	// ErrOffsetsUnavailable means discovery has not published both offsets.
	// Callers skip enforcement silently.
	ErrOffsetsUnavailable = errors.New("field offsets not discovered")

	// ErrInvalidThreadID is returned when the chase ends at a non-positive id
	ErrInvalidThreadID = errors.New("invalid os thread id")

	// ErrNoContainer is returned when the thread has no VM-side container yet
	// or any more
	ErrNoContainer = errors.New("thread has no native container")
)

// Resolver computes OS thread ids. It is safe for concurrent use.
type Resolver struct {
	cache          *offsets.Cache
	mem            *memory.Accessor
	containerField string
}

// New returns a resolver reading foreign memory through mem
func New(cache *offsets.Cache, mem *memory.Accessor, containerField string) *Resolver {
	if containerField == "" {
		containerField = DefaultContainerField
	}
	return &Resolver{cache: cache, mem: mem, containerField: containerField}
}

// Resolve returns the OS thread id of t:
//
//	container = t.eetop
//	osthread  = *(container + osthread offset)
//	tid       = *(int32 *)(osthread + thread id offset)
func (r *Resolver) Resolve(env host.FieldAccessor, t host.Thread) (int32, error) {
	osthreadOffset, threadIDOffset, ok := r.cache.Offsets()
	if !ok {
		return 0, ErrOffsetsUnavailable
	}

	container, err := r.container(env, t)
	if err != nil {
		return 0, err
	}

	osthread, err := r.mem.Pointer(container, osthreadOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to read osthread of thread %d: %w", t.ID, err)
	}
	if osthread == 0 {
		return 0, fmt.Errorf("thread %d: %w", t.ID, memory.ErrNullPointer)
	}

	tid, err := r.mem.Int32(osthread, threadIDOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to read os thread id of thread %d: %w", t.ID, err)
	}
	if tid <= 0 {
		return 0, fmt.Errorf("%w: %d for thread %d", ErrInvalidThreadID, tid, t.ID)
	}
	return tid, nil
}

func (r *Resolver) container(env host.FieldAccessor, t host.Thread) (uint64, error) {
	class, err := env.ObjectClass(t.Ref)
	if err != nil {
		return 0, fmt.Errorf("failed to get class of thread %d: %w", t.ID, err)
	}
	field, err := env.FieldID(class, r.containerField, host.SignatureLong)
	if err != nil {
		return 0, fmt.Errorf("failed to get field %s of %s: %w", r.containerField, class, err)
	}
	value, err := env.LongField(t.Ref, field)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s of thread %d: %w", r.containerField, t.ID, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("thread %d: %w", t.ID, ErrNoContainer)
	}
	return uint64(value), nil
}
