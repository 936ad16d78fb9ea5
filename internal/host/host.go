// Package host defines the boundary to the managed runtime: thread handles,
// the field accessor used to read fields of managed objects, and the sources
// that deliver thread-start notifications.
package host

import (
	"context"
	"errors"
)

var (
	// ErrNoSuchField is returned when a field is absent or has another type
	ErrNoSuchField = errors.New("no such field")

	// ErrForeignRef is returned when a reference was issued by another source
	ErrForeignRef = errors.New("reference does not belong to this accessor")
)

const (
	// ThreadClass is the managed thread class
	ThreadClass Class = "java/lang/Thread"

	// SignatureLong is the type signature of a 64-bit integer field
	SignatureLong = "J"
)

// Ref is an opaque reference to a managed object. Only the FieldAccessor
// delivered with it can interpret it.
type Ref interface{}

// Class names a managed class
type Class string

// FieldID identifies a field of a class
type FieldID struct {
	Class     Class
	Name      string
	Signature string
}

// Thread is the managed thread handle delivered on thread start
type Thread struct {
	ID   int64
	Name string
	Ref  Ref
}

// FieldAccessor reads fields of managed objects by name
type FieldAccessor interface {
	ObjectClass(ref Ref) (Class, error)
	FieldID(class Class, name, signature string) (FieldID, error)
	LongField(ref Ref, field FieldID) (int64, error)
}

// Handler receives thread-start notifications. Implementations must be safe
// for concurrent use; sources call it from many goroutines.
type Handler interface {
	ThreadStart(env FieldAccessor, t Thread)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(env FieldAccessor, t Thread)

// ThreadStart calls f
func (f HandlerFunc) ThreadStart(env FieldAccessor, t Thread) {
	f(env, t)
}

// Source delivers thread-start notifications to a handler until ctx is done
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}
