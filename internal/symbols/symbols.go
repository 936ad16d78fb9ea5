// Package symbols resolves exported symbols of shared libraries mapped into
// a running process.
package symbols

import (
	"errors"
)

var (
	// ErrLibraryNotFound is returned when the library is not mapped in the target
	ErrLibraryNotFound = errors.New("library not found")

	// ErrSymbolNotFound is returned when a library does not export a symbol
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Library is an opened shared library
type Library interface {
	// Path is where the library was loaded from
	Path() string
	// Lookup returns the runtime address of an exported symbol
	Lookup(symbol string) (uint64, error)
}

// Loader opens libraries by name
type Loader interface {
	Open(name string) (Library, error)
}
