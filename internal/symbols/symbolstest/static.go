// Package symbolstest provides in-memory symbol tables for tests
package symbolstest

import (
	"fmt"

	"github.com/yairfalse/threadprio/internal/symbols"
)

// Library is a fixed symbol table
type Library struct {
	Name    string
	Symbols map[string]uint64
}

// Path implements symbols.Library
func (l *Library) Path() string {
	return "/fake/" + l.Name
}

// Lookup implements symbols.Library
func (l *Library) Lookup(symbol string) (uint64, error) {
	addr, ok := l.Symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", symbols.ErrSymbolNotFound, symbol)
	}
	return addr, nil
}

// Loader serves libraries from a map keyed by name
type Loader map[string]*Library

// Open implements symbols.Loader
func (l Loader) Open(name string) (symbols.Library, error) {
	lib, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", symbols.ErrLibraryNotFound, name)
	}
	return lib, nil
}
