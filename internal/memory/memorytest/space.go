// Package memorytest provides an in-memory address space for tests that
// need to fake a foreign process.
package memorytest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Space is a sparse address space made of allocated regions. It implements
// memory.Reader.
type Space struct {
	mu      sync.RWMutex
	regions []*region
	next    uint64
	reads   atomic.Int64
}

type region struct {
	base uint64
	data []byte
}

// New returns an empty space whose first allocation starts at base
func New(base uint64) *Space {
	if base == 0 {
		base = 0x7f0000001000
	}
	return &Space{next: base}
}

// Alloc reserves size zeroed bytes and returns their address. Regions are
// separated by an unmapped gap so overruns fail.
func (s *Space) Alloc(size int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.next
	s.regions = append(s.regions, &region{base: addr, data: make([]byte, size)})
	s.next = (addr + uint64(size) + 0x1000) &^ 0xfff
	return addr
}

// PutUint64 writes v at addr
func (s *Space) PutUint64(addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.Write(addr, b[:])
}

// PutInt32 writes v at addr
func (s *Space) PutInt32(addr uint64, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	s.Write(addr, b[:])
}

// CString allocates a NUL-terminated copy of str and returns its address.
// The region is padded to 64 bytes like a real mapping would be readable.
func (s *Space) CString(str string) uint64 {
	addr := s.Alloc((len(str) + 64) &^ 63)
	s.Write(addr, append([]byte(str), 0))
	return addr
}

// Write copies p to addr. It panics when the range is not allocated.
func (s *Space) Write(addr uint64, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, len(p))
	if r == nil {
		panic(fmt.Sprintf("memorytest: write of %d bytes at 0x%x outside allocated regions", len(p), addr))
	}
	copy(r.data[addr-r.base:], p)
}

// ReadMemory implements memory.Reader
func (s *Space) ReadMemory(addr uint64, p []byte) error {
	s.reads.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.find(addr, len(p))
	if r == nil {
		return fmt.Errorf("memorytest: 0x%x+%d is not mapped", addr, len(p))
	}
	copy(p, r.data[addr-r.base:])
	return nil
}

// Reads returns how many ReadMemory calls were made
func (s *Space) Reads() int64 {
	return s.reads.Load()
}

func (s *Space) find(addr uint64, n int) *region {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].base+uint64(len(s.regions[i].data)) > addr
	})
	if i == len(s.regions) {
		return nil
	}
	r := s.regions[i]
	if addr < r.base || addr+uint64(n) > r.base+uint64(len(r.data)) {
		return nil
	}
	return r
}
