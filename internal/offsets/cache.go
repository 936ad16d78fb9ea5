// Package offsets holds the process-wide state shared by discovery and
// enforcement: two write-once field offsets and the compiled rule list.
package offsets

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/threadprio/internal/rules"
)

// Unknown is the sentinel stored until an offset is discovered
const Unknown int64 = -1

// ErrRulesInstalled is returned by a second InstallRules call
var ErrRulesInstalled = errors.New("rules already installed")

// Field names one of the discovered offsets
type Field int

const (
	// OSThread is the offset of the OS thread pointer inside the VM's
	// per-thread container (JavaThread::_osthread)
	OSThread Field = iota
	// ThreadID is the offset of the OS thread id inside the OS thread
	// structure (OSThread::_thread_id)
	ThreadID
)

func (f Field) String() string {
	switch f {
	case OSThread:
		return "osthread"
	case ThreadID:
		return "thread_id"
	default:
		return "unknown"
	}
}

// Cache is safe for concurrent use. Offsets are atomic set-once cells; the
// rule list is written once under the write lock and read under the read
// lock afterwards.
type Cache struct {
	osthread atomic.Int64
	threadID atomic.Int64

	mu             sync.RWMutex
	rules          []rules.Rule
	rulesInstalled bool
}

// New returns a cache with both offsets unknown and no rules
func New() *Cache {
	c := &Cache{}
	c.osthread.Store(Unknown)
	c.threadID.Store(Unknown)
	return c
}

func (c *Cache) cell(f Field) *atomic.Int64 {
	if f == OSThread {
		return &c.osthread
	}
	return &c.threadID
}

// Publish stores value for f if f is still unknown. The first published
// value wins; later calls return false and leave it untouched. Negative
// values are rejected.
func (c *Cache) Publish(f Field, value int64) bool {
	if value < 0 {
		return false
	}
	return c.cell(f).CompareAndSwap(Unknown, value)
}

// Offset returns the offset for f and whether it is known
func (c *Cache) Offset(f Field) (int64, bool) {
	v := c.cell(f).Load()
	return v, v != Unknown
}

// Offsets returns both offsets; ok is false unless both are known
func (c *Cache) Offsets() (osthread, threadID int64, ok bool) {
	osthread = c.osthread.Load()
	threadID = c.threadID.Load()
	return osthread, threadID, osthread != Unknown && threadID != Unknown
}

// InstallRules appends the compiled rules. It succeeds once; the list is
// never modified afterwards.
func (c *Cache) InstallRules(rs []rules.Rule) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rulesInstalled {
		return ErrRulesInstalled
	}
	c.rules = append(c.rules, rs...)
	c.rulesInstalled = true
	return nil
}

// Select returns the last installed rule matching name
func (c *Cache) Select(name string) (rules.Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rules.Select(c.rules, name)
}

// Rules returns a copy of the installed rules
func (c *Cache) Rules() []rules.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]rules.Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// RuleCount returns the number of installed rules
func (c *Cache) RuleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}
