package offsets

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/threadprio/internal/rules"
)

func TestNewCacheIsUnknown(t *testing.T) {
	c := New()

	_, ok := c.Offset(OSThread)
	assert.False(t, ok)
	_, ok = c.Offset(ThreadID)
	assert.False(t, ok)

	osthread, threadID, ok := c.Offsets()
	assert.False(t, ok)
	assert.Equal(t, Unknown, osthread)
	assert.Equal(t, Unknown, threadID)
}

func TestPublishFirstWins(t *testing.T) {
	c := New()

	assert.True(t, c.Publish(OSThread, 0x248))
	assert.False(t, c.Publish(OSThread, 0x300))

	v, ok := c.Offset(OSThread)
	require.True(t, ok)
	assert.Equal(t, int64(0x248), v)

	_, _, ok = c.Offsets()
	assert.False(t, ok, "thread id still unknown")

	assert.True(t, c.Publish(ThreadID, 0x48))
	osthread, threadID, ok := c.Offsets()
	assert.True(t, ok)
	assert.Equal(t, int64(0x248), osthread)
	assert.Equal(t, int64(0x48), threadID)
}

func TestPublishRejectsNegative(t *testing.T) {
	c := New()
	assert.False(t, c.Publish(ThreadID, -8))
	_, ok := c.Offset(ThreadID)
	assert.False(t, ok)

	assert.True(t, c.Publish(ThreadID, 0), "zero is a valid offset")
}

func TestPublishConcurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	wins := make(chan int64, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			if c.Publish(OSThread, v) {
				wins <- v
			}
		}(int64(i + 1))
	}
	wg.Wait()
	close(wins)

	var winners []int64
	for v := range wins {
		winners = append(winners, v)
	}
	require.Len(t, winners, 1)

	v, _ := c.Offset(OSThread)
	assert.Equal(t, winners[0], v)
}

func TestInstallRulesOnce(t *testing.T) {
	c := New()
	compiled, dropped := rules.Compile("thread_name=A;prio=idle;thread_name=A;prio=best_effort(2)")
	require.Empty(t, dropped)

	require.NoError(t, c.InstallRules(compiled))
	assert.ErrorIs(t, c.InstallRules(compiled), ErrRulesInstalled)
	assert.Equal(t, 2, c.RuleCount())

	r, ok := c.Select("A")
	require.True(t, ok)
	assert.Equal(t, "best_effort(2)", r.Class.String())

	snapshot := c.Rules()
	snapshot[0] = rules.Rule{}
	assert.NotNil(t, c.Rules()[0].Pattern, "callers cannot mutate the installed list")
}

func TestFieldString(t *testing.T) {
	assert.Equal(t, "osthread", OSThread.String())
	assert.Equal(t, "thread_id", ThreadID.String())
}
