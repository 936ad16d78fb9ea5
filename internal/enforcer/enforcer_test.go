package enforcer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/memory/memorytest"
	"github.com/yairfalse/threadprio/internal/offsets"
	"github.com/yairfalse/threadprio/internal/priority"
	"github.com/yairfalse/threadprio/internal/resolver"
	"github.com/yairfalse/threadprio/internal/rules"
	"go.uber.org/zap/zaptest"
)

const (
	osthreadOffset = 0x248
	threadIDOffset = 0x48
)

type mockSetter struct {
	mock.Mock
}

func (m *mockSetter) SetThreadIOPriority(tid int, class priority.Class) error {
	args := m.Called(tid, class)
	return args.Error(0)
}

type fixture struct {
	space    *memorytest.Space
	cache    *offsets.Cache
	setter   *mockSetter
	enforcer *Enforcer
}

func newFixture(t *testing.T, options string, discovered bool) *fixture {
	t.Helper()

	compiled, dropped := rules.Compile(options)
	require.Empty(t, dropped)

	cache := offsets.New()
	require.NoError(t, cache.InstallRules(compiled))
	if discovered {
		cache.Publish(offsets.OSThread, osthreadOffset)
		cache.Publish(offsets.ThreadID, threadIDOffset)
	}

	space := memorytest.New(0)
	setter := &mockSetter{}
	res := resolver.New(cache, memory.NewAccessor(space), "")

	return &fixture{
		space:    space,
		cache:    cache,
		setter:   setter,
		enforcer: New(cache, res, setter, zaptest.NewLogger(t)),
	}
}

// thread lays out JavaThread -> OSThread -> tid and returns the handle
func (f *fixture) thread(name string, tid int32) host.Thread {
	osthread := f.space.Alloc(0x100)
	f.space.PutInt32(osthread+threadIDOffset, tid)
	jt := f.space.Alloc(0x400)
	f.space.PutUint64(jt+osthreadOffset, osthread)

	n := &host.Notification{ID: int64(tid), Name: name, Fields: map[string]int64{"eetop": int64(jt)}}
	return n.Thread()
}

func TestEnforceAppliesMatchingRule(t *testing.T) {
	f := newFixture(t, "thread_name=Worker-.*;prio=idle", true)
	f.setter.On("SetThreadIOPriority", 4711, priority.Idle()).Return(nil).Once()

	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("Worker-3", 4711))

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, int32(4711), res.TID)
	assert.NoError(t, res.Err)
	f.setter.AssertExpectations(t)
}

func TestEnforceNoMatchSkipsResolution(t *testing.T) {
	f := newFixture(t, "thread_name=Worker-.*;prio=idle", true)

	before := f.space.Reads()
	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("main", 1))

	assert.Equal(t, OutcomeNoMatch, res.Outcome)
	assert.Equal(t, before, f.space.Reads())
	f.setter.AssertNotCalled(t, "SetThreadIOPriority", mock.Anything, mock.Anything)
}

func TestEnforceLastMatchWins(t *testing.T) {
	f := newFixture(t, "thread_name=GC.*;prio=best_effort(7);thread_name=GC Thread#0;prio=idle", true)
	f.setter.On("SetThreadIOPriority", 12, priority.Idle()).Return(nil).Once()
	f.setter.On("SetThreadIOPriority", 13, priority.Class{Kind: priority.KindBestEffort, Level: 7}).Return(nil).Once()

	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("GC Thread#0", 12))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "GC Thread#0", res.Rule.Pattern.String())

	res = f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("GC Thread#1", 13))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "GC.*", res.Rule.Pattern.String())

	f.setter.AssertExpectations(t)
}

func TestEnforceBeforeDiscovery(t *testing.T) {
	f := newFixture(t, "thread_name=.*;prio=idle", false)

	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("Worker-1", 5))

	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.ErrorIs(t, res.Err, resolver.ErrOffsetsUnavailable)
	assert.Zero(t, f.space.Reads())
	f.setter.AssertNotCalled(t, "SetThreadIOPriority", mock.Anything, mock.Anything)
}

func TestEnforceSyscallFailure(t *testing.T) {
	f := newFixture(t, "thread_name=.*;prio=idle", true)
	eperm := errors.New("operation not permitted")
	f.setter.On("SetThreadIOPriority", 77, priority.Idle()).Return(eperm).Once()

	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("Worker-1", 77))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, eperm)
	assert.Equal(t, int64(1), f.enforcer.Stats().Failed)
}

func TestEnforceNoRules(t *testing.T) {
	f := newFixture(t, "", true)
	res := f.enforcer.Enforce(context.Background(), host.NotificationEnv, f.thread("Worker-1", 3))
	assert.Equal(t, OutcomeNoMatch, res.Outcome)
}

func TestStatsConcurrent(t *testing.T) {
	f := newFixture(t, "thread_name=Worker-.*;prio=idle", true)
	f.setter.On("SetThreadIOPriority", mock.Anything, priority.Idle()).Return(nil)

	threads := make([]host.Thread, 0, 40)
	for i := 0; i < 20; i++ {
		threads = append(threads, f.thread("Worker-x", int32(100+i)))
		threads = append(threads, f.thread("main", int32(200+i)))
	}

	var wg sync.WaitGroup
	for _, th := range threads {
		wg.Add(1)
		go func(th host.Thread) {
			defer wg.Done()
			f.enforcer.Enforce(context.Background(), host.NotificationEnv, th)
		}(th)
	}
	wg.Wait()

	stats := f.enforcer.Stats()
	assert.Equal(t, int64(40), stats.Events)
	assert.Equal(t, int64(20), stats.Applied)
	assert.Equal(t, int64(20), stats.NoMatch)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "no_match", OutcomeNoMatch.String())
	assert.Equal(t, "unresolved", OutcomeUnresolved.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
