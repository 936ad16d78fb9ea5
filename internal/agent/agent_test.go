package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/layout/layouttest"
	"github.com/yairfalse/threadprio/internal/priority"
	"github.com/yairfalse/threadprio/internal/rules"
	"github.com/yairfalse/threadprio/internal/symbols/symbolstest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type call struct {
	tid   int
	class priority.Class
}

type recordingSetter struct {
	mu    sync.Mutex
	calls []call
}

func (s *recordingSetter) SetThreadIOPriority(tid int, class priority.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{tid, class})
	return nil
}

func (s *recordingSetter) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func newAgent(t *testing.T, vm *layouttest.VM, setter priority.Setter) *Agent {
	t.Helper()
	a, err := New(Config{
		Loader: vm.Loader,
		Memory: vm.Space,
		Setter: setter,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return a
}

func TestScenarioIdleWorker(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}
	a := newAgent(t, vm, setter)

	a.OnLoad(context.Background(), "thread_name=Worker-.*;prio=idle")
	a.ThreadStart(host.NotificationEnv, vm.Thread(1, "Worker-3", 4711).Thread())

	assert.Equal(t, []call{{4711, priority.Idle()}}, setter.Calls())
	assert.NoError(t, a.Health())
}

func TestScenarioNoMatchingRule(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}
	a := newAgent(t, vm, setter)

	a.OnLoad(context.Background(), "thread_name=Worker-.*;prio=best_effort(4)")
	a.ThreadStart(host.NotificationEnv, vm.Thread(1, "main", 100).Thread())

	assert.Empty(t, setter.Calls())
	assert.Equal(t, int64(1), a.Status().Stats.NoMatch)
}

func TestScenarioMissingLibrary(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	vm.Loader = symbolstest.Loader{}
	setter := &recordingSetter{}
	a := newAgent(t, vm, setter)

	a.OnLoad(context.Background(), "thread_name=Worker-.*;prio=idle")
	assert.NotPanics(t, func() {
		a.ThreadStart(host.NotificationEnv, vm.Thread(1, "Worker-3", 4711).Thread())
	})

	assert.Empty(t, setter.Calls())
	assert.ErrorIs(t, a.Health(), ErrOffsetsMissing)

	st := a.Status()
	assert.False(t, st.Offsets.Discovered)
	assert.Equal(t, int64(-1), st.Offsets.OSThread)
	assert.NotEmpty(t, st.Discovery.Error)
	assert.Equal(t, int64(1), st.Stats.Unresolved)
}

func TestScenarioMalformedPriority(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}
	a := newAgent(t, vm, setter)

	a.OnLoad(context.Background(), "thread_name=Worker-.*;prio=fast")
	a.ThreadStart(host.NotificationEnv, vm.Thread(1, "Worker-3", 4711).Thread())

	assert.Empty(t, setter.Calls())
	st := a.Status()
	assert.Empty(t, st.Rules)
	assert.Len(t, st.DroppedRules, 1)
}

func TestConfigRulesPrecedeOptions(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}

	fromFile, err := rules.CompileGroup("Worker-.*", "best_effort(2)")
	require.NoError(t, err)

	a, err := New(Config{
		Loader: vm.Loader,
		Memory: vm.Space,
		Setter: setter,
		Rules:  []rules.Rule{fromFile},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	a.OnLoad(context.Background(), "thread_name=Worker-1;prio=idle")
	a.ThreadStart(host.NotificationEnv, vm.Thread(1, "Worker-1", 11).Thread())
	a.ThreadStart(host.NotificationEnv, vm.Thread(2, "Worker-2", 12).Thread())

	be2, _ := priority.BestEffort(2)
	assert.Equal(t, []call{{11, priority.Idle()}, {12, be2}}, setter.Calls())
	assert.Len(t, a.Status().Rules, 2)
}

func TestOnLoadOnlyOnce(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	a := newAgent(t, vm, &recordingSetter{})

	a.OnLoad(context.Background(), "thread_name=A;prio=idle")
	a.OnLoad(context.Background(), "thread_name=B;prio=idle")

	assert.Equal(t, 1, a.Cache().RuleCount())
}

func TestHealthBeforeAttach(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	a := newAgent(t, vm, &recordingSetter{})
	assert.ErrorIs(t, a.Health(), ErrNotAttached)
	assert.False(t, a.Status().Attached)
}

func TestThreadStartRecoversPanic(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := priority.SetterFunc(func(int, priority.Class) error {
		panic("boom")
	})
	a := newAgent(t, vm, setter)
	a.OnLoad(context.Background(), "thread_name=.*;prio=idle")

	assert.NotPanics(t, func() {
		a.ThreadStart(host.NotificationEnv, vm.Thread(1, "Worker-1", 5).Thread())
	})
	assert.Equal(t, int64(1), a.Status().Panics)
}

func TestNewValidation(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no loader", Config{Memory: vm.Space, Setter: setter}},
		{"no memory", Config{Loader: vm.Loader, Setter: setter}},
		{"no setter", Config{Loader: vm.Loader, Memory: vm.Space}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

// chanSource delivers notifications from a channel
type chanSource struct {
	name string
	in   chan *host.Notification
	err  error
}

func (s *chanSource) Name() string { return s.name }

func (s *chanSource) Run(ctx context.Context, h host.Handler) error {
	if s.err != nil {
		return s.err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.in:
			h.ThreadStart(host.NotificationEnv, n.Thread())
		}
	}
}

func TestRunDeliversNotifications(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	setter := &recordingSetter{}
	a := newAgent(t, vm, setter)
	a.OnLoad(context.Background(), "thread_name=Worker-.*;prio=idle")

	src := &chanSource{name: "test", in: make(chan *host.Notification)}
	a.Register(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	src.in <- vm.Thread(1, "Worker-1", 21)
	src.in <- vm.Thread(2, "Worker-2", 22)

	assert.Eventually(t, func() bool { return len(setter.Calls()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"test"}, a.Status().Sources)
	assert.Equal(t, int32(1), a.Status().RunningSources)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(0), a.Status().RunningSources)
}

func TestRunStopsWhenSourceFails(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	a := newAgent(t, vm, &recordingSetter{})

	boom := errors.New("listen failed")
	a.Register(&chanSource{name: "broken", err: boom})
	a.Register(&chanSource{name: "ok", in: make(chan *host.Notification)})

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunWithoutSources(t *testing.T) {
	vm := layouttest.New(layouttest.HotSpotEntries())
	a := newAgent(t, vm, &recordingSetter{})
	assert.ErrorIs(t, a.Run(context.Background()), ErrNoSources)
}

func TestLifecycleStopTimeout(t *testing.T) {
	lc := newLifecycle(context.Background(), zap.NewNop())
	release := make(chan struct{})
	defer close(release)

	lc.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	assert.ErrorIs(t, lc.Stop(20*time.Millisecond), ErrShutdownTimeout)
}
