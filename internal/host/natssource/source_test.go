package natssource

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/threadprio/internal/host"
	"go.uber.org/zap/zaptest"
)

func TestHandleDeliversNotification(t *testing.T) {
	s := New(Config{Subject: "threads", Logger: zaptest.NewLogger(t)})

	var got []host.Thread
	h := host.HandlerFunc(func(env host.FieldAccessor, th host.Thread) {
		got = append(got, th)
	})

	s.handle(&nats.Msg{Subject: "threads", Data: []byte(`{"id":9,"name":"Worker-9","fields":{"eetop":64}}`)}, h)
	s.handle(&nats.Msg{Subject: "threads", Data: []byte(`not json`)}, h)
	s.handle(&nats.Msg{Subject: "threads", Data: []byte(`{"id":10}`)}, h)

	require.Len(t, got, 1)
	assert.Equal(t, "Worker-9", got[0].Name)
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, int64(3), s.Received())
	assert.Equal(t, int64(2), s.Rejected())
}

func TestRunRequiresSubject(t *testing.T) {
	s := New(Config{URL: nats.DefaultURL})
	err := s.Run(context.Background(), host.HandlerFunc(func(host.FieldAccessor, host.Thread) {}))
	assert.Error(t, err)
}

func TestRunConnectFailure(t *testing.T) {
	s := New(Config{
		URL:            "nats://127.0.0.1:1",
		Subject:        "threads",
		ConnectTimeout: 200 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	err := s.Run(context.Background(), host.HandlerFunc(func(host.FieldAccessor, host.Thread) {}))
	assert.Error(t, err)
}

func TestName(t *testing.T) {
	assert.Equal(t, "nats", New(Config{}).Name())
}

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestRunDeliversInFlightMessagesOnStop(t *testing.T) {
	ns := runServer(t)

	s := New(Config{
		URL:     ns.ClientURL(),
		Subject: "threads.started",
		Queue:   "agents",
		Logger:  zaptest.NewLogger(t),
	})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered atomic.Int64
	h := host.HandlerFunc(func(env host.FieldAccessor, th host.Thread) {
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
		delivered.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("source stopped before subscribing: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("source never subscribed")
	}

	pub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer pub.Close()

	const total = 5
	for i := 1; i <= total; i++ {
		data := fmt.Sprintf(`{"id":%d,"name":"Worker-%d","fields":{"eetop":64}}`, i, i)
		require.NoError(t, pub.Publish("threads.started", []byte(data)))
	}
	require.NoError(t, pub.Flush())

	// The first message holds the callback while the rest queue up
	<-entered
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int64(total), delivered.Load())
	assert.Equal(t, int64(total), s.Received())
}
