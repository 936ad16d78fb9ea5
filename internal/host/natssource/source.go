// Package natssource receives thread-start notifications from a NATS subject,
// one JSON notification per message.
package natssource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yairfalse/threadprio/internal/host"
	"go.uber.org/zap"
)

// Config configures the NATS source
type Config struct {
	URL     string
	Subject string
	// Queue subscribes as a member of this queue group when set
	Queue string
	// Name identifies the connection on the server
	Name string

	ConnectTimeout time.Duration
	// DrainTimeout bounds delivery of in-flight messages on stop
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Source is a host.Source backed by a NATS subscription
type Source struct {
	config Config
	logger *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once

	received atomic.Int64
	rejected atomic.Int64
}

// New creates a NATS source. Nothing connects until Run.
func New(config Config) *Source {
	if config.Name == "" {
		config.Name = "threadprio"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Source{
		config: config,
		logger: config.Logger.Named("nats").With(zap.String("subject", config.Subject)),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the subscription is registered with the server
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Name implements host.Source
func (s *Source) Name() string {
	return "nats"
}

// Run connects, subscribes and delivers messages to h until ctx is done.
// On stop the connection is drained: messages already received are
// delivered before Run returns.
func (s *Source) Run(ctx context.Context, h host.Handler) error {
	if s.config.Subject == "" {
		return errors.New("nats subject is required")
	}

	closed := make(chan struct{})
	nc, err := nats.Connect(s.config.URL,
		nats.Name(s.config.Name),
		nats.Timeout(s.config.ConnectTimeout),
		nats.DrainTimeout(s.config.DrainTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.config.URL, err)
	}

	callback := func(msg *nats.Msg) {
		s.handle(msg, h)
	}

	if s.config.Queue != "" {
		_, err = nc.QueueSubscribe(s.config.Subject, s.config.Queue, callback)
	} else {
		_, err = nc.Subscribe(s.config.Subject, callback)
	}
	if err == nil {
		err = nc.Flush()
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}

	s.logger.Info("NATS source subscribed",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("queue", s.config.Queue))
	s.readyOnce.Do(func() { close(s.ready) })

	<-ctx.Done()

	if err := nc.Drain(); err != nil {
		s.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		nc.Close()
	}
	<-closed
	return nil
}

func (s *Source) handle(msg *nats.Msg, h host.Handler) {
	s.received.Add(1)

	n, err := host.Decode(msg.Data)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Warn("Dropping malformed notification", zap.Error(err))
		return
	}

	h.ThreadStart(host.NotificationEnv, n.Thread())

	if msg.Reply != "" && msg.Sub != nil {
		if err := msg.Respond([]byte(`{"accepted":1}`)); err != nil {
			s.logger.Debug("Failed to acknowledge notification", zap.Error(err))
		}
	}
}

// Received returns how many messages arrived
func (s *Source) Received() int64 {
	return s.received.Load()
}

// Rejected returns how many messages could not be decoded
func (s *Source) Rejected() int64 {
	return s.rejected.Load()
}
