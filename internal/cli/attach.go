package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yairfalse/threadprio/internal/agent"
	"github.com/yairfalse/threadprio/internal/config"
	"github.com/yairfalse/threadprio/internal/host/httpsource"
	"github.com/yairfalse/threadprio/internal/host/natssource"
	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/priority"
	"github.com/yairfalse/threadprio/internal/symbols"
	"github.com/yairfalse/threadprio/internal/telemetry"
	"go.uber.org/zap"
)

var attachFlags = map[string]string{
	"pid":           "pid",
	"options":       "options",
	"library":       "library",
	"thread_field":  "thread-field",
	"dry_run":       "dry-run",
	"listen":        "listen",
	"nats.url":      "nats-url",
	"nats.subject":  "nats-subject",
	"nats.queue":    "nats-queue",
	"otlp_endpoint": "otlp-endpoint",
}

func newAttachCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a JVM and apply I/O priorities to new threads",
		Long: `Attach to a running JVM: compile the rules, discover the thread field
offsets from libjvm's layout table, then apply the matching I/O priority to
every thread-start notification received over HTTP or NATS until
interrupted.

Discovery failures are logged and leave enforcement disabled; the agent keeps
serving notifications and reports itself unhealthy.`,
		Example: `  threadprio attach --pid 4242 --options 'thread_name=Worker-.*;prio=idle'
  threadprio attach --config /etc/threadprio/threadprio.yaml --nats-url nats://127.0.0.1:4222`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(opts, cmd, attachFlags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAttach(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.Int("pid", 0, "process id of the target JVM")
	f.String("options", "", "rules in thread_name=<regex>;prio=<class> syntax")
	f.String("library", "libjvm.so", "VM library exporting the layout table")
	f.String("thread-field", "eetop", "long field of java.lang.Thread holding the JavaThread address")
	f.Bool("dry-run", false, "log priorities instead of applying them")
	f.String("listen", "", "HTTP notification address (default 127.0.0.1:7171 unless NATS is used)")
	f.String("nats-url", "", "NATS server URL; enables the NATS source")
	f.String("nats-subject", config.DefaultNATSSubject, "NATS subject carrying thread-start notifications")
	f.String("nats-queue", "", "NATS queue group")
	f.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces and metrics")

	return cmd
}

func runAttach(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reader, err := memory.NewProcessReader(cfg.PID)
	if err != nil {
		return fmt.Errorf("failed to open process %d: %w", cfg.PID, err)
	}

	var setter priority.Setter = priority.NewSystem()
	if cfg.DryRun {
		setter = priority.DryRun{Logger: logger.Named("dry-run")}
	}

	configRules, dropped := cfg.CompileRules()
	for _, err := range dropped {
		logger.Warn("Dropping configured rule", zap.Error(err))
	}

	ag, err := agent.New(agent.Config{
		PID:             cfg.PID,
		Loader:          symbols.NewProcLoader(cfg.PID, logger),
		Memory:          reader,
		Setter:          setter,
		Rules:           configRules,
		Library:         cfg.Library,
		Symbols:         cfg.Symbols,
		ThreadField:     cfg.ThreadField,
		MaxRecords:      cfg.MaxRecords,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SessionID:      ag.ID(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	logger.Info("Attaching",
		zap.Int("pid", cfg.PID),
		zap.String("session", ag.ID()),
		zap.Bool("dry_run", cfg.DryRun))
	ag.OnLoad(ctx, cfg.Options)

	if cfg.Listen != "" {
		ag.Register(httpsource.New(httpsource.Config{
			Addr:    cfg.Listen,
			Metrics: tel.Handler(),
			Status:  func() interface{} { return ag.Status() },
			Health:  ag.Health,
			Logger:  logger,
		}))
	}
	if cfg.NATS.URL != "" {
		ag.Register(natssource.New(natssource.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Name:    "threadprio-" + ag.ID(),
			Logger:  logger,
		}))
	}

	err = ag.Run(ctx)
	logger.Info("Detached", zap.Any("stats", ag.Enforcer().Stats()))
	return err
}
