package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/threadprio/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// envKeys are bound explicitly so nested keys resolve from the environment
// without a config file, e.g. THREADPRIO_NATS_URL
var envKeys = []string{
	"pid", "options", "library", "thread_field", "max_records", "dry_run",
	"listen", "nats.url", "nats.subject", "nats.queue",
	"otlp_endpoint", "log_level", "shutdown_timeout",
}

type rootOptions struct {
	cfgFile string
	verbose bool
	output  string
	v       *viper.Viper
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the threadprio command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "threadprio",
		Short: "Per-thread I/O priorities for JVM worker threads",
		Long: `threadprio gives worker threads of a running JVM a Linux I/O scheduling
class, chosen by matching thread names against patterns.

It locates the VM's exported struct layout table to find where the OS thread
id lives, then applies ioprio_set(2) to every new thread reported by the
in-VM notifier.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./threadprio.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table, yaml, json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = opts.v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newAttachCommand(opts))
	rootCmd.AddCommand(newDiscoverCommand(opts))
	rootCmd.AddCommand(newRulesCommand(opts))
	rootCmd.AddCommand(newSetCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func (o *rootOptions) initConfig() error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		o.v.AddConfigPath(".")
		o.v.AddConfigPath("/etc/threadprio")
		o.v.SetConfigType("yaml")
		o.v.SetConfigName("threadprio")
	}

	o.v.SetEnvPrefix("THREADPRIO")
	o.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	o.v.AutomaticEnv()
	for _, key := range envKeys {
		_ = o.v.BindEnv(key)
	}

	if err := o.v.ReadInConfig(); err != nil {
		// Without --config a missing file just means flags and env only
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || o.cfgFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else if o.verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", o.v.ConfigFileUsed())
	}
	return nil
}

// bindFlags binds the flags of the command being run. Binding happens at run
// time because several commands share config keys.
func bindFlags(o *rootOptions, cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := o.v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// loadConfig merges file, env and flags into a Config with defaults applied
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := o.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// newLogger follows the observers: production JSON logs, development
// console logs at debug level
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	return logConfig.Build()
}
