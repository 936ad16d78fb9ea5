package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/yairfalse/threadprio/internal/layout"
	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/offsets"
	"github.com/yairfalse/threadprio/internal/symbols"
	"go.uber.org/zap"
)

type discoverReport struct {
	PID        int           `yaml:"pid" json:"pid"`
	Library    string        `yaml:"library" json:"library"`
	Table      layout.Table  `yaml:"table" json:"table"`
	Records    int           `yaml:"records" json:"records"`
	Duplicates int           `yaml:"duplicates" json:"duplicates"`
	Offsets    []offsetEntry `yaml:"offsets" json:"offsets"`
	Missing    []string      `yaml:"missing,omitempty" json:"missing,omitempty"`
}

type offsetEntry struct {
	Target string `yaml:"target" json:"target"`
	Offset string `yaml:"offset" json:"offset"`
	Record int    `yaml:"record" json:"record"`
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Locate the layout table of a JVM and print the thread field offsets",
		Long: `Walk libjvm's exported struct layout table in the target process once and
print the offsets of JavaThread::_osthread and OSThread::_thread_id. Nothing
is written to the target.`,
		Example: `  threadprio discover --pid 4242
  threadprio discover --pid 4242 -o yaml`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(opts, cmd, map[string]string{
				"pid":         "pid",
				"library":     "library",
				"max_records": "max-records",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.PID <= 0 {
				return fmt.Errorf("--pid is required")
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			reader, err := memory.NewProcessReader(cfg.PID)
			if err != nil {
				return fmt.Errorf("failed to open process %d: %w", cfg.PID, err)
			}

			report, err := layout.Discover(cmd.Context(), layout.Options{
				Loader:     symbols.NewProcLoader(cfg.PID, logger),
				Memory:     memory.NewAccessor(reader),
				Cache:      offsets.New(),
				Library:    cfg.Library,
				Symbols:    cfg.Symbols,
				MaxRecords: cfg.MaxRecords,
				Logger:     logger,
			})
			if report == nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			if err != nil {
				logger.Warn("Discovery incomplete", zap.Error(err))
			}

			out := newDiscoverReport(cfg.PID, report)
			return render(cmd.OutOrStdout(), opts.output, out, func() *table {
				t := newTable("Target", "Offset", "Record")
				for _, o := range out.Offsets {
					t.add(o.Target, o.Offset, strconv.Itoa(o.Record))
				}
				for _, m := range out.Missing {
					t.add(m, "not found", "-")
				}
				return t
			})
		},
	}

	cmd.Flags().Int("pid", 0, "process id of the target JVM")
	cmd.Flags().String("library", "libjvm.so", "VM library exporting the layout table")
	cmd.Flags().Int("max-records", layout.DefaultMaxRecords, "maximum number of table records to walk")

	return cmd
}

func newDiscoverReport(pid int, r *layout.Report) discoverReport {
	out := discoverReport{
		PID:        pid,
		Library:    r.Library,
		Table:      r.Table,
		Records:    r.Records,
		Duplicates: r.Duplicates,
	}
	for _, m := range r.Matches {
		if !m.Published {
			continue
		}
		out.Offsets = append(out.Offsets, offsetEntry{
			Target: m.Target.String(),
			Offset: fmt.Sprintf("0x%x", m.Offset),
			Record: m.Record,
		})
	}
	for _, t := range r.Missing {
		out.Missing = append(out.Missing, t.String())
	}
	return out
}
