package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/yairfalse/threadprio/internal/priority"
)

// threadInfo is one row of the set command's output
type threadInfo struct {
	TID    int    `yaml:"tid" json:"tid"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Before string `yaml:"before,omitempty" json:"before,omitempty"`
	After  string `yaml:"after" json:"after"`
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	var (
		prio   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "set TID...",
		Short: "Apply an I/O priority class to individual OS threads",
		Long: `Apply an I/O priority class to the given OS thread ids with ioprio_set(2),
bypassing rule matching and discovery. Useful to check permissions before
attaching.`,
		Example: `  threadprio set --prio idle 31337
  threadprio set --prio 'best_effort(7)' 31337 31338`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := priority.Parse(prio)
			if err != nil {
				return err
			}

			tids := make([]int, 0, len(args))
			for _, arg := range args {
				tid, err := strconv.Atoi(arg)
				if err != nil || tid <= 0 {
					return fmt.Errorf("invalid thread id %q", arg)
				}
				tids = append(tids, tid)
			}

			system := priority.System{}
			var setter priority.Setter = system
			if dryRun {
				setter = priority.DryRun{}
			}

			results := make([]threadInfo, 0, len(tids))
			for _, tid := range tids {
				info := threadInfo{TID: tid, Name: threadName(tid)}
				if before, err := system.Get(tid); err == nil {
					info.Before = describe(before)
				}
				if err := setter.SetThreadIOPriority(tid, class); err != nil {
					return err
				}
				info.After = class.String()
				results = append(results, info)
			}

			return render(cmd.OutOrStdout(), opts.output, results, func() *table {
				t := newTable("TID", "Name", "Before", "After")
				for _, r := range results {
					t.add(strconv.Itoa(r.TID), r.Name, r.Before, r.After)
				}
				return t
			})
		},
	}

	cmd.Flags().StringVar(&prio, "prio", "idle", "class to apply: idle or best_effort(0-7)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be applied")

	return cmd
}

func describe(c priority.Class) string {
	if c.IsZero() {
		return "none"
	}
	return c.String()
}

// threadName reads the kernel's comm for tid, empty when unavailable
func threadName(tid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(tid), "comm"))
	if err != nil {
		return ""
	}
	if n := len(data); n > 0 && data[n-1] == '\n' {
		data = data[:n-1]
	}
	return string(data)
}
