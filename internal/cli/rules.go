package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/yairfalse/threadprio/internal/rules"
)

type rulesReport struct {
	Rules   []rules.Rule `yaml:"rules" json:"-"`
	Dropped []string     `yaml:"dropped,omitempty" json:"dropped,omitempty"`

	// JSON cannot marshal a *regexp.Regexp, so rules are rendered as text
	RuleText []string `yaml:"-" json:"rules"`
}

func newRulesCommand(opts *rootOptions) *cobra.Command {
	var test []string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Compile the configured rules and show what would be installed",
		Long: `Compile the rules from the config file and the options string in install
order. Malformed groups are listed as dropped. With --test, show which rule
and class each given thread name would receive.`,
		Example: `  threadprio rules --options 'thread_name=Worker-.*;prio=idle'
  threadprio rules --config threadprio.yaml --test 'GC Thread#0' --test main`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(opts, cmd, map[string]string{"options": "options"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			fromFile, droppedFile := cfg.CompileRules()
			fromOptions, droppedOptions := rules.Compile(cfg.Options)
			installed := append(fromFile, fromOptions...)

			report := rulesReport{Rules: installed}
			for _, r := range installed {
				report.RuleText = append(report.RuleText, r.String())
			}
			for _, err := range append(droppedFile, droppedOptions...) {
				report.Dropped = append(report.Dropped, err.Error())
			}

			out := cmd.OutOrStdout()
			if len(test) > 0 {
				return render(out, opts.output, matchReport(installed, test), func() *table {
					t := newTable("Thread", "Rule", "Class")
					for _, m := range matchReport(installed, test) {
						t.add(m.Thread, m.Pattern, m.Class)
					}
					return t
				})
			}

			err = render(out, opts.output, report, func() *table {
				t := newTable("#", "Thread Name", "Prio")
				for i, r := range installed {
					t.add(strconv.Itoa(i), r.Pattern.String(), r.Class.String())
				}
				return t
			})
			if err != nil {
				return err
			}
			if opts.output == formatTable {
				for _, d := range report.Dropped {
					fmt.Fprintf(cmd.ErrOrStderr(), "dropped: %s\n", d)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("options", "", "rules in thread_name=<regex>;prio=<class> syntax")
	cmd.Flags().StringArrayVar(&test, "test", nil, "thread name to match against the rules (repeatable)")

	return cmd
}

type ruleMatch struct {
	Thread  string `yaml:"thread" json:"thread"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Class   string `yaml:"class" json:"class"`
}

func matchReport(installed []rules.Rule, names []string) []ruleMatch {
	out := make([]ruleMatch, 0, len(names))
	for _, name := range names {
		m := ruleMatch{Thread: name, Class: "unchanged"}
		if r, ok := rules.Select(installed, name); ok {
			m.Pattern = r.Pattern.String()
			m.Class = r.Class.String()
		}
		out = append(out, m)
	}
	return out
}
