// Package rules compiles operator options into thread-name priority rules.
//
// Options are key=value pairs separated by ';' or ','. A new pair starts only
// where the separator is followed by an identifier and '=', so separators
// inside a pattern (for example `\d{1,3}`) are kept. A group is a set of
// pairs in any order; a pair whose key the current group already holds opens
// the next group:
//
//	thread_name=Worker-.*;prio=idle
//	thread_name=GC Thread.*,prio=best_effort(7);prio=idle,thread_name=C2 .*
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yairfalse/threadprio/internal/priority"
)

const (
	// KeyThreadName holds the thread name pattern
	KeyThreadName = "thread_name"
	// KeyPriority holds the priority class specification
	KeyPriority = "prio"
)

// ErrMalformedGroup wraps every reason a group is dropped
var ErrMalformedGroup = errors.New("malformed thread option group")

var pairStart = regexp.MustCompile(`[;,]\s*[A-Za-z_][A-Za-z0-9_]*=`)

// Rule maps a thread name pattern to an I/O priority class
type Rule struct {
	Pattern *regexp.Regexp
	Class   priority.Class
}

// Matches reports whether the pattern matches anywhere in name
func (r Rule) Matches(name string) bool {
	return r.Pattern != nil && r.Pattern.MatchString(name)
}

// String renders the rule in options syntax
func (r Rule) String() string {
	pattern := ""
	if r.Pattern != nil {
		pattern = r.Pattern.String()
	}
	return fmt.Sprintf("%s=%s;%s=%s", KeyThreadName, pattern, KeyPriority, r.Class)
}

// MarshalYAML renders the rule the way it is written in config files
func (r Rule) MarshalYAML() (interface{}, error) {
	pattern := ""
	if r.Pattern != nil {
		pattern = r.Pattern.String()
	}
	return map[string]string{
		KeyThreadName: pattern,
		KeyPriority:   r.Class.String(),
	}, nil
}

// group is the raw, not yet validated form of a rule
type group struct {
	index    int
	text     []string
	pattern  *string
	priority *string
	err      error
}

// Compile turns an options string into rules, preserving the order of the
// groups. Groups that cannot be compiled are returned in dropped and never
// abort the rest of the options.
func Compile(options string) (compiled []Rule, dropped []error) {
	for _, g := range splitGroups(options) {
		rule, err := g.compile()
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		compiled = append(compiled, rule)
	}
	return compiled, dropped
}

// CompileGroup compiles a single pattern/priority pair
func CompileGroup(pattern, prio string) (Rule, error) {
	g := &group{}
	if pattern != "" {
		g.pattern = &pattern
	}
	if prio != "" {
		g.priority = &prio
	}
	g.text = []string{KeyThreadName + "=" + pattern, KeyPriority + "=" + prio}
	return g.compile()
}

// Select returns the last rule matching name. Later rules override earlier
// ones for the same thread.
func Select(rules []Rule, name string) (Rule, bool) {
	var (
		selected Rule
		found    bool
	)
	for _, r := range rules {
		if r.Matches(name) {
			selected = r
			found = true
		}
	}
	return selected, found
}

func (g *group) compile() (Rule, error) {
	if g.err != nil {
		return Rule{}, g.wrap(g.err)
	}
	if g.pattern == nil {
		return Rule{}, g.wrap(fmt.Errorf("missing %s", KeyThreadName))
	}
	if g.priority == nil {
		return Rule{}, g.wrap(fmt.Errorf("missing %s", KeyPriority))
	}

	re, err := regexp.Compile(*g.pattern)
	if err != nil {
		return Rule{}, g.wrap(fmt.Errorf("invalid pattern: %w", err))
	}
	class, err := priority.Parse(*g.priority)
	if err != nil {
		return Rule{}, g.wrap(err)
	}
	return Rule{Pattern: re, Class: class}, nil
}

func (g *group) wrap(err error) error {
	return fmt.Errorf("%w #%d (%s): %w", ErrMalformedGroup, g.index, strings.Join(g.text, ";"), err)
}

// has reports whether a rule key is already set in the group
func (g *group) has(key string) bool {
	switch key {
	case KeyThreadName:
		return g.pattern != nil
	case KeyPriority:
		return g.priority != nil
	}
	return false
}

func splitGroups(options string) []*group {
	var (
		groups  []*group
		current *group
	)
	open := func() *group {
		current = &group{index: len(groups)}
		groups = append(groups, current)
		return current
	}

	for _, pair := range splitPairs(options) {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)

		if current == nil || current.has(key) {
			open()
		}
		current.text = append(current.text, pair)

		if !ok {
			current.err = fmt.Errorf("%q is not a key=value pair", pair)
			continue
		}

		switch key {
		case KeyThreadName:
			current.pattern = &value
		case KeyPriority:
			v := strings.TrimSpace(value)
			current.priority = &v
		}
	}
	return groups
}

func splitPairs(options string) []string {
	var pairs []string
	start := 0
	for _, loc := range pairStart.FindAllStringIndex(options, -1) {
		pairs = append(pairs, options[start:loc[0]])
		start = loc[0] + 1
	}
	pairs = append(pairs, options[start:])

	out := pairs[:0]
	for _, p := range pairs {
		p = strings.TrimSpace(strings.TrimRight(p, ";,"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
