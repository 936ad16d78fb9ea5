package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/threadprio/internal/enforcer"
	"github.com/yairfalse/threadprio/internal/offsets"
)

var (
	// ErrNotAttached is reported by Health before OnLoad ran
	ErrNotAttached = errors.New("agent is not attached")

	// ErrOffsetsMissing is reported by Health when discovery did not publish
	// both offsets
	ErrOffsetsMissing = errors.New("thread field offsets were not discovered")
)

// OffsetStatus reports the discovered offsets; -1 means unknown
type OffsetStatus struct {
	OSThread   int64 `json:"osthread" yaml:"osthread"`
	ThreadID   int64 `json:"thread_id" yaml:"thread_id"`
	Discovered bool  `json:"discovered" yaml:"discovered"`
}

// DiscoveryStatus summarises the discovery run
type DiscoveryStatus struct {
	Library    string   `json:"library,omitempty" yaml:"library,omitempty"`
	Records    int      `json:"records" yaml:"records"`
	Duplicates int      `json:"duplicates" yaml:"duplicates"`
	Missing    []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Status is a point-in-time view of the agent
type Status struct {
	Session        string          `json:"session" yaml:"session"`
	PID            int             `json:"pid,omitempty" yaml:"pid,omitempty"`
	Attached       bool            `json:"attached" yaml:"attached"`
	Uptime         string          `json:"uptime" yaml:"uptime"`
	Offsets        OffsetStatus    `json:"offsets" yaml:"offsets"`
	Rules          []string        `json:"rules" yaml:"rules"`
	DroppedRules   []string        `json:"dropped_rules,omitempty" yaml:"dropped_rules,omitempty"`
	Discovery      DiscoveryStatus `json:"discovery" yaml:"discovery"`
	Sources        []string        `json:"sources,omitempty" yaml:"sources,omitempty"`
	// RunningSources counts sources still running in the current or last Run
	RunningSources int32           `json:"running_sources" yaml:"running_sources"`
	Stats          enforcer.Stats  `json:"stats" yaml:"stats"`
	Panics         int64           `json:"panics" yaml:"panics"`
}

// Status returns a snapshot of the agent state
func (a *Agent) Status() Status {
	osthread, _ := a.cache.Offset(offsets.OSThread)
	threadID, _ := a.cache.Offset(offsets.ThreadID)
	_, _, discovered := a.cache.Offsets()

	installed := a.cache.Rules()
	ruleText := make([]string, 0, len(installed))
	for _, r := range installed {
		ruleText = append(ruleText, r.String())
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Status{
		Session:      a.id.String(),
		PID:          a.cfg.PID,
		Attached:     a.attached.Load(),
		Uptime:       time.Since(a.startTime).Round(time.Second).String(),
		Offsets:      OffsetStatus{OSThread: osthread, ThreadID: threadID, Discovered: discovered},
		Rules:        ruleText,
		DroppedRules: append([]string(nil), a.droppedRules...),
		Stats:        a.enforcer.Stats(),
		Panics:       a.panics.Load(),
	}
	for _, src := range a.sources {
		st.Sources = append(st.Sources, src.Name())
	}
	if a.lc != nil {
		st.RunningSources = a.lc.Running()
	}
	if a.report != nil {
		st.Discovery.Library = a.report.Library
		st.Discovery.Records = a.report.Records
		st.Discovery.Duplicates = a.report.Duplicates
		for _, m := range a.report.Missing {
			st.Discovery.Missing = append(st.Discovery.Missing, m.String())
		}
	}
	if a.discoverErr != nil {
		st.Discovery.Error = a.discoverErr.Error()
	}
	return st
}

// Health returns nil when the agent can enforce priorities
func (a *Agent) Health() error {
	if !a.attached.Load() {
		return ErrNotAttached
	}
	if _, _, ok := a.cache.Offsets(); !ok {
		a.mu.RLock()
		err := a.discoverErr
		a.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOffsetsMissing, err)
		}
		return ErrOffsetsMissing
	}
	return nil
}
