// Package hostexectest provides a recording Runner for tests.
package hostexectest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
)

// Runner records every command and answers from canned tables. Failure and output
// tables are keyed by command line prefix ("apt-get install" matches any install);
// the longest matching prefix wins.
type Runner struct {
	mu sync.Mutex

	Calls   []hostexec.Command
	Started []hostexec.Command

	Failures map[string]error
	Outputs  map[string]string
	// Programs lists the names LookPath resolves.
	Programs map[string]bool
	// OnRun is invoked after a command is recorded, before the result is computed.
	OnRun func(cmd hostexec.Command)
}

// New returns a Runner resolving the given programs on PATH.
func New(programs ...string) *Runner {
	r := &Runner{
		Failures: map[string]error{},
		Outputs:  map[string]string{},
		Programs: map[string]bool{},
	}
	for _, p := range programs {
		r.Programs[p] = true
	}
	return r
}

// Line renders a command without its environment.
func Line(cmd hostexec.Command) string {
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}

func (r *Runner) Run(_ context.Context, cmd hostexec.Command) error {
	r.record(cmd)
	return r.failure(cmd)
}

func (r *Runner) Output(_ context.Context, cmd hostexec.Command) (string, error) {
	r.record(cmd)
	r.mu.Lock()
	out := lookup(r.Outputs, Line(cmd))
	r.mu.Unlock()
	return out, r.failure(cmd)
}

func (r *Runner) Start(cmd hostexec.Command) error {
	r.mu.Lock()
	r.Started = append(r.Started, cmd)
	r.mu.Unlock()
	return r.failure(cmd)
}

func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Programs[name] {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("exec: %q: %w", name, exec.ErrNotFound)
}

// Lines returns the recorded command lines in order.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, Line(c))
	}
	return out
}

// Ran reports whether a command starting with prefix was executed.
func (r *Runner) Ran(prefix string) bool {
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (r *Runner) record(cmd hostexec.Command) {
	r.mu.Lock()
	r.Calls = append(r.Calls, cmd)
	hook := r.OnRun
	r.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
}

func (r *Runner) failure(cmd hostexec.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := Line(cmd)
	best, matched := "", false
	var out error
	for prefix, err := range r.Failures {
		if strings.HasPrefix(line, prefix) && (!matched || len(prefix) > len(best)) {
			best, matched, out = prefix, true, err
		}
	}
	return out
}

func lookup(table map[string]string, line string) string {
	best := ""
	out := ""
	for prefix, value := range table {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
			out = value
		}
	}
	return out
}
