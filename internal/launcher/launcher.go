// Package launcher starts the Waydroid session for the invoking user, waits for
// Android to report boot completion and then hands the process over to the full UI.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cochaviz/waydroid-atv/internal/logging"
)

var (
	// ErrPrivileged is returned when the launcher runs as root.
	ErrPrivileged = errors.New("the launcher must run as a regular user, not root")
	// ErrSessionDied is returned when the session stops reporting RUNNING after the
	// grace period.
	ErrSessionDied = errors.New("waydroid session stopped while booting")
	// ErrBootTimeout is returned when Android never reported boot completion.
	ErrBootTimeout = errors.New("android did not finish booting in time")
)

// BootCompletedProperty is "1" once Android has booted.
const BootCompletedProperty = "sys.boot_completed"

const (
	DefaultPolls    = 60
	DefaultInterval = time.Second
	DefaultSettle   = 3 * time.Second
	// DefaultGrace is the number of polls during which a session that is not yet
	// RUNNING is tolerated.
	DefaultGrace = 10
)

// State is a step of the boot wait.
type State int

const (
	SessionAbsent State = iota
	SessionStarting
	BootPolling
	Booted
	TimedOut
	SessionDied
)

func (s State) String() string {
	switch s {
	case SessionAbsent:
		return "session-absent"
	case SessionStarting:
		return "session-starting"
	case BootPolling:
		return "boot-polling"
	case Booted:
		return "booted"
	case TimedOut:
		return "timed-out"
	case SessionDied:
		return "session-died"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inspector observes and drives the container session.
type Inspector interface {
	IsRunning(ctx context.Context) bool
	// GetProperty returns an Android property; ok is false when it could not be read.
	GetProperty(ctx context.Context, name string) (value string, ok bool)
	// StartSession starts the session without waiting for it.
	StartSession(ctx context.Context) error
	// ShowUI presents the full UI. The Waydroid implementation does not return on success.
	ShowUI(ctx context.Context) error
}

// Result describes where the boot wait ended.
type Result struct {
	State State
	// Polls is the number of poll iterations performed.
	Polls int
}

// Launcher runs the boot wait. Zero numeric fields take the defaults.
type Launcher struct {
	Inspector Inspector
	Logger    *slog.Logger

	Polls    int
	Interval time.Duration
	Settle   time.Duration
	Grace    int

	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Geteuid returns the effective user id.
	Geteuid func() int
}

// Run drives the session to Booted and shows the UI. It fails with ErrPrivileged,
// ErrSessionDied or ErrBootTimeout; the returned Result is valid in every case.
func (l Launcher) Run(ctx context.Context) (Result, error) {
	logger := logging.Ensure(l.Logger).With(logging.ComponentKey, "launcher")
	result := Result{State: SessionAbsent}

	if l.euid() == 0 {
		return result, fmt.Errorf("%w; start it from your desktop session or as your own user", ErrPrivileged)
	}

	if l.Inspector.IsRunning(ctx) {
		logger.Info("waydroid session already running")
	} else {
		result.State = SessionStarting
		logger.Info("starting waydroid session")
		if err := l.Inspector.StartSession(ctx); err != nil {
			return result, fmt.Errorf("start session: %w", err)
		}
		if err := l.sleep(ctx, valueOr(l.Settle, DefaultSettle)); err != nil {
			return result, err
		}
	}

	result.State = BootPolling
	polls := l.Polls
	if polls <= 0 {
		polls = DefaultPolls
	}
	grace := l.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	interval := valueOr(l.Interval, DefaultInterval)

	for i := 1; i <= polls; i++ {
		result.Polls = i
		if !l.Inspector.IsRunning(ctx) && i > grace {
			result.State = SessionDied
			return result, fmt.Errorf("%w after %d checks; inspect `waydroid status` and `sudo waydroid log`", ErrSessionDied, i)
		}
		if value, ok := l.Inspector.GetProperty(ctx, BootCompletedProperty); ok && value == "1" {
			result.State = Booted
			break
		}
		logger.Debug("waiting for android to boot", "poll", i, "max", polls)
		if err := l.sleep(ctx, interval); err != nil {
			return result, err
		}
	}

	if result.State != Booted {
		result.State = TimedOut
		return result, fmt.Errorf("%w (%d checks); inspect `waydroid status` and `sudo waydroid log`", ErrBootTimeout, polls)
	}

	logger.Info("android booted, opening the full UI", "polls", result.Polls)
	if err := l.Inspector.ShowUI(ctx); err != nil {
		return result, fmt.Errorf("show ui: %w", err)
	}
	return result, nil
}

func (l Launcher) euid() int {
	if l.Geteuid != nil {
		return l.Geteuid()
	}
	return os.Geteuid()
}

func (l Launcher) sleep(ctx context.Context, d time.Duration) error {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func valueOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
