package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/logging"
)

// execProcess replaces the current process image.
var execProcess = unix.Exec

// WaydroidInspector talks to the waydroid CLI.
type WaydroidInspector struct {
	Runner hostexec.Runner
	Logger *slog.Logger
}

func (w WaydroidInspector) IsRunning(ctx context.Context) bool {
	out, err := w.Runner.Output(ctx, hostexec.Cmd("waydroid", "status"))
	if err != nil {
		logging.Ensure(w.Logger).Debug("waydroid status failed", "error", err)
		return false
	}
	return SessionRunning(out)
}

func (w WaydroidInspector) GetProperty(ctx context.Context, name string) (string, bool) {
	out, err := w.Runner.Output(ctx, hostexec.Cmd("waydroid", "prop", "get", name))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(out), true
}

func (w WaydroidInspector) StartSession(context.Context) error {
	return w.Runner.Start(hostexec.Cmd("waydroid", "session", "start"))
}

func (w WaydroidInspector) ShowUI(context.Context) error {
	path, err := w.Runner.LookPath("waydroid")
	if err != nil {
		return err
	}
	if err := execProcess(path, []string{"waydroid", "show-full-ui"}, os.Environ()); err != nil {
		return fmt.Errorf("exec %s show-full-ui: %w", path, err)
	}
	return nil
}

// SessionRunning reports whether `waydroid status` output shows a running session.
func SessionRunning(status string) bool {
	for _, line := range strings.Split(status, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "Session" && strings.TrimSpace(value) == "RUNNING" {
			return true
		}
	}
	return false
}
