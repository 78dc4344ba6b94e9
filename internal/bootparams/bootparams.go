// Package bootparams edits the Raspberry Pi kernel command line and firmware config.
package bootparams

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// Flags are the kernel parameters Waydroid needs: pressure stall information and the
// cpuset and memory cgroup controllers.
var Flags = []string{
	"psi=1",
	"cgroup_enable=cpuset",
	"cgroup_memory=1",
	"cgroup_enable=memory",
}

// KernelStanza selects the 4K page kernel on a Raspberry Pi 5.
const KernelStanza = "\n[pi5]\nkernel=kernel8.img\n"

// ErrNoBootConfig is returned when none of the firmware config locations exist.
var ErrNoBootConfig = errors.New("no boot config file found")

// AddFlags appends every missing flag to a command line. changed reports whether a
// flag was added; existing tokens keep their order.
func AddFlags(line string) (string, bool) {
	tokens := strings.Fields(line)
	changed := false
	for _, flag := range Flags {
		if lo.Contains(tokens, flag) {
			continue
		}
		tokens = append(tokens, flag)
		changed = true
	}
	return strings.Join(tokens, " "), changed
}

// RemoveFlags drops every occurrence of every flag from a command line.
func RemoveFlags(line string) string {
	tokens := lo.Reject(strings.Fields(line), func(token string, _ int) bool {
		return lo.Contains(Flags, token)
	})
	return strings.Join(tokens, " ")
}

// Editor applies the boot parameter changes to the files of a host layout.
type Editor struct {
	Layout setup.Layout
	Logger *slog.Logger
}

// EnsureCmdlineFlags adds the flags to the first existing cmdline file. The file is
// rewritten only when a flag was missing. A missing cmdline file is logged and
// reported as unchanged.
func (e Editor) EnsureCmdlineFlags() (bool, error) {
	logger := e.logger()
	path := e.Layout.FirstExisting(setup.CmdlineFiles[:]...)
	if path == "" {
		logger.Warn("no cmdline file found, kernel flags not added", "candidates", strings.Join(setup.CmdlineFiles[:], ","))
		return false, nil
	}

	line, mode, err := readLine(path)
	if err != nil {
		return false, err
	}
	updated, changed := AddFlags(line)
	if !changed {
		logger.Info("kernel flags already present", "file", path)
		return false, nil
	}
	if err := os.WriteFile(path, []byte(updated+"\n"), mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("kernel flags added", "file", path, "flags", strings.Join(Flags, " "))
	return true, nil
}

// StripCmdlineFlags removes the flags from the first existing cmdline file. The file
// is always rewritten; a missing file is skipped.
func (e Editor) StripCmdlineFlags() error {
	path := e.Layout.FirstExisting(setup.CmdlineFiles[:]...)
	if path == "" {
		return nil
	}
	line, mode, err := readLine(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(RemoveFlags(line)+"\n"), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	e.logger().Info("kernel flags removed", "file", path)
	return nil
}

// AppendKernelStanza appends KernelStanza to the first existing boot config file and
// returns its path. No check is made for an earlier stanza.
func (e Editor) AppendKernelStanza() (string, error) {
	path := e.Layout.FirstExisting(setup.BootConfigFiles[:]...)
	if path == "" {
		return "", fmt.Errorf("%w (looked in %s)", ErrNoBootConfig, strings.Join(setup.BootConfigFiles[:], ", "))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(KernelStanza); err != nil {
		f.Close()
		return "", fmt.Errorf("append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	e.logger().Info("4K kernel selected", "file", path)
	return path, nil
}

// CheckPSI reports whether the kernel exposes pressure stall information. Hosts that
// are not a Raspberry Pi only get this check; nothing is edited for them.
func (e Editor) CheckPSI() bool {
	path := e.Layout.Path(setup.PressureDir)
	if _, err := os.Stat(path); err != nil {
		e.logger().Warn("kernel has no pressure stall information; Waydroid may fail to start",
			"path", path, "hint", "boot with psi=1 or use a kernel built with CONFIG_PSI")
		return false
	}
	return true
}

func (e Editor) logger() *slog.Logger {
	return logging.Ensure(e.Logger).With(logging.ComponentKey, "bootparams")
}

func readLine(path string) (string, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimRight(string(data), "\r\n"), info.Mode().Perm(), nil
}
