// Package uninstall removes everything the installer added to a host.
package uninstall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// DesktopEntryPatterns match the desktop entries of Waydroid and of this installer.
var DesktopEntryPatterns = []string{"*waydroid*", "*Waydroid*", "*WAYDROID*"}

// CmdlineStripper removes the kernel flags added at install time.
type CmdlineStripper interface {
	StripCmdlineFlags() error
}

// Uninstaller runs every removal step. No step is fatal.
type Uninstaller struct {
	Runner     hostexec.Runner
	Layout     setup.Layout
	ScratchDir string
	// Network tears down the container networking. Defaults to setup.TeardownNetwork.
	Network       func(ctx context.Context) error
	Cmdline       CmdlineStripper
	IsRaspberryPi bool
	Logger        *slog.Logger
}

// Result lists what was removed and what had to be skipped.
type Result struct {
	Removed []string
	// Skipped aggregates the failures of best-effort steps; nil when everything ran.
	Skipped error
}

// Run uninstalls. It never fails; skipped steps are reported in the Result and
// logged as one warning.
func (u Uninstaller) Run(ctx context.Context) Result {
	logger := logging.Ensure(u.Logger).With(logging.ComponentKey, "uninstall")
	var result Result
	var skipped *multierror.Error
	skip := func(step string, err error) {
		logger.Debug("step skipped", "step", step, "error", err)
		skipped = multierror.Append(skipped, fmt.Errorf("%s: %w", step, err))
	}

	for _, action := range []string{"stop", "disable"} {
		cmd := hostexec.Cmd("systemctl", action, setup.ContainerService)
		if ok, err := hostexec.Succeeds(ctx, u.Runner, cmd); err != nil {
			skip("systemctl "+action, err)
		} else if !ok {
			skip("systemctl "+action, errors.New("non-zero exit"))
		}
	}

	if err := u.teardownNetwork(ctx); err != nil {
		skip("network teardown", err)
	}

	if hostexec.Available(u.Runner, "waydroid") {
		if err := u.Runner.Run(ctx, hostexec.Cmd("apt-get", "purge", "-y", "waydroid")); err != nil {
			skip("purge waydroid", err)
		}
	} else {
		logger.Info("waydroid is not installed, nothing to purge")
	}

	remove := func(path string) {
		removed, err := removePath(path)
		if err != nil {
			skip("remove "+path, err)
			return
		}
		if removed {
			result.Removed = append(result.Removed, path)
		}
	}

	dirs := []string{
		setup.WaydroidDataDir,
		setup.ExtraImagesRoot,
		setup.SharedExtraImages,
		setup.ConfigDir,
	}
	if u.ScratchDir != "" {
		if err := setup.CheckScratchDir(u.ScratchDir); err != nil {
			skip("remove scratch dir", err)
		} else {
			dirs = append(dirs, u.ScratchDir)
		}
	}
	for _, path := range u.Layout.Paths(dirs...) {
		remove(path)
	}
	for _, path := range u.Layout.Paths(setup.AptListFile, setup.AptKeyringFile) {
		remove(path)
	}
	for _, path := range u.Layout.Paths(setup.LauncherScript, setup.LauncherLibDir) {
		remove(path)
	}

	entries, err := u.desktopEntries()
	if err != nil {
		skip("find desktop entries", err)
	}
	for _, path := range entries {
		remove(path)
	}

	if hostexec.Available(u.Runner, "update-desktop-database") {
		cmd := hostexec.Cmd("update-desktop-database", setup.DesktopEntryDir)
		if ok, err := hostexec.Succeeds(ctx, u.Runner, cmd); err != nil || !ok {
			skip("update-desktop-database", errors.Join(err, errors.New("desktop database not refreshed")))
		}
	}

	if u.IsRaspberryPi && u.Cmdline != nil {
		if err := u.Cmdline.StripCmdlineFlags(); err != nil {
			skip("strip kernel flags", err)
		}
	}

	result.Skipped = skipped.ErrorOrNil()
	if result.Skipped != nil {
		logger.Warn("some cleanup steps were skipped", "count", skipped.Len(), "error", result.Skipped)
	}
	logger.Info("waydroid-atv removed", "paths", len(result.Removed))
	return result
}

func (u Uninstaller) teardownNetwork(ctx context.Context) error {
	if u.Network != nil {
		return u.Network(ctx)
	}
	return setup.TeardownNetwork(ctx, setup.DefaultNetwork, u.Runner)
}

// desktopEntries globs the system and per-user application dirs.
func (u Uninstaller) desktopEntries() ([]string, error) {
	dirs := u.Layout.Paths(setup.DesktopEntryDir, setup.RootDesktopEntryDir)
	homes, err := filepath.Glob(filepath.Join(u.Layout.Path(setup.HomeDir), "*", ".local", "share", "applications"))
	if err != nil {
		return nil, err
	}
	dirs = append(dirs, homes...)

	var errs []error
	matches := lo.FlatMap(dirs, func(dir string, _ int) []string {
		return lo.FlatMap(DesktopEntryPatterns, func(pattern string, _ int) []string {
			found, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				errs = append(errs, err)
			}
			return found
		})
	})
	return lo.Uniq(matches), errors.Join(errs...)
}

// removePath deletes a file or tree. removed is false when nothing was there.
func removePath(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(path); err != nil {
		return false, err
	}
	return true, nil
}
