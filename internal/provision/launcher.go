package provision

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/waydroid-atv/internal/assets"
	"github.com/cochaviz/waydroid-atv/internal/probe"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// installLauncher copies the running binary next to a wrapper script and a desktop
// entry. All three are overwritten on every install.
func (d Driver) installLauncher(_ context.Context, _ probe.SystemProfile, report *Report) error {
	executable := d.Executable
	if executable == nil {
		executable = os.Executable
	}
	self, err := executable()
	if err != nil {
		return fmt.Errorf("locate running binary: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolve running binary: %w", err)
	}

	binary := d.Layout.Path(setup.LauncherBinary)
	if err := os.MkdirAll(filepath.Dir(binary), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(binary), err)
	}
	// The copy goes through a temp file so a running launcher is never truncated.
	tmp := binary + ".new"
	if err := copyFile(self, tmp, 0o755); err != nil {
		return fmt.Errorf("copy binary: %w", err)
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, binary); err != nil {
		return fmt.Errorf("install binary: %w", err)
	}
	report.LauncherBinary = binary

	script, err := assets.LauncherScript(setup.LauncherBinary)
	if err != nil {
		return err
	}
	scriptPath := d.Layout.Path(setup.LauncherScript)
	if err := assets.WriteFile(scriptPath, script, 0o755); err != nil {
		return err
	}
	report.LauncherScript = scriptPath

	entry, err := assets.DesktopEntry(setup.LauncherScript)
	if err != nil {
		return err
	}
	entryPath := d.Layout.Path(setup.DesktopEntryFile)
	if err := assets.WriteFile(entryPath, entry, 0o644); err != nil {
		return err
	}
	report.DesktopEntry = entryPath

	d.logger().Info("launcher installed", "script", scriptPath, "desktop_entry", entryPath)
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
