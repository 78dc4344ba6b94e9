// Package assets holds the files the installer writes verbatim or renders.
package assets

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed assets/README.md
var readme string

//go:embed assets/launcher.sh.tmpl
var launcherScript string

//go:embed assets/waydroid-atv.desktop.tmpl
var desktopEntry string

// DesktopName is shown in application menus.
const DesktopName = "Waydroid Android TV"

var (
	launcherTmpl = template.Must(template.New("launcher").Option("missingkey=error").Parse(launcherScript))
	desktopTmpl  = template.Must(template.New("desktop").Option("missingkey=error").Parse(desktopEntry))
)

// Readme returns the operator documentation.
func Readme() string {
	return readme
}

// LauncherScript renders the shell wrapper that execs binary in launch mode.
func LauncherScript(binary string) (string, error) {
	var out bytes.Buffer
	if err := launcherTmpl.Execute(&out, struct{ Binary string }{binary}); err != nil {
		return "", fmt.Errorf("render launcher script: %w", err)
	}
	return out.String(), nil
}

// DesktopEntry renders the application menu entry pointing at launcher.
func DesktopEntry(launcher string) (string, error) {
	var out bytes.Buffer
	data := struct{ Name, Launcher string }{DesktopName, launcher}
	if err := desktopTmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render desktop entry: %w", err)
	}
	return out.String(), nil
}

// WriteFile writes content to path, creating parent directories, and applies perm
// even when the file already existed.
func WriteFile(path, content string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
