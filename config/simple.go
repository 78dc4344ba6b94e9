package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cochaviz/waydroid-atv/internal/assets"
	"github.com/cochaviz/waydroid-atv/internal/bootparams"
	"github.com/cochaviz/waydroid-atv/internal/gate"
	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/images"
	"github.com/cochaviz/waydroid-atv/internal/launcher"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/probe"
	"github.com/cochaviz/waydroid-atv/internal/provision"
	"github.com/cochaviz/waydroid-atv/internal/setup"
	"github.com/cochaviz/waydroid-atv/internal/uninstall"
)

// DefaultReadmePath is where --write-readme writes when no path is given.
var DefaultReadmePath = "waydroid-atv-README.md"

// ErrNotRoot is returned when install or uninstall run without root privileges.
var ErrNotRoot = errors.New("this command must run as root (use sudo)")

var geteuid = os.Geteuid

func requireRoot() error {
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Installer runs the compatibility gate, the boot parameter edits and provisioning.
type Installer struct {
	Settings   Settings
	Runner     hostexec.Runner
	Downloader images.Downloader
	Chooser    gate.Chooser
	Prober     probe.Prober
	Logger     *slog.Logger
	// Executable overrides the binary copied as the launcher.
	Executable func() (string, error)
}

// InstallResult tells the operator what to do next.
type InstallResult struct {
	Verdict gate.Verdict
	// RebootRecommended is set when the kernel command line was changed.
	RebootRecommended bool
	Report            provision.Report
}

// Run installs on the host. A RebootRequired verdict ends the run early without error.
func (i Installer) Run(ctx context.Context) (InstallResult, error) {
	logger := logging.Ensure(i.Logger)
	layout := i.Settings.Layout()

	profile := i.Prober.Probe()
	editor := bootparams.Editor{Layout: layout, Logger: logger}

	verdict, err := gate.Gate{
		Runner:   i.Runner,
		Chooser:  i.Chooser,
		Switcher: editor,
		Logger:   logger,
	}.Evaluate(ctx, profile)
	result := InstallResult{Verdict: verdict}
	if err != nil {
		return result, err
	}
	if verdict == gate.RebootRequired {
		return result, nil
	}

	if profile.IsRaspberryPi {
		changed, err := editor.EnsureCmdlineFlags()
		if err != nil {
			return result, fmt.Errorf("kernel flags: %w", err)
		}
		result.RebootRecommended = changed
	} else {
		editor.CheckPSI()
	}

	driver := provision.Driver{
		Runner:     i.Runner,
		Downloader: i.Downloader,
		Layout:     layout,
		Options: provision.Options{
			Prerequisites:    i.Settings.Prerequisites,
			RepositoryURL:    i.Settings.RepositoryURL,
			RepositoryKeyURL: i.Settings.RepositoryKeyURL,
			Release:          i.Settings.Release(),
			ScratchDir:       i.Settings.ScratchDir,
		},
		Logger:     logger,
		Executable: i.Executable,
	}
	report, err := driver.Run(ctx, profile)
	result.Report = report
	return result, err
}

// Install runs the installer against the real host.
func Install(ctx context.Context, settings Settings, choice gate.Choice, logger *slog.Logger) (InstallResult, error) {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "config.install")
	if err := requireRoot(); err != nil {
		return InstallResult{}, err
	}

	var chooser gate.Chooser = gate.FixedChooser(choice)
	if choice == gate.ChoiceAsk {
		chooser = gate.NewPromptChooser()
	}

	installer := Installer{
		Settings:   settings,
		Runner:     hostexec.NewExecRunner(logger),
		Downloader: images.NewGrabDownloader(logger),
		Chooser:    chooser,
		Prober:     probe.Prober{Layout: settings.Layout()},
		Logger:     logger,
	}
	return installer.Run(ctx)
}

// Uninstall removes the installation. Skipped steps are logged, never returned.
func Uninstall(ctx context.Context, settings Settings, logger *slog.Logger) (uninstall.Result, error) {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "config.uninstall")
	if err := requireRoot(); err != nil {
		return uninstall.Result{}, err
	}

	layout := settings.Layout()
	runner := hostexec.NewExecRunner(logger)
	profile := probe.Prober{Layout: layout}.Probe()

	u := uninstall.Uninstaller{
		Runner:        runner,
		Layout:        layout,
		ScratchDir:    settings.ScratchDir,
		Cmdline:       bootparams.Editor{Layout: layout, Logger: logger},
		IsRaspberryPi: profile.IsRaspberryPi,
		Logger:        logger,
	}
	return u.Run(ctx), nil
}

// Launch waits for the Waydroid session to boot and opens the UI.
func Launch(ctx context.Context, settings Settings, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "config.launch")
	if geteuid() == 0 {
		return fmt.Errorf("%w; run waydroid-atv-launcher from your desktop session", launcher.ErrPrivileged)
	}
	if err := setup.Verify(settings.Layout()); err != nil {
		return err
	}

	runner := hostexec.NewExecRunner(logger)
	l := launcher.Launcher{
		Inspector: launcher.WaydroidInspector{Runner: runner, Logger: logger},
		Logger:    logger,
	}
	_, err := l.Run(ctx)
	return err
}

// WriteReadme writes the operator documentation to path.
func WriteReadme(path string) error {
	if path == "" {
		path = DefaultReadmePath
	}
	return assets.WriteFile(path, assets.Readme(), 0o644)
}
