// Package provision installs Waydroid, the Android TV images and the launcher.
//
// The driver runs a fixed list of steps in order. The first failing step aborts the
// run; nothing already done is rolled back. Best-effort commands (module loading,
// stopping a session) only log.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/images"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/probe"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// ErrBinderMissing is returned when the kernel exposes no binder device after the
// modules were loaded.
var ErrBinderMissing = errors.New("binder is not available in this kernel")

// BinderModules are tried in order with modprobe; any of them may be absent.
var BinderModules = []string{"binder_linux", "ashmem_linux", "binder", "ashmem"}

// DebianFamily are the os-release ID and ID_LIKE values served by the Waydroid APT
// repository.
var DebianFamily = []string{"debian", "ubuntu", "raspbian"}

// Options carry the settings the driver needs.
type Options struct {
	Prerequisites    []string
	RepositoryURL    string
	RepositoryKeyURL string
	Release          images.Release
	// ScratchDir is a host path. It is deleted and recreated on every run.
	ScratchDir string
}

// Report summarises a completed run.
type Report struct {
	RuntimePreinstalled bool
	RepositoryAdded     bool
	ModulesLoaded       []string
	ImageURL            string
	// Images maps image names to their placed location.
	Images         map[string]string
	LauncherScript string
	LauncherBinary string
	DesktopEntry   string
}

// Driver provisions a host.
type Driver struct {
	Runner     hostexec.Runner
	Downloader images.Downloader
	Layout     setup.Layout
	Options    Options
	Logger     *slog.Logger
	// Executable returns the path of the running binary. Defaults to os.Executable.
	Executable func() (string, error)
}

type step struct {
	name string
	run  func(ctx context.Context, profile probe.SystemProfile, report *Report) error
}

func (d Driver) steps() []step {
	return []step{
		{"prerequisites", d.installPrerequisites},
		{"runtime", d.installRuntime},
		{"binder", d.ensureBinder},
		{"images", d.fetchImages},
		{"init", d.initRuntime},
		{"launcher", d.installLauncher},
	}
}

// Run executes every step against profile.
func (d Driver) Run(ctx context.Context, profile probe.SystemProfile) (Report, error) {
	logger := d.logger()
	report := Report{Images: map[string]string{}}

	for i, s := range d.steps() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger.Info("provisioning step", "step", s.name, "index", i+1)
		if err := s.run(ctx, profile, &report); err != nil {
			return report, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return report, nil
}

func (d Driver) installPrerequisites(ctx context.Context, _ probe.SystemProfile, _ *Report) error {
	if err := d.Runner.Run(ctx, hostexec.Cmd("apt-get", "update")); err != nil {
		return err
	}
	if len(d.Options.Prerequisites) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, d.Options.Prerequisites...)
	return d.Runner.Run(ctx, hostexec.Cmd("apt-get", args...))
}

func (d Driver) installRuntime(ctx context.Context, profile probe.SystemProfile, report *Report) error {
	logger := d.logger()
	if hostexec.Available(d.Runner, "waydroid") {
		logger.Info("waydroid already installed, skipping")
		report.RuntimePreinstalled = true
		return nil
	}

	if !IsDebianFamily(profile) {
		logger.Warn("no waydroid repository for this distribution, trying the distribution package",
			"os", profile.OSID, "like", profile.OSLike)
		if err := d.Runner.Run(ctx, hostexec.Cmd("apt-get", "install", "-y", "waydroid")); err != nil {
			return fmt.Errorf("install distribution waydroid package: %w", err)
		}
		return nil
	}

	if err := d.addRepository(ctx, profile); err != nil {
		return err
	}
	report.RepositoryAdded = true
	if err := d.Runner.Run(ctx, hostexec.Cmd("apt-get", "update")); err != nil {
		return err
	}
	return d.Runner.Run(ctx, hostexec.Cmd("apt-get", "install", "-y", "waydroid"))
}

func (d Driver) addRepository(ctx context.Context, profile probe.SystemProfile) error {
	if err := setup.CheckScratchDir(d.Options.ScratchDir); err != nil {
		return err
	}
	keyDir := filepath.Join(d.Layout.Path(d.Options.ScratchDir), "keyring")
	key, err := d.Downloader.Download(ctx, d.Options.RepositoryKeyURL, keyDir)
	if err != nil {
		return fmt.Errorf("fetch signing key: %w", err)
	}
	keyring := d.Layout.Path(setup.AptKeyringFile)
	if err := os.MkdirAll(filepath.Dir(keyring), 0o755); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}
	if err := copyFile(key, keyring, 0o644); err != nil {
		return fmt.Errorf("install signing key: %w", err)
	}

	list := d.Layout.Path(setup.AptListFile)
	if err := os.MkdirAll(filepath.Dir(list), 0o755); err != nil {
		return fmt.Errorf("create sources dir: %w", err)
	}
	entry := RepositoryEntry(d.Options.RepositoryURL, profile.OSCodename)
	if err := os.WriteFile(list, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", list, err)
	}
	d.logger().Info("waydroid repository added", "codename", profile.OSCodename, "file", list)
	return nil
}

// RepositoryEntry renders the APT source line for the Waydroid repository.
func RepositoryEntry(repositoryURL, codename string) string {
	return fmt.Sprintf("deb [signed-by=%s] %s %s main\n", setup.AptKeyringFile, repositoryURL, codename)
}

// IsDebianFamily reports whether the OS or one of the distributions it is like is
// served by the Waydroid repository.
func IsDebianFamily(profile probe.SystemProfile) bool {
	ids := append([]string{profile.OSID}, strings.Fields(profile.OSLike)...)
	for _, id := range ids {
		id = strings.ToLower(id)
		for _, family := range DebianFamily {
			if strings.Contains(id, family) {
				return true
			}
		}
	}
	return false
}

func (d Driver) ensureBinder(ctx context.Context, _ probe.SystemProfile, report *Report) error {
	logger := d.logger()
	for _, module := range BinderModules {
		ok, err := hostexec.Succeeds(ctx, d.Runner, hostexec.Cmd("modprobe", module))
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Debug("modprobe failed", "module", module, "error", err)
			continue
		}
		if ok {
			report.ModulesLoaded = append(report.ModulesLoaded, module)
		}
	}

	devices := d.Layout.Path(setup.ProcDevicesFile)
	data, err := os.ReadFile(devices)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrBinderMissing, devices, err)
	}
	if !HasBinderDevice(string(data)) {
		return fmt.Errorf("%w: no binder entry in %s; use a kernel with binder support", ErrBinderMissing, devices)
	}
	logger.Info("binder available", "modules", strings.Join(report.ModulesLoaded, ","))
	return nil
}

// HasBinderDevice reports whether a /proc/devices listing contains a binder driver.
func HasBinderDevice(devices string) bool {
	for _, line := range strings.Split(devices, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.Contains(fields[1], "binder") {
			return true
		}
	}
	return false
}

func (d Driver) fetchImages(ctx context.Context, profile probe.SystemProfile, report *Report) error {
	variant, err := profile.Architecture.Variant()
	if err != nil {
		return err
	}
	url, err := d.Options.Release.URL(variant)
	if err != nil {
		return err
	}
	report.ImageURL = url

	if err := setup.CheckScratchDir(d.Options.ScratchDir); err != nil {
		return err
	}
	scratch := d.Layout.Path(d.Options.ScratchDir)
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	archive, err := d.Downloader.Download(ctx, url, scratch)
	if err != nil {
		return err
	}
	extracted, err := images.Extract(ctx, archive, filepath.Join(scratch, "extracted"), setup.SystemImageName, setup.VendorImageName)
	if err != nil {
		return err
	}

	target := d.Layout.Path(setup.ExtraImagesDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	for _, name := range []string{setup.SystemImageName, setup.VendorImageName} {
		dst := filepath.Join(target, name)
		if err := copyFile(extracted[name], dst, 0o644); err != nil {
			return fmt.Errorf("place %s: %w", name, err)
		}
		report.Images[name] = dst
	}
	d.logger().Info("images placed", "dir", target, "variant", variant.Suffix())
	return nil
}

func (d Driver) initRuntime(ctx context.Context, _ probe.SystemProfile, _ *Report) error {
	logger := d.logger()
	if ok, err := hostexec.Succeeds(ctx, d.Runner, hostexec.Cmd("waydroid", "session", "stop")); err != nil || !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("no waydroid session stopped", "error", err)
	}
	initCmd := hostexec.Cmd("waydroid", "init", "-f").WithEnv(setup.ExtraImagesEnv + "=" + setup.ExtraImagesDir)
	return d.Runner.Run(ctx, initCmd)
}

func (d Driver) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With(logging.ComponentKey, "provision")
}
