// Package gate decides whether the host can run Waydroid before anything is installed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/probe"
)

// ErrIncompatible marks every verdict that requires the operator to change the host.
var ErrIncompatible = errors.New("host is not compatible with waydroid")

// Verdict is the outcome of a successful evaluation.
type Verdict int

const (
	// Proceed means installation can continue.
	Proceed Verdict = iota
	// RebootRequired means the boot configuration was changed and the operator must
	// reboot and rerun the installer. Nothing else may be installed in this run.
	RebootRequired
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case RebootRequired:
		return "reboot-required"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// KernelSwitcher selects the 4K page kernel for the next boot.
type KernelSwitcher interface {
	AppendKernelStanza() (string, error)
}

// Gate evaluates a SystemProfile against Waydroid's requirements.
type Gate struct {
	Runner   hostexec.Runner
	Chooser  Chooser
	Switcher KernelSwitcher
	Logger   *slog.Logger
}

// Evaluate applies the compatibility rules in order. Fatal outcomes wrap
// ErrIncompatible and leave the host untouched.
func (g Gate) Evaluate(ctx context.Context, profile probe.SystemProfile) (Verdict, error) {
	logger := logging.Ensure(g.Logger).With(logging.ComponentKey, "gate")

	if !hostexec.Available(g.Runner, "apt-get") {
		return Proceed, fmt.Errorf("%w: apt-get not found; only Debian and Ubuntu based systems are supported", ErrIncompatible)
	}

	if !profile.Supported() {
		return Proceed, fmt.Errorf("%w: unsupported architecture %q; Android TV images exist for arm64 and x86_64 only", ErrIncompatible, profile.Machine)
	}

	logger.Info("host detected",
		"os", profile.OSName,
		"version", profile.OSVersionID,
		"architecture", profile.Architecture.String(),
		"model", profile.DeviceModel,
		"page_size", profile.PageSize,
	)

	if profile.IsRaspberryPi5 && profile.PageSize == probe.PageSize16K {
		return g.offerKernelSwitch(ctx, profile, logger)
	}

	if !profile.IsRaspberryPi && profile.PageSize != probe.DefaultPageSize {
		return Proceed, fmt.Errorf("%w: kernel page size is %d bytes, waydroid needs %d; boot a 4K page kernel and rerun",
			ErrIncompatible, profile.PageSize, probe.DefaultPageSize)
	}

	return Proceed, nil
}

func (g Gate) offerKernelSwitch(ctx context.Context, profile probe.SystemProfile, logger *slog.Logger) (Verdict, error) {
	logger.Warn("Raspberry Pi 5 is running the 16K page kernel, which waydroid cannot use")

	if g.Chooser == nil {
		return Proceed, fmt.Errorf("%w: 16K page kernel on Raspberry Pi 5 and no way to ask for a kernel switch", ErrIncompatible)
	}
	choice, err := g.Chooser.ChooseKernel(ctx, profile)
	if err != nil {
		return Proceed, fmt.Errorf("choose kernel: %w", err)
	}

	switch choice {
	case ChoiceSwitch:
		if g.Switcher == nil {
			return Proceed, errors.New("no kernel switcher configured")
		}
		path, err := g.Switcher.AppendKernelStanza()
		if err != nil {
			return Proceed, fmt.Errorf("%w: switch to 4K kernel: %w", ErrIncompatible, err)
		}
		logger.Info("4K page kernel selected; reboot and run the installer again", "file", path)
		return RebootRequired, nil
	case ChoiceKeep:
		return Proceed, fmt.Errorf("%w: keeping the 16K page kernel; waydroid will not run on it", ErrIncompatible)
	default:
		return Proceed, fmt.Errorf("unknown kernel choice %q", choice)
	}
}
