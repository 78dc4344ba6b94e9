package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known host locations. They are absolute paths on the target machine and are
// resolved through a Layout before use.
const (
	OSReleaseFile         = "/etc/os-release"
	OSReleaseFallbackFile = "/usr/lib/os-release"
	DeviceModelFile       = "/proc/device-tree/model"
	DeviceModelFallback   = "/sys/firmware/devicetree/base/model"
	ProcDevicesFile       = "/proc/devices"
	PressureDir           = "/proc/pressure"

	WaydroidDataDir     = "/var/lib/waydroid"
	ExtraImagesRoot     = "/etc/waydroid-extra"
	ExtraImagesDir      = "/etc/waydroid-extra/images"
	SharedExtraImages   = "/usr/share/waydroid-extra"
	ConfigDir           = "/etc/waydroid-atv"
	DefaultScratchDir   = "/tmp/waydroid-atv"
	AptListFile         = "/etc/apt/sources.list.d/waydroid.list"
	AptKeyringFile      = "/usr/share/keyrings/waydroid.gpg"
	LauncherScript      = "/usr/local/bin/waydroid-atv-launcher"
	LauncherLibDir      = "/usr/local/lib/waydroid-atv"
	LauncherBinary      = "/usr/local/lib/waydroid-atv/waydroid-atv"
	DesktopEntryDir     = "/usr/share/applications"
	DesktopEntryFile    = "/usr/share/applications/waydroid-atv.desktop"
	RootDesktopEntryDir = "/root/.local/share/applications"
	HomeDir             = "/home"

	SystemImageName = "system.img"
	VendorImageName = "vendor.img"

	// ExtraImagesEnv tells `waydroid init` where the preinstalled images live.
	ExtraImagesEnv = "WAYDROID_EXTRA_IMAGES_PATH"
	// ContainerService is the systemd unit hosting the Waydroid container.
	ContainerService = "waydroid-container"
)

// CmdlineFiles are the kernel command line locations, first existing wins.
var CmdlineFiles = [...]string{
	"/boot/firmware/cmdline.txt",
	"/boot/cmdline.txt",
}

// BootConfigFiles are the Raspberry Pi firmware config locations, first existing wins.
var BootConfigFiles = [...]string{
	"/boot/firmware/config.txt",
	"/boot/config.txt",
}

// ScratchParents are the directories a scratch dir may live in. The scratch dir is
// deleted recursively, so it must be a dedicated directory below one of them.
var ScratchParents = []string{"/tmp", "/var/tmp", "/var/cache"}

// CheckScratchDir rejects scratch dirs that are relative, not clean, or not strictly
// below one of ScratchParents.
func CheckScratchDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("scratch dir %q must be an absolute path", dir)
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("scratch dir %q must be a clean path", dir)
	}
	for _, parent := range ScratchParents {
		if strings.HasPrefix(dir, parent+"/") {
			return nil
		}
	}
	return fmt.Errorf("scratch dir %q must be a directory below one of %s", dir, strings.Join(ScratchParents, ", "))
}

// Layout maps host paths below Root. The zero value operates on the real filesystem.
type Layout struct {
	Root string
}

// Path resolves a host path below the layout root.
func (l Layout) Path(hostPath string) string {
	if l.Root == "" {
		return hostPath
	}
	return filepath.Join(l.Root, hostPath)
}

// Paths resolves several host paths.
func (l Layout) Paths(hostPaths ...string) []string {
	out := make([]string, 0, len(hostPaths))
	for _, p := range hostPaths {
		out = append(out, l.Path(p))
	}
	return out
}

// FirstExisting returns the first resolved path that exists, or "" when none does.
func (l Layout) FirstExisting(hostPaths ...string) string {
	for _, p := range l.Paths(hostPaths...) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Verify checks that the Android TV images were placed by a previous install.
func Verify(layout Layout) error {
	for _, name := range []string{SystemImageName, VendorImageName} {
		file := layout.Path(filepath.Join(ExtraImagesDir, name))
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("image %s does not exist; run the installer first", file)
			}
			return fmt.Errorf("stat %s: %w", file, err)
		}
	}
	return nil
}
