// Package probe inspects the host once and returns an immutable SystemProfile.
package probe

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/waydroid-atv/arch"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// DefaultPageSize is assumed when the kernel page size cannot be queried.
const DefaultPageSize = 4096

// Raspberry Pi 5 firmware can boot a 16K page kernel which Waydroid cannot run on.
const PageSize16K = 16384

// SystemProfile describes the host. It is built once per run and never mutated.
type SystemProfile struct {
	OSID        string
	OSName      string
	OSVersionID string
	OSLike      string
	OSCodename  string

	// Machine is the raw uname machine string; Architecture is "" when unsupported.
	Machine      string
	Architecture arch.Architecture

	IsRaspberryPi  bool
	IsRaspberryPi5 bool
	DeviceModel    string

	PageSize int
}

// Supported reports whether the architecture maps onto an image variant.
func (p SystemProfile) Supported() bool {
	return p.Architecture.IsValid()
}

// Prober gathers a SystemProfile. The zero value probes the running host.
type Prober struct {
	Layout setup.Layout
	// Machine returns the uname machine string.
	Machine func() (string, error)
	// PageSize returns the kernel page size in bytes.
	PageSize func() int
}

// Probe reads the host. It never fails: unreadable sources fall back to defaults.
func (p Prober) Probe() SystemProfile {
	release := p.readOSRelease()

	profile := SystemProfile{
		OSID:        valueOr(release["ID"], "unknown"),
		OSName:      valueOr(release["NAME"], "Unknown"),
		OSVersionID: valueOr(release["VERSION_ID"], "unknown"),
		OSLike:      valueOr(release["ID_LIKE"], "?"),
		OSCodename:  valueOr(valueOr(release["VERSION_CODENAME"], release["UBUNTU_CODENAME"]), "unknown"),
	}

	machine, err := p.machine()
	if err == nil {
		profile.Machine = machine
		profile.Architecture = arch.Normalize(machine)
	}

	profile.PageSize = p.pageSize()

	model := p.readModel()
	profile.DeviceModel = model
	profile.IsRaspberryPi = strings.Contains(strings.ToLower(model), "raspberry pi")
	profile.IsRaspberryPi5 = strings.Contains(model, "Raspberry Pi 5")

	return profile
}

func (p Prober) machine() (string, error) {
	if p.Machine != nil {
		return p.Machine()
	}
	return unameMachine()
}

func (p Prober) pageSize() int {
	var size int
	if p.PageSize != nil {
		size = p.PageSize()
	} else {
		size = unix.Getpagesize()
	}
	if size <= 0 {
		return DefaultPageSize
	}
	return size
}

func (p Prober) readOSRelease() map[string]string {
	for _, path := range p.Layout.Paths(setup.OSReleaseFile, setup.OSReleaseFallbackFile) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return ParseOSRelease(data)
	}
	return map[string]string{}
}

func (p Prober) readModel() string {
	for _, path := range p.Layout.Paths(setup.DeviceModelFile, setup.DeviceModelFallback) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	}
	return ""
}

func unameMachine() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Machine[:]), nil
}

// ParseOSRelease parses os-release KEY=value lines, unquoting values.
func ParseOSRelease(data []byte) map[string]string {
	out := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		} else {
			value = strings.Trim(value, `'"`)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
