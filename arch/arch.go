package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a CPU architecture the Waydroid ATV images are built for.
type Architecture string

const (
	ARM64  Architecture = "arm64"
	X86_64 Architecture = "x86_64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		ARM64,
		X86_64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case ARM64, X86_64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a machine string as reported by uname into a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(ARM64), "aarch64":
		return ARM64
	case string(X86_64), "amd64", "x86-64":
		return X86_64
	default:
		return ""
	}
}

// ImageVariant names the flavour of the Android TV image built for an architecture.
type ImageVariant string

const (
	VariantARM64         ImageVariant = "arm64"
	VariantX86_64Minigbm ImageVariant = "x86_64-minigbm"
)

// Variant returns the image variant that runs on a. The mapping is one to one.
func (a Architecture) Variant() (ImageVariant, error) {
	switch a {
	case ARM64:
		return VariantARM64, nil
	case X86_64:
		return VariantX86_64Minigbm, nil
	default:
		return "", fmt.Errorf("no image variant for architecture %q", a)
	}
}

// Suffix is the naming suffix used in release asset names.
func (v ImageVariant) Suffix() string {
	return string(v)
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
