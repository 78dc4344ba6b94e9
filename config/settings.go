// Package config loads installer settings and wires the installer, uninstaller and
// launcher together for the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/waydroid-atv/internal/images"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// DefaultSettingsPath is read when --config is not given. It may be absent.
var DefaultSettingsPath = setup.ConfigDir + "/config.yaml"

// Settings are the tunables of an installation.
type Settings struct {
	// ReleaseTag pins the Android TV image release. It is not checked for updates.
	ReleaseTag string `yaml:"release_tag"`
	// ImageURLTemplate is a text/template receiving .Tag and .Suffix.
	ImageURLTemplate string `yaml:"image_url_template"`
	// Prerequisites are installed with apt-get before anything else.
	Prerequisites []string `yaml:"prerequisites"`

	RepositoryURL    string `yaml:"repository_url"`
	RepositoryKeyURL string `yaml:"repository_key_url"`

	ScratchDir string `yaml:"scratch_dir"`
	// Root prefixes every host path. Empty means the real filesystem.
	Root string `yaml:"root"`
}

// DefaultSettings are used for keys missing from the settings file.
var DefaultSettings = Settings{
	ReleaseTag:       "20250913",
	ImageURLTemplate: "https://github.com/supechicken/waydroid-androidtv-build/releases/download/{{.Tag}}/lineage-20.0-{{.Tag}}-UNOFFICIAL-WayDroidATV_{{.Suffix}}.zip",
	Prerequisites: []string{
		"ca-certificates",
		"curl",
		"gnupg",
		"kmod",
		"lxc",
		"iptables",
		"python3",
		"desktop-file-utils",
	},
	RepositoryURL:    "https://repo.waydro.id/",
	RepositoryKeyURL: "https://repo.waydro.id/waydroid.gpg",
	ScratchDir:       setup.DefaultScratchDir,
}

// LoadSettings reads a YAML settings file over the defaults. A missing file yields
// the defaults and found=false.
func LoadSettings(path string) (settings Settings, found bool, err error) {
	settings = DefaultSettings
	settings.Prerequisites = append([]string(nil), DefaultSettings.Prerequisites...)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, false, nil
		}
		return Settings{}, false, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, true, fmt.Errorf("decode settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, true, fmt.Errorf("settings %s: %w", path, err)
	}
	return settings, true, nil
}

// Validate checks the values a run depends on.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ReleaseTag) == "" {
		return errors.New("release_tag must not be empty")
	}
	if _, err := s.Release().Template(); err != nil {
		return err
	}
	if err := setup.CheckScratchDir(s.ScratchDir); err != nil {
		return fmt.Errorf("scratch_dir: %w", err)
	}
	if strings.TrimSpace(s.RepositoryURL) == "" || strings.TrimSpace(s.RepositoryKeyURL) == "" {
		return errors.New("repository_url and repository_key_url are required")
	}
	return nil
}

// Release returns the pinned image release.
func (s Settings) Release() images.Release {
	return images.Release{Tag: s.ReleaseTag, URLTemplate: s.ImageURLTemplate}
}

// Layout returns the host layout for the configured root.
func (s Settings) Layout() setup.Layout {
	return setup.Layout{Root: s.Root}
}
