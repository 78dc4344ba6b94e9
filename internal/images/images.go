// Package images fetches the Android TV system and vendor images.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/dustin/go-humanize"
	"github.com/mholt/archives"

	"github.com/cochaviz/waydroid-atv/arch"
	"github.com/cochaviz/waydroid-atv/internal/logging"
)

// ErrImageMissing is returned when an archive lacks one of the requested images.
var ErrImageMissing = errors.New("image missing from archive")

// Release pins the image build to download.
type Release struct {
	Tag         string
	URLTemplate string
}

type urlData struct {
	Tag    string
	Suffix string
}

// Template parses the URL template.
func (r Release) Template() (*template.Template, error) {
	tmpl, err := template.New("image-url").Option("missingkey=error").Parse(r.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse image url template: %w", err)
	}
	return tmpl, nil
}

// URL renders the download URL for a variant.
func (r Release) URL(variant arch.ImageVariant) (string, error) {
	tmpl, err := r.Template()
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, urlData{Tag: r.Tag, Suffix: variant.Suffix()}); err != nil {
		return "", fmt.Errorf("render image url: %w", err)
	}
	url := strings.TrimSpace(out.String())
	if url == "" {
		return "", errors.New("image url rendered empty")
	}
	return url, nil
}

// Downloader fetches a URL into a directory and returns the written file.
type Downloader interface {
	Download(ctx context.Context, url, dir string) (string, error)
}

// GrabDownloader downloads with grab and logs progress.
type GrabDownloader struct {
	Client   *grab.Client
	Logger   *slog.Logger
	Interval time.Duration
}

// NewGrabDownloader returns a downloader with the installer's user agent.
func NewGrabDownloader(logger *slog.Logger) *GrabDownloader {
	client := grab.NewClient()
	client.UserAgent = "waydroid-atv"
	return &GrabDownloader{
		Client:   client,
		Logger:   logging.Ensure(logger).With(logging.ComponentKey, "download"),
		Interval: 5 * time.Second,
	}
}

func (d *GrabDownloader) Download(ctx context.Context, url, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	req, err := grab.NewRequest(dir, url)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	req = req.WithContext(ctx)

	logger := logging.Ensure(d.Logger).With("url", url)
	logger.Info("downloading")

	resp := d.Client.Do(req)
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Info("download progress",
				"received", humanize.Bytes(uint64(max(resp.BytesComplete(), 0))),
				"total", sizeLabel(resp.Size()),
				"percent", fmt.Sprintf("%.0f", 100*resp.Progress()),
			)
		case <-resp.Done:
			if err := resp.Err(); err != nil {
				return "", fmt.Errorf("download %s: %w", url, err)
			}
			logger.Info("download complete", "file", resp.Filename, "size", humanize.Bytes(uint64(max(resp.BytesComplete(), 0))))
			return resp.Filename, nil
		}
	}
}

func sizeLabel(size int64) string {
	if size <= 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(size))
}

// Extract copies the named files out of an archive into destDir. Entries are matched
// on their base name at any depth. The returned map is keyed by name. Every name must
// be found.
func Extract(ctx context.Context, archivePath, destDir string, names ...string) (map[string]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	format, _, err := archives.Identify(ctx, filepath.Base(archivePath), file)
	if err != nil {
		return nil, fmt.Errorf("identify %s: %w", archivePath, err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return nil, fmt.Errorf("%s is not an extractable archive", archivePath)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind archive: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", destDir, err)
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	found := make(map[string]string, len(names))

	err = extractor.Extract(ctx, file, func(ctx context.Context, info archives.FileInfo) error {
		if info.IsDir() {
			return nil
		}
		base := path.Base(filepath.ToSlash(info.NameInArchive))
		if !wanted[base] {
			return nil
		}
		if _, dup := found[base]; dup {
			return nil
		}
		dest := filepath.Join(destDir, base)
		if err := writeEntry(info, dest); err != nil {
			return fmt.Errorf("extract %s: %w", info.NameInArchive, err)
		}
		found[base] = dest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", archivePath, err)
	}

	var missing []string
	for _, name := range names {
		if _, ok := found[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s not in %s", ErrImageMissing, strings.Join(missing, ", "), filepath.Base(archivePath))
	}
	return found, nil
}

func writeEntry(info archives.FileInfo, dest string) error {
	in, err := info.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
