package provision

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cochaviz/waydroid-atv/arch"
	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/hostexec/hostexectest"
	"github.com/cochaviz/waydroid-atv/internal/images"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/probe"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

// stubDownloader serves a signing key and an image archive from memory.
type stubDownloader struct {
	urls   []string
	images map[string]string
}

func (s *stubDownloader) Download(_ context.Context, url, dir string) (string, error) {
	s.urls = append(s.urls, url)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, path.Base(url))
	if strings.HasSuffix(url, ".gpg") {
		return dest, os.WriteFile(dest, []byte("key"), 0o644)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range s.images {
		fw, err := w.Create(name)
		if err != nil {
			return "", err
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			return "", err
		}
	}
	return dest, w.Close()
}

func newImages() map[string]string {
	return map[string]string{"lineage/system.img": "system", "lineage/vendor.img": "vendor"}
}

func debianProfile() probe.SystemProfile {
	return probe.SystemProfile{
		OSID:         "debian",
		OSLike:       "?",
		OSCodename:   "bookworm",
		Machine:      "aarch64",
		Architecture: arch.ARM64,
		PageSize:     4096,
	}
}

type fixture struct {
	layout     setup.Layout
	runner     *hostexectest.Runner
	downloader *stubDownloader
	driver     Driver
}

func newFixture(t *testing.T, programs ...string) *fixture {
	t.Helper()
	layout := setup.Layout{Root: t.TempDir()}

	devices := layout.Path(setup.ProcDevicesFile)
	if err := os.MkdirAll(filepath.Dir(devices), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(devices, []byte("Character devices:\n  1 mem\n511 binder\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	self := filepath.Join(t.TempDir(), "waydroid-atv")
	if err := os.WriteFile(self, []byte("#!binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := hostexectest.New(programs...)
	downloader := &stubDownloader{images: newImages()}
	return &fixture{
		layout:     layout,
		runner:     runner,
		downloader: downloader,
		driver: Driver{
			Runner:     runner,
			Downloader: downloader,
			Layout:     layout,
			Options: Options{
				Prerequisites:    []string{"lxc", "curl"},
				RepositoryURL:    "https://repo.waydro.id/",
				RepositoryKeyURL: "https://repo.waydro.id/waydroid.gpg",
				Release: images.Release{
					Tag:         "20250913",
					URLTemplate: "https://example.invalid/{{.Tag}}/atv_{{.Suffix}}.zip",
				},
				ScratchDir: setup.DefaultScratchDir,
			},
			Logger:     logging.Discard(),
			Executable: func() (string, error) { return self, nil },
		},
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunOnDebian(t *testing.T) {
	f := newFixture(t, "apt-get")

	report, err := f.driver.Run(context.Background(), debianProfile())
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}

	want := []string{
		"apt-get update",
		"apt-get install -y lxc curl",
		"apt-get update",
		"apt-get install -y waydroid",
		"modprobe binder_linux",
		"modprobe ashmem_linux",
		"modprobe binder",
		"modprobe ashmem",
		"waydroid session stop",
		"waydroid init -f",
	}
	if got := f.runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands:\n got %v\nwant %v", got, want)
	}

	initCmd := f.runner.Calls[len(f.runner.Calls)-1]
	if len(initCmd.Env) != 1 || initCmd.Env[0] != "WAYDROID_EXTRA_IMAGES_PATH=/etc/waydroid-extra/images" {
		t.Fatalf("init env = %v", initCmd.Env)
	}

	wantList := "deb [signed-by=/usr/share/keyrings/waydroid.gpg] https://repo.waydro.id/ bookworm main\n"
	if got := readFile(t, f.layout.Path(setup.AptListFile)); got != wantList {
		t.Fatalf("apt list = %q, want %q", got, wantList)
	}
	if got := readFile(t, f.layout.Path(setup.AptKeyringFile)); got != "key" {
		t.Fatalf("keyring = %q", got)
	}

	if report.ImageURL != "https://example.invalid/20250913/atv_arm64.zip" {
		t.Fatalf("image url = %q", report.ImageURL)
	}
	for name, content := range map[string]string{setup.SystemImageName: "system", setup.VendorImageName: "vendor"} {
		placed := f.layout.Path(filepath.Join(setup.ExtraImagesDir, name))
		if report.Images[name] != placed {
			t.Fatalf("report image %s = %q, want %q", name, report.Images[name], placed)
		}
		if got := readFile(t, placed); got != content {
			t.Fatalf("%s = %q", name, got)
		}
	}
	if err := setup.Verify(f.layout); err != nil {
		t.Fatalf("Verify after provisioning: %v", err)
	}

	if got := readFile(t, f.layout.Path(setup.LauncherBinary)); got != "#!binary" {
		t.Fatalf("launcher binary = %q", got)
	}
	if got := readFile(t, f.layout.Path(setup.LauncherScript)); !strings.Contains(got, "exec /usr/local/lib/waydroid-atv/waydroid-atv launch") {
		t.Fatalf("launcher script = %q", got)
	}
	if got := readFile(t, f.layout.Path(setup.DesktopEntryFile)); !strings.Contains(got, "Exec=/usr/local/bin/waydroid-atv-launcher") {
		t.Fatalf("desktop entry = %q", got)
	}
	if !report.RepositoryAdded || report.RuntimePreinstalled {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunSkipsInstalledRuntime(t *testing.T) {
	f := newFixture(t, "apt-get", "waydroid")
	report, err := f.driver.Run(context.Background(), debianProfile())
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if !report.RuntimePreinstalled {
		t.Fatal("report does not record preinstalled runtime")
	}
	if f.runner.Ran("apt-get install -y waydroid") {
		t.Fatal("waydroid reinstalled although present")
	}
	if len(f.downloader.urls) != 1 {
		t.Fatalf("expected only the image download, got %v", f.downloader.urls)
	}
}

func TestRunFallsBackToDistributionPackage(t *testing.T) {
	f := newFixture(t, "apt-get")
	profile := debianProfile()
	profile.OSID = "pop-like"
	profile.OSLike = "?"
	f.runner.Failures["apt-get install -y waydroid"] = hostexec.ErrExit

	_, err := f.driver.Run(context.Background(), profile)
	if err == nil || !strings.HasPrefix(err.Error(), "runtime:") {
		t.Fatalf("error = %v, want runtime failure", err)
	}
	if _, statErr := os.Stat(f.layout.Path(setup.AptListFile)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("repository added for a non-Debian host")
	}
	if f.runner.Ran("modprobe") {
		t.Fatal("later steps ran after a fatal failure")
	}
}

func TestRunRequiresBinder(t *testing.T) {
	f := newFixture(t, "apt-get", "waydroid")
	if err := os.WriteFile(f.layout.Path(setup.ProcDevicesFile), []byte("Character devices:\n  1 mem\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.runner.Failures["modprobe"] = hostexec.ErrExit

	_, err := f.driver.Run(context.Background(), debianProfile())
	if !errors.Is(err, ErrBinderMissing) {
		t.Fatalf("error = %v, want ErrBinderMissing", err)
	}
	if len(f.downloader.urls) != 0 {
		t.Fatal("images downloaded without binder")
	}
	if got := len(f.runner.Lines()); got != 2+len(BinderModules) {
		t.Fatalf("expected every module attempt, got %v", f.runner.Lines())
	}
}

func TestRunFailsOnIncompleteArchive(t *testing.T) {
	f := newFixture(t, "apt-get", "waydroid")
	f.downloader.images = map[string]string{"system.img": "system"}

	_, err := f.driver.Run(context.Background(), debianProfile())
	if !errors.Is(err, images.ErrImageMissing) {
		t.Fatalf("error = %v, want ErrImageMissing", err)
	}
	if f.runner.Ran("waydroid init") {
		t.Fatal("waydroid initialised without images")
	}
}

func TestRunWipesScratchDir(t *testing.T) {
	f := newFixture(t, "apt-get", "waydroid")
	stale := filepath.Join(f.layout.Path(setup.DefaultScratchDir), "stale.zip")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.driver.Run(context.Background(), debianProfile()); err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("scratch dir was not wiped")
	}
}

func TestRunStopsOnPrerequisiteFailure(t *testing.T) {
	f := newFixture(t, "apt-get")
	f.runner.Failures["apt-get install -y lxc"] = hostexec.ErrExit

	_, err := f.driver.Run(context.Background(), debianProfile())
	if err == nil || !strings.HasPrefix(err.Error(), "prerequisites:") {
		t.Fatalf("error = %v, want prerequisites failure", err)
	}
	if got := f.runner.Lines(); len(got) != 2 {
		t.Fatalf("commands after failure: %v", got)
	}
}

func TestIsDebianFamily(t *testing.T) {
	cases := []struct {
		id, like string
		want     bool
	}{
		{"debian", "?", true},
		{"ubuntu", "debian", true},
		{"raspbian", "debian", true},
		{"linuxmint", "ubuntu debian", true},
		{"fedora", "?", false},
		{"arch", "", false},
	}
	for _, tt := range cases {
		got := IsDebianFamily(probe.SystemProfile{OSID: tt.id, OSLike: tt.like})
		if got != tt.want {
			t.Fatalf("IsDebianFamily(%q, %q) = %v, want %v", tt.id, tt.like, got, tt.want)
		}
	}
}

func TestHasBinderDevice(t *testing.T) {
	if !HasBinderDevice("Character devices:\n 10 misc\n509 binderfs\n") {
		t.Fatal("binderfs not detected")
	}
	if HasBinderDevice("Character devices:\n 10 misc\n") {
		t.Fatal("binder detected in listing without it")
	}
}

func TestRunRefusesUnsafeScratchDir(t *testing.T) {
	f := newFixture(t, "apt-get", "waydroid")
	f.driver.Options.ScratchDir = "/home"
	keep := filepath.Join(f.layout.Path("/home"), "alex", "notes.txt")
	if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := f.driver.Run(context.Background(), debianProfile())
	if err == nil || !strings.HasPrefix(err.Error(), "images:") {
		t.Fatalf("error = %v, want images failure", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unsafe scratch dir was wiped: %v", err)
	}
	if len(f.downloader.urls) != 0 {
		t.Fatal("download started with an unsafe scratch dir")
	}
}
