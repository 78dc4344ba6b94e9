package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
	"github.com/cochaviz/waydroid-atv/internal/hostexec/hostexectest"
	"github.com/cochaviz/waydroid-atv/internal/logging"
)

// fakeInspector answers from functions of the poll iteration. Iteration 0 is the
// status check made before polling starts.
type fakeInspector struct {
	running func(iteration int) bool
	booted  func(iteration int) bool

	statusCalls int
	propCalls   int
	starts      int
	shows       int
}

func (f *fakeInspector) IsRunning(context.Context) bool {
	iteration := f.statusCalls
	f.statusCalls++
	return f.running(iteration)
}

func (f *fakeInspector) GetProperty(_ context.Context, name string) (string, bool) {
	f.propCalls++
	if name != BootCompletedProperty {
		return "", false
	}
	if f.booted(f.statusCalls - 1) {
		return "1", true
	}
	return "0", true
}

func (f *fakeInspector) StartSession(context.Context) error {
	f.starts++
	return nil
}

func (f *fakeInspector) ShowUI(context.Context) error {
	f.shows++
	return nil
}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newLauncher(inspector Inspector, sleeper *sleepRecorder) Launcher {
	return Launcher{
		Inspector: inspector,
		Logger:    logging.Discard(),
		Sleep:     sleeper.sleep,
		Geteuid:   func() int { return 1000 },
	}
}

func TestBootsAfterFivePolls(t *testing.T) {
	inspector := &fakeInspector{
		running: func(int) bool { return true },
		booted:  func(i int) bool { return i >= 5 },
	}
	sleeper := &sleepRecorder{}

	result, err := newLauncher(inspector, sleeper).Run(context.Background())
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if result.State != Booted || result.Polls != 5 {
		t.Fatalf("result = %+v, want booted after 5 polls", result)
	}
	if inspector.shows != 1 {
		t.Fatalf("ShowUI called %d times, want 1", inspector.shows)
	}
	if inspector.propCalls != 5 {
		t.Fatalf("property polled %d times, want 5", inspector.propCalls)
	}
	if inspector.starts != 0 {
		t.Fatal("running session was started again")
	}
	if len(sleeper.sleeps) != 4 {
		t.Fatalf("slept %d times, want 4", len(sleeper.sleeps))
	}
}

func TestTimesOutAfterSixtyPolls(t *testing.T) {
	inspector := &fakeInspector{
		running: func(int) bool { return true },
		booted:  func(int) bool { return false },
	}
	sleeper := &sleepRecorder{}

	result, err := newLauncher(inspector, sleeper).Run(context.Background())
	if !errors.Is(err, ErrBootTimeout) {
		t.Fatalf("error = %v, want ErrBootTimeout", err)
	}
	if result.State != TimedOut || result.Polls != 60 {
		t.Fatalf("result = %+v, want timed out after 60 polls", result)
	}
	if inspector.propCalls != 60 || inspector.shows != 0 {
		t.Fatalf("props=%d shows=%d, want 60 and 0", inspector.propCalls, inspector.shows)
	}
	if len(sleeper.sleeps) != 60 {
		t.Fatalf("slept %d times, want 60", len(sleeper.sleeps))
	}
	for _, d := range sleeper.sleeps {
		if d != time.Second {
			t.Fatalf("poll spacing %v, want 1s", d)
		}
	}
}

func TestSessionDiesAtIterationEleven(t *testing.T) {
	inspector := &fakeInspector{
		running: func(i int) bool { return i < 11 },
		booted:  func(int) bool { return false },
	}

	result, err := newLauncher(inspector, &sleepRecorder{}).Run(context.Background())
	if !errors.Is(err, ErrSessionDied) {
		t.Fatalf("error = %v, want ErrSessionDied", err)
	}
	if result.State != SessionDied || result.Polls != 11 {
		t.Fatalf("result = %+v, want session died at poll 11", result)
	}
	if inspector.shows != 0 {
		t.Fatal("UI shown for a dead session")
	}
}

func TestToleratesSlowSessionStart(t *testing.T) {
	inspector := &fakeInspector{
		running: func(i int) bool { return i >= 8 },
		booted:  func(i int) bool { return i >= 12 },
	}
	sleeper := &sleepRecorder{}

	result, err := newLauncher(inspector, sleeper).Run(context.Background())
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if inspector.starts != 1 {
		t.Fatalf("StartSession called %d times, want 1", inspector.starts)
	}
	if result.State != Booted || result.Polls != 12 {
		t.Fatalf("result = %+v", result)
	}
	if sleeper.sleeps[0] != DefaultSettle {
		t.Fatalf("first sleep %v, want settle delay", sleeper.sleeps[0])
	}
}

func TestRefusesRoot(t *testing.T) {
	inspector := &fakeInspector{
		running: func(int) bool { return true },
		booted:  func(int) bool { return true },
	}
	l := newLauncher(inspector, &sleepRecorder{})
	l.Geteuid = func() int { return 0 }

	if _, err := l.Run(context.Background()); !errors.Is(err, ErrPrivileged) {
		t.Fatalf("error = %v, want ErrPrivileged", err)
	}
	if inspector.statusCalls != 0 || inspector.shows != 0 {
		t.Fatal("privileged run touched the session")
	}
}

func TestStopsOnCancel(t *testing.T) {
	inspector := &fakeInspector{
		running: func(int) bool { return true },
		booted:  func(int) bool { return false },
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := newLauncher(inspector, &sleepRecorder{})
	l.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}

	result, err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if result.Polls != 1 {
		t.Fatalf("polls = %d, want 1", result.Polls)
	}
}

func TestSessionRunning(t *testing.T) {
	cases := map[string]bool{
		"Session:\tRUNNING\nContainer:\tRUNNING\n": true,
		"Session:\tSTOPPED\nContainer:\tRUNNING\n": false,
		"Container:\tRUNNING\n":                    false,
		"":                                         false,
	}
	for status, want := range cases {
		if got := SessionRunning(status); got != want {
			t.Fatalf("SessionRunning(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestWaydroidInspector(t *testing.T) {
	runner := hostexectest.New("waydroid")
	runner.Outputs["waydroid status"] = "Session:\tRUNNING\n"
	runner.Outputs["waydroid prop get sys.boot_completed"] = "1\n"
	inspector := WaydroidInspector{Runner: runner, Logger: logging.Discard()}

	ctx := context.Background()
	if !inspector.IsRunning(ctx) {
		t.Fatal("IsRunning = false")
	}
	if value, ok := inspector.GetProperty(ctx, BootCompletedProperty); !ok || value != "1" {
		t.Fatalf("GetProperty = %q, %v", value, ok)
	}
	if err := inspector.StartSession(ctx); err != nil {
		t.Fatal(err)
	}
	if len(runner.Started) != 1 || hostexectest.Line(runner.Started[0]) != "waydroid session start" {
		t.Fatalf("started %v", runner.Started)
	}

	runner.Failures["waydroid prop get"] = hostexec.ErrExit
	if _, ok := inspector.GetProperty(ctx, BootCompletedProperty); ok {
		t.Fatal("GetProperty ok after failure")
	}
}

func TestWaydroidInspectorShowUI(t *testing.T) {
	var gotPath string
	var gotArgv []string
	prev := execProcess
	execProcess = func(path string, argv []string, _ []string) error {
		gotPath, gotArgv = path, argv
		return nil
	}
	defer func() { execProcess = prev }()

	inspector := WaydroidInspector{Runner: hostexectest.New("waydroid")}
	if err := inspector.ShowUI(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/usr/bin/waydroid" || len(gotArgv) != 2 || gotArgv[1] != "show-full-ui" {
		t.Fatalf("exec %q %v", gotPath, gotArgv)
	}
}

const noisyWaydroid = `#!/bin/sh
echo "[gbinder] Service manager /dev/binder has appeared" >&2
case "$1" in
status)
	printf 'Session:\tRUNNING\nContainer:\tRUNNING\n'
	;;
prop)
	echo 1
	;;
*)
	exit 1
	;;
esac
`

func TestWaydroidInspectorIgnoresStderr(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "waydroid"), []byte(noisyWaydroid), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	runner := hostexec.NewExecRunner(logging.Discard())
	inspector := WaydroidInspector{Runner: runner, Logger: logging.Discard()}
	ctx := context.Background()

	if !inspector.IsRunning(ctx) {
		t.Fatal("IsRunning = false with a running session")
	}
	value, ok := inspector.GetProperty(ctx, BootCompletedProperty)
	if !ok || value != "1" {
		t.Fatalf("GetProperty = %q, %v; want \"1\", true", value, ok)
	}

	shown := 0
	prev := execProcess
	execProcess = func(path string, argv []string, _ []string) error {
		if path != filepath.Join(dir, "waydroid") {
			t.Errorf("exec path = %q", path)
		}
		shown++
		return nil
	}
	defer func() { execProcess = prev }()

	result, err := newLauncher(inspector, &sleepRecorder{}).Run(ctx)
	if err != nil {
		t.Fatalf("Run unexpected error: %v", err)
	}
	if shown != 1 {
		t.Fatalf("UI shown %d times, want 1", shown)
	}
	if result.State != Booted || result.Polls != 1 {
		t.Fatalf("result = %+v, want booted on the first poll", result)
	}
}
