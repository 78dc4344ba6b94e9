package hostexectest

import (
	"context"
	"errors"
	"testing"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
)

func TestFailuresPreferLongestPrefix(t *testing.T) {
	generic := errors.New("apt-get failed")
	purge := errors.New("dpkg lock held")

	r := New()
	r.Failures["apt-get"] = generic
	r.Failures["apt-get purge"] = purge

	for i := 0; i < 50; i++ {
		if err := r.Run(context.Background(), hostexec.Cmd("apt-get", "purge", "-y", "waydroid")); !errors.Is(err, purge) {
			t.Fatalf("attempt %d: error = %v, want %v", i, err, purge)
		}
		if err := r.Run(context.Background(), hostexec.Cmd("apt-get", "update")); !errors.Is(err, generic) {
			t.Fatalf("attempt %d: error = %v, want %v", i, err, generic)
		}
	}
}

func TestOutputsPreferLongestPrefix(t *testing.T) {
	r := New()
	r.Outputs["waydroid"] = "generic"
	r.Outputs["waydroid prop get"] = "1"

	out, err := r.Output(context.Background(), hostexec.Cmd("waydroid", "prop", "get", "sys.boot_completed"))
	if err != nil || out != "1" {
		t.Fatalf("Output = %q, %v; want 1, nil", out, err)
	}
}
