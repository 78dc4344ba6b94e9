package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/cochaviz/waydroid-atv/internal/probe"
)

// Choice is the operator's answer to the kernel switch offer.
type Choice string

const (
	ChoiceSwitch Choice = "switch"
	ChoiceKeep   Choice = "keep"
	// ChoiceAsk defers the decision to an interactive prompt.
	ChoiceAsk Choice = "ask"
)

// ParseChoice validates a --kernel-choice value.
func ParseChoice(value string) (Choice, error) {
	switch Choice(strings.ToLower(strings.TrimSpace(value))) {
	case "", ChoiceAsk:
		return ChoiceAsk, nil
	case ChoiceSwitch:
		return ChoiceSwitch, nil
	case ChoiceKeep:
		return ChoiceKeep, nil
	default:
		return "", fmt.Errorf("unknown kernel choice %q (use ask, switch or keep)", value)
	}
}

// Chooser asks whether the 16K page kernel should be replaced.
type Chooser interface {
	ChooseKernel(ctx context.Context, profile probe.SystemProfile) (Choice, error)
}

// FixedChooser always returns the same choice.
type FixedChooser Choice

func (c FixedChooser) ChooseKernel(context.Context, probe.SystemProfile) (Choice, error) {
	return Choice(c), nil
}

// ErrNotInteractive is returned by PromptChooser when stdin is not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal; pass --kernel-choice=switch or --kernel-choice=keep")

// PromptChooser asks on a terminal.
type PromptChooser struct {
	In  io.Reader
	Out io.Writer
	// Interactive reports whether In is attached to a terminal.
	Interactive func() bool
}

// NewPromptChooser prompts on the process stdio.
func NewPromptChooser() *PromptChooser {
	return &PromptChooser{
		In:  os.Stdin,
		Out: os.Stderr,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

func (c *PromptChooser) ChooseKernel(ctx context.Context, profile probe.SystemProfile) (Choice, error) {
	if c.Interactive != nil && !c.Interactive() {
		return "", ErrNotInteractive
	}

	fmt.Fprintf(c.Out, "\n%s is running a %d byte page kernel. Waydroid needs 4096 byte pages.\n", profile.DeviceModel, profile.PageSize)
	fmt.Fprintln(c.Out, "  1) switch - select kernel8.img (4K pages) in the boot config, then reboot")
	fmt.Fprintln(c.Out, "  2) keep   - keep the current kernel and abort the installation")

	reader := bufio.NewReader(c.In)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(c.Out, "Choice [1/2]: ")
		line, err := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "1", "s", "switch":
			return ChoiceSwitch, nil
		case "2", "k", "keep":
			return ChoiceKeep, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no kernel choice given")
			}
			return "", fmt.Errorf("read choice: %w", err)
		}
		fmt.Fprintln(c.Out, "Please answer 1 or 2.")
	}
}
