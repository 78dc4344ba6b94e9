// Package hostexec runs external programs on the host. Every component that shells out
// (apt-get, modprobe, systemctl, waydroid) does so through a Runner so the sequencing
// can be tested without touching the machine.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/cochaviz/waydroid-atv/internal/logging"
)

// Command describes one external program invocation.
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the current process environment.
	Env []string
}

// Cmd builds a Command.
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithEnv returns a copy of c with the KEY=VALUE pairs added to its environment.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

func (c Command) String() string {
	parts := append([]string(nil), c.Env...)
	parts = append(parts, c.Name)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Runner executes host commands.
type Runner interface {
	// Run executes cmd with output forwarded to the operator and fails on a non-zero exit.
	Run(ctx context.Context, cmd Command) error
	// Output executes cmd and returns its standard output. Standard error is kept out
	// of the result; it is logged and, on failure, added to the error.
	Output(ctx context.Context, cmd Command) (string, error)
	// Start launches cmd in its own session without waiting for it.
	Start(cmd Command) error
	// LookPath resolves a program on PATH.
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecRunner returns a runner that forwards command output to the process stdio.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		Logger: logging.Ensure(logger).With(logging.ComponentKey, "exec"),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	r.logger().Debug("running command", "command", c.String())
	cmd := r.command(ctx, c)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, c Command) (string, error) {
	r.logger().Debug("querying command", "command", c.String())
	cmd := r.command(ctx, c)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	err := cmd.Run()
	diagnostics := strings.TrimSpace(stderr.String())
	if diagnostics != "" {
		r.logger().Debug("command stderr", "command", c.Name, "stderr", diagnostics)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), ctxErr
		}
		if diagnostics != "" {
			return out.String(), fmt.Errorf("%s: %w: %s", c.Name, err, diagnostics)
		}
		return out.String(), fmt.Errorf("%s: %w", c.Name, err)
	}
	return out.String(), nil
}

func (r *ExecRunner) Start(c Command) error {
	r.logger().Debug("starting detached command", "command", c.String())
	cmd := exec.Command(c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Name, err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (r *ExecRunner) logger() *slog.Logger {
	return logging.Ensure(r.Logger)
}

// Succeeds runs cmd and reports whether it exited zero. Only failures to launch the
// program or a cancelled context are returned as errors.
func Succeeds(ctx context.Context, r Runner, cmd Command) (bool, error) {
	err := r.Run(ctx, cmd)
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, ErrExit) {
		return false, nil
	}
	return false, err
}

// ErrExit is returned by fake runners to simulate a non-zero exit status.
var ErrExit = errors.New("exit status 1")

// Available reports whether name resolves on PATH.
func Available(r Runner, name string) bool {
	_, err := r.LookPath(name)
	return err == nil
}
