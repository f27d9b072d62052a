// Package execx abstracts external command execution so stages can be
// exercised in tests without the real toolchain installed.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the required working directory.
	Dir string
	// Env entries are appended to the process environment.
	Env []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes external commands. The default implementation shells out;
// tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner invokes commands via os/exec with captured output.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) error {
	if _, err := exec.LookPath(c.Name); err != nil {
		return fmt.Errorf("command %q not found: %w", c.Name, err)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Running command", slog.String("command", c.String()), slog.String("dir", c.Dir))
	err := cmd.Run()

	// Always surface captured output when non-empty to diagnose issues.
	if out := stdout.String(); out != "" {
		slog.Debug("command stdout", slog.String("command", c.Name), slog.String("output", out))
	}
	if errOut := stderr.String(); errOut != "" {
		slog.Warn("command stderr", slog.String("command", c.Name), slog.String("error_output", errOut))
	}

	if err != nil {
		// Include both streams in the error; tools write diagnostics to either.
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		if output != "" {
			return fmt.Errorf("%s: %w: %s", c.String(), err, output)
		}
		return fmt.Errorf("%s: %w", c.String(), err)
	}
	return nil
}
