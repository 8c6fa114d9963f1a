package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNotAllowed is returned for programs outside the allow-list.
var ErrNotAllowed = errors.New("command not allowed")

// allowed is the fixed set of programs the bot may execute.
var allowed = map[string]bool{
	"git": true,
	"gh":  true,
}

// Allowed reports whether name is on the allow-list. Only bare program names
// match; a path such as /usr/bin/git is rejected.
func Allowed(name string) bool {
	return allowed[name]
}

// Runner executes an external program in dir and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// Error is a non-zero exit from an external program. Both streams are kept
// for diagnostics.
type Error struct {
	Name   string
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	cmdText := redactSensitiveText(strings.Join(append([]string{e.Name}, e.Args...), " "), nil)
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if detail != "" {
		return fmt.Sprintf("%s: %v: %s", cmdText, e.Err, redactSensitiveText(detail, nil))
	}
	return fmt.Sprintf("%s: %v", cmdText, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Exec runs allow-listed programs with os/exec. Each call blocks only the
// calling goroutine.
type Exec struct {
	// Env is appended to the inherited environment.
	Env []string
}

func (x Exec) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	if !Allowed(name) {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never block on an interactive credential prompt.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0", "GH_PROMPT_DISABLED=1")
	cmd.Env = append(cmd.Env, x.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("exec", "cmd", name, "args", redactSensitiveText(strings.Join(args, " "), nil), "dir", dir)
	if err := cmd.Run(); err != nil {
		return stdout.String(), &Error{
			Name:   name,
			Args:   append([]string(nil), args...),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}
