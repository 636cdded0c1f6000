// Package tmuxctl invokes the terminal multiplexer as an opaque
// subprocess: list-sessions, has-session, capture-pane, send-keys, and
// kill-session, each a single tmux invocation guarded by a per-call
// timeout. No cursor-accurate terminal emulation is attempted; only the
// visible pane buffer is read.
package tmuxctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a tmux session does not exist.
var ErrSessionNotFound = errors.New("tmuxctl: session not found")

// DefaultTimeout bounds every tmux invocation when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 5 * time.Second

// Controller invokes the tmux binary. The zero value looks up "tmux" on
// PATH lazily; set Path to pin a specific binary (tests do this).
type Controller struct {
	Path string
}

func (c *Controller) path() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	p, err := exec.LookPath("tmux")
	if err != nil {
		return "", fmt.Errorf("tmuxctl: tmux not found: %w", err)
	}
	c.Path = p
	return p, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func (c *Controller) run(ctx context.Context, args ...string) ([]byte, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tmuxctl: %s timed out: %w", strings.Join(args, " "), ctx.Err())
		}
		return nil, fmt.Errorf("tmuxctl: %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// SessionInfo is one row of "list sessions" output.
type SessionInfo struct {
	Name             string
	LastActivityUnix int64
}

// ListSessions returns every tmux session currently known to the server.
func (c *Controller) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_activity}")
	if err != nil {
		if isNoServerRunning(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		activity, _ := strconv.ParseInt(fields[1], 10, 64)
		sessions = append(sessions, SessionInfo{Name: fields[0], LastActivityUnix: activity})
	}
	return sessions, nil
}

// HasSession reports whether the named session currently exists.
func (c *Controller) HasSession(ctx context.Context, name string) (bool, error) {
	path, err := c.path()
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, "has-session", "-t", name)
	err = cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("tmuxctl: has-session %s: %w", name, err)
}

// CapturePane reads the last n visible lines of the named session's active
// pane. Returns ErrSessionNotFound if the session does not exist.
func (c *Controller) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := c.run(ctx, "capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		exists, hasErr := c.HasSession(ctx, name)
		if hasErr == nil && !exists {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	return string(out), nil
}

// SendKeys writes text to the session's input, optionally followed by an
// Enter keystroke.
func (c *Controller) SendKeys(ctx context.Context, name, text string, pressEnter bool) error {
	args := []string{"send-keys", "-t", name, "-l", "--", text}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("tmuxctl: send-keys: %w", err)
	}
	if pressEnter {
		if _, err := c.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
			return fmt.Errorf("tmuxctl: send-keys Enter: %w", err)
		}
	}
	return nil
}

// KillSession terminates the named tmux session.
func (c *Controller) KillSession(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "kill-session", "-t", name); err != nil {
		exists, hasErr := c.HasSession(ctx, name)
		if hasErr == nil && !exists {
			return nil // already gone: kill is idempotent
		}
		return fmt.Errorf("tmuxctl: kill-session: %w", err)
	}
	return nil
}

// isNoServerRunning recognizes tmux's "no server running" error, which
// list-sessions returns when tmux has never been started -- equivalent to
// an empty session list, not a failure.
func isNoServerRunning(err error) bool {
	return strings.Contains(err.Error(), "no server running") ||
		strings.Contains(err.Error(), "No such file or directory")
}
