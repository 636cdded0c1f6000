package tmuxctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeTmux writes an executable shell script that stands in for the real
// tmux binary, dispatching on its first argument (the tmux subcommand)
// the way the real tool does.
func fakeTmux(t *testing.T, script string) *Controller {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tmux script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake tmux: %v", err)
	}
	return &Controller{Path: path}
}

func TestListSessions(t *testing.T) {
	c := fakeTmux(t, `
if [ "$1" = "list-sessions" ]; then
  printf 'demo-A\t1700000000\ndemo-B\t1700000100\n'
  exit 0
fi
exit 1
`)
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Name != "demo-A" || sessions[1].LastActivityUnix != 1700000100 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestListSessionsNoServer(t *testing.T) {
	c := fakeTmux(t, `
echo "no server running" >&2
exit 1
`)
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("expected no-server to be treated as empty list, got err: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected 0 sessions, got %d", len(sessions))
	}
}

func TestHasSession(t *testing.T) {
	c := fakeTmux(t, `
if [ "$1" = "has-session" ] && [ "$3" = "demo-A" ]; then
  exit 0
fi
exit 1
`)
	ok, err := c.HasSession(context.Background(), "demo-A")
	if err != nil || !ok {
		t.Fatalf("HasSession(demo-A) = %v, %v, want true, nil", ok, err)
	}
	ok, err = c.HasSession(context.Background(), "demo-missing")
	if err != nil || ok {
		t.Fatalf("HasSession(demo-missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestCapturePaneSessionNotFound(t *testing.T) {
	c := fakeTmux(t, `
if [ "$1" = "capture-pane" ]; then
  exit 1
fi
if [ "$1" = "has-session" ]; then
  exit 1
fi
exit 1
`)
	_, err := c.CapturePane(context.Background(), "demo-gone", 200)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCapturePaneSuccess(t *testing.T) {
	c := fakeTmux(t, `
if [ "$1" = "capture-pane" ]; then
  printf 'line one\nline two\n'
  exit 0
fi
exit 1
`)
	out, err := c.CapturePane(context.Background(), "demo-A", 200)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if out != "line one\nline two\n" {
		t.Fatalf("unexpected capture output: %q", out)
	}
}

func TestKillSessionIdempotent(t *testing.T) {
	c := fakeTmux(t, `
if [ "$1" = "kill-session" ]; then
  exit 1
fi
if [ "$1" = "has-session" ]; then
  exit 1
fi
exit 1
`)
	if err := c.KillSession(context.Background(), "demo-gone"); err != nil {
		t.Fatalf("KillSession on already-gone session should be idempotent, got %v", err)
	}
}
