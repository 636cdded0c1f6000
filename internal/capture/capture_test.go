package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeController struct {
	mu         sync.Mutex
	exists     bool
	panes      []string
	paneIdx    int
	captureErr error
	sendErr    error
	killErr    error
	sent       []string
}

func (f *fakeController) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeController) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	if len(f.panes) == 0 {
		return "", nil
	}
	idx := f.paneIdx
	if idx >= len(f.panes) {
		idx = len(f.panes) - 1
	}
	return f.panes[idx], nil
}

func (f *fakeController) SendKeys(ctx context.Context, name, text string, pressEnter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeController) KillSession(ctx context.Context, name string) error {
	return f.killErr
}

func (f *fakeController) advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paneIdx < len(f.panes)-1 {
		f.paneIdx++
	}
}

func TestConnectSessionNotFound(t *testing.T) {
	ctl := &fakeController{exists: false}
	s := New("demo-A", ctl, Options{})
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ctl := &fakeController{exists: true, panes: []string{"hello\n"}}
	s := New("demo-A", ctl, Options{PollInterval: time.Hour})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op, got: %v", err)
	}
	s.Disconnect()
}

func TestPollEmitsDeltaOnChange(t *testing.T) {
	ctl := &fakeController{exists: true, panes: []string{"line1\n", "line1\nline2\n"}}
	s := New("demo-A", ctl, Options{PollInterval: 10 * time.Millisecond})

	deltas := make(chan Delta, 4)
	s.OnDelta = func(d Delta) { deltas <- d }

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	ctl.advance()

	select {
	case d := <-deltas:
		if len(d.Suffix) != 1 || d.Suffix[0] != "line2" {
			t.Fatalf("unexpected suffix: %+v", d.Suffix)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta")
	}
}

func TestPollEmitsNoDeltaWhenUnchanged(t *testing.T) {
	ctl := &fakeController{exists: true, panes: []string{"same\n"}}
	s := New("demo-A", ctl, Options{PollInterval: 10 * time.Millisecond})

	deltas := make(chan Delta, 4)
	s.OnDelta = func(d Delta) { deltas <- d }

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	select {
	case d := <-deltas:
		t.Fatalf("unexpected delta on unchanged snapshot: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollDisconnectsOnSessionGone(t *testing.T) {
	ctl := &fakeController{exists: true, panes: []string{"hi\n"}, captureErr: errors.New("boom")}
	s := New("demo-A", ctl, Options{PollInterval: 10 * time.Millisecond})

	gone := make(chan string, 1)
	s.OnDisconnected = func(key string) { gone <- key }

	// Connect succeeds with no capture error yet.
	ctl.captureErr = nil
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctl.mu.Lock()
	ctl.captureErr = errors.New("boom")
	ctl.exists = false
	ctl.mu.Unlock()

	select {
	case key := <-gone:
		if key != "demo-A" {
			t.Fatalf("unexpected disconnected key: %s", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func TestSendKeysRequiresConnection(t *testing.T) {
	ctl := &fakeController{exists: true, panes: []string{"x\n"}}
	s := New("demo-A", ctl, Options{PollInterval: time.Hour})
	if err := s.SendKeys(context.Background(), "hi", true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCommonSuffix(t *testing.T) {
	cases := []struct {
		prev, next []string
		want       []string
	}{
		{nil, []string{"a"}, []string{"a"}},
		{[]string{"a"}, []string{"a"}, nil},
		{[]string{"a", "b"}, []string{"a", "b", "c"}, []string{"c"}},
		{[]string{"a", "b"}, []string{"a"}, nil},
	}
	for _, c := range cases {
		got := commonSuffix(c.prev, c.next)
		if len(got) != len(c.want) {
			t.Fatalf("commonSuffix(%v, %v) = %v, want %v", c.prev, c.next, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("commonSuffix(%v, %v) = %v, want %v", c.prev, c.next, got, c.want)
			}
		}
	}
}
