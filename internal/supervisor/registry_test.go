package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/agent-supervisor/backend/internal/capture"
	"github.com/agent-supervisor/backend/internal/session"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	ctl := &fakeCtl{exists: true, text: "hi"}
	reg := NewRegistry(ctl, &fakeStore{}, &fakeBus{}, Options{}, nil, time.Hour)

	if err := reg.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sup, ok := reg.Get("demo-A")
	if !ok || sup == nil {
		t.Fatal("expected demo-A to be registered")
	}

	if err := reg.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour}); err == nil {
		t.Fatal("expected duplicate Register to fail")
	}
}

func TestRegistryRegisterFailsWhenSessionMissing(t *testing.T) {
	ctl := &fakeCtl{exists: false}
	reg := NewRegistry(ctl, &fakeStore{}, &fakeBus{}, Options{}, nil, time.Hour)

	err := reg.Register(context.Background(), "demo-missing", capture.Options{PollInterval: time.Hour})
	if err == nil {
		t.Fatal("expected Register to fail for a nonexistent session")
	}
	if _, ok := reg.Get("demo-missing"); ok {
		t.Fatal("registry should not retain a failed registration")
	}
}

func TestRegistryKillUnregistersSession(t *testing.T) {
	ctl := &fakeCtl{exists: true, text: "hi"}
	reg := NewRegistry(ctl, &fakeStore{}, &fakeBus{}, Options{}, nil, time.Hour)

	if err := reg.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Kill(context.Background(), "demo-A"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := reg.Get("demo-A"); ok {
		t.Fatal("expected demo-A to be unregistered after Kill")
	}
	if err := reg.Kill(context.Background(), "demo-A"); err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession on second Kill, got %v", err)
	}
}

func TestRegistryUnregistersOnPassiveDisconnect(t *testing.T) {
	ctl := &fakeCtl{exists: true, text: "hi"}
	reg := NewRegistry(ctl, &fakeStore{}, &fakeBus{}, Options{}, nil, time.Hour)

	if err := reg.Register(context.Background(), "demo-C", capture.Options{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sup, _ := reg.Get("demo-C")

	// The existence probe failing is delivered to the supervisor as a
	// disconnect; the session must then be gone from the registry so
	// lookups return unknown-session (the 404 path).
	sup.handleDisconnected("demo-C")

	if _, ok := reg.Get("demo-C"); ok {
		t.Fatal("expected demo-C to be unregistered after its session ended")
	}
}

func TestRegistrySweepStuckAcrossSessions(t *testing.T) {
	ctlA := &fakeCtl{exists: true, text: "x\n>"}
	bus := &fakeBus{}
	reg := NewRegistry(ctlA, &fakeStore{}, bus, Options{StuckThreshold: 1 * time.Millisecond}, nil, time.Hour)

	if err := reg.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sup, _ := reg.Get("demo-A")
	sup.mu.Lock()
	sup.current.State = session.Idle
	sup.current.LastActivity = time.Now().Add(-time.Hour)
	sup.current.LastOutputTail = "x\n>"
	sup.mu.Unlock()

	reg.sweepStuck()

	if sup.Snapshot().State != session.Stuck {
		t.Fatalf("expected sweepStuck to transition demo-A to Stuck, got %v", sup.Snapshot().State)
	}
}

func TestRegistrySnapshots(t *testing.T) {
	ctl := &fakeCtl{exists: true, text: "hi"}
	reg := NewRegistry(ctl, &fakeStore{}, &fakeBus{}, Options{}, nil, time.Hour)
	_ = reg.Register(context.Background(), "demo-A", capture.Options{PollInterval: time.Hour})
	_ = reg.Register(context.Background(), "demo-B", capture.Options{PollInterval: time.Hour})

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
