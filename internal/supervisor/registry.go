package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agent-supervisor/backend/internal/capture"
	"github.com/agent-supervisor/backend/internal/progress"
	"github.com/agent-supervisor/backend/internal/session"
)

// Registry is the single-owner aggregate holding every supervised
// session's Supervisor, plus the shared stuck-check timer that sweeps
// all of them on one period. The registry is the only mutator of the
// session map; readers get snapshot copies.
type Registry struct {
	ctl       capture.Controller
	store     Store
	bus       Publisher
	opts      Options
	taskSpecs *progress.Cache

	stuckCheckInterval time.Duration

	mu          sync.RWMutex
	supervisors map[string]*Supervisor

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry constructs an empty Registry. taskSpecs is shared across
// every Supervisor it creates, since the task-spec cache is keyed by
// session already.
func NewRegistry(ctl capture.Controller, store Store, bus Publisher, opts Options, taskSpecs *progress.Cache, stuckCheckInterval time.Duration) *Registry {
	if stuckCheckInterval <= 0 {
		stuckCheckInterval = 30 * time.Second
	}
	return &Registry{
		ctl:                ctl,
		store:              store,
		bus:                bus,
		opts:               opts,
		taskSpecs:          taskSpecs,
		stuckCheckInterval: stuckCheckInterval,
		supervisors:        make(map[string]*Supervisor),
	}
}

// Register creates and starts a Supervisor for a session key. Returns an
// error if the key is already tracked.
func (r *Registry) Register(ctx context.Context, key string, captureOpts capture.Options) error {
	r.mu.Lock()
	if _, exists := r.supervisors[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("supervisor: %s already registered", key)
	}
	capSession := capture.New(key, r.ctl, captureOpts)
	sup := New(key, capSession, r.store, r.bus, r.opts, r.taskSpecs)
	sup.onEnded = r.Unregister
	r.supervisors[key] = sup
	r.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.supervisors, key)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Unregister removes a session from the registry without touching the
// underlying multiplexer session.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.supervisors, key)
}

// Get returns the Supervisor for a key, if tracked.
func (r *Registry) Get(key string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.supervisors[key]
	return sup, ok
}

// ErrUnknownSession is returned when an operation targets a session key
// the registry does not track.
var ErrUnknownSession = fmt.Errorf("supervisor: unknown session")

// SendKeys implements commandqueue.Sender: it looks up the session's
// Supervisor and forwards the payload with a trailing Enter keystroke.
func (r *Registry) SendKeys(ctx context.Context, sessionKey, text string) error {
	sup, ok := r.Get(sessionKey)
	if !ok {
		return ErrUnknownSession
	}
	return sup.SendKeys(ctx, text, true)
}

// Output returns the last n visible lines of a tracked session's pane.
func (r *Registry) Output(ctx context.Context, sessionKey string, lines int) (string, error) {
	sup, ok := r.Get(sessionKey)
	if !ok {
		return "", ErrUnknownSession
	}
	return sup.Output(ctx, lines)
}

// Kill terminates a tracked session's underlying multiplexer session
// and removes it from the registry, so a second Kill (or any other
// lookup) against the same key sees ErrUnknownSession and the Control
// Surface answers 404 for a gone session.
func (r *Registry) Kill(ctx context.Context, sessionKey string) error {
	sup, ok := r.Get(sessionKey)
	if !ok {
		return ErrUnknownSession
	}
	if err := sup.Kill(ctx); err != nil {
		return err
	}
	r.Unregister(sessionKey)
	return nil
}

// ApplyStuckThreshold updates the threshold used for every currently
// tracked session and for every session registered afterward. Backs
// SIGHUP-driven reload of stuck_threshold.
func (r *Registry) ApplyStuckThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.opts.StuckThreshold = d
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	for _, sup := range sups {
		sup.SetStuckThreshold(d)
	}
}

// Keys returns every currently-tracked session key.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.supervisors))
	for k := range r.supervisors {
		keys = append(keys, k)
	}
	return keys
}

// Snapshots returns a deep copy of every tracked session's aggregate.
func (r *Registry) Snapshots() []*session.Session {
	r.mu.RLock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	out := make([]*session.Session, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Snapshot())
	}
	return out
}

// StartStuckCheck runs the shared stuck-check timer until Stop is called
// or the context is cancelled.
func (r *Registry) StartStuckCheck(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.stuckCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweepStuck()
			}
		}
	}()
}

func (r *Registry) sweepStuck() {
	now := time.Now()
	r.mu.RLock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	for _, sup := range sups {
		sup.CheckStuck(now)
	}
}

// Stop cancels the stuck-check timer and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
