// Package supervisor implements the Session Supervisor: the per-session
// control object that owns a Pane Capture Session, runs the classifier
// and progress parser on each delta, debounces identical snapshots,
// writes through to the Audit Store, and publishes events.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agent-supervisor/backend/internal/capture"
	"github.com/agent-supervisor/backend/internal/classify"
	"github.com/agent-supervisor/backend/internal/progress"
	"github.com/agent-supervisor/backend/internal/session"
)

// Store is the subset of the Audit Store the Supervisor writes through
// to. Implemented by internal/audit.Store.
type Store interface {
	UpsertSessionState(ctx context.Context, s *session.Session) error
	PutTaskSpec(ctx context.Context, sessionKey string, spec *session.TaskSpec) error
}

// Publisher is the subset of the Event Bus the Supervisor publishes to.
type Publisher interface {
	Publish(evt session.Event)
}

// Options configures a Supervisor's behavior. Of these fields only
// StuckThreshold can change at runtime (via SetStuckThreshold).
type Options struct {
	StuckThreshold time.Duration
	TaskSpecTTL    time.Duration
	Lookup         func(sessionKey string) progress.Lookup
	Estimate       progress.EstimateTable
	Glyphs         classify.Glyphs
}

func (o Options) withDefaults() Options {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 300 * time.Second
	}
	if o.TaskSpecTTL <= 0 {
		o.TaskSpecTTL = 30 * time.Second
	}
	if o.Estimate.Default <= 0 {
		o.Estimate = progress.DefaultEstimateTable
	}
	if len(o.Glyphs.Prompt) == 0 {
		o.Glyphs = classify.DefaultGlyphs
	}
	return o
}

// Supervisor owns one session's supervised lifecycle: its Capture
// Session, its current Session aggregate, and the classifier/parser
// pipeline run on every delta.
type Supervisor struct {
	key   string
	cap   *capture.Session
	store Store
	bus   Publisher
	opts  Options

	classifier classify.Classifier
	taskSpecs  *progress.Cache

	// onEnded is invoked once when the underlying session is confirmed
	// gone; the registry uses it to unregister the key so later lookups
	// see 404. Set before Start.
	onEnded func(sessionKey string)

	mu      sync.RWMutex
	current *session.Session
}

// New constructs a Supervisor for one session. Does not start capturing
// until Start is called.
func New(key string, cap *capture.Session, store Store, bus Publisher, opts Options, taskSpecs *progress.Cache) *Supervisor {
	opts = opts.withDefaults()
	sup := &Supervisor{
		key:        key,
		cap:        cap,
		store:      store,
		bus:        bus,
		opts:       opts,
		classifier: classify.Glyph(opts.Glyphs),
		taskSpecs:  taskSpecs,
		current: &session.Session{
			Key:          key,
			State:        session.Initializing,
			LastActivity: time.Now(),
		},
	}
	cap.OnDelta = sup.handleDelta
	cap.OnDisconnected = sup.handleDisconnected
	return sup
}

// Start connects the underlying Capture Session. All supervisors are
// started uniformly from the registry's start phase rather than from
// divergent constructor paths.
func (sp *Supervisor) Start(ctx context.Context) error {
	return sp.cap.Connect(ctx)
}

// Snapshot returns a deep copy of the current Session aggregate. Safe
// for concurrent readers (Control Surface) while the Supervisor's own
// goroutine mutates the original under the write lock.
func (sp *Supervisor) Snapshot() *session.Session {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.current.Clone()
}

// SendKeys forwards to the underlying Capture Session; used by the
// Command Queue worker.
func (sp *Supervisor) SendKeys(ctx context.Context, text string, pressEnter bool) error {
	return sp.cap.SendKeys(ctx, text, pressEnter)
}

// Kill terminates the underlying multiplexer session, transitions this
// session to Complete, and publishes session_killed -- the
// operator-initiated counterpart to handleDisconnected's "session
// ended" path, which fires instead when the session disappears on its
// own.
func (sp *Supervisor) Kill(ctx context.Context) error {
	if err := sp.cap.Kill(ctx); err != nil {
		return err
	}

	now := time.Now()
	sp.mu.Lock()
	sp.current.State = session.Complete
	snap := sp.current.Clone()
	sp.mu.Unlock()

	sp.persist(snap)
	sp.bus.Publish(session.Event{
		Kind:       session.EventSessionKilled,
		SessionKey: sp.key,
		Timestamp:  now,
	})
	return nil
}

// SetStuckThreshold updates the idle duration this Supervisor requires
// before CheckStuck can transition it to Stuck. Backs the Registry's
// SIGHUP-driven hot reload of stuck_threshold.
func (sp *Supervisor) SetStuckThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.opts.StuckThreshold = d
}

// Output captures the last n visible lines of the underlying pane, for
// the Control Surface's output endpoint.
func (sp *Supervisor) Output(ctx context.Context, lines int) (string, error) {
	return sp.cap.Capture(ctx, lines)
}

// handleDelta runs the classifier/parser pipeline on one output-delta
// and publishes any resulting state or progress change. Called from the
// Capture Session's polling goroutine; must not block.
func (sp *Supervisor) handleDelta(d capture.Delta) {
	now := time.Now()
	tail := tailOf(d.Snapshot.Text, 2000)

	sp.mu.Lock()
	priorState := sp.current.State
	priorProgress := sp.current.Progress
	sp.current.LastActivity = now
	sp.current.LastOutputTail = tail
	sp.mu.Unlock()

	newState := classify.Classify(sp.classifier, d.Snapshot.Text, priorState)

	var spec *session.TaskSpec
	if sp.taskSpecs != nil && sp.opts.Lookup != nil {
		s, err := sp.taskSpecs.Get(sp.key, sp.opts.Lookup(sp.key), now)
		if err != nil {
			log.Printf("supervisor %s: task-spec lookup failed: %v", sp.key, err)
		} else {
			spec = s
		}
	}
	newProgress := progress.Compute(d.Snapshot.Text, spec, sp.opts.Estimate, sp.key)

	sp.mu.Lock()
	priorSpec := sp.current.TaskSpec
	sp.current.State = newState
	sp.current.Progress = newProgress
	sp.current.TaskSpec = spec
	snapshotForStore := sp.current.Clone()
	sp.mu.Unlock()

	// The task-spec cache is mirrored to the audit store on each refresh
	// for observability; the in-memory cache stays authoritative.
	if spec != nil && (priorSpec == nil || !priorSpec.CachedAt.Equal(spec.CachedAt)) {
		if sp.store != nil {
			if err := sp.store.PutTaskSpec(context.Background(), sp.key, spec); err != nil {
				log.Printf("supervisor %s: task-spec store error: %v", sp.key, err)
			}
		}
	}

	if newState != priorState {
		sp.bus.Publish(session.Event{
			Kind:       session.EventStateChange,
			SessionKey: sp.key,
			Timestamp:  now,
			Payload:    session.StateChangePayload{From: priorState, To: newState},
		})
		if newState == session.Error {
			sp.bus.Publish(session.Event{Kind: session.EventAgentError, SessionKey: sp.key, Timestamp: now})
		}
		if newState == session.Complete {
			sp.bus.Publish(session.Event{
				Kind:       session.EventAgentComplete,
				SessionKey: sp.key,
				Timestamp:  now,
				Payload:    session.CompletePayload{Reason: "task complete"},
			})
		}
	}

	if newProgress.Percent != priorProgress.Percent {
		sp.bus.Publish(session.Event{
			Kind:       session.EventProgress,
			SessionKey: sp.key,
			Timestamp:  now,
			Payload:    session.ProgressPayload{Progress: newProgress},
		})
	}

	// The tail is always persisted, whether or not state or progress
	// changed -- one store write per delta.
	sp.persist(snapshotForStore)
}

// handleDisconnected implements the "session disappears" failure path:
// transition to Complete (if not already terminal), publish
// agent_complete with reason "session ended", and hand the key back to
// the registry so subsequent lookups see an unknown session.
func (sp *Supervisor) handleDisconnected(sessionKey string) {
	now := time.Now()
	sp.mu.Lock()
	if sp.current.State.IsTerminal() {
		sp.mu.Unlock()
		return
	}
	sp.current.State = session.Complete
	snap := sp.current.Clone()
	sp.mu.Unlock()

	sp.persist(snap)
	sp.bus.Publish(session.Event{
		Kind:       session.EventAgentComplete,
		SessionKey: sessionKey,
		Timestamp:  now,
		Payload:    session.CompletePayload{Reason: "session ended"},
	})
	if sp.onEnded != nil {
		sp.onEnded(sessionKey)
	}
}

// CheckStuck runs the stuck-check half of the classifier against the
// current snapshot tail and idle time; called by the registry's shared
// stuck-check timer. Returns true if a transition to Stuck occurred.
func (sp *Supervisor) CheckStuck(now time.Time) bool {
	sp.mu.RLock()
	state := sp.current.State
	lastActivity := sp.current.LastActivity
	tail := sp.current.LastOutputTail
	threshold := sp.opts.StuckThreshold.Seconds()
	sp.mu.RUnlock()

	if state == session.Stuck || state.IsTerminal() {
		return false
	}
	idle := now.Sub(lastActivity).Seconds()
	if idle <= threshold {
		return false
	}

	newState := classify.ClassifyStuck(sp.classifier, tail, state, idle, threshold)
	if newState != session.Stuck {
		return false
	}

	sp.mu.Lock()
	sp.current.State = session.Stuck
	snap := sp.current.Clone()
	sp.mu.Unlock()

	sp.persist(snap)
	sp.bus.Publish(session.Event{
		Kind:       session.EventAgentStuck,
		SessionKey: sp.key,
		Timestamp:  now,
		Payload:    session.StuckPayload{IdleSeconds: idle, Tail: tail},
	})
	return true
}

func (sp *Supervisor) persist(s *session.Session) {
	if sp.store == nil {
		return
	}
	if err := sp.store.UpsertSessionState(context.Background(), s); err != nil {
		log.Printf("supervisor %s: store error: %v", sp.key, err)
	}
}

func tailOf(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
