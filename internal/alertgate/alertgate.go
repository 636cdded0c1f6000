// Package alertgate implements the Alert Gate: a policy-driven filter
// between published events and the external notifier, with per-session
// operator suppression and spam control.
package alertgate

import (
	"context"
	"sync"
	"time"

	"github.com/agent-supervisor/backend/internal/session"
)

// Policy is the closed, config-selectable, runtime-reloadable set of
// forwarding strategies.
type Policy string

const (
	PolicyNone               Policy = "none"
	PolicyRateLimit          Policy = "rateLimit"
	PolicyExponentialBackoff Policy = "exponentialBackoff"
	PolicyBatch              Policy = "batch"
)

// Notifier is the external notification sink, invoked as an opaque
// subprocess with two delivery modes.
type Notifier interface {
	Notify(mode, message string) error
}

// Options configures the Alert Gate's policy and timing parameters.
// Safe to change at runtime via ApplyOptions.
type Options struct {
	Policy              Policy
	RateLimitWindow     time.Duration
	BatchWindow         time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	BackoffMultiplier   float64
	NotifierDeliveryMode string
}

func (o Options) withDefaults() Options {
	if o.Policy == "" {
		o.Policy = PolicyRateLimit
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = 5 * time.Minute
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Minute
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Minute
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
	if o.NotifierDeliveryMode == "" {
		o.NotifierDeliveryMode = "system"
	}
	return o
}

type recordKey struct {
	sessionKey string
	eventKind  session.EventKind
}

// Gate decides whether an event becomes an outbound notification.
type Gate struct {
	notifier Notifier

	mu               sync.Mutex
	opts             Options
	records          map[recordKey]*session.AlertRecord
	suppressionUntil map[string]time.Time

	batchMu sync.Mutex
	batch   map[recordKey]session.Event

	cancel context.CancelFunc
	done   chan struct{}

	// OnForward, if set, is invoked after every forward attempt (batch or
	// otherwise) with the outcome, letting a caller append to the alerts
	// log without the Gate depending on the Audit Store directly.
	OnForward func(evt session.Event, err error)
}

// New constructs a Gate bound to a notifier.
func New(notifier Notifier, opts Options) *Gate {
	g := &Gate{
		notifier:         notifier,
		opts:             opts.withDefaults(),
		records:          make(map[recordKey]*session.AlertRecord),
		suppressionUntil: make(map[string]time.Time),
		batch:            make(map[recordKey]session.Event),
	}
	return g
}

// ApplyOptions hot-reloads the gate's policy and timing parameters.
func (g *Gate) ApplyOptions(opts Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opts = opts.withDefaults()
}

// Suppress applies operator-initiated suppression for a session. Last
// writer wins within clock granularity.
func (g *Gate) Suppress(sessionKey string, duration time.Duration) time.Time {
	until := time.Now().Add(duration)
	g.mu.Lock()
	g.suppressionUntil[sessionKey] = until
	g.mu.Unlock()
	return until
}

// Unsuppress clears operator-initiated suppression for a session.
// Idempotent.
func (g *Gate) Unsuppress(sessionKey string) {
	g.mu.Lock()
	delete(g.suppressionUntil, sessionKey)
	g.mu.Unlock()
}

// IsSuppressed reports whether a session is currently under operator
// suppression.
func (g *Gate) IsSuppressed(sessionKey string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.suppressionUntil[sessionKey]
	return ok && now.Before(until)
}

// ClearOnStuckDeparture implements the activity-reset rule: when a
// session transitions out of Stuck, its agent_stuck alert record is
// cleared so the next Stuck immediately alerts. The rule applies to any
// departure from Stuck; Error recovery has no such reset.
func (g *Gate) ClearOnStuckDeparture(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, recordKey{sessionKey: sessionKey, eventKind: session.EventAgentStuck})
}

// Evaluate decides whether evt should forward, applying suppression
// first and then the active policy. For the batch policy, evt is queued
// and Evaluate always returns false; StartBatchFlush must be running (or
// FlushBatch called) to forward it.
func (g *Gate) Evaluate(evt session.Event, now time.Time) bool {
	if g.IsSuppressed(evt.SessionKey, now) {
		return false
	}

	g.mu.Lock()
	policy := g.opts.Policy
	g.mu.Unlock()

	switch policy {
	case PolicyNone:
		return true
	case PolicyBatch:
		g.enqueueBatch(evt)
		return false
	case PolicyExponentialBackoff:
		return g.evaluateBackoff(evt, now)
	default:
		return g.evaluateRateLimit(evt, now)
	}
}

func (g *Gate) key(evt session.Event) recordKey {
	return recordKey{sessionKey: evt.SessionKey, eventKind: evt.Kind}
}

func (g *Gate) evaluateRateLimit(evt session.Event, now time.Time) bool {
	k := g.key(evt)
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[k]
	if !ok {
		g.records[k] = &session.AlertRecord{SessionKey: evt.SessionKey, EventKind: evt.Kind, LastAlertedAt: now, AlertCount: 1}
		return true
	}
	if now.Sub(rec.LastAlertedAt) >= g.opts.RateLimitWindow {
		rec.LastAlertedAt = now
		rec.AlertCount++
		return true
	}
	return false
}

func (g *Gate) evaluateBackoff(evt session.Event, now time.Time) bool {
	k := g.key(evt)
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[k]
	if !ok {
		deadline := now.Add(g.opts.BackoffBase)
		g.records[k] = &session.AlertRecord{
			SessionKey: evt.SessionKey, EventKind: evt.Kind,
			LastAlertedAt: now, AlertCount: 1, BackoffDeadline: &deadline,
		}
		return true
	}
	if rec.BackoffDeadline != nil && now.Before(*rec.BackoffDeadline) {
		return false
	}
	rec.AlertCount++
	rec.LastAlertedAt = now
	delay := backoffDelay(g.opts.BackoffBase, g.opts.BackoffMultiplier, rec.AlertCount, g.opts.BackoffCap)
	deadline := now.Add(delay)
	rec.BackoffDeadline = &deadline
	return true
}

func backoffDelay(base time.Duration, mult float64, n int, cap time.Duration) time.Duration {
	d := float64(base)
	for i := 1; i < n; i++ {
		d *= mult
	}
	delay := time.Duration(d)
	if delay > cap {
		return cap
	}
	return delay
}

func (g *Gate) enqueueBatch(evt session.Event) {
	g.batchMu.Lock()
	defer g.batchMu.Unlock()
	g.batch[g.key(evt)] = evt
}

// FlushBatch forwards every survivor in the current batch (deduplicated
// by (sessionKey, eventKind), keeping the latest payload) and clears it.
// Called by the periodic batch-flush timer.
func (g *Gate) FlushBatch() {
	g.batchMu.Lock()
	pending := g.batch
	g.batch = make(map[recordKey]session.Event)
	g.batchMu.Unlock()

	for _, evt := range pending {
		g.forward(evt)
	}
}

// forward performs a single outbound notification attempt and reports
// its outcome to OnForward. Failures are never retried; FlushBatch
// discards the returned error.
func (g *Gate) forward(evt session.Event) error {
	g.mu.Lock()
	mode := g.opts.NotifierDeliveryMode
	g.mu.Unlock()
	err := g.notifier.Notify(mode, formatMessage(evt))
	if g.OnForward != nil {
		g.OnForward(evt, err)
	}
	return err
}

// Forward is the exported entry point used once Evaluate has approved
// an event for non-batch policies.
func (g *Gate) Forward(evt session.Event) error {
	return g.forward(evt)
}

func formatMessage(evt session.Event) string {
	return string(evt.Kind) + " on " + evt.SessionKey
}

// StartBatchFlush runs the periodic batch-flush timer (only meaningful
// under the batch policy; harmless no-op flushes otherwise since the
// batch map stays empty under other policies).
func (g *Gate) StartBatchFlush(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		g.mu.Lock()
		window := g.opts.BatchWindow
		g.mu.Unlock()
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				g.FlushBatch()
				return
			case <-ticker.C:
				g.FlushBatch()
			}
		}
	}()
}

// StopBatchFlush cancels the batch-flush timer, flushing any remaining
// pending batch one final time (process shutdown's "flush the final
// batch if policy = batch" requirement).
func (g *Gate) StopBatchFlush() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
}
