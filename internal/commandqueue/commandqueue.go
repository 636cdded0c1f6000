// Package commandqueue implements the Command Queue: a durable
// at-least-once queue of outbound send-to-session commands, with a
// bounded worker pool, a global rate cap, and exponential backoff retry.
package commandqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agent-supervisor/backend/internal/session"
)

// Sender is the subset of the Session Supervisor registry the queue
// needs to deliver a command.
type Sender interface {
	SendKeys(ctx context.Context, sessionKey, text string) error
}

// Store persists command rows; implemented by internal/audit.Store.
type Store interface {
	InsertCommand(ctx context.Context, cmd *session.Command) error
	UpdateCommand(ctx context.Context, cmd *session.Command) error
	ListRecoverableCommands(ctx context.Context) ([]*session.Command, error)
}

// Publisher is the subset of the Event Bus the queue publishes
// command_sent / command_failed events to.
type Publisher interface {
	Publish(evt session.Event)
}

// Options configures the worker pool and retry policy.
type Options struct {
	Concurrency   int
	RatePerSecond float64
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMult   float64
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMult <= 0 {
		o.BackoffMult = 2
	}
	return o
}

// Queue is the durable at-least-once command queue.
type Queue struct {
	sender  Sender
	store   Store
	bus     Publisher
	opts    Options
	limiter *rate.Limiter

	jobsMu sync.Mutex
	jobs   chan *session.Command
	// claimed holds job ids currently owned by a worker, enforcing the
	// "at most one worker processes a given job id at a time" invariant.
	claimed map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Queue. Call Start to launch the worker pool.
func New(sender Sender, store Store, bus Publisher, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		sender:  sender,
		store:   store,
		bus:     bus,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		jobs:    make(chan *session.Command, 1024),
		claimed: make(map[string]bool),
	}
}

// Start launches the bounded worker pool.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
}

// Stop cancels the worker pool and waits for in-flight jobs to drain.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue appends a pending command row and schedules it for delivery.
// Returns a stable job id. Not idempotent: each call creates a new job.
func (q *Queue) Enqueue(ctx context.Context, sessionKey, payload, source string) (string, error) {
	cmd := &session.Command{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Payload:    payload,
		Source:     source,
		Status:     session.CommandPending,
		CreatedAt:  time.Now(),
	}
	if q.store != nil {
		if err := q.store.InsertCommand(ctx, cmd); err != nil {
			return "", fmt.Errorf("commandqueue: insert: %w", err)
		}
	}
	q.schedule(cmd, 0)
	return cmd.ID, nil
}

// Recover reloads every pending/processing command row left over from a
// prior process and reschedules it. A restart must not lose
// pending/processing rows; any row found processing (mid-delivery when
// the prior process stopped) is moved back to pending before it is
// rescheduled. Call once, after Start, before the queue is exposed to
// new traffic.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	cmds, err := q.store.ListRecoverableCommands(ctx)
	if err != nil {
		return 0, fmt.Errorf("commandqueue: recover: %w", err)
	}
	for _, cmd := range cmds {
		if cmd.Status == session.CommandProcessing {
			cmd.Status = session.CommandPending
			q.persist(ctx, cmd)
		}
		q.schedule(cmd, 0)
	}
	return len(cmds), nil
}

// schedule enqueues cmd for delivery after the given delay.
func (q *Queue) schedule(cmd *session.Command, delay time.Duration) {
	if delay <= 0 {
		q.jobs <- cmd
		return
	}
	time.AfterFunc(delay, func() {
		q.jobs <- cmd
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-q.jobs:
			if !ok {
				return
			}
			if !q.claim(cmd.ID) {
				continue
			}
			if err := q.limiter.Wait(ctx); err != nil {
				q.release(cmd.ID)
				return
			}
			q.process(ctx, cmd)
			q.release(cmd.ID)
		}
	}
}

func (q *Queue) claim(id string) bool {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	if q.claimed[id] {
		return false
	}
	q.claimed[id] = true
	return true
}

func (q *Queue) release(id string) {
	q.jobsMu.Lock()
	defer q.jobsMu.Unlock()
	delete(q.claimed, id)
}

func (q *Queue) process(ctx context.Context, cmd *session.Command) {
	cmd.Status = session.CommandProcessing
	cmd.RetryCount++
	q.persist(ctx, cmd)

	err := q.sender.SendKeys(ctx, cmd.SessionKey, cmd.Payload)
	if err == nil {
		now := time.Now()
		cmd.Status = session.CommandSent
		cmd.SentAt = &now
		q.persist(ctx, cmd)
		q.bus.Publish(session.Event{
			Kind:       session.EventCommandSent,
			SessionKey: cmd.SessionKey,
			Timestamp:  now,
			Payload:    session.CommandResultPayload{JobID: cmd.ID, RetryCount: cmd.RetryCount},
		})
		return
	}

	cmd.LastError = err.Error()
	if cmd.RetryCount < q.opts.MaxAttempts {
		delay := backoffDelay(q.opts.BackoffBase, q.opts.BackoffMult, cmd.RetryCount)
		q.persist(ctx, cmd)
		q.schedule(cmd, delay)
		return
	}

	cmd.Status = session.CommandFailed
	q.persist(ctx, cmd)
	q.bus.Publish(session.Event{
		Kind:       session.EventCommandFailed,
		SessionKey: cmd.SessionKey,
		Timestamp:  time.Now(),
		Payload:    session.CommandResultPayload{JobID: cmd.ID, RetryCount: cmd.RetryCount, LastError: cmd.LastError},
	})
}

// backoffDelay computes base * multiplier^(attempt-1).
func backoffDelay(base time.Duration, mult float64, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

func (q *Queue) persist(ctx context.Context, cmd *session.Command) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateCommand(ctx, cmd); err != nil {
		log.Printf("commandqueue: store error for job %s: %v", cmd.ID, err)
	}
}
