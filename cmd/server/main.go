package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agent-supervisor/backend/internal/alertgate"
	"github.com/agent-supervisor/backend/internal/api"
	"github.com/agent-supervisor/backend/internal/audit"
	"github.com/agent-supervisor/backend/internal/capture"
	"github.com/agent-supervisor/backend/internal/classify"
	"github.com/agent-supervisor/backend/internal/commandqueue"
	"github.com/agent-supervisor/backend/internal/config"
	"github.com/agent-supervisor/backend/internal/eventbus"
	"github.com/agent-supervisor/backend/internal/notifier"
	"github.com/agent-supervisor/backend/internal/progress"
	"github.com/agent-supervisor/backend/internal/session"
	"github.com/agent-supervisor/backend/internal/supervisor"
	"github.com/agent-supervisor/backend/internal/tmuxctl"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/agent-supervisor/config.yaml)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	stateStore, err := audit.Open(cfg.Store.StatePath)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer stateStore.Close()

	cmdStore, err := audit.Open(cfg.Store.CommandPath)
	if err != nil {
		log.Fatalf("Failed to open command store: %v", err)
	}
	defer cmdStore.Close()

	ctl := &tmuxctl.Controller{}
	bus := eventbus.New(0)

	taskSpecs := progress.NewCache(cfg.TaskSpec.TTL)
	lookupFor := func(sessionKey string) progress.Lookup {
		return progress.Lookup{Roots: cfg.TaskSpec.RootsFor(sessionKey), Filenames: cfg.TaskSpec.Filenames}
	}
	estimate := progress.EstimateTable{Default: cfg.Progress.DefaultEstimate, ByNameSubstring: cfg.Progress.EstimateByName}

	supOpts := supervisor.Options{
		StuckThreshold: cfg.Supervisor.StuckThreshold,
		TaskSpecTTL:    cfg.TaskSpec.TTL,
		Lookup:         lookupFor,
		Estimate:       estimate,
		Glyphs:         classify.DefaultGlyphs,
	}
	registry := supervisor.NewRegistry(ctl, stateStore, bus, supOpts, taskSpecs, cfg.Supervisor.StuckCheckInterval)
	defer registry.Stop()

	queue := commandqueue.New(registry, cmdStore, bus, commandqueue.Options{
		Concurrency:   cfg.CommandQueue.Concurrency,
		RatePerSecond: cfg.CommandQueue.RatePerSecond,
		MaxAttempts:   cfg.CommandQueue.MaxAttempts,
		BackoffBase:   cfg.CommandQueue.BackoffBase,
		BackoffMult:   cfg.CommandQueue.BackoffMultiplier,
	})

	notify := notifier.New(cfg.Notifier.Command, cfg.Notifier.Args...)
	gate := alertgate.New(notify, alertgate.Options{
		Policy:               alertgate.Policy(cfg.AlertGate.Policy),
		RateLimitWindow:      cfg.AlertGate.RateLimitWindow,
		BatchWindow:          cfg.AlertGate.BatchWindow,
		BackoffBase:          cfg.AlertGate.BackoffBase,
		BackoffCap:           cfg.AlertGate.BackoffCap,
		BackoffMultiplier:    cfg.AlertGate.BackoffMultiplier,
		NotifierDeliveryMode: cfg.Notifier.DeliveryMode,
	})
	gate.OnForward = func(evt session.Event, forwardErr error) {
		rec := &session.AlertRecord{SessionKey: evt.SessionKey, EventKind: evt.Kind, LastAlertedAt: time.Now(), AlertCount: 1}
		if forwardErr != nil {
			log.Printf("notifier: failed to forward %s for %s: %v", evt.Kind, evt.SessionKey, forwardErr)
		}
		if err := stateStore.AppendAlert(context.Background(), rec); err != nil {
			log.Printf("audit: failed to log alert for %s: %v", evt.SessionKey, err)
		}
	}

	server := api.New(registry, queue, stateStore, cmdStore, gate, bus, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)
	if n, err := queue.Recover(ctx); err != nil {
		log.Printf("commandqueue: recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("commandqueue: recovered %d pending/processing command(s)", n)
	}
	gate.StartBatchFlush(ctx)
	registry.StartStuckCheck(ctx)
	go runAlertDispatch(ctx, bus, gate)

	if err := registerSessions(ctx, registry, ctl, cfg); err != nil {
		log.Printf("session registration: %v", err)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	var cfgMu sync.Mutex

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			cfgMu.Lock()
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				log.Printf("config: reload failed, keeping current config: %v", err)
				cfgMu.Unlock()
				continue
			}
			for _, change := range config.Diff(cfg, newCfg) {
				log.Printf("config: reload applying %s", change)
			}
			registry.ApplyStuckThreshold(newCfg.Supervisor.StuckThreshold)
			gate.ApplyOptions(alertgate.Options{
				Policy:               alertgate.Policy(newCfg.AlertGate.Policy),
				RateLimitWindow:      newCfg.AlertGate.RateLimitWindow,
				BatchWindow:          newCfg.AlertGate.BatchWindow,
				BackoffBase:          newCfg.AlertGate.BackoffBase,
				BackoffCap:           newCfg.AlertGate.BackoffCap,
				BackoffMultiplier:    newCfg.AlertGate.BackoffMultiplier,
				NotifierDeliveryMode: newCfg.Notifier.DeliveryMode,
			})
			cfg = newCfg
			cfgMu.Unlock()
			log.Println("config: reload complete")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		// Bounded wait: units still running at the deadline are abandoned.
		time.AfterFunc(5*time.Second, func() {
			log.Println("Shutdown deadline exceeded, exiting")
			os.Exit(1)
		})
		cancel()
		gate.StopBatchFlush()
		queue.Stop()
		registry.Stop()
		stateStore.Close()
		cmdStore.Close()
		os.Exit(0)
	}()

	log.Printf("Listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := api.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// alertableKinds are the high-signal event kinds the Alert Gate may
// forward to the external notifier. Routine state_change and progress
// traffic stays on the push channel only.
var alertableKinds = map[session.EventKind]bool{
	session.EventAgentStuck:     true,
	session.EventAgentError:     true,
	session.EventAgentComplete:  true,
	session.EventNudgeRequested: true,
	session.EventCommandFailed:  true,
}

// runAlertDispatch subscribes to the Event Bus and drives the Alert
// Gate: each alertable event is evaluated and, if approved, forwarded;
// a departure from Stuck clears that session's stuck alert record so
// the next Stuck immediately alerts.
func runAlertDispatch(ctx context.Context, bus *eventbus.Bus, gate *alertgate.Gate) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Kind == session.EventStateChange {
				if payload, ok := evt.Payload.(session.StateChangePayload); ok && payload.From == session.Stuck && payload.To != session.Stuck {
					gate.ClearOnStuckDeparture(evt.SessionKey)
				}
			}
			if !alertableKinds[evt.Kind] {
				continue
			}
			if gate.Evaluate(evt, time.Now()) {
				if err := gate.Forward(evt); err != nil {
					log.Printf("notifier: forward failed for %s: %v", evt.SessionKey, err)
				}
			}
		}
	}
}

// registerSessions seeds the registry from cfg.Sessions.Monitor and, if
// AutoDetect is set, every live tmux session not already listed.
func registerSessions(ctx context.Context, registry *supervisor.Registry, ctl *tmuxctl.Controller, cfg *config.Config) error {
	captureOpts := capture.Options{
		PollInterval:   cfg.Capture.PollInterval,
		CaptureLines:   cfg.Capture.CaptureLines,
		CaptureTimeout: cfg.Capture.CaptureTimeout,
	}

	seen := make(map[string]bool, len(cfg.Sessions.Monitor))
	for _, key := range cfg.Sessions.Monitor {
		seen[key] = true
		if err := registry.Register(ctx, key, captureOpts); err != nil {
			log.Printf("supervisor: failed to register %s: %v", key, err)
		}
	}

	if !cfg.Sessions.AutoDetect {
		return nil
	}

	sessions, err := ctl.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if seen[s.Name] {
			continue
		}
		if err := registry.Register(ctx, s.Name, captureOpts); err != nil {
			log.Printf("supervisor: failed to auto-register %s: %v", s.Name, err)
		}
	}
	return nil
}
