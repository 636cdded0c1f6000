// Package api implements the Control Surface: the HTTP resources and
// push channel through which external callers query supervised sessions
// and mutate state (send/kill/suppress/unsuppress/flush). It is the
// only entry point by which external callers mutate state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-supervisor/backend/internal/alertgate"
	"github.com/agent-supervisor/backend/internal/audit"
	"github.com/agent-supervisor/backend/internal/commandqueue"
	"github.com/agent-supervisor/backend/internal/eventbus"
	"github.com/agent-supervisor/backend/internal/session"
	"github.com/agent-supervisor/backend/internal/supervisor"
)

// Server is the Control Surface: HTTP handlers plus the push-channel
// upgrade, wired to the supervision engine's components. Command-side
// requests are idempotent where feasible: send mints a fresh jobId
// every call; kill, suppress, unsuppress are idempotent.
type Server struct {
	registry *supervisor.Registry
	queue    *commandqueue.Queue
	store    *audit.Store // session state, interaction log, alerts log, task specs
	cmdStore *audit.Store // command audit rows, kept in their own store file
	gate     *alertgate.Gate
	bus      *eventbus.Bus
	privacy  *session.PrivacyFilter

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	startedAt time.Time

	pushMu      sync.Mutex
	pushClients map[*pushClient]bool
}

// New constructs a Control Surface bound to the supervision engine's
// components.
func New(registry *supervisor.Registry, queue *commandqueue.Queue, store, cmdStore *audit.Store, gate *alertgate.Gate, bus *eventbus.Bus, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		registry:       registry,
		queue:          queue,
		store:          store,
		cmdStore:       cmdStore,
		gate:           gate,
		bus:            bus,
		privacy:        &session.PrivacyFilter{},
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		startedAt:      time.Now(),
		pushClients:    make(map[*pushClient]bool),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetPrivacyFilter configures the filter applied to sessions before they
// cross the Control Surface boundary.
func (s *Server) SetPrivacyFilter(f *session.PrivacyFilter) {
	if f != nil {
		s.privacy = f
	}
}

// SetupRoutes registers every Control Surface handler onto mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handlePush)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/alerts/states", s.handleAlertStates)
	mux.HandleFunc("/api/alerts/", s.handleAlertRoutes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"pushClients": s.pushClientCount(),
		"timestamp":   time.Now(),
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.runPushClient(conn)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessions := s.privacy.FilterSlice(s.registry.Snapshots())
	writeJSON(w, http.StatusOK, map[string]any{"agents": sessions, "count": len(sessions)})
}

// handleAgentRoutes dispatches /api/agents/{key}[/output|/command|/commands|/log|/kill].
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	key, err := url.PathUnescape(parts[0])
	if err != nil || key == "" {
		http.Error(w, "invalid agent key", http.StatusBadRequest)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.handleAgentGet(w, r, key)
	case "output":
		s.handleAgentOutput(w, r, key)
	case "command":
		s.handleAgentCommand(w, r, key)
	case "commands":
		s.handleAgentCommands(w, r, key)
	case "log":
		s.handleAgentLog(w, r, key)
	case "kill":
		s.handleAgentKill(w, r, key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request, key string) {
	sup, ok := s.registry.Get(key)
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(sup.Snapshot()))
}

func (s *Server) handleAgentOutput(w http.ResponseWriter, r *http.Request, key string) {
	if _, ok := s.registry.Get(key); !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	lines := intQuery(r, "lines", 200)
	out, err := s.registry.Output(r.Context(), key, lines)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownSession) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": key, "output": out, "lines": lines})
}

type commandRequest struct {
	Command string `json:"command"`
	Source  string `json:"source"`
}

func (s *Server) handleAgentCommand(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command must not be empty", http.StatusBadRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	jobID, err := s.queue.Enqueue(r.Context(), key, req.Command, source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A nudge is an operator prod at a stalled agent: it rides the same
	// delivery path as any other command, but is logged under its own
	// action and announced as a high-signal event.
	action := session.ActionSendCommand
	if source == "nudge" {
		action = session.ActionNudge
		s.bus.Publish(session.Event{
			Kind:       session.EventNudgeRequested,
			SessionKey: key,
			Timestamp:  time.Now(),
			Payload:    session.NudgePayload{JobID: jobID, Content: req.Command},
		})
	}
	s.logInteraction(r.Context(), key, session.ActorAPI, action, req.Command)
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "status": "queued"})
}

func (s *Server) handleAgentCommands(w http.ResponseWriter, r *http.Request, key string) {
	limit := intQuery(r, "limit", 100)
	commands, err := s.cmdStore.ListCommands(r.Context(), key, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request, key string) {
	limit := intQuery(r, "limit", 100)
	log, err := s.store.ListInteractions(r.Context(), key, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": log})
}

func (s *Server) handleAgentKill(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.registry.Get(key); !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	if err := s.registry.Kill(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logInteraction(r.Context(), key, session.ActorAPI, session.ActionKill, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessions := s.registry.Snapshots()
	byState := make(map[string]int)
	for _, sess := range sessions {
		byState[sess.State.String()]++
	}
	pending, err := s.cmdStore.CountCommandsByStatus(r.Context(), session.CommandPending)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": map[string]any{
			"total":   len(sessions),
			"byState": byState,
		},
		"commands": map[string]any{"pending": pending},
		"uptime":   time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleAlertStates(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	states, err := s.store.ListLatestAlerts(r.Context(), 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

// handleAlertRoutes dispatches /api/alerts/flush and
// /api/alerts/{key}/{suppress|unsuppress}.
func (s *Server) handleAlertRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 && parts[0] == "flush" {
		s.handleFlush(w, r)
		return
	}
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	key, err := url.PathUnescape(parts[0])
	if err != nil || key == "" {
		http.Error(w, "invalid session key", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "suppress":
		s.handleSuppress(w, r, key)
	case "unsuppress":
		s.handleUnsuppress(w, r, key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type suppressRequest struct {
	Duration int `json:"duration"` // minutes
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req suppressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Duration <= 0 {
		http.Error(w, "duration (minutes) must be positive", http.StatusBadRequest)
		return
	}
	s.gate.Suppress(key, time.Duration(req.Duration)*time.Minute)
	s.logInteraction(r.Context(), key, session.ActorAPI, session.ActionSuppressAlerts, fmt.Sprintf("%d minutes", req.Duration))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "suppressedForMinutes": req.Duration})
}

// handleFlush forces an immediate batch flush, independent of the
// periodic flusher. A no-op under non-batch policies (the batch stays
// empty), so it is safely idempotent.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.gate.FlushBatch()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUnsuppress(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.gate.Unsuppress(key)
	s.logInteraction(r.Context(), key, session.ActorAPI, session.ActionUnsuppressAlerts, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) logInteraction(ctx context.Context, key string, actor session.Actor, action session.InteractionAction, content string) {
	entry := &session.InteractionLogEntry{SessionKey: key, Timestamp: time.Now(), Actor: actor, Action: action, Content: content}
	if err := s.store.AppendInteraction(ctx, entry); err != nil {
		// Best-effort: a failed audit write never fails the request.
		log.Printf("api: failed to record interaction for %s: %v", key, err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	return strings.HasPrefix(host, "localhost:") || host == "localhost" ||
		strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ListenAndServe starts the HTTP listener.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	return http.ListenAndServe(addr, mux)
}
