// Package session holds the value types shared across the supervision
// engine: the session aggregate, its state machine, progress snapshots,
// interaction history, commands, and bus events.
package session

import (
	"encoding/json"
	"time"
)

// State is the closed nine-element set a supervised session can occupy.
type State int

const (
	Initializing State = iota
	Reading
	Thinking
	Working
	Testing
	Idle
	Stuck
	Error
	Complete
)

var stateNames = map[State]string{
	Initializing: "initializing",
	Reading:      "reading",
	Thinking:     "thinking",
	Working:      "working",
	Testing:      "testing",
	Idle:         "idle",
	Stuck:        "stuck",
	Error:        "error",
	Complete:     "complete",
}

var stateFromName = map[string]State{
	"initializing": Initializing,
	"reading":      Reading,
	"thinking":     Thinking,
	"working":      Working,
	"testing":      Testing,
	"idle":         Idle,
	"stuck":        Stuck,
	"error":        Error,
	"complete":     Complete,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether the state is sticky-complete. Stuck is NOT
// terminal: it clears on any new activity.
func (s State) IsTerminal() bool {
	return s == Complete
}

// ProgressIndicators are the raw counters the Progress Parser extracts
// from a pane snapshot.
type ProgressIndicators struct {
	FilesRead           int    `json:"filesRead"`
	FilesWritten        int    `json:"filesWritten"`
	FilesEdited         int    `json:"filesEdited"`
	BashCommands        int    `json:"bashCommands"`
	Contemplations      int    `json:"contemplations"`
	ThinkingTimeSeconds int    `json:"thinkingTimeSeconds"`
	ErrorCount          int    `json:"errorCount"`
	Source              string `json:"source"` // "taskspec" | "output"
	TaskSpecPath        string `json:"taskSpecPath,omitempty"`
	TaskSpecTotal       int    `json:"taskSpecTotal,omitempty"`
	TaskSpecCompleted   int    `json:"taskSpecCompleted,omitempty"`
}

// Progress is a point-in-time completion estimate for a session.
type Progress struct {
	Percent    int                `json:"percent"`
	Indicators ProgressIndicators `json:"indicators"`
}

// TaskSpecItem is a single checkbox line from a task-spec markdown file.
type TaskSpecItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TaskSpec is the parsed, cached representation of a session's task list.
type TaskSpec struct {
	Path           string         `json:"path"`
	TotalTasks     int            `json:"totalTasks"`
	CompletedTasks int            `json:"completedTasks"`
	Items          []TaskSpecItem `json:"items"`
	CachedAt       time.Time      `json:"cachedAt"`
}

// Session is the supervised aggregate: the Session Supervisor's exclusive
// write-owned view of one tmux session.
type Session struct {
	Key              string     `json:"key"`
	State            State      `json:"state"`
	Progress         Progress   `json:"progress"`
	LastActivity     time.Time  `json:"lastActivity"`
	LastOutputTail   string     `json:"lastOutputTail,omitempty"`
	TaskSpec         *TaskSpec  `json:"taskSpec,omitempty"`
	SuppressionUntil *time.Time `json:"suppressionUntil,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the
// Supervisor that owns the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.TaskSpec != nil {
		ts := *s.TaskSpec
		ts.Items = append([]TaskSpecItem(nil), s.TaskSpec.Items...)
		c.TaskSpec = &ts
	}
	if s.SuppressionUntil != nil {
		t := *s.SuppressionUntil
		c.SuppressionUntil = &t
	}
	return &c
}

// IsSuppressed reports whether operator-initiated suppression is active at
// the given instant.
func (s *Session) IsSuppressed(now time.Time) bool {
	return s.SuppressionUntil != nil && now.Before(*s.SuppressionUntil)
}
