// Package config loads the supervision engine's runtime configuration:
// a typed Config struct with nested section structs, an XDG-aware
// default path, and a Diff function enumerating the fields that are
// safe to hot-reload over SIGHUP.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Capture      CaptureConfig      `yaml:"capture"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	CommandQueue CommandQueueConfig `yaml:"command_queue"`
	AlertGate    AlertGateConfig    `yaml:"alert_gate"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	TaskSpec     TaskSpecConfig     `yaml:"task_spec"`
	Progress     ProgressConfig     `yaml:"progress"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Store        StoreConfig        `yaml:"store"`
}

// ServerConfig configures the Control Surface's HTTP + push listener.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// CaptureConfig configures the Pane Capture Session poller.
type CaptureConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	CaptureLines   int           `yaml:"capture_lines"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

// SupervisorConfig configures the Session Supervisor and the shared
// stuck-check timer. StuckThreshold is runtime-reloadable.
type SupervisorConfig struct {
	StuckCheckInterval time.Duration `yaml:"stuck_check_interval"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold"` // reloadable
}

// CommandQueueConfig configures the worker pool, rate cap, and retry
// policy of the Command Queue.
type CommandQueueConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// AlertGateConfig configures the Alert Gate's policy and timing
// parameters. Policy and RateLimitWindow are runtime-reloadable.
type AlertGateConfig struct {
	Policy            string        `yaml:"policy"` // none|batch|rateLimit|exponentialBackoff
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// NotifierConfig configures the external notifier subprocess
// invocation. DeliveryMode is runtime-reloadable.
type NotifierConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	DeliveryMode string   `yaml:"delivery_mode"` // system|direct
}

// TaskSpecConfig configures the Progress Parser's task-spec lookup
// policy and cache TTL.
type TaskSpecConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Filenames is the ordered set of candidate filenames tried within
	// each root.
	Filenames []string `yaml:"filenames"`
	// RootTemplates are candidate root directories, with "{session}"
	// substituted by the session key.
	RootTemplates []string `yaml:"root_templates"`
}

// ProgressConfig configures output-mode's estimated-actions-per-task
// divisor.
type ProgressConfig struct {
	DefaultEstimate int            `yaml:"default_estimate"`
	EstimateByName  map[string]int `yaml:"estimate_by_name_substring"`
}

// SessionsConfig selects which multiplexer sessions are supervised.
type SessionsConfig struct {
	Monitor    []string `yaml:"monitor"`
	AutoDetect bool     `yaml:"auto_detect"`
}

// StoreConfig names the two SQLite files: one for session state +
// interaction log + alerts log + task-spec cache, one for command
// audit rows.
type StoreConfig struct {
	StatePath   string `yaml:"state_path"`
	CommandPath string `yaml:"command_path"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns default
// config if the path doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	dataDir := filepath.Join(".", "data")
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
		},
		Capture: CaptureConfig{
			PollInterval:   2 * time.Second,
			CaptureLines:   200,
			CaptureTimeout: 5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			StuckCheckInterval: 30 * time.Second,
			StuckThreshold:     300 * time.Second,
		},
		CommandQueue: CommandQueueConfig{
			Concurrency:       5,
			RatePerSecond:     10,
			MaxAttempts:       3,
			BackoffBase:       2 * time.Second,
			BackoffMultiplier: 2,
		},
		AlertGate: AlertGateConfig{
			Policy:            "rateLimit",
			RateLimitWindow:   5 * time.Minute,
			BatchWindow:       30 * time.Second,
			BackoffBase:       time.Minute,
			BackoffCap:        60 * time.Minute,
			BackoffMultiplier: 2,
		},
		Notifier: NotifierConfig{
			Command:      "agent-supervisor-notify",
			DeliveryMode: "system",
		},
		TaskSpec: TaskSpecConfig{
			TTL:           30 * time.Second,
			Filenames:     []string{"TASKS.md", "TODO.md", "README.md", "PLAN.md"},
			RootTemplates: []string{"{session}", "~/{session}"},
		},
		Progress: ProgressConfig{
			DefaultEstimate: 10,
		},
		Sessions: SessionsConfig{
			AutoDetect: true,
		},
		Store: StoreConfig{
			StatePath:   filepath.Join(dataDir, "state.db"),
			CommandPath: filepath.Join(dataDir, "commands.db"),
		},
	}
}

// RootsFor expands the task-spec root templates for one session key,
// substituting "{session}" and resolving "~" against the user's home
// directory.
func (t TaskSpecConfig) RootsFor(sessionKey string) []string {
	home, _ := os.UserHomeDir()
	roots := make([]string, 0, len(t.RootTemplates))
	for _, tmpl := range t.RootTemplates {
		r := strings.ReplaceAll(tmpl, "{session}", sessionKey)
		if strings.HasPrefix(r, "~/") && home != "" {
			r = filepath.Join(home, strings.TrimPrefix(r, "~/"))
		}
		roots = append(roots, r)
	}
	return roots
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "agent-supervisor", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, limited to the runtime-reloadable fields:
// supervisor.stuck_threshold, alert_gate.policy,
// alert_gate.rate_limit_window, and notifier.delivery_mode.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Supervisor.StuckThreshold != new.Supervisor.StuckThreshold {
		changes = append(changes, fmt.Sprintf("supervisor.stuck_threshold: %s -> %s", old.Supervisor.StuckThreshold, new.Supervisor.StuckThreshold))
	}
	if old.AlertGate.Policy != new.AlertGate.Policy {
		changes = append(changes, fmt.Sprintf("alert_gate.policy: %s -> %s", old.AlertGate.Policy, new.AlertGate.Policy))
	}
	if old.AlertGate.RateLimitWindow != new.AlertGate.RateLimitWindow {
		changes = append(changes, fmt.Sprintf("alert_gate.rate_limit_window: %s -> %s", old.AlertGate.RateLimitWindow, new.AlertGate.RateLimitWindow))
	}
	if old.Notifier.DeliveryMode != new.Notifier.DeliveryMode {
		changes = append(changes, fmt.Sprintf("notifier.delivery_mode: %s -> %s", old.Notifier.DeliveryMode, new.Notifier.DeliveryMode))
	}
	return changes
}
