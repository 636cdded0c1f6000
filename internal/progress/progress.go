// Package progress computes a ProgressSnapshot from a pane snapshot and
// an optional cached task-spec file. Indicator extraction is pure;
// task-spec lookup is cached per session with a configurable TTL.
package progress

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agent-supervisor/backend/internal/session"
)

var (
	reFilesRead    = regexp.MustCompile(`Read\(`)
	reFilesWritten = regexp.MustCompile(`Write\(`)
	reFilesEdited  = regexp.MustCompile(`Edit\(|MultiEdit\(|Update\(`)
	reBash         = regexp.MustCompile(`Bash\(|Shell\(|Exec\(`)
	reContemplate  = regexp.MustCompile(`Contemplating`)
	reThinkingTime = regexp.MustCompile(`\((\d+)s\)`)
	reErrorMarker  = regexp.MustCompile(`Error:|\[ERROR\]|✗|✘`)
	reCheckbox     = regexp.MustCompile(`(?i)^\s*-\s*\[( |x)\]\s*(.+)$`)
)

// ExtractIndicators counts occurrences of each marker in the snapshot
// text and sums per-match thinking-time spans. Pure: the same text
// always yields the same counters.
func ExtractIndicators(text string) session.ProgressIndicators {
	ind := session.ProgressIndicators{
		FilesRead:      len(reFilesRead.FindAllString(text, -1)),
		FilesWritten:   len(reFilesWritten.FindAllString(text, -1)),
		FilesEdited:    len(reFilesEdited.FindAllString(text, -1)),
		BashCommands:   len(reBash.FindAllString(text, -1)),
		Contemplations: len(reContemplate.FindAllString(text, -1)),
		ErrorCount:     len(reErrorMarker.FindAllString(text, -1)),
	}
	for _, m := range reThinkingTime.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			ind.ThinkingTimeSeconds += n
		}
	}
	return ind
}

// EstimateTable tunes the output-mode estimated-actions-per-task divisor
// by session-name substring.
type EstimateTable struct {
	Default         int
	ByNameSubstring map[string]int
}

// DefaultEstimateTable is the baseline: 10 actions estimated per task,
// with no per-project overrides.
var DefaultEstimateTable = EstimateTable{Default: 10}

// EstimateFor returns the tuned estimate for a session name.
func (t EstimateTable) EstimateFor(sessionName string) int {
	for substr, n := range t.ByNameSubstring {
		if strings.Contains(sessionName, substr) {
			return n
		}
	}
	if t.Default > 0 {
		return t.Default
	}
	return 10
}

// Task specs are parsed into the session package's TaskSpec type
// directly, so callers can store them on the Session aggregate without
// translation.

// Lookup resolves a session's task-spec file, given a lookup policy: a
// set of candidate roots (derived from the session name by the caller)
// and a set of candidate filenames tried in order within each root.
type Lookup struct {
	Roots     []string
	Filenames []string
}

// Resolve returns the first existing (root, filename) match, or "" if
// none exists.
func (l Lookup) Resolve() string {
	for _, root := range l.Roots {
		for _, name := range l.Filenames {
			candidate := filepath.Join(root, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// ParseTaskSpec reads a markdown file and extracts checkbox lines in
// document order.
func ParseTaskSpec(path string) (*session.TaskSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	spec := &session.TaskSpec{Path: path, CachedAt: time.Now()}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		m := reCheckbox.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		done := strings.EqualFold(m[1], "x")
		spec.Items = append(spec.Items, session.TaskSpecItem{Text: strings.TrimSpace(m[2]), Done: done})
		spec.TotalTasks++
		if done {
			spec.CompletedTasks++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Cache holds one TaskSpec per session, refreshed on TTL expiry. Safe
// for concurrent use; the Session Supervisor calls Get from its own
// goroutine, but Control Surface reads may race with a refresh.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*session.TaskSpec
}

// NewCache builds a task-spec cache with the given TTL (default 30s).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{ttl: ttl, entries: make(map[string]*session.TaskSpec)}
}

// Get returns the cached spec for sessionKey if still fresh; otherwise
// resolves and reparses via lookup, replacing the cache entry. Returns
// nil if no task-spec file could be found.
func (c *Cache) Get(sessionKey string, lookup Lookup, now time.Time) (*session.TaskSpec, error) {
	c.mu.Lock()
	cached, ok := c.entries[sessionKey]
	c.mu.Unlock()
	if ok && now.Sub(cached.CachedAt) < c.ttl {
		return cached, nil
	}

	path := lookup.Resolve()
	if path == "" {
		c.mu.Lock()
		delete(c.entries, sessionKey)
		c.mu.Unlock()
		return nil, nil
	}

	spec, err := ParseTaskSpec(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[sessionKey] = spec
	c.mu.Unlock()
	return spec, nil
}

// Compute derives a ProgressSnapshot from a pane snapshot, preferring
// task-spec mode when a spec with total > 0 is available and falling
// back to output-mode heuristics otherwise.
func Compute(text string, spec *session.TaskSpec, estimate EstimateTable, sessionName string) session.Progress {
	ind := ExtractIndicators(text)

	if spec != nil && spec.TotalTasks > 0 {
		ind.Source = "taskspec"
		ind.TaskSpecPath = spec.Path
		ind.TaskSpecTotal = spec.TotalTasks
		ind.TaskSpecCompleted = spec.CompletedTasks
		percent := int(math.Round(100 * float64(spec.CompletedTasks) / float64(spec.TotalTasks)))
		return session.Progress{Percent: clampPercent(percent), Indicators: ind}
	}

	ind.Source = "output"
	completed := ind.FilesWritten + ind.FilesEdited + ind.BashCommands
	est := estimate.EstimateFor(sessionName)
	if est <= 0 {
		est = 10
	}
	percent := int(math.Round(100 * float64(completed) / float64(est)))
	if percent > 100 {
		percent = 100
	}
	return session.Progress{Percent: clampPercent(percent), Indicators: ind}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
