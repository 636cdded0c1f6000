// Package audit implements the Audit Store: durable persistence for
// session state snapshots, the interaction log, command jobs, cached
// task specs, and the alerts log, backed by a single SQLite file opened
// under a single-writer discipline.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-supervisor/backend/internal/session"
)

// Store is the SQLite-backed Audit Store. It satisfies
// supervisor.Store, commandqueue.Store, and the additional read paths
// the Control Surface needs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures every table exists. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("audit: create store directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	// The supervision engine is a single process with many goroutines
	// sharing one writer; SQLite tolerates only one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			key                TEXT PRIMARY KEY,
			state              TEXT NOT NULL,
			progress_percent   INTEGER NOT NULL DEFAULT 0,
			progress_json      TEXT,
			last_activity      TEXT NOT NULL,
			last_output_tail   TEXT,
			task_spec_json     TEXT,
			suppression_until  TEXT,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS interaction_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key   TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			actor         TEXT NOT NULL,
			action        TEXT NOT NULL,
			content       TEXT,
			metadata_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_interaction_log_session ON interaction_log(session_key, timestamp);

		CREATE TABLE IF NOT EXISTS commands (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			payload     TEXT NOT NULL,
			source      TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			sent_at     TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_key, created_at);
		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);

		CREATE TABLE IF NOT EXISTS task_specs (
			session_key     TEXT PRIMARY KEY,
			path            TEXT NOT NULL,
			total_tasks     INTEGER NOT NULL,
			completed_tasks INTEGER NOT NULL,
			items_json      TEXT,
			cached_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key     TEXT NOT NULL,
			event_kind      TEXT NOT NULL,
			last_alerted_at TEXT NOT NULL,
			alert_count     INTEGER NOT NULL,
			suppression_until TEXT,
			backoff_deadline  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_log_session ON alerts_log(session_key, last_alerted_at);
	`)
	return err
}

// UpsertSessionState implements supervisor.Store: it writes the full
// session aggregate as a single row, replacing any prior snapshot for
// the same key.
func (s *Store) UpsertSessionState(ctx context.Context, sess *session.Session) error {
	progressJSON, err := json.Marshal(sess.Progress)
	if err != nil {
		return fmt.Errorf("audit: marshal progress: %w", err)
	}

	var taskSpecJSON []byte
	if sess.TaskSpec != nil {
		taskSpecJSON, err = json.Marshal(sess.TaskSpec)
		if err != nil {
			return fmt.Errorf("audit: marshal task spec: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (key, state, progress_percent, progress_json, last_activity, last_output_tail, task_spec_json, suppression_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			progress_percent = excluded.progress_percent,
			progress_json = excluded.progress_json,
			last_activity = excluded.last_activity,
			last_output_tail = excluded.last_output_tail,
			task_spec_json = excluded.task_spec_json,
			suppression_until = excluded.suppression_until,
			updated_at = excluded.updated_at
	`,
		sess.Key, sess.State.String(), sess.Progress.Percent, string(progressJSON),
		sess.LastActivity.Format(time.RFC3339Nano), nullStr(sess.LastOutputTail),
		nullBytes(taskSpecJSON), nullTime(sess.SuppressionUntil), time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: upsert session state: %w", err)
	}
	return nil
}

// GetSessionState returns the persisted snapshot for a session key, or
// sql.ErrNoRows if none exists.
func (s *Store) GetSessionState(ctx context.Context, key string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, state, progress_json, last_activity, last_output_tail, task_spec_json, suppression_until
		FROM session_state WHERE key = ?
	`, key)
	return scanSessionState(row)
}

// ListSessionStates returns every persisted session snapshot, ordered
// by key for stable pagination.
func (s *Store) ListSessionStates(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, state, progress_json, last_activity, last_output_tail, task_spec_json, suppression_until
		FROM session_state ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("audit: list session states: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSessionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionState(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var stateName, progressJSON string
	var lastActivity string
	var lastOutputTail, taskSpecJSON, suppressionUntil sql.NullString

	if err := row.Scan(&sess.Key, &stateName, &progressJSON, &lastActivity, &lastOutputTail, &taskSpecJSON, &suppressionUntil); err != nil {
		return nil, err
	}

	if err := (&sess.State).UnmarshalJSON([]byte(`"` + stateName + `"`)); err != nil {
		return nil, fmt.Errorf("audit: parse state: %w", err)
	}
	if err := json.Unmarshal([]byte(progressJSON), &sess.Progress); err != nil {
		return nil, fmt.Errorf("audit: parse progress: %w", err)
	}
	activity, err := time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return nil, fmt.Errorf("audit: parse last_activity: %w", err)
	}
	sess.LastActivity = activity
	sess.LastOutputTail = lastOutputTail.String

	if taskSpecJSON.Valid && taskSpecJSON.String != "" {
		var ts session.TaskSpec
		if err := json.Unmarshal([]byte(taskSpecJSON.String), &ts); err != nil {
			return nil, fmt.Errorf("audit: parse task spec: %w", err)
		}
		sess.TaskSpec = &ts
	}
	if suppressionUntil.Valid {
		t, err := time.Parse(time.RFC3339Nano, suppressionUntil.String)
		if err == nil {
			sess.SuppressionUntil = &t
		}
	}

	return &sess, nil
}

// AppendInteraction records one append-only interaction-log row.
func (s *Store) AppendInteraction(ctx context.Context, entry *session.InteractionLogEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_log (session_key, timestamp, actor, action, content, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.SessionKey, entry.Timestamp.Format(time.RFC3339Nano), string(entry.Actor), string(entry.Action),
		nullStr(entry.Content), nullStr(entry.MetadataRaw))
	if err != nil {
		return fmt.Errorf("audit: append interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

// ListInteractions returns the most recent interaction-log rows for a
// session, newest first, bounded by limit.
func (s *Store) ListInteractions(ctx context.Context, sessionKey string, limit int) ([]*session.InteractionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, timestamp, actor, action, content, metadata_json
		FROM interaction_log WHERE session_key = ? ORDER BY timestamp DESC LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list interactions: %w", err)
	}
	defer rows.Close()

	var out []*session.InteractionLogEntry
	for rows.Next() {
		var e session.InteractionLogEntry
		var ts, actor, action string
		var content, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionKey, &ts, &actor, &action, &content, &metadata); err != nil {
			return nil, fmt.Errorf("audit: scan interaction: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse interaction timestamp: %w", err)
		}
		e.Actor = session.Actor(actor)
		e.Action = session.InteractionAction(action)
		e.Content = content.String
		e.MetadataRaw = metadata.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertCommand implements commandqueue.Store: it writes the initial
// pending row for a newly enqueued job.
func (s *Store) InsertCommand(ctx context.Context, cmd *session.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.SessionKey, cmd.Payload, cmd.Source, string(cmd.Status),
		cmd.CreatedAt.Format(time.RFC3339Nano), nullTime(cmd.SentAt), cmd.RetryCount, nullStr(cmd.LastError))
	if err != nil {
		return fmt.Errorf("audit: insert command: %w", err)
	}
	return nil
}

// UpdateCommand implements commandqueue.Store: it overwrites the
// mutable lifecycle fields of an existing command row.
func (s *Store) UpdateCommand(ctx context.Context, cmd *session.Command) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, sent_at = ?, retry_count = ?, last_error = ?
		WHERE id = ?
	`, string(cmd.Status), nullTime(cmd.SentAt), cmd.RetryCount, nullStr(cmd.LastError), cmd.ID)
	if err != nil {
		return fmt.Errorf("audit: update command: %w", err)
	}
	return nil
}

// ListCommands returns commands for a session, newest first, bounded
// by limit.
func (s *Store) ListCommands(ctx context.Context, sessionKey string, limit int) ([]*session.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error
		FROM commands WHERE session_key = ? ORDER BY created_at DESC LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list commands: %w", err)
	}
	defer rows.Close()

	var out []*session.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ListRecoverableCommands returns every command row still in the
// pending or processing status, across all sessions, oldest first.
// Backs the Command Queue's startup recovery pass: a restart must not
// lose pending/processing rows.
func (s *Store) ListRecoverableCommands(ctx context.Context) ([]*session.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, payload, source, status, created_at, sent_at, retry_count, last_error
		FROM commands WHERE status IN (?, ?) ORDER BY created_at ASC
	`, string(session.CommandPending), string(session.CommandProcessing))
	if err != nil {
		return nil, fmt.Errorf("audit: list recoverable commands: %w", err)
	}
	defer rows.Close()

	var out []*session.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(rows *sql.Rows) (*session.Command, error) {
	var cmd session.Command
	var status, createdAt string
	var sentAt, lastError sql.NullString

	if err := rows.Scan(&cmd.ID, &cmd.SessionKey, &cmd.Payload, &cmd.Source, &status, &createdAt, &sentAt, &cmd.RetryCount, &lastError); err != nil {
		return nil, fmt.Errorf("audit: scan command: %w", err)
	}
	cmd.Status = session.CommandStatus(status)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse command created_at: %w", err)
	}
	cmd.CreatedAt = created
	if sentAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, sentAt.String)
		if err == nil {
			cmd.SentAt = &t
		}
	}
	cmd.LastError = lastError.String
	return &cmd, nil
}

// PutTaskSpec caches a parsed task spec for a session, replacing any
// prior cached entry.
func (s *Store) PutTaskSpec(ctx context.Context, sessionKey string, spec *session.TaskSpec) error {
	itemsJSON, err := json.Marshal(spec.Items)
	if err != nil {
		return fmt.Errorf("audit: marshal task spec items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_specs (session_key, path, total_tasks, completed_tasks, items_json, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			path = excluded.path,
			total_tasks = excluded.total_tasks,
			completed_tasks = excluded.completed_tasks,
			items_json = excluded.items_json,
			cached_at = excluded.cached_at
	`, sessionKey, spec.Path, spec.TotalTasks, spec.CompletedTasks, string(itemsJSON), spec.CachedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit: put task spec: %w", err)
	}
	return nil
}

// GetTaskSpec returns the cached task spec for a session, or
// sql.ErrNoRows if none has been cached.
func (s *Store) GetTaskSpec(ctx context.Context, sessionKey string) (*session.TaskSpec, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, total_tasks, completed_tasks, items_json, cached_at
		FROM task_specs WHERE session_key = ?
	`, sessionKey)

	var spec session.TaskSpec
	var itemsJSON, cachedAt string
	if err := row.Scan(&spec.Path, &spec.TotalTasks, &spec.CompletedTasks, &itemsJSON, &cachedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &spec.Items); err != nil {
		return nil, fmt.Errorf("audit: parse task spec items: %w", err)
	}
	cached, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse task spec cached_at: %w", err)
	}
	spec.CachedAt = cached
	return &spec, nil
}

// AppendAlert records one row of the alerts log. The server appends one
// row per notification attempt, through the Alert Gate's OnForward hook.
func (s *Store) AppendAlert(ctx context.Context, rec *session.AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts_log (session_key, event_kind, last_alerted_at, alert_count, suppression_until, backoff_deadline)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SessionKey, string(rec.EventKind), rec.LastAlertedAt.Format(time.RFC3339Nano), rec.AlertCount,
		nullTime(rec.SuppressionUntil), nullTime(rec.BackoffDeadline))
	if err != nil {
		return fmt.Errorf("audit: append alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recent alerts-log rows for a session,
// newest first, bounded by limit.
func (s *Store) ListAlerts(ctx context.Context, sessionKey string, limit int) ([]*session.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, event_kind, last_alerted_at, alert_count, suppression_until, backoff_deadline
		FROM alerts_log WHERE session_key = ? ORDER BY last_alerted_at DESC LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list alerts: %w", err)
	}
	defer rows.Close()

	var out []*session.AlertRecord
	for rows.Next() {
		var rec session.AlertRecord
		var eventKind, lastAlertedAt string
		var suppressionUntil, backoffDeadline sql.NullString
		if err := rows.Scan(&rec.SessionKey, &eventKind, &lastAlertedAt, &rec.AlertCount, &suppressionUntil, &backoffDeadline); err != nil {
			return nil, fmt.Errorf("audit: scan alert: %w", err)
		}
		rec.EventKind = session.EventKind(eventKind)
		alertedAt, err := time.Parse(time.RFC3339Nano, lastAlertedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse alert last_alerted_at: %w", err)
		}
		rec.LastAlertedAt = alertedAt
		if suppressionUntil.Valid {
			t, err := time.Parse(time.RFC3339Nano, suppressionUntil.String)
			if err == nil {
				rec.SuppressionUntil = &t
			}
		}
		if backoffDeadline.Valid {
			t, err := time.Parse(time.RFC3339Nano, backoffDeadline.String)
			if err == nil {
				rec.BackoffDeadline = &t
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListLatestAlerts returns the most recent alerts-log row for every
// distinct (session_key, event_kind) pair, newest first, bounded by
// limit. Backs GET /api/alerts/states.
func (s *Store) ListLatestAlerts(ctx context.Context, limit int) ([]*session.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, event_kind, last_alerted_at, alert_count, suppression_until, backoff_deadline
		FROM alerts_log
		WHERE id IN (
			SELECT MAX(id) FROM alerts_log GROUP BY session_key, event_kind
		)
		ORDER BY last_alerted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list latest alerts: %w", err)
	}
	defer rows.Close()

	var out []*session.AlertRecord
	for rows.Next() {
		var rec session.AlertRecord
		var eventKind, lastAlertedAt string
		var suppressionUntil, backoffDeadline sql.NullString
		if err := rows.Scan(&rec.SessionKey, &eventKind, &lastAlertedAt, &rec.AlertCount, &suppressionUntil, &backoffDeadline); err != nil {
			return nil, fmt.Errorf("audit: scan latest alert: %w", err)
		}
		rec.EventKind = session.EventKind(eventKind)
		alertedAt, err := time.Parse(time.RFC3339Nano, lastAlertedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse alert last_alerted_at: %w", err)
		}
		rec.LastAlertedAt = alertedAt
		if suppressionUntil.Valid {
			if t, err := time.Parse(time.RFC3339Nano, suppressionUntil.String); err == nil {
				rec.SuppressionUntil = &t
			}
		}
		if backoffDeadline.Valid {
			if t, err := time.Parse(time.RFC3339Nano, backoffDeadline.String); err == nil {
				rec.BackoffDeadline = &t
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CountCommandsByStatus returns the number of command rows in the given
// status, for the /api/stats "commands.pending" summary.
func (s *Store) CountCommandsByStatus(ctx context.Context, status session.CommandStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count commands by status: %w", err)
	}
	return n, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}
