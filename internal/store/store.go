package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/oralexam/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the SQLite durable store: per-session state fields, the pipeline
// log, reproducibility payloads and final session reports.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every new connection to :memory: is a fresh empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_fields (
		session_id TEXT NOT NULL,
		field TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, field)
	);

	CREATE TABLE IF NOT EXISTS pipeline_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn INTEGER NOT NULL DEFAULT 0,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_log_session ON pipeline_log(session_id, turn);

	CREATE TABLE IF NOT EXISTS reproducibility (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		raw_output TEXT NOT NULL DEFAULT '',
		validated INTEGER NOT NULL DEFAULT 0,
		validation_errors TEXT NOT NULL DEFAULT '[]',
		prompt_hash TEXT NOT NULL DEFAULT '',
		prompt_version TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_reports (
		session_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL DEFAULT '',
		ended_at DATETIME NOT NULL,
		report TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveField upserts one state field of a session.
func (s *Store) SaveField(ctx context.Context, sessionID, field string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_fields (session_id, field, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, field) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, field, data, time.Now().UTC(),
	)
	return err
}

// LoadFields returns every stored field of a session, or nil if there are none.
func (s *Store) LoadFields(ctx context.Context, sessionID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, data FROM session_fields WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[string][]byte
	for rows.Next() {
		var field string
		var data []byte
		if err := rows.Scan(&field, &data); err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string][]byte)
		}
		out[field] = data
	}
	return out, rows.Err()
}

// DeleteSession removes every state field of a session. Reports and the
// pipeline log are kept.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_fields WHERE session_id = ?`, sessionID)
	return err
}

// ActiveSessionIDs lists sessions with persisted state.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM session_fields ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendPipelineLog stores one pipeline stage entry.
func (s *Store) AppendPipelineLog(ctx context.Context, e model.PipelineLogEntry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_log (session_id, turn, stage, status, duration_ms, input, output, error, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TurnSequence, e.Stage, e.Status, e.DurationMs, e.Input, e.Output, e.Error, string(meta), at,
	)
	return err
}

// PipelineLog returns the stored entries of a session in insertion order.
func (s *Store) PipelineLog(ctx context.Context, sessionID string) ([]model.PipelineLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn, stage, status, duration_ms, input, output, error, metadata, created_at
		 FROM pipeline_log WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.PipelineLogEntry
	for rows.Next() {
		var e model.PipelineLogEntry
		var meta string
		if err := rows.Scan(&e.SessionID, &e.TurnSequence, &e.Stage, &e.Status, &e.DurationMs,
			&e.Input, &e.Output, &e.Error, &meta, &e.At); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveReproducibility stores the reproducibility payload of one scored turn.
func (s *Store) SaveReproducibility(ctx context.Context, p model.ReproducibilityPayload) error {
	verrs, err := json.Marshal(p.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reproducibility (session_id, turn, raw_output, validated, validation_errors, prompt_hash, prompt_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Turn, p.RawOutput, p.Validated, string(verrs), p.PromptHash, p.PromptVersion, time.Now().UTC(),
	)
	return err
}

// Reproducibility returns the stored payloads of a session ordered by turn.
func (s *Store) Reproducibility(ctx context.Context, sessionID string) ([]model.ReproducibilityPayload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn, raw_output, validated, validation_errors, prompt_hash, prompt_version
		 FROM reproducibility WHERE session_id = ? ORDER BY turn, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReproducibilityPayload
	for rows.Next() {
		var p model.ReproducibilityPayload
		var verrs string
		if err := rows.Scan(&p.SessionID, &p.Turn, &p.RawOutput, &p.Validated, &verrs, &p.PromptHash, &p.PromptVersion); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(verrs), &p.ValidationErrors); err != nil {
			return nil, fmt.Errorf("decode validation errors: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveReport upserts the final report of a session.
func (s *Store) SaveReport(ctx context.Context, r model.StoredReport) error {
	data, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_reports (session_id, learner_id, ended_at, report) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET learner_id = excluded.learner_id, ended_at = excluded.ended_at, report = excluded.report`,
		r.SessionID, r.LearnerID, r.EndedAt.UTC(), string(data),
	)
	return err
}

// GetReport returns the stored report of a session, or nil if there is none.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*model.StoredReport, error) {
	var r model.StoredReport
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, learner_id, ended_at, report FROM session_reports WHERE session_id = ?`,
		sessionID,
	).Scan(&r.SessionID, &r.LearnerID, &r.EndedAt, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &r.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// ListReports returns every stored report ordered by end time.
func (s *Store) ListReports(ctx context.Context) ([]model.StoredReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, learner_id, ended_at, report FROM session_reports ORDER BY ended_at, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StoredReport
	for rows.Next() {
		var r model.StoredReport
		var data string
		if err := rows.Scan(&r.SessionID, &r.LearnerID, &r.EndedAt, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Report); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", r.SessionID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
