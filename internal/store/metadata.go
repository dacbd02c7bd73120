package store

import (
	"context"
	"database/sql"
	"strconv"
)

// Metadata keys.
const (
	MetaPromptVersion = "prompt_version"
	MetaCorpusDir     = "corpus_dir"
	MetaCorpusRecords = "corpus_records"
	MetaStartedAt     = "started_at"
)

// SetMetadata upserts a key-value pair in the run_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM run_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// RunInfo describes the process that last served from this database.
type RunInfo struct {
	PromptVersion string
	CorpusDir     string
	CorpusRecords int
	StartedAt     string
}

// SetRunInfo stores all RunInfo fields as metadata rows.
func (s *Store) SetRunInfo(ctx context.Context, info RunInfo) error {
	pairs := []struct{ k, v string }{
		{MetaPromptVersion, info.PromptVersion},
		{MetaCorpusDir, info.CorpusDir},
		{MetaCorpusRecords, strconv.Itoa(info.CorpusRecords)},
		{MetaStartedAt, info.StartedAt},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(ctx, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetRunInfo reads all RunInfo fields from metadata.
func (s *Store) GetRunInfo(ctx context.Context) (RunInfo, error) {
	var info RunInfo
	var err error

	if info.PromptVersion, err = s.GetMetadata(ctx, MetaPromptVersion); err != nil {
		return info, err
	}
	if info.CorpusDir, err = s.GetMetadata(ctx, MetaCorpusDir); err != nil {
		return info, err
	}
	if info.StartedAt, err = s.GetMetadata(ctx, MetaStartedAt); err != nil {
		return info, err
	}
	n, err := s.GetMetadata(ctx, MetaCorpusRecords)
	if err != nil {
		return info, err
	}
	if n != "" {
		info.CorpusRecords, err = strconv.Atoi(n)
		if err != nil {
			return info, err
		}
	}
	return info, nil
}
