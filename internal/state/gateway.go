// Package state is the per-session persistence gateway: a bounded in-process
// cache in front of a durable keyed store.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pavelanni/oralexam/internal/model"
)

// Field names under which session parts are stored.
const (
	FieldSession    = "session"
	FieldDifficulty = "difficulty"
	FieldScores     = "scores"
)

// Defaults for the cache tier.
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 2 * time.Hour
)

// Durable is a keyed store addressable by session id with per-field
// updates. LoadFields returns a nil map and no error for unknown ids.
type Durable interface {
	SaveField(ctx context.Context, sessionID, field string, data []byte) error
	LoadFields(ctx context.Context, sessionID string) (map[string][]byte, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// WriteObserver is told about every durable write attempt.
type WriteObserver func(sessionID, field string, elapsed time.Duration, err error)

type fields map[string][]byte

// Gateway is a write-through cache. Every write lands in the cache first and
// is then written to the durable store; a durable failure is logged and
// swallowed, leaving the cache authoritative for the process lifetime.
type Gateway struct {
	durable  Durable
	logger   *slog.Logger
	observer WriteObserver

	mu    sync.Mutex // serialises read-modify-write of cache entries
	cache *expirable.LRU[string, fields]
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithObserver registers a durable write observer.
func WithObserver(fn WriteObserver) Option { return func(g *Gateway) { g.observer = fn } }

// New returns a gateway over durable. size <= 0 and ttl == 0 select the
// defaults; a negative ttl disables expiry.
func New(durable Durable, size int, ttl time.Duration, opts ...Option) *Gateway {
	if size <= 0 {
		size = DefaultCacheSize
	}
	switch {
	case ttl == 0:
		ttl = DefaultCacheTTL
	case ttl < 0:
		ttl = 0 // expirable treats 0 as no expiry and starts no janitor
	}
	g := &Gateway{durable: durable}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.cache = expirable.NewLRU[string, fields](size, func(id string, _ fields) {
		g.logger.Debug("session evicted from cache", "session_id", id)
	}, ttl)
	return g
}

// Put encodes v as JSON and writes it under field.
func (g *Gateway) Put(ctx context.Context, sessionID, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}

	// Rehydrate first so an evicted session keeps its other fields.
	if !g.cache.Contains(sessionID) {
		if _, err := g.load(ctx, sessionID); err != nil {
			g.logger.Warn("rehydrate before write failed", "session_id", sessionID, "error", err)
		}
	}

	g.mu.Lock()
	entry, _ := g.cache.Get(sessionID)
	next := make(fields, len(entry)+1)
	maps.Copy(next, entry)
	next[field] = data
	g.cache.Add(sessionID, next)
	g.mu.Unlock()

	if g.durable == nil {
		return nil
	}
	start := time.Now()
	err = g.durable.SaveField(ctx, sessionID, field, data)
	if g.observer != nil {
		g.observer(sessionID, field, time.Since(start), err)
	}
	if err != nil {
		g.logger.Error("durable write failed", "session_id", sessionID, "field", field, "error", err)
	}
	return nil
}

// Get decodes field into v. It reports false when the session or the field
// is unknown to both tiers.
func (g *Gateway) Get(ctx context.Context, sessionID, field string, v any) (bool, error) {
	entry, err := g.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	data, ok := entry[field]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", field, err)
	}
	return true, nil
}

// load returns the cached entry or rehydrates it from the durable store.
func (g *Gateway) load(ctx context.Context, sessionID string) (fields, error) {
	if entry, ok := g.cache.Get(sessionID); ok {
		return entry, nil
	}
	if g.durable == nil {
		return nil, nil
	}
	stored, err := g.durable.LoadFields(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if stored == nil {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// A concurrent Put may have populated the cache meanwhile; its fields win.
	if entry, ok := g.cache.Get(sessionID); ok {
		merged := fields(maps.Clone(stored))
		maps.Copy(merged, entry)
		g.cache.Add(sessionID, merged)
		return merged, nil
	}
	g.cache.Add(sessionID, stored)
	g.logger.Debug("session rehydrated", "session_id", sessionID, "fields", len(stored))
	return stored, nil
}

// Clear drops a session from both tiers.
func (g *Gateway) Clear(ctx context.Context, sessionID string) {
	g.mu.Lock()
	g.cache.Remove(sessionID)
	g.mu.Unlock()
	if g.durable == nil {
		return
	}
	if err := g.durable.DeleteSession(ctx, sessionID); err != nil {
		g.logger.Error("durable delete failed", "session_id", sessionID, "error", err)
	}
}

// Cached returns the number of sessions in the cache tier.
func (g *Gateway) Cached() int { return g.cache.Len() }

// SaveSession stores the orchestrator state.
func (g *Gateway) SaveSession(ctx context.Context, st *model.SessionState) error {
	return g.Put(ctx, st.Config.SessionID, FieldSession, st)
}

// LoadSession returns the orchestrator state, or nil if unknown.
func (g *Gateway) LoadSession(ctx context.Context, sessionID string) (*model.SessionState, error) {
	var st model.SessionState
	ok, err := g.Get(ctx, sessionID, FieldSession, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// SaveDifficulty stores the difficulty state.
func (g *Gateway) SaveDifficulty(ctx context.Context, sessionID string, d model.DifficultyState) error {
	return g.Put(ctx, sessionID, FieldDifficulty, d)
}

// LoadDifficulty returns the difficulty state, or nil if unknown.
func (g *Gateway) LoadDifficulty(ctx context.Context, sessionID string) (*model.DifficultyState, error) {
	var d model.DifficultyState
	ok, err := g.Get(ctx, sessionID, FieldDifficulty, &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// SaveScores stores the per-turn scores.
func (g *Gateway) SaveScores(ctx context.Context, sessionID string, scores []model.TurnScore) error {
	return g.Put(ctx, sessionID, FieldScores, scores)
}

// LoadScores returns the per-turn scores; unknown sessions yield nil.
func (g *Gateway) LoadScores(ctx context.Context, sessionID string) ([]model.TurnScore, error) {
	var scores []model.TurnScore
	if _, err := g.Get(ctx, sessionID, FieldScores, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}
