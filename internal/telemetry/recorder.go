// Package telemetry times pipeline stages, keeps the recent ones in a ring
// buffer and mirrors them to slog, prometheus, otel spans and an optional
// durable sink.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/oralexam/internal/model"
)

const (
	// DefaultCapacity is the ring buffer size used when none is configured.
	DefaultCapacity = 500
	// maxPayload caps the input/output text kept per entry.
	maxPayload = 2000
	tracerName = "github.com/pavelanni/oralexam/internal/telemetry"
)

// Sink persists telemetry; *store.Store satisfies it.
type Sink interface {
	AppendPipelineLog(ctx context.Context, e model.PipelineLogEntry) error
	SaveReproducibility(ctx context.Context, p model.ReproducibilityPayload) error
}

// Recorder is safe for concurrent use.
type Recorder struct {
	logger  *slog.Logger
	sink    Sink
	metrics *Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	entries *RingBuffer[model.PipelineLogEntry]
	repro   *RingBuffer[model.ReproducibilityPayload]
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the structured log sink.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithSink sets the durable sink.
func WithSink(s Sink) Option { return func(r *Recorder) { r.sink = s } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(r *Recorder) { r.metrics = m } }

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Recorder) { r.tracer = tp.Tracer(tracerName) }
}

// NewRecorder returns a Recorder keeping at most capacity stage entries.
func NewRecorder(capacity int, opts ...Option) *Recorder {
	r := &Recorder{
		entries: NewRingBuffer[model.PipelineLogEntry](capacity),
		repro:   NewRingBuffer[model.ReproducibilityPayload](capacity),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Timer measures one stage. Exactly one of Success, Fallback or Failure
// should be called; later calls are ignored.
type Timer struct {
	r        *Recorder
	ctx      context.Context
	span     trace.Span
	start    time.Time
	entry    model.PipelineLogEntry
	finished sync.Once
}

// Start begins timing stage for a session turn. The returned context
// carries the stage span.
func (r *Recorder) Start(ctx context.Context, sessionID string, turn int, stage model.Stage) (context.Context, *Timer) {
	ctx, span := r.tracer.Start(ctx, string(stage), trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("session.turn", turn),
	))
	return ctx, &Timer{
		r:     r,
		ctx:   ctx,
		span:  span,
		start: time.Now(),
		entry: model.PipelineLogEntry{SessionID: sessionID, TurnSequence: turn, Stage: stage},
	}
}

// Input attaches the stage input, truncated.
func (t *Timer) Input(s string) *Timer { t.entry.Input = truncate(s); return t }

// Output attaches the stage output, truncated.
func (t *Timer) Output(s string) *Timer { t.entry.Output = truncate(s); return t }

// Success finishes the stage as successful.
func (t *Timer) Success(meta map[string]any) {
	t.finish(model.StatusSuccess, nil, meta)
}

// Fallback finishes the stage as degraded: err happened and a fallback was used.
func (t *Timer) Fallback(err error, meta map[string]any) {
	t.finish(model.StatusFallback, err, meta)
}

// Failure finishes the stage as failed.
func (t *Timer) Failure(err error, meta map[string]any) {
	t.finish(model.StatusFailure, err, meta)
}

func (t *Timer) finish(status model.StageStatus, err error, meta map[string]any) {
	t.finished.Do(func() {
		e := t.entry
		e.Status = status
		e.DurationMs = time.Since(t.start).Milliseconds()
		e.Metadata = meta
		e.At = time.Now().UTC()
		if err != nil {
			e.Error = err.Error()
			t.span.RecordError(err)
		}
		t.span.SetAttributes(attribute.String("stage.status", string(status)))
		if status == model.StatusSuccess {
			t.span.SetStatus(codes.Ok, "")
		} else {
			t.span.SetStatus(codes.Error, e.Error)
		}
		t.span.End()
		t.r.Record(t.ctx, e)
	})
}

// Record appends e to the ring, mirrors it to slog and metrics, and writes
// it to the sink. Sink failures are logged only.
func (r *Recorder) Record(ctx context.Context, e model.PipelineLogEntry) {
	r.mu.Lock()
	r.entries.Push(e)
	r.mu.Unlock()

	level := slog.LevelInfo
	if e.Status != model.StatusSuccess {
		level = slog.LevelWarn
	}
	attrs := []any{
		"session_id", e.SessionID,
		"turn", e.TurnSequence,
		"stage", e.Stage,
		"status", e.Status,
		"duration_ms", e.DurationMs,
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	r.logger.Log(ctx, level, "pipeline stage", attrs...)

	if r.metrics != nil {
		r.metrics.stageDuration.WithLabelValues(string(e.Stage)).Observe(float64(e.DurationMs) / 1000)
		r.metrics.stageTotal.WithLabelValues(string(e.Stage), string(e.Status)).Inc()
	}
	if r.sink != nil {
		if err := r.sink.AppendPipelineLog(context.WithoutCancel(ctx), e); err != nil {
			r.logger.Error("telemetry sink write failed", "stage", e.Stage, "error", err)
		}
	}
}

// StorageWrite records one durable write as a storage_write stage. Its
// signature matches state.WriteObserver.
func (r *Recorder) StorageWrite(sessionID, field string, elapsed time.Duration, err error) {
	e := model.PipelineLogEntry{
		SessionID:  sessionID,
		Stage:      model.StageStorageWrite,
		Status:     model.StatusSuccess,
		DurationMs: elapsed.Milliseconds(),
		Metadata:   map[string]any{"field": field},
		At:         time.Now().UTC(),
	}
	if err != nil {
		e.Status = model.StatusFailure
		e.Error = err.Error()
	}
	r.Record(context.Background(), e)
}

// Recent returns up to n newest entries, oldest first. n <= 0 returns all.
func (r *Recorder) Recent(n int) []model.PipelineLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		return r.entries.Slice()
	}
	return r.entries.Last(n)
}

// Session returns the buffered entries of one session, oldest first.
func (r *Recorder) Session(sessionID string) []model.PipelineLogEntry {
	r.mu.Lock()
	all := r.entries.Slice()
	r.mu.Unlock()
	var out []model.PipelineLogEntry
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Anomaly logs a flagged score and counts it.
func (r *Recorder) Anomaly(ctx context.Context, sessionID string, turn int, code, reason string) {
	r.logger.WarnContext(ctx, "score anomaly",
		"session_id", sessionID,
		"turn", turn,
		"code", code,
		"reason", reason,
	)
	if r.metrics != nil {
		r.metrics.anomalies.WithLabelValues(code).Inc()
	}
}

// Score observes a turn composite.
func (r *Recorder) Score(composite int) {
	if r.metrics != nil {
		r.metrics.turnScores.Observe(float64(composite))
	}
}

// LevelShift counts an effective level change.
func (r *Recorder) LevelShift(direction string) {
	if r.metrics != nil {
		r.metrics.levelShifts.WithLabelValues(direction).Inc()
	}
}

// BackgroundStarted and BackgroundDone track running background evaluations.
func (r *Recorder) BackgroundStarted() {
	if r.metrics != nil {
		r.metrics.activeTurns.Inc()
	}
}

func (r *Recorder) BackgroundDone() {
	if r.metrics != nil {
		r.metrics.activeTurns.Dec()
	}
}

// Reproducibility keeps the payload in memory and writes it to the sink.
func (r *Recorder) Reproducibility(ctx context.Context, p model.ReproducibilityPayload) {
	r.mu.Lock()
	r.repro.Push(p)
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "reproducibility payload",
		"session_id", p.SessionID,
		"turn", p.Turn,
		"validated", p.Validated,
		"prompt_hash", p.PromptHash,
		"prompt_version", p.PromptVersion,
	)
	if r.sink != nil {
		if err := r.sink.SaveReproducibility(context.WithoutCancel(ctx), p); err != nil {
			r.logger.Error("reproducibility sink write failed", "session_id", p.SessionID, "error", err)
		}
	}
}

// ReproducibilityFor returns the buffered payloads of one session.
func (r *Recorder) ReproducibilityFor(sessionID string) []model.ReproducibilityPayload {
	r.mu.Lock()
	all := r.repro.Slice()
	r.mu.Unlock()
	var out []model.ReproducibilityPayload
	for _, p := range all {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// PromptHash is a content address of the exact prompt text.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func truncate(s string) string {
	if len(s) <= maxPayload {
		return s
	}
	cut := maxPayload
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
