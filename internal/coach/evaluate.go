package coach

import (
	"context"
	"errors"

	"github.com/pavelanni/oralexam/internal/difficulty"
	"github.com/pavelanni/oralexam/internal/llm"
	"github.com/pavelanni/oralexam/internal/llm/prompts"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/scoring"
	"github.com/pavelanni/oralexam/internal/telemetry"
)

type evaluationJob struct {
	sessionID string
	turn      int
	target    model.Level
	adaptive  bool
	context   model.TurnContext
	answer    string
}

// spawnEvaluation scores a turn in the background. The request context is
// detached so the evaluation outlives the HTTP request.
func (s *Service) spawnEvaluation(ctx context.Context, job evaluationJob) {
	if s.Evaluator == nil {
		return
	}
	t := s.trackerFor(job.sessionID)
	t.wg.Add(1)
	s.Recorder.BackgroundStarted()
	go func() {
		defer t.wg.Done()
		defer s.Recorder.BackgroundDone()
		s.evaluate(context.WithoutCancel(ctx), t, job)
	}()
}

func (s *Service) evaluate(ctx context.Context, t *tracker, job evaluationJob) {
	prompt, err := prompts.BuildEvalPrompt(job.context, job.answer)
	if err != nil {
		s.logger.Error("build evaluation prompt", "session_id", job.sessionID, "turn", job.turn, "error", err)
		return
	}
	repro := model.ReproducibilityPayload{
		SessionID:     job.sessionID,
		Turn:          job.turn,
		PromptHash:    telemetry.PromptHash(prompt),
		PromptVersion: s.cfg.PromptVersion,
	}

	sctx, timer := s.Recorder.Start(ctx, job.sessionID, job.turn, model.StageScoring)
	timer.Input(job.answer)
	ev, err := s.Evaluator.Evaluate(sctx, prompt)
	if err != nil {
		if ev != nil {
			repro.RawOutput = ev.Raw
			s.Recorder.Reproducibility(ctx, repro)
		}
		timer.Failure(err, map[string]any{"invalid": errors.Is(err, llm.ErrInvalidEvaluation)})
		return
	}
	timer.Output(ev.Raw).Success(map[string]any{"reported_score": ev.ReportedScore})

	_, vtimer := s.Recorder.Start(ctx, job.sessionID, job.turn, model.StageValidation)
	if ev.Validated {
		vtimer.Success(nil)
	} else {
		vtimer.Fallback(errors.New("evaluation does not match schema"), map[string]any{
			"errors": ev.ValidationErrors,
		})
	}
	repro.RawOutput = ev.Raw
	repro.Validated = ev.Validated
	repro.ValidationErrors = ev.ValidationErrors
	s.Recorder.Reproducibility(ctx, repro)

	s.applyEvaluation(ctx, t, job, ev)
}

// applyEvaluation turns an evaluation into a turn score and updates the
// session's difficulty. Results for an ended session are dropped.
func (s *Service) applyEvaluation(ctx context.Context, t *tracker, job evaluationJob, ev *llm.Evaluation) {
	raw := scoring.ExtractCriteria(ev.Payload)
	vector, composite := s.Scorer.Score(raw)
	anomalies := scoring.DetectAnomalies(vector, composite, true)
	for _, a := range anomalies {
		s.Recorder.Anomaly(ctx, job.sessionID, job.turn, a.Code, a.Reason)
	}
	s.Recorder.Score(composite)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		s.logger.Info("evaluation for ended session dropped", "session_id", job.sessionID, "turn", job.turn)
		return
	}

	st, err := s.State.LoadSession(ctx, job.sessionID)
	if err != nil || st == nil {
		s.logger.Info("evaluation for unknown session dropped", "session_id", job.sessionID, "turn", job.turn, "error", err)
		return
	}
	diff, err := s.difficulty(ctx, st)
	if err != nil {
		s.logger.Error("load difficulty", "session_id", job.sessionID, "error", err)
		return
	}
	shift := difficulty.Controller{Adaptive: job.adaptive}.Apply(&diff, composite)
	if shift != difficulty.NoShift {
		s.Recorder.LevelShift(shift.String())
		s.logger.Info("effective level changed",
			"session_id", job.sessionID,
			"turn", job.turn,
			"direction", shift.String(),
			"level", diff.EffectiveLevel,
		)
	}

	scores, err := s.State.LoadScores(ctx, job.sessionID)
	if err != nil {
		s.logger.Error("load scores", "session_id", job.sessionID, "error", err)
		return
	}
	scores = append(scores, model.TurnScore{
		Turn:      job.turn,
		Vector:    vector,
		Composite: composite,
		Level:     scoring.LevelFor(composite),
		Passed:    scoring.Passed(composite, job.target),
		Anomalies: scoring.Codes(anomalies),
		Feedback:  ev.Feedback,
		At:        s.now().UTC(),
	})

	if err := s.State.SaveDifficulty(ctx, job.sessionID, diff); err != nil {
		s.logger.Error("save difficulty", "session_id", job.sessionID, "error", err)
	}
	if err := s.State.SaveScores(ctx, job.sessionID, scores); err != nil {
		s.logger.Error("save scores", "session_id", job.sessionID, "error", err)
	}
	s.logger.Info("turn scored",
		"session_id", job.sessionID,
		"turn", job.turn,
		"composite", composite,
		"validated", ev.Validated,
		"anomalies", len(anomalies),
	)
}
