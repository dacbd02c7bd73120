package coach

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/scoring"
)

// Status is a snapshot of a live session.
type Status struct {
	SessionID       string           `json:"session_id"`
	LearnerID       string           `json:"learner_id,omitempty"`
	Language        string           `json:"language"`
	Mode            model.Mode       `json:"mode"`
	Phase           model.ExamPhase  `json:"phase"`
	PhaseName       string           `json:"phase_name"`
	CurrentPrompt   string           `json:"current_prompt,omitempty"`
	TotalTurns      int              `json:"total_turns"`
	Complete        bool             `json:"complete"`
	TargetLevel     model.Level      `json:"target_level"`
	EffectiveLevel  model.Level      `json:"effective_level"`
	TurnsScored     int              `json:"turns_scored"`
	RollingAverage  float64          `json:"rolling_average,omitempty"`
	SustainedTarget bool             `json:"sustained_target,omitempty"`
	LastScore       *model.TurnScore `json:"last_score,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
}

// Status reports the state of a live session.
func (s *Service) Status(ctx context.Context, sessionID string) (*Status, error) {
	st, err := s.State.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrSessionNotFound
	}
	diff, err := s.difficulty(ctx, st)
	if err != nil {
		return nil, err
	}
	scores, err := s.State.LoadScores(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	composites := make([]int, len(scores))
	for i, sc := range scores {
		composites[i] = sc.Composite
	}

	out := &Status{
		SessionID:      sessionID,
		LearnerID:      st.Config.LearnerID,
		Language:       st.Config.Language,
		Mode:           st.Config.Mode,
		Phase:          st.CurrentPhase(),
		PhaseName:      st.CurrentPhase().String(),
		CurrentPrompt:  st.CurrentPrompt,
		TotalTurns:     st.TotalTurns,
		Complete:       st.Complete,
		TargetLevel:    st.Config.TargetLevel,
		EffectiveLevel: diff.EffectiveLevel,
		TurnsScored:    len(scores),
		StartedAt:      st.StartTimestamp,
	}
	if feedbackWithheld(st) {
		return out, nil
	}
	out.RollingAverage = scoring.RollingAverage(composites, s.cfg.RollingWindow)
	out.SustainedTarget = scoring.SustainedLevel(composites, st.Config.TargetLevel, s.cfg.RollingWindow)
	if len(scores) > 0 {
		last := scores[len(scores)-1]
		out.LastScore = &last
	}
	return out, nil
}

// Report returns the current report of a live session, or the stored final
// report of an ended one. Running exam simulations get ErrFeedbackWithheld.
func (s *Service) Report(ctx context.Context, sessionID string) (*model.SessionScoreReport, error) {
	st, err := s.State.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if feedbackWithheld(st) {
			return nil, ErrFeedbackWithheld
		}
		return s.buildReport(ctx, st)
	}
	if s.Reports != nil {
		stored, err := s.Reports.GetReport(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get stored report: %w", err)
		}
		if stored != nil {
			return &stored.Report, nil
		}
	}
	return nil, ErrSessionNotFound
}

// EndSession waits for the session's in-flight evaluations, builds and
// stores the final report and clears the session state.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*model.SessionScoreReport, error) {
	st, err := s.State.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrSessionNotFound
	}

	t := s.trackerFor(sessionID)
	t.wg.Wait()

	s.Orchestrator.End(st)
	report, err := s.buildReport(ctx, st)
	if err != nil {
		return nil, err
	}

	if s.Reports != nil {
		stored := model.StoredReport{
			SessionID: sessionID,
			LearnerID: st.Config.LearnerID,
			EndedAt:   s.now().UTC(),
			Report:    *report,
		}
		if err := s.Reports.SaveReport(ctx, stored); err != nil {
			s.logger.Error("save final report", "session_id", sessionID, "error", err)
		}
	}

	t.mu.Lock()
	t.ended = true
	s.State.Clear(ctx, sessionID)
	t.mu.Unlock()

	s.mu.Lock()
	delete(s.trackers, sessionID)
	s.mu.Unlock()

	s.logger.Info("session ended",
		"session_id", sessionID,
		"total_turns", st.TotalTurns,
		"overall", report.OverallScore,
		"level", report.Level,
		"passed", report.Passed,
	)
	return report, nil
}

func (s *Service) buildReport(ctx context.Context, st *model.SessionState) (*model.SessionScoreReport, error) {
	sessionID := st.Config.SessionID
	diff, err := s.difficulty(ctx, st)
	if err != nil {
		return nil, err
	}
	scores, err := s.State.LoadScores(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	vectors := make([]model.ScoreVector, len(scores))
	for i, sc := range scores {
		vectors[i] = sc.Vector
	}
	report := s.Scorer.Report(scoring.ReportInput{
		SessionID:      sessionID,
		Language:       st.Config.Language,
		Mode:           st.Config.Mode,
		TargetLevel:    st.Config.TargetLevel,
		EffectiveLevel: diff.EffectiveLevel,
		Vector:         scoring.MeanVector(vectors),
		Errors:         st.AccumulatedErrors,
		TurnsScored:    len(scores),
	})
	return &report, nil
}

// Wait blocks until every in-flight evaluation has finished.
func (s *Service) Wait() {
	s.mu.Lock()
	ts := make([]*tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		ts = append(ts, t)
	}
	s.mu.Unlock()
	for _, t := range ts {
		t.wg.Wait()
	}
}
