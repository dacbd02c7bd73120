// Package session drives one oral exam through its phases, questions and
// follow-ups, and assembles the context the coach answers from.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/oralexam/internal/difficulty"
	"github.com/pavelanni/oralexam/internal/mode"
	"github.com/pavelanni/oralexam/internal/model"
)

// ErrSessionComplete is returned by Advance once a session is terminal.
var ErrSessionComplete = errors.New("session complete")

// Defaults.
const (
	DefaultQuestionsPerPhase = 3
	MaxDetectedErrors        = 3
)

// ContentSource is the part of the content store the orchestrator reads.
// *content.Corpus satisfies it.
type ContentSource interface {
	Scenarios(lang string, phase model.ExamPhase) []model.Scenario
	SelectScenario(lang string, phase model.ExamPhase, exclude []string) *model.Scenario
	SelectQuestions(lang string, phase model.ExamPhase, count int, exclude []string) []model.Question
	PhaseDescriptor(phase model.ExamPhase) (model.PhaseDescriptor, bool)
	RubricsByID(ids []string) []model.Rubric
	DetectErrors(lang, text string, limit int) []model.DetectedError
}

// ScenarioRanker picks a scenario for the session's effective level.
// *difficulty.Ranker satisfies it.
type ScenarioRanker interface {
	Select(candidates []model.Scenario, effective model.Level, p difficulty.Preferences) *model.Scenario
}

// Transition is the outcome of one learner turn. At most one of
// PhaseComplete and SessionComplete is set.
type Transition struct {
	NextPrompt      string                `json:"next_prompt,omitempty"`
	PromptKind      model.PromptKind      `json:"prompt_kind,omitempty"`
	PhaseComplete   bool                  `json:"phase_complete"`
	SessionComplete bool                  `json:"session_complete"`
	Phase           model.ExamPhase       `json:"phase"`
	DetectedErrors  []model.DetectedError `json:"-"`
	// Feedback is the learner-visible subset of DetectedErrors; empty when
	// the mode withholds feedback.
	Feedback []model.DetectedError `json:"feedback,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// Orchestrator is stateless; all session state lives in model.SessionState.
type Orchestrator struct {
	content ContentSource
	ranker  ScenarioRanker
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an Orchestrator. ranker may be nil, in which case scenarios
// are always picked uniformly at random.
func New(content ContentSource, ranker ScenarioRanker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{content: content, ranker: ranker, logger: logger, now: time.Now}
}

// Start validates cfg, loads the first phase with content and returns the
// new state together with the opening prompt.
func (o *Orchestrator) Start(cfg model.SessionConfig) (*model.SessionState, Transition, error) {
	if cfg.Mode == "" {
		cfg.Mode = model.ModeTraining
	}
	policy, err := mode.Lookup(cfg.Mode)
	if err != nil {
		return nil, Transition{}, err
	}
	if strings.TrimSpace(cfg.Language) == "" {
		return nil, Transition{}, errors.New("language is required")
	}
	if cfg.TargetLevel == model.LevelNone {
		cfg.TargetLevel = model.LevelA
	}
	if !cfg.TargetLevel.Valid() {
		return nil, Transition{}, fmt.Errorf("invalid target level %q", cfg.TargetLevel)
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = policy.Phases
	}
	for _, p := range cfg.Phases {
		if !p.Valid() {
			return nil, Transition{}, fmt.Errorf("invalid phase %d", p)
		}
	}
	if cfg.QuestionsPerPhase <= 0 {
		cfg.QuestionsPerPhase = DefaultQuestionsPerPhase
	}

	st := &model.SessionState{
		Config:         cfg,
		StartTimestamp: o.now().UTC(),
	}
	tr := o.enterPhase(st, policy, cfg.TargetLevel, 0)
	o.logger.Info("session started",
		"session_id", cfg.SessionID,
		"mode", cfg.Mode,
		"language", cfg.Language,
		"target_level", cfg.TargetLevel,
		"phases", len(cfg.Phases),
	)
	return st, tr, nil
}

// Advance applies one learner turn to st. effective is the current
// effective level, used to rank scenarios when a new phase is loaded.
func (o *Orchestrator) Advance(st *model.SessionState, turnText string, effective model.Level) (Transition, error) {
	if st.Complete {
		return Transition{}, ErrSessionComplete
	}
	policy, err := mode.Lookup(st.Config.Mode)
	if err != nil {
		return Transition{}, err
	}

	st.TurnCount++
	st.TotalTurns++

	detected := o.content.DetectErrors(st.Config.Language, turnText, MaxDetectedErrors)
	for i := range detected {
		detected[i].Turn = st.TotalTurns
	}
	st.AccumulatedErrors = append(st.AccumulatedErrors, detected...)

	tr := o.next(st, policy, effective)
	if !tr.SessionComplete && policy.MaxTurns > 0 && st.TotalTurns >= policy.MaxTurns {
		tr = o.complete(st, "max_turns")
	}

	tr.DetectedErrors = detected
	if policy.ShowFeedback {
		tr.Feedback = detected
	}
	return tr, nil
}

// next moves the cursor: next question, else next follow-up, else next phase.
func (o *Orchestrator) next(st *model.SessionState, policy mode.Policy, effective model.Level) Transition {
	if st.QuestionCursor+1 < len(st.CurrentQuestionSet) {
		st.QuestionCursor++
		q := st.CurrentQuestionSet[st.QuestionCursor]
		return o.emit(st, q.Text, model.PromptQuestion)
	}

	// Each follow-up is asked at most once per phase.
	followups := activeFollowups(st)
	if st.FollowupCursor < len(followups) {
		f := followups[st.FollowupCursor]
		st.FollowupCursor++
		return o.emit(st, f, model.PromptFollowup)
	}

	if st.CurrentPhaseIndex+1 >= len(st.Config.Phases) {
		return o.complete(st, "phases_exhausted")
	}
	o.logger.Info("phase complete",
		"session_id", st.Config.SessionID,
		"phase", st.CurrentPhase(),
		"turns", st.TurnCount,
	)
	tr := o.enterPhase(st, policy, effective, st.CurrentPhaseIndex+1)
	tr.PhaseComplete = true
	return tr
}

// enterPhase loads content for the phase at index and emits its first
// prompt. Phases with no content at all are skipped.
func (o *Orchestrator) enterPhase(st *model.SessionState, policy mode.Policy, effective model.Level, index int) Transition {
	for ; index < len(st.Config.Phases); index++ {
		st.CurrentPhaseIndex = index
		st.TurnCount = 0
		st.QuestionCursor = 0
		st.FollowupCursor = 0
		o.loadContent(st, policy, effective)

		if len(st.CurrentQuestionSet) > 0 {
			return o.emit(st, st.CurrentQuestionSet[0].Text, model.PromptQuestion)
		}
		if sc := st.CurrentScenario; sc != nil {
			if sc.PromptText != "" {
				return o.emit(st, sc.PromptText, model.PromptOpener)
			}
			if len(sc.Followups) > 0 {
				st.FollowupCursor = 1
				return o.emit(st, sc.Followups[0], model.PromptFollowup)
			}
		}
		o.logger.Warn("no content for phase, skipping",
			"session_id", st.Config.SessionID,
			"language", st.Config.Language,
			"phase", st.CurrentPhase(),
		)
	}
	st.CurrentPhaseIndex = len(st.Config.Phases) - 1
	return o.complete(st, "no_content")
}

func (o *Orchestrator) loadContent(st *model.SessionState, policy mode.Policy, effective model.Level) {
	lang, phase := st.Config.Language, st.CurrentPhase()

	var sc *model.Scenario
	if o.ranker != nil && policy.AdaptiveDifficulty {
		sc = o.ranker.Select(o.content.Scenarios(lang, phase), effective, difficulty.PreferencesFor(st))
	} else {
		sc = o.content.SelectScenario(lang, phase, st.UsedScenarioIDs)
	}
	st.CurrentScenario = sc
	if sc != nil && !slices.Contains(st.UsedScenarioIDs, sc.ID) {
		st.UsedScenarioIDs = append(st.UsedScenarioIDs, sc.ID)
	}

	qs := o.content.SelectQuestions(lang, phase, st.Config.QuestionsPerPhase, st.UsedQuestionIDs)
	st.CurrentQuestionSet = qs
	for _, q := range qs {
		if q.ID != "" {
			st.UsedQuestionIDs = append(st.UsedQuestionIDs, q.ID)
		}
	}
}

func (o *Orchestrator) emit(st *model.SessionState, prompt string, kind model.PromptKind) Transition {
	st.CurrentPrompt = prompt
	return Transition{NextPrompt: prompt, PromptKind: kind, Phase: st.CurrentPhase()}
}

func (o *Orchestrator) complete(st *model.SessionState, reason string) Transition {
	st.Complete = true
	st.CurrentPrompt = ""
	o.logger.Info("session complete",
		"session_id", st.Config.SessionID,
		"reason", reason,
		"total_turns", st.TotalTurns,
	)
	return Transition{
		SessionComplete: true,
		Phase:           st.CurrentPhase(),
		Reason:          reason,
	}
}

// End marks st terminal. It is idempotent.
func (o *Orchestrator) End(st *model.SessionState) {
	if st.Complete {
		return
	}
	o.complete(st, "ended")
}

// activeFollowups returns the scenario's follow-ups, or the last question's
// when no scenario is active.
func activeFollowups(st *model.SessionState) []string {
	if st.CurrentScenario != nil {
		return st.CurrentScenario.Followups
	}
	if n := len(st.CurrentQuestionSet); n > 0 {
		return st.CurrentQuestionSet[n-1].Followups
	}
	return nil
}

// Record appends a message to the conversation history.
func Record(st *model.SessionState, role model.Role, content string, at time.Time) {
	st.History = append(st.History, model.Message{Role: role, Content: content, At: at})
}

// RecentHistory returns at most the last n learner/coach exchanges.
func RecentHistory(st *model.SessionState, n int) []model.Message {
	if n <= 0 {
		return nil
	}
	limit := 2 * n
	if len(st.History) <= limit {
		return slices.Clone(st.History)
	}
	return slices.Clone(st.History[len(st.History)-limit:])
}
