// Package coach runs the per-turn pipeline: transcription, orchestration,
// reply generation and speech, with evaluation and difficulty updates
// applied in the background.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/oralexam/internal/difficulty"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/llm"
	"github.com/pavelanni/oralexam/internal/llm/prompts"
	"github.com/pavelanni/oralexam/internal/mode"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/scoring"
	"github.com/pavelanni/oralexam/internal/session"
	"github.com/pavelanni/oralexam/internal/state"
	"github.com/pavelanni/oralexam/internal/telemetry"
)

var (
	// ErrSessionNotFound is returned for unknown or already ended sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAudioUnsupported is returned for audio turns when no transcriber is configured.
	ErrAudioUnsupported = errors.New("audio turns are not supported")
	// ErrFeedbackWithheld is returned for score reports of a running session
	// whose mode hides feedback until the end.
	ErrFeedbackWithheld = errors.New("feedback withheld until session end")
)

// Defaults.
const (
	DefaultMaxReplyTokens = 200
	DefaultHistoryTurns   = 4
)

// ReportStore keeps final reports of ended sessions; *store.Store satisfies it.
type ReportStore interface {
	SaveReport(ctx context.Context, r model.StoredReport) error
	GetReport(ctx context.Context, sessionID string) (*model.StoredReport, error)
}

// Config tunes the service.
type Config struct {
	MaxReplyTokens    int
	HistoryTurns      int // learner/coach exchanges sent with each reply request
	RollingWindow     int
	PromptVersion     string
	QuestionsPerPhase int // used when a start request leaves it unset
	Logger            *slog.Logger
}

// Deps are the collaborators of the service. Transcriber, Synthesizer and
// Reports are optional.
type Deps struct {
	Orchestrator *session.Orchestrator
	Scorer       *scoring.Scorer
	State        *state.Gateway
	Recorder     *telemetry.Recorder
	Dialogue     llm.Dialogue
	Evaluator    llm.Evaluator
	Transcriber  llm.Transcriber
	Synthesizer  llm.Synthesizer
	Reports      ReportStore
}

// Service is safe for concurrent use across sessions. Turns of one session
// must be submitted sequentially.
type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	trackers map[string]*tracker
}

// tracker follows the background evaluations of one session.
type tracker struct {
	wg    sync.WaitGroup
	mu    sync.Mutex // serializes score and difficulty updates
	ended bool
}

// New returns a Service.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = DefaultMaxReplyTokens
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = scoring.DefaultWindow
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = prompts.Version
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NewRecorder(telemetry.DefaultCapacity, telemetry.WithLogger(logger))
	}
	return &Service{
		Deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		trackers: make(map[string]*tracker),
	}
}

func (s *Service) trackerFor(sessionID string) *tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[sessionID]
	if !ok {
		t = &tracker{}
		s.trackers[sessionID] = t
	}
	return t
}

// StartRequest opens a session.
type StartRequest struct {
	LearnerID         string            `json:"learner_id"`
	Language          string            `json:"language"`
	TargetLevel       model.Level       `json:"target_level"`
	Mode              model.Mode        `json:"mode"`
	Phases            []model.ExamPhase `json:"phases,omitempty"`
	QuestionsPerPhase int               `json:"questions_per_phase,omitempty"`
	PreferredTopics   []string          `json:"preferred_topics,omitempty"`
	TargetSkill       string            `json:"target_skill,omitempty"`
	RecentScenarioIDs []string          `json:"recent_scenario_ids,omitempty"`
	Speak             bool              `json:"speak,omitempty"`
}

// StartResult is the opening of a session.
type StartResult struct {
	SessionID      string           `json:"session_id"`
	Mode           model.Mode       `json:"mode"`
	Prompt         string           `json:"prompt"`
	PromptKind     model.PromptKind `json:"prompt_kind,omitempty"`
	Phase          model.ExamPhase  `json:"phase"`
	EffectiveLevel model.Level      `json:"effective_level"`
	TimerSeconds   int              `json:"timer_seconds,omitempty"`
	Complete       bool             `json:"complete"`
	Audio          []byte           `json:"audio,omitempty"`
}

// StartSession creates and persists a new session and returns its opening prompt.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	perPhase := req.QuestionsPerPhase
	if perPhase <= 0 {
		perPhase = s.cfg.QuestionsPerPhase
	}
	cfg := model.SessionConfig{
		SessionID:         uuid.NewString(),
		LearnerID:         req.LearnerID,
		Language:          req.Language,
		TargetLevel:       req.TargetLevel,
		Mode:              req.Mode,
		Phases:            req.Phases,
		QuestionsPerPhase: perPhase,
		PreferredTopics:   req.PreferredTopics,
		TargetSkill:       req.TargetSkill,
		RecentScenarioIDs: req.RecentScenarioIDs,
	}
	st, tr, err := s.Orchestrator.Start(cfg)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	policy := mode.MustLookup(st.Config.Mode)
	diff := difficulty.NewState(st.Config.TargetLevel)

	prompt := tr.NextPrompt
	if tr.SessionComplete {
		prompt = i18n.Localize(st.Config.Language, i18n.MsgFallbackClosing, nil)
	}
	session.Record(st, model.RoleCoach, prompt, s.now().UTC())

	if err := s.State.SaveSession(ctx, st); err != nil {
		return nil, err
	}
	if err := s.State.SaveDifficulty(ctx, st.Config.SessionID, diff); err != nil {
		return nil, err
	}

	res := &StartResult{
		SessionID:      st.Config.SessionID,
		Mode:           st.Config.Mode,
		Prompt:         prompt,
		PromptKind:     tr.PromptKind,
		Phase:          tr.Phase,
		EffectiveLevel: diff.EffectiveLevel,
		Complete:       st.Complete,
	}
	if policy.TimerEnforced {
		res.TimerSeconds = policy.TimerSeconds
	}
	if req.Speak {
		res.Audio = s.speak(ctx, st.Config.SessionID, 0, prompt)
	}
	return res, nil
}

// TurnInput is one learner turn: text, or audio to transcribe.
type TurnInput struct {
	Text          string
	Audio         []byte
	AudioFilename string
	Speak         bool
}

// TurnResult is what the learner gets back for one turn. LastScore is the
// newest applied evaluation, which lags the current turn by one round trip.
// It is omitted while the mode withholds feedback.
type TurnResult struct {
	SessionID      string             `json:"session_id"`
	Turn           int                `json:"turn"`
	Transcript     string             `json:"transcript,omitempty"`
	Reply          string             `json:"reply"`
	Repeat         bool               `json:"repeat,omitempty"`
	Fallback       bool               `json:"fallback,omitempty"`
	Transition     session.Transition `json:"transition"`
	EffectiveLevel model.Level        `json:"effective_level"`
	LastScore      *model.TurnScore   `json:"last_score,omitempty"`
	Audio          []byte             `json:"audio,omitempty"`
}

// SubmitTurn runs one learner turn. The reply is returned before the turn
// is scored; the evaluation is applied in the background.
func (s *Service) SubmitTurn(ctx context.Context, sessionID string, in TurnInput) (*TurnResult, error) {
	st, err := s.State.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrSessionNotFound
	}
	if st.Complete {
		return nil, session.ErrSessionComplete
	}
	diff, err := s.difficulty(ctx, st)
	if err != nil {
		return nil, err
	}
	turn := st.TotalTurns + 1
	res := &TurnResult{SessionID: sessionID, Turn: turn, EffectiveLevel: diff.EffectiveLevel}

	text := in.Text
	if len(in.Audio) > 0 {
		if s.Transcriber == nil {
			return nil, ErrAudioUnsupported
		}
		text, err = s.transcribe(ctx, st, turn, in)
		if err != nil {
			// The learner is asked to repeat; the turn does not advance.
			res.Turn = st.TotalTurns
			res.Repeat = true
			res.Reply = i18n.Localize(st.Config.Language, i18n.MsgRepeatPlease, nil)
			res.Transition = session.Transition{NextPrompt: st.CurrentPrompt, Phase: st.CurrentPhase()}
			return res, nil
		}
		res.Transcript = text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		res.Turn = st.TotalTurns
		res.Repeat = true
		res.Reply = i18n.Localize(st.Config.Language, i18n.MsgRepeatPlease, nil)
		res.Transition = session.Transition{NextPrompt: st.CurrentPrompt, Phase: st.CurrentPhase()}
		return res, nil
	}

	// Evaluation is framed by what the learner was answering.
	evalCtx := s.Orchestrator.BuildContext(st, diff.EffectiveLevel)
	history := session.RecentHistory(st, s.cfg.HistoryTurns)
	session.Record(st, model.RoleLearner, text, s.now().UTC())

	tr, err := s.Orchestrator.Advance(st, text, diff.EffectiveLevel)
	if err != nil {
		return nil, err
	}
	res.Transition = tr

	reply, fallback := s.reply(ctx, st, turn, diff.EffectiveLevel, history, text, tr)
	res.Reply = reply
	res.Fallback = fallback
	session.Record(st, model.RoleCoach, reply, s.now().UTC())

	if err := s.State.SaveSession(ctx, st); err != nil {
		return nil, err
	}

	s.spawnEvaluation(ctx, evaluationJob{
		sessionID: sessionID,
		turn:      turn,
		target:    st.Config.TargetLevel,
		adaptive:  mode.MustLookup(st.Config.Mode).AdaptiveDifficulty,
		context:   evalCtx,
		answer:    text,
	})

	if !feedbackWithheld(st) {
		if scores, err := s.State.LoadScores(ctx, sessionID); err == nil && len(scores) > 0 {
			last := scores[len(scores)-1]
			res.LastScore = &last
		}
	}
	if in.Speak {
		res.Audio = s.speak(ctx, sessionID, turn, reply)
	}
	return res, nil
}

// feedbackWithheld reports whether scores of st must stay hidden for now.
func feedbackWithheld(st *model.SessionState) bool {
	return !st.Complete && !mode.MustLookup(st.Config.Mode).ShowFeedback
}

func (s *Service) difficulty(ctx context.Context, st *model.SessionState) (model.DifficultyState, error) {
	d, err := s.State.LoadDifficulty(ctx, st.Config.SessionID)
	if err != nil {
		return model.DifficultyState{}, err
	}
	if d == nil {
		return difficulty.NewState(st.Config.TargetLevel), nil
	}
	return *d, nil
}

func (s *Service) transcribe(ctx context.Context, st *model.SessionState, turn int, in TurnInput) (string, error) {
	ctx, timer := s.Recorder.Start(ctx, st.Config.SessionID, turn, model.StageSpeechToText)
	tr, err := s.Transcriber.Transcribe(ctx, in.Audio, in.AudioFilename, st.Config.Language)
	if err != nil {
		meta := map[string]any{"audio_bytes": len(in.Audio)}
		var te *llm.TranscriptionError
		if errors.As(err, &te) {
			meta["kind"] = te.Kind
		}
		timer.Failure(err, meta)
		return "", err
	}
	timer.Output(tr.Text).Success(map[string]any{
		"language": tr.Language,
		"duration": tr.Duration,
	})
	return tr.Text, nil
}

// reply generates the coach's answer, falling back to a localized canned
// reply when generation fails.
func (s *Service) reply(ctx context.Context, st *model.SessionState, turn int, effective model.Level, history []model.Message, learner string, tr session.Transition) (string, bool) {
	ctx, timer := s.Recorder.Start(ctx, st.Config.SessionID, turn, model.StageCoachGeneration)
	timer.Input(learner)

	fallback := func(err error) (string, bool) {
		text := i18n.Localize(st.Config.Language, i18n.MsgFallbackClosing, nil)
		if !tr.SessionComplete {
			text = i18n.Localize(st.Config.Language, i18n.MsgFallbackReply, map[string]any{"Question": tr.NextPrompt})
		}
		timer.Output(text).Fallback(err, nil)
		return text, true
	}

	system, err := prompts.BuildCoachPrompt(s.Orchestrator.BuildContext(st, effective))
	if err != nil {
		return fallback(err)
	}
	if s.Dialogue == nil {
		return fallback(errors.New("no dialogue model configured"))
	}
	text, err := s.Dialogue.Reply(ctx, llm.DialogueRequest{
		System:    system,
		History:   history,
		Learner:   learner,
		MaxTokens: s.cfg.MaxReplyTokens,
		Fast:      true,
	})
	if err != nil {
		return fallback(err)
	}
	timer.Output(text).Success(nil)
	return text, false
}

// speak synthesizes text; failures degrade to a text-only reply.
func (s *Service) speak(ctx context.Context, sessionID string, turn int, text string) []byte {
	if s.Synthesizer == nil || text == "" {
		return nil
	}
	ctx, timer := s.Recorder.Start(ctx, sessionID, turn, model.StageSpeechSynthesis)
	audio, err := s.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		timer.Fallback(err, nil)
		return nil
	}
	timer.Success(map[string]any{"audio_bytes": len(audio)})
	return audio
}
