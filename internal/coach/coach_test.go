package coach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/pavelanni/oralexam/internal/content"
	"github.com/pavelanni/oralexam/internal/difficulty"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/llm"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/scoring"
	"github.com/pavelanni/oralexam/internal/session"
	"github.com/pavelanni/oralexam/internal/state"
	"github.com/pavelanni/oralexam/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDialogue struct {
	mu    sync.Mutex
	err   error
	calls []llm.DialogueRequest
}

func (f *fakeDialogue) Reply(_ context.Context, req llm.DialogueRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return "Très bien. Question suivante.", nil
}

// fakeEvaluator scores every criterion with the next value of scores,
// repeating the last one.
type fakeEvaluator struct {
	mu     sync.Mutex
	scores []int
	raw    string // overrides the generated payload
	delay  time.Duration
	calls  int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, prompt string) (*llm.Evaluation, error) {
	f.mu.Lock()
	i := min(f.calls, len(f.scores)-1)
	f.calls++
	raw := f.raw
	if raw == "" {
		parts := make([]string, 0, len(model.Criteria))
		for _, c := range model.Criteria {
			parts = append(parts, fmt.Sprintf("%q: %d", c, f.scores[i]))
		}
		raw = `{"criteria": {` + strings.Join(parts, ", ") + `}, "feedback": "Bien."}`
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return llm.ParseEvaluation(raw)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string, string) (*llm.Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Transcript{Text: f.text, Language: "fr", Duration: 1.2}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(context.Context, string) ([]byte, error) { return []byte("mp3"), nil }

type memReports struct {
	mu      sync.Mutex
	reports map[string]model.StoredReport
}

func (m *memReports) SaveReport(_ context.Context, r model.StoredReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = make(map[string]model.StoredReport)
	}
	m.reports[r.SessionID] = r
	return nil
}

func (m *memReports) GetReport(_ context.Context, id string) (*model.StoredReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func testTables() content.Tables {
	var questions []model.Question
	for i := 1; i <= 6; i++ {
		questions = append(questions, model.Question{
			ID: fmt.Sprintf("q%d", i), Language: "fr", Phase: model.PhaseWarmUp,
			Text: fmt.Sprintf("Question %d ?", i),
		})
	}
	questions = append(questions, model.Question{ID: "q7", Language: "fr", Phase: model.PhaseNarrative, Text: "Racontez."})
	return content.Tables{
		Phases:    []model.PhaseDescriptor{{Phase: model.PhaseWarmUp, Level: model.LevelA, Name: "Warm-up"}},
		Questions: questions,
		CommonErrors: []model.CommonError{
			{ID: "e1", Language: "fr", Pattern: `j'ai allé`, Criterion: model.CriterionGrammar, Correction: "je suis allé"},
		},
	}
}

type harness struct {
	svc       *Service
	dialogue  *fakeDialogue
	evaluator *fakeEvaluator
	reports   *memReports
	gateway   *state.Gateway
	recorder  *telemetry.Recorder
}

func newHarness(t *testing.T, scores ...int) *harness {
	t.Helper()
	if len(scores) == 0 {
		scores = []int{80}
	}
	logger := quietLogger()
	corpus := content.New(testTables(), content.WithLogger(logger), content.WithRand(rand.New(rand.NewPCG(1, 2))))
	h := &harness{
		dialogue:  &fakeDialogue{},
		evaluator: &fakeEvaluator{scores: scores},
		reports:   &memReports{},
		gateway:   state.New(nil, 16, -1, state.WithLogger(logger)),
		recorder:  telemetry.NewRecorder(100, telemetry.WithLogger(logger)),
	}
	h.svc = New(Config{Logger: logger}, Deps{
		Orchestrator: session.New(corpus, difficulty.NewRanker(rand.New(rand.NewPCG(5, 6))), logger),
		Scorer:       scoring.NewScorer(nil, corpus, rand.New(rand.NewPCG(7, 8)), logger),
		State:        h.gateway,
		Recorder:     h.recorder,
		Dialogue:     h.dialogue,
		Evaluator:    h.evaluator,
		Reports:      h.reports,
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func (h *harness) start(t *testing.T, req StartRequest) *StartResult {
	t.Helper()
	if req.Language == "" {
		req.Language = "fr"
	}
	if len(req.Phases) == 0 {
		req.Phases = []model.ExamPhase{model.PhaseWarmUp}
	}
	if req.QuestionsPerPhase == 0 {
		req.QuestionsPerPhase = 6
	}
	res, err := h.svc.StartSession(context.Background(), req)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return res
}

func (h *harness) turn(t *testing.T, id, text string) *TurnResult {
	t.Helper()
	res, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Text: text})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	return res
}

func TestStartSession(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, StartRequest{LearnerID: "anna", TargetLevel: model.LevelB})

	if res.SessionID == "" {
		t.Fatal("empty session id")
	}
	if !strings.HasPrefix(res.Prompt, "Question ") || res.PromptKind != model.PromptQuestion {
		t.Errorf("opening = %q (%s)", res.Prompt, res.PromptKind)
	}
	if res.Mode != model.ModeTraining || res.EffectiveLevel != model.LevelB {
		t.Errorf("mode/level = %s/%s", res.Mode, res.EffectiveLevel)
	}
	if res.TimerSeconds != 0 {
		t.Errorf("training mode should not announce a timer, got %d", res.TimerSeconds)
	}

	st, err := h.svc.Status(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.LearnerID != "anna" || st.CurrentPrompt != res.Prompt || st.TotalTurns != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestStartSessionValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.StartSession(context.Background(), StartRequest{}); err == nil {
		t.Error("missing language should fail")
	}
	if _, err := h.svc.StartSession(context.Background(), StartRequest{Language: "fr", Mode: "karaoke"}); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestStartSessionDefaultQuestionsPerPhase(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.QuestionsPerPhase = 2
	res, err := h.svc.StartSession(context.Background(), StartRequest{
		Language: "fr",
		Phases:   []model.ExamPhase{model.PhaseWarmUp},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	st, err := h.gateway.LoadSession(context.Background(), res.SessionID)
	if err != nil || st == nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if st.Config.QuestionsPerPhase != 2 || len(st.CurrentQuestionSet) != 2 {
		t.Errorf("per phase = %d, question set = %d", st.Config.QuestionsPerPhase, len(st.CurrentQuestionSet))
	}
}

func TestExamModeAnnouncesTimer(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, StartRequest{Mode: model.ModeExamSimulation})
	if res.TimerSeconds != 20*60 {
		t.Errorf("TimerSeconds = %d, want 1200", res.TimerSeconds)
	}
}

func TestSubmitTurnScoresInBackground(t *testing.T) {
	h := newHarness(t, 80)
	opening := h.start(t, StartRequest{})
	id := opening.SessionID

	res := h.turn(t, id, "Je m'appelle Anna.")
	if res.Reply != "Très bien. Question suivante." || res.Fallback {
		t.Errorf("reply = %q fallback=%v", res.Reply, res.Fallback)
	}
	if res.Turn != 1 || res.Transition.NextPrompt == opening.Prompt || res.Transition.PromptKind != model.PromptQuestion {
		t.Errorf("turn %d next %q", res.Turn, res.Transition.NextPrompt)
	}

	h.svc.Wait()
	st, err := h.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if st.TurnsScored != 1 || st.LastScore == nil || st.LastScore.Composite != 80 {
		t.Fatalf("status after evaluation = %+v", st)
	}
	if !st.LastScore.Passed || st.LastScore.Level != model.LevelC {
		t.Errorf("last score = %+v", st.LastScore)
	}

	// The applied score is visible on the next turn.
	res = h.turn(t, id, "J'habite à Lyon.")
	if res.LastScore == nil || res.LastScore.Turn != 1 {
		t.Errorf("LastScore on turn 2 = %+v", res.LastScore)
	}

	h.dialogue.mu.Lock()
	req := h.dialogue.calls[1]
	h.dialogue.mu.Unlock()
	if !req.Fast || req.MaxTokens != DefaultMaxReplyTokens {
		t.Errorf("dialogue request = %+v", req)
	}
	if len(req.History) != 3 {
		t.Errorf("history = %d messages, want opener, answer, reply", len(req.History))
	}
	if !strings.Contains(req.System, res.Transition.NextPrompt) {
		t.Error("system prompt should carry the next question")
	}
}

func TestDifficultyEscalatesAfterStrongStreak(t *testing.T) {
	h := newHarness(t, 75, 78, 80)
	id := h.start(t, StartRequest{TargetLevel: model.LevelB}).SessionID

	for _, text := range []string{"un", "deux", "trois"} {
		h.turn(t, id, text)
		h.svc.Wait()
	}
	st, err := h.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if st.EffectiveLevel != model.LevelC {
		t.Errorf("effective level = %s, want C", st.EffectiveLevel)
	}
	if st.TurnsScored != 3 || st.RollingAverage < 77 || st.RollingAverage > 78 {
		t.Errorf("status = %+v", st)
	}
}

func TestExamModeKeepsLevel(t *testing.T) {
	h := newHarness(t, 95)
	id := h.start(t, StartRequest{Mode: model.ModeExamSimulation, TargetLevel: model.LevelA}).SessionID
	for range 3 {
		res := h.turn(t, id, "J'ai allé au marché.")
		if len(res.Transition.Feedback) != 0 {
			t.Error("exam mode must not show feedback")
		}
		if res.LastScore != nil {
			t.Errorf("exam turn %d leaked a score: %+v", res.Turn, res.LastScore)
		}
		h.svc.Wait()
	}
	ctx := context.Background()
	st, _ := h.svc.Status(ctx, id)
	if st.EffectiveLevel != model.LevelA {
		t.Errorf("effective level = %s, want A", st.EffectiveLevel)
	}
	if st.TurnsScored != 3 || st.LastScore != nil || st.RollingAverage != 0 || st.SustainedTarget {
		t.Errorf("exam status leaked scores: %+v", st)
	}
	if _, err := h.svc.Report(ctx, id); !errors.Is(err, ErrFeedbackWithheld) {
		t.Errorf("Report during exam: err = %v, want ErrFeedbackWithheld", err)
	}

	report, err := h.svc.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if report.OverallScore != 95 || report.TurnsScored != 3 {
		t.Errorf("final report = %d over %d turns, want 95 over 3", report.OverallScore, report.TurnsScored)
	}
}

func TestTrainingShowsFeedback(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, StartRequest{}).SessionID
	res := h.turn(t, id, "Hier j'ai allé au cinéma.")
	if len(res.Transition.Feedback) != 1 || res.Transition.Feedback[0].Correction != "je suis allé" {
		t.Errorf("feedback = %+v", res.Transition.Feedback)
	}
}

func TestDialogueFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.dialogue.err = errors.New("upstream timeout")
	id := h.start(t, StartRequest{Language: "en"}).SessionID

	// The corpus has no English content, so the session starts complete.
	if _, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Text: "hello"}); !errors.Is(err, session.ErrSessionComplete) {
		t.Fatalf("err = %v, want ErrSessionComplete", err)
	}

	id = h.start(t, StartRequest{}).SessionID
	res := h.turn(t, id, "Bonjour")
	want := i18n.Localize("fr", i18n.MsgFallbackReply, map[string]any{"Question": res.Transition.NextPrompt})
	if !res.Fallback || res.Reply != want {
		t.Errorf("reply = %q fallback=%v, want %q", res.Reply, res.Fallback, want)
	}

	var found bool
	for _, e := range h.recorder.Session(id) {
		if e.Stage == model.StageCoachGeneration && e.Status == model.StatusFallback {
			found = true
		}
	}
	if !found {
		t.Error("fallback not recorded in telemetry")
	}
}

func TestAudioTurn(t *testing.T) {
	h := newHarness(t)
	h.svc.Transcriber = &fakeTranscriber{text: "Je m'appelle Paul."}
	h.svc.Synthesizer = fakeSynth{}
	id := h.start(t, StartRequest{}).SessionID

	res, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Audio: []byte("wav"), Speak: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transcript != "Je m'appelle Paul." || res.Turn != 1 {
		t.Errorf("result = %+v", res)
	}
	if string(res.Audio) != "mp3" {
		t.Errorf("audio = %q", res.Audio)
	}
}

func TestTranscriptionFailureAsksToRepeat(t *testing.T) {
	h := newHarness(t)
	h.svc.Transcriber = &fakeTranscriber{err: &llm.TranscriptionError{Kind: llm.TranscriptionEmptyText}}
	opening := h.start(t, StartRequest{})
	id := opening.SessionID

	res, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Audio: []byte("noise")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Repeat || res.Reply != i18n.Localize("fr", i18n.MsgRepeatPlease, nil) {
		t.Errorf("result = %+v", res)
	}
	if res.Transition.NextPrompt != opening.Prompt {
		t.Errorf("prompt should be repeated, got %q", res.Transition.NextPrompt)
	}
	st, _ := h.svc.Status(context.Background(), id)
	if st.TotalTurns != 0 {
		t.Errorf("turn advanced on failed transcription: %d", st.TotalTurns)
	}
}

func TestAudioWithoutTranscriber(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, StartRequest{}).SessionID
	_, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Audio: []byte("x")})
	if !errors.Is(err, ErrAudioUnsupported) {
		t.Errorf("err = %v, want ErrAudioUnsupported", err)
	}
}

func TestEmptyTextAsksToRepeat(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, StartRequest{}).SessionID
	res := h.turn(t, id, "   ")
	if !res.Repeat {
		t.Error("blank turn should ask to repeat")
	}
}

func TestInvalidEvaluationIsNotApplied(t *testing.T) {
	h := newHarness(t)
	h.evaluator.raw = "the answer was fine"
	id := h.start(t, StartRequest{}).SessionID
	h.turn(t, id, "Bonjour")
	h.svc.Wait()

	st, _ := h.svc.Status(context.Background(), id)
	if st.TurnsScored != 0 {
		t.Errorf("unparseable evaluation applied: %+v", st.LastScore)
	}
	repro := h.recorder.ReproducibilityFor(id)
	if len(repro) != 1 || repro[0].RawOutput != "the answer was fine" || repro[0].Validated {
		t.Errorf("reproducibility = %+v", repro)
	}
}

func TestLegacyPayloadIsNormalized(t *testing.T) {
	h := newHarness(t)
	h.evaluator.raw = `{"scores": [{"criterion": "Grammaire", "score": "60"}, {"criterion": "fluidité", "score": 90}]}`
	id := h.start(t, StartRequest{}).SessionID
	h.turn(t, id, "Bonjour")
	h.svc.Wait()

	st, _ := h.svc.Status(context.Background(), id)
	if st.LastScore == nil {
		t.Fatal("legacy payload should still be scored")
	}
	if st.LastScore.Vector[model.CriterionGrammar] != 60 || st.LastScore.Vector[model.CriterionFluency] != 90 {
		t.Errorf("vector = %v", st.LastScore.Vector)
	}
	repro := h.recorder.ReproducibilityFor(id)
	if len(repro) != 1 || repro[0].Validated || len(repro[0].ValidationErrors) == 0 {
		t.Errorf("schema failure should be recorded: %+v", repro)
	}
}

func TestAllZeroScoreIsFlagged(t *testing.T) {
	h := newHarness(t, 0)
	id := h.start(t, StartRequest{}).SessionID
	h.turn(t, id, "Bonjour")
	h.svc.Wait()

	st, _ := h.svc.Status(context.Background(), id)
	if st.LastScore == nil || len(st.LastScore.Anomalies) == 0 || st.LastScore.Anomalies[0] != scoring.AnomalyAllZero {
		t.Errorf("last score = %+v", st.LastScore)
	}
}

func TestEndSessionWaitsForEvaluations(t *testing.T) {
	h := newHarness(t, 60)
	h.evaluator.delay = 20 * time.Millisecond
	id := h.start(t, StartRequest{LearnerID: "anna", TargetLevel: model.LevelB}).SessionID
	h.turn(t, id, "Bonjour")
	h.turn(t, id, "J'habite à Lyon.")

	report, err := h.svc.EndSession(context.Background(), id)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if report.TurnsScored != 2 || report.OverallScore != 60 || !report.Passed {
		t.Errorf("report = %+v", report)
	}
	if len(report.PerCriterion) != len(model.Criteria) {
		t.Errorf("per criterion rows = %d", len(report.PerCriterion))
	}

	stored, _ := h.reports.GetReport(context.Background(), id)
	if stored == nil || stored.LearnerID != "anna" {
		t.Fatalf("stored report = %+v", stored)
	}
	if h.gateway.Cached() != 0 {
		t.Error("state not cleared on end")
	}

	if _, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Text: "encore"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("turn after end: err = %v", err)
	}
	got, err := h.svc.Report(context.Background(), id)
	if err != nil || got.OverallScore != 60 {
		t.Errorf("Report after end = %+v, %v", got, err)
	}
}

func TestEvaluationForEndedSessionIsDropped(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, StartRequest{}).SessionID
	if _, err := h.svc.EndSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	ev, err := llm.ParseEvaluation(`{"criteria": {"grammar": 90}, "feedback": "ok"}`)
	if err != nil {
		t.Fatal(err)
	}
	h.svc.applyEvaluation(context.Background(), &tracker{ended: true}, evaluationJob{sessionID: id, turn: 1}, ev)
	h.svc.applyEvaluation(context.Background(), &tracker{}, evaluationJob{sessionID: id, turn: 1}, ev)

	if h.gateway.Cached() != 0 {
		t.Error("late evaluation recreated session state")
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitTurn(ctx, "nope", TurnInput{Text: "x"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SubmitTurn: %v", err)
	}
	if _, err := h.svc.Status(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Status: %v", err)
	}
	if _, err := h.svc.Report(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Report: %v", err)
	}
	if _, err := h.svc.EndSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("EndSession: %v", err)
	}
}

func TestSessionCompletesAfterLastQuestion(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, StartRequest{QuestionsPerPhase: 1}).SessionID

	res := h.turn(t, id, "Bonjour")
	if !res.Transition.SessionComplete {
		t.Fatalf("transition = %+v", res.Transition)
	}
	h.dialogue.mu.Lock()
	system := h.dialogue.calls[0].System
	h.dialogue.mu.Unlock()
	if !strings.Contains(system, "The interview is over") {
		t.Error("closing turn should ask the coach to close")
	}
	if _, err := h.svc.SubmitTurn(context.Background(), id, TurnInput{Text: "encore"}); !errors.Is(err, session.ErrSessionComplete) {
		t.Errorf("err = %v, want ErrSessionComplete", err)
	}
}
