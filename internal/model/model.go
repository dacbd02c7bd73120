package model

import (
	"fmt"
	"strings"
	"time"
)

// Level is one of the three ordered proficiency levels.
type Level string

const (
	// LevelNone marks a score below the A threshold.
	LevelNone Level = ""
	LevelA    Level = "A"
	LevelB    Level = "B"
	LevelC    Level = "C"
)

// Levels lists the proficiency levels in ascending order.
var Levels = []Level{LevelA, LevelB, LevelC}

// Index returns the position of l in Levels, or -1 for LevelNone and unknown values.
func (l Level) Index() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is A, B or C.
func (l Level) Valid() bool { return l.Index() >= 0 }

// Up returns the next level, capped at C.
func (l Level) Up() Level {
	i := l.Index()
	if i < 0 || i == len(Levels)-1 {
		return l
	}
	return Levels[i+1]
}

// Down returns the previous level, floored at A.
func (l Level) Down() Level {
	i := l.Index()
	if i <= 0 {
		return l
	}
	return Levels[i-1]
}

// ParseLevel accepts "a", "B", " c " and similar.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return LevelNone, fmt.Errorf("invalid level %q (want A, B or C)", s)
	}
	return l, nil
}

// ExamPhase is one of the three ordered interview segments.
type ExamPhase int

const (
	// PhaseWarmUp is the factual warm-up phase, level A.
	PhaseWarmUp ExamPhase = 1
	// PhaseNarrative is the narrative/explanatory phase, level B.
	PhaseNarrative ExamPhase = 2
	// PhaseOpinion is the opinion/hypothetical phase, level C.
	PhaseOpinion ExamPhase = 3
)

// AllPhases is the full interview in order.
var AllPhases = []ExamPhase{PhaseWarmUp, PhaseNarrative, PhaseOpinion}

// Valid reports whether p is 1, 2 or 3.
func (p ExamPhase) Valid() bool { return p >= PhaseWarmUp && p <= PhaseOpinion }

// Level returns the proficiency level a phase targets.
func (p ExamPhase) Level() Level {
	switch p {
	case PhaseWarmUp:
		return LevelA
	case PhaseNarrative:
		return LevelB
	case PhaseOpinion:
		return LevelC
	}
	return LevelNone
}

func (p ExamPhase) String() string {
	switch p {
	case PhaseWarmUp:
		return "warm-up"
	case PhaseNarrative:
		return "narrative"
	case PhaseOpinion:
		return "opinion"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Criterion is one of the seven canonical scoring dimensions.
type Criterion string

const (
	CriterionGrammar           Criterion = "grammar"
	CriterionVocabulary        Criterion = "vocabulary"
	CriterionFluency           Criterion = "fluency"
	CriterionPronunciation     Criterion = "pronunciation"
	CriterionComprehension     Criterion = "comprehension"
	CriterionInteraction       Criterion = "interaction"
	CriterionLogicalConnectors Criterion = "logical_connectors"
)

// Criteria lists the canonical criteria in report order.
var Criteria = []Criterion{
	CriterionGrammar,
	CriterionVocabulary,
	CriterionFluency,
	CriterionPronunciation,
	CriterionComprehension,
	CriterionInteraction,
	CriterionLogicalConnectors,
}

// ScoreVector maps every canonical criterion to an integer score in [0,100].
type ScoreVector map[Criterion]int

// Mode selects one of the fixed session behaviours.
type Mode string

const (
	ModeTraining       Mode = "training"
	ModeExamSimulation Mode = "exam_simulation"
	ModeMicroLearning  Mode = "micro_learning"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleLearner Role = "learner"
	RoleCoach   Role = "coach"
)

// Message is one utterance in the running conversation.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PhaseDescriptor describes one interview phase.
type PhaseDescriptor struct {
	Phase           ExamPhase `json:"phase"`
	Level           Level     `json:"level"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	TargetSkills    []string  `json:"target_skills"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Scenario is a framed role-play situation with follow-ups.
type Scenario struct {
	ID               string    `json:"id"`
	Language         string    `json:"language"`
	Phase            ExamPhase `json:"phase"`
	TargetLevel      Level     `json:"target_level"`
	TopicDomain      string    `json:"topic_domain"`
	ContextText      string    `json:"context_text"`
	InstructionText  string    `json:"instruction_text"`
	PromptText       string    `json:"prompt_text"`
	Followups        []string  `json:"followups"`
	ExpectedElements []string  `json:"expected_elements"`
	LinkedRubricIDs  []string  `json:"linked_rubric_ids"`
	LinkedErrorIDs   []string  `json:"linked_error_ids"`
	Skills           []string  `json:"skills"`
}

// Question is a single bank question.
type Question struct {
	ID            string    `json:"id"`
	Language      string    `json:"language"`
	Phase         ExamPhase `json:"phase"`
	TargetLevel   Level     `json:"target_level"`
	TopicDomain   string    `json:"topic_domain"`
	Text          string    `json:"text"`
	Followups     []string  `json:"followups"`
	TimingSeconds int       `json:"timing_seconds"`
}

// Rubric holds the five band descriptors of one criterion at one level.
type Rubric struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	Criterion   Criterion `json:"criterion"`
	Level       Level     `json:"level"`
	Description string    `json:"description"`
	Bands       []string  `json:"bands"`
}

// CommonError is a known learner error pattern.
type CommonError struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	Pattern     string    `json:"pattern"`
	Category    string    `json:"category"`
	Criterion   Criterion `json:"criterion"`
	Level       Level     `json:"level"`
	Explanation string    `json:"explanation"`
	Correction  string    `json:"correction"`
}

// FeedbackKind tags a feedback template.
type FeedbackKind string

const (
	FeedbackWeakness      FeedbackKind = "weakness"
	FeedbackStrength      FeedbackKind = "strength"
	FeedbackEncouragement FeedbackKind = "encouragement"
)

// FeedbackTemplate is a canned recommendation text.
type FeedbackTemplate struct {
	ID        string       `json:"id"`
	Language  string       `json:"language"`
	Criterion Criterion    `json:"criterion"`
	Kind      FeedbackKind `json:"kind"`
	Level     Level        `json:"level"`
	Text      string       `json:"text"`
}

// CriterionWeight is one row of the composite weights table.
type CriterionWeight struct {
	Criterion Criterion `json:"criterion"`
	Weight    float64   `json:"weight"`
}

// DetectedError is a known-error match found in a learner turn.
type DetectedError struct {
	ErrorID     string    `json:"error_id"`
	Category    string    `json:"category"`
	Criterion   Criterion `json:"criterion"`
	Match       string    `json:"match"`
	Explanation string    `json:"explanation"`
	Correction  string    `json:"correction"`
	Turn        int       `json:"turn"`
}

// SessionConfig holds the parameters a session is started with.
type SessionConfig struct {
	SessionID         string      `json:"session_id"`
	LearnerID         string      `json:"learner_id"`
	Language          string      `json:"language"`
	TargetLevel       Level       `json:"target_level"`
	Mode              Mode        `json:"mode"`
	Phases            []ExamPhase `json:"phases"`
	QuestionsPerPhase int         `json:"questions_per_phase"`
	PreferredTopics   []string    `json:"preferred_topics,omitempty"`
	TargetSkill       string      `json:"target_skill,omitempty"`
	RecentScenarioIDs []string    `json:"recent_scenario_ids,omitempty"`
}

// SessionState is the orchestrator's mutable per-session state.
type SessionState struct {
	Config             SessionConfig   `json:"config"`
	CurrentPhaseIndex  int             `json:"current_phase_index"`
	CurrentScenario    *Scenario       `json:"current_scenario,omitempty"`
	CurrentQuestionSet []Question      `json:"current_question_set"`
	QuestionCursor     int             `json:"question_cursor"`
	FollowupCursor     int             `json:"followup_cursor"`
	UsedScenarioIDs    []string        `json:"used_scenario_ids"`
	UsedQuestionIDs    []string        `json:"used_question_ids"`
	TurnCount          int             `json:"turn_count"`
	TotalTurns         int             `json:"total_turns"`
	AccumulatedErrors  []DetectedError `json:"accumulated_errors"`
	History            []Message       `json:"history"`
	CurrentPrompt      string          `json:"current_prompt"`
	Complete           bool            `json:"complete"`
	StartTimestamp     time.Time       `json:"start_timestamp"`
}

// CurrentPhase returns the active phase, or 0 when the index is out of range.
func (s *SessionState) CurrentPhase() ExamPhase {
	if s.CurrentPhaseIndex < 0 || s.CurrentPhaseIndex >= len(s.Config.Phases) {
		return 0
	}
	return s.Config.Phases[s.CurrentPhaseIndex]
}

// DifficultyState tracks the adaptive level of one session.
type DifficultyState struct {
	EffectiveLevel         Level `json:"effective_level"`
	ConsecutiveStrongCount int   `json:"consecutive_strong_count"`
	ConsecutiveWeakCount   int   `json:"consecutive_weak_count"`
	SessionScoreHistory    []int `json:"session_score_history"`
}

// TurnScore is the scored outcome of one learner turn.
type TurnScore struct {
	Turn      int         `json:"turn"`
	Vector    ScoreVector `json:"vector"`
	Composite int         `json:"composite"`
	Level     Level       `json:"level"`
	Passed    bool        `json:"passed"`
	Anomalies []string    `json:"anomalies,omitempty"`
	Feedback  string      `json:"feedback,omitempty"`
	At        time.Time   `json:"at"`
}

// CriterionDetail is one row of a score report.
type CriterionDetail struct {
	Criterion Criterion `json:"criterion"`
	Score     int       `json:"score"`
	Level     Level     `json:"level"`
	Weight    float64   `json:"weight"`
}

// SessionScoreReport is derived from a score vector; it is never the source of truth.
type SessionScoreReport struct {
	SessionID       string            `json:"session_id"`
	Language        string            `json:"language"`
	Mode            Mode              `json:"mode"`
	OverallScore    int               `json:"overall_score"`
	Level           Level             `json:"level"`
	TargetLevel     Level             `json:"target_level"`
	EffectiveLevel  Level             `json:"effective_level"`
	Passed          bool              `json:"passed"`
	PerCriterion    []CriterionDetail `json:"per_criterion"`
	Strengths       []Criterion       `json:"strengths"`
	Weaknesses      []Criterion       `json:"weaknesses"`
	Recommendations []string          `json:"recommendations"`
	DetectedErrors  []DetectedError   `json:"detected_errors"`
	TurnsScored     int               `json:"turns_scored"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
