package model

// PromptKind tells what the current coach prompt is.
type PromptKind string

const (
	PromptQuestion PromptKind = "question"
	PromptFollowup PromptKind = "followup"
	PromptOpener   PromptKind = "opener"
	PromptNone     PromptKind = ""
)

// TurnContext is everything the coach needs to frame one turn. AnswerGuide
// is private to the coach and never shown to the learner.
type TurnContext struct {
	Language       string
	Mode           Mode
	EffectiveLevel Level
	Phase          PhaseDescriptor
	ScenarioID     string
	Framing        string
	Instructions   string
	AnswerGuide    []string
	Rubrics        []Rubric
	Question       string
	Directive      string
}
