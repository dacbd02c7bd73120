package model

import "time"

// Stage names one step of the per-turn pipeline.
type Stage string

const (
	StageSpeechToText    Stage = "speech_to_text"
	StageCoachGeneration Stage = "coach_generation"
	StageScoring         Stage = "scoring"
	StageValidation      Stage = "validation"
	StageSpeechSynthesis Stage = "speech_synthesis"
	StageStorageWrite    Stage = "storage_write"
)

// StageStatus is the outcome of a pipeline stage.
type StageStatus string

const (
	StatusSuccess  StageStatus = "success"
	StatusFailure  StageStatus = "failure"
	StatusFallback StageStatus = "fallback"
)

// PipelineLogEntry records one timed pipeline stage.
type PipelineLogEntry struct {
	SessionID    string         `json:"session_id"`
	TurnSequence int            `json:"turn_sequence"`
	Stage        Stage          `json:"stage"`
	Status       StageStatus    `json:"status"`
	DurationMs   int64          `json:"duration_ms"`
	Input        string         `json:"input,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	At           time.Time      `json:"at"`
}

// ReproducibilityPayload captures what is needed to replay the scoring of one turn.
type ReproducibilityPayload struct {
	SessionID        string   `json:"session_id"`
	Turn             int      `json:"turn"`
	RawOutput        string   `json:"raw_output"`
	Validated        bool     `json:"validated"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	PromptHash       string   `json:"prompt_hash"`
	PromptVersion    string   `json:"prompt_version"`
}
