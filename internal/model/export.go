package model

import "time"

// ReportExport is the top-level JSON structure for session report export.
type ReportExport struct {
	ExportID      string         `json:"export_id"`
	Date          string         `json:"date"`
	PromptVersion string         `json:"prompt_version"`
	NumReports    int            `json:"num_reports"`
	Reports       []StoredReport `json:"reports"`
}

// StoredReport is a final session report as persisted at session end.
type StoredReport struct {
	SessionID string             `json:"session_id"`
	LearnerID string             `json:"learner_id"`
	EndedAt   time.Time          `json:"ended_at"`
	Report    SessionScoreReport `json:"report"`
}
