package mode

import (
	"testing"

	"github.com/pavelanni/oralexam/internal/model"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		mode         model.Mode
		adaptive     bool
		showFeedback bool
		timer        bool
	}{
		{model.ModeTraining, true, true, false},
		{model.ModeExamSimulation, false, false, true},
		{model.ModeMicroLearning, false, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			p, err := Lookup(tt.mode)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if p.AdaptiveDifficulty != tt.adaptive {
				t.Errorf("AdaptiveDifficulty = %v, want %v", p.AdaptiveDifficulty, tt.adaptive)
			}
			if p.ShowFeedback != tt.showFeedback {
				t.Errorf("ShowFeedback = %v, want %v", p.ShowFeedback, tt.showFeedback)
			}
			if p.TimerEnforced != tt.timer {
				t.Errorf("TimerEnforced = %v, want %v", p.TimerEnforced, tt.timer)
			}
			if p.MaxTurns <= 0 {
				t.Error("MaxTurns must be positive")
			}
			if p.Directive == "" {
				t.Error("Directive must not be empty")
			}
		})
	}

	if _, err := Lookup("karaoke"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	p := MustLookup(model.ModeTraining)
	p.Phases[0] = model.PhaseOpinion
	again := MustLookup(model.ModeTraining)
	if again.Phases[0] != model.PhaseWarmUp {
		t.Error("mutating a looked-up policy changed the table")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Mode
		wantErr bool
	}{
		{"", model.ModeTraining, false},
		{"Training", model.ModeTraining, false},
		{"exam", model.ModeExamSimulation, false},
		{"exam-simulation", model.ModeExamSimulation, false},
		{"micro_learning", model.ModeMicroLearning, false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
