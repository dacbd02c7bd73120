// Package mode holds the fixed behaviour table of the session modes.
package mode

import (
	"fmt"
	"strings"

	"github.com/pavelanni/oralexam/internal/model"
)

// Policy is the fixed behaviour of one session mode.
type Policy struct {
	Mode               model.Mode
	ShowFeedback       bool // attach detected-error feedback to each turn
	ShowCorrections    bool // let the coach correct the learner in its reply
	TimerEnforced      bool // advisory; enforced outside this service
	TimerSeconds       int
	MaxTurns           int // forced termination after this many learner turns
	AdaptiveDifficulty bool
	Phases             []model.ExamPhase
	Directive          string // appended to every turn context
}

var policies = map[model.Mode]Policy{
	model.ModeTraining: {
		Mode:               model.ModeTraining,
		ShowFeedback:       true,
		ShowCorrections:    true,
		TimerEnforced:      false,
		MaxTurns:           40,
		AdaptiveDifficulty: true,
		Phases:             model.AllPhases,
		Directive: "MODE: TRAINING. Correct the learner gently, model the right form once, " +
			"and encourage them to continue.",
	},
	model.ModeExamSimulation: {
		Mode:               model.ModeExamSimulation,
		ShowFeedback:       false,
		ShowCorrections:    false,
		TimerEnforced:      true,
		TimerSeconds:       20 * 60,
		MaxTurns:           30,
		AdaptiveDifficulty: false,
		Phases:             model.AllPhases,
		Directive: "MODE: EXAM SIMULATION. Behave as a formal assessor. Do not correct, " +
			"do not give feedback, do not praise. Ask the next question neutrally.",
	},
	model.ModeMicroLearning: {
		Mode:               model.ModeMicroLearning,
		ShowFeedback:       true,
		ShowCorrections:    true,
		TimerEnforced:      true,
		TimerSeconds:       5 * 60,
		MaxTurns:           6,
		AdaptiveDifficulty: false,
		Phases:             []model.ExamPhase{model.PhaseWarmUp},
		Directive: "MODE: MICRO-LEARNING. Keep replies very short, focus on one point, " +
			"correct gently.",
	},
}

// Lookup returns the policy for m.
func Lookup(m model.Mode) (Policy, error) {
	p, ok := policies[m]
	if !ok {
		return Policy{}, fmt.Errorf("unknown mode %q", m)
	}
	p.Phases = append([]model.ExamPhase(nil), p.Phases...)
	return p, nil
}

// MustLookup is Lookup for modes already validated by Parse.
func MustLookup(m model.Mode) Policy {
	p, err := Lookup(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse accepts the mode names plus the "exam" and "micro" shorthands.
func Parse(s string) (model.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "training", "train":
		return model.ModeTraining, nil
	case "exam_simulation", "exam-simulation", "exam":
		return model.ModeExamSimulation, nil
	case "micro_learning", "micro-learning", "micro":
		return model.ModeMicroLearning, nil
	}
	return "", fmt.Errorf("unknown mode %q (want training, exam_simulation or micro_learning)", s)
}
