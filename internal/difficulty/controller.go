// Package difficulty adapts a session's effective level to the learner's
// recent turn scores and ranks candidate scenarios against that level.
package difficulty

import (
	"github.com/pavelanni/oralexam/internal/model"
)

// Streak thresholds.
const (
	StrongScore = 70 // a turn at or above this extends the strong streak
	WeakScore   = 40 // a turn below this extends the weak streak
	StreakLen   = 3  // consecutive turns needed to shift one level
)

// Shift describes the outcome of applying one turn score.
type Shift int

const (
	NoShift Shift = iota
	ShiftUp
	ShiftDown
)

func (s Shift) String() string {
	switch s {
	case ShiftUp:
		return "up"
	case ShiftDown:
		return "down"
	}
	return "none"
}

// Controller applies the streak rules. Adaptive is false for every mode
// other than training; a non-adaptive controller records scores but never
// touches the level or the streak counters.
type Controller struct {
	Adaptive bool
}

// NewState returns the initial difficulty state for a target level.
func NewState(target model.Level) model.DifficultyState {
	if !target.Valid() {
		target = model.LevelA
	}
	return model.DifficultyState{EffectiveLevel: target}
}

// Apply records score in st and updates the streaks and level.
func (c Controller) Apply(st *model.DifficultyState, score int) Shift {
	st.SessionScoreHistory = append(st.SessionScoreHistory, score)
	if !c.Adaptive {
		return NoShift
	}
	if !st.EffectiveLevel.Valid() {
		st.EffectiveLevel = model.LevelA
	}

	switch {
	case score >= StrongScore:
		st.ConsecutiveStrongCount++
		st.ConsecutiveWeakCount = 0
	case score < WeakScore:
		st.ConsecutiveWeakCount++
		st.ConsecutiveStrongCount = 0
	default:
		st.ConsecutiveStrongCount = 0
		st.ConsecutiveWeakCount = 0
	}

	if st.ConsecutiveStrongCount >= StreakLen {
		st.ConsecutiveStrongCount = 0
		prev := st.EffectiveLevel
		st.EffectiveLevel = prev.Up()
		if st.EffectiveLevel != prev {
			return ShiftUp
		}
	}
	if st.ConsecutiveWeakCount >= StreakLen {
		st.ConsecutiveWeakCount = 0
		prev := st.EffectiveLevel
		st.EffectiveLevel = prev.Down()
		if st.EffectiveLevel != prev {
			return ShiftDown
		}
	}
	return NoShift
}
