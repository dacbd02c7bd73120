package difficulty

import (
	"math/rand/v2"
	"testing"

	"github.com/pavelanni/oralexam/internal/model"
)

func applyAll(c Controller, st *model.DifficultyState, scores ...int) []Shift {
	var shifts []Shift
	for _, s := range scores {
		shifts = append(shifts, c.Apply(st, s))
	}
	return shifts
}

func TestEscalation(t *testing.T) {
	st := NewState(model.LevelA)
	shifts := applyAll(Controller{Adaptive: true}, &st, 70, 85, 99)

	if st.EffectiveLevel != model.LevelB {
		t.Errorf("EffectiveLevel = %s, want B", st.EffectiveLevel)
	}
	if st.ConsecutiveStrongCount != 0 {
		t.Errorf("ConsecutiveStrongCount = %d, want 0", st.ConsecutiveStrongCount)
	}
	if shifts[2] != ShiftUp {
		t.Errorf("third shift = %s, want up", shifts[2])
	}
	if len(st.SessionScoreHistory) != 3 {
		t.Errorf("history length = %d, want 3", len(st.SessionScoreHistory))
	}
}

func TestDeEscalation(t *testing.T) {
	st := NewState(model.LevelC)
	applyAll(Controller{Adaptive: true}, &st, 39, 10, 0)

	if st.EffectiveLevel != model.LevelB {
		t.Errorf("EffectiveLevel = %s, want B", st.EffectiveLevel)
	}
	if st.ConsecutiveWeakCount != 0 {
		t.Errorf("ConsecutiveWeakCount = %d, want 0", st.ConsecutiveWeakCount)
	}
}

func TestMidBandResetsStreaks(t *testing.T) {
	st := NewState(model.LevelA)
	c := Controller{Adaptive: true}
	applyAll(c, &st, 80, 80, 55, 80, 80)
	if st.EffectiveLevel != model.LevelA {
		t.Errorf("mid-band score should break the streak, level = %s", st.EffectiveLevel)
	}
	if st.ConsecutiveStrongCount != 2 {
		t.Errorf("ConsecutiveStrongCount = %d, want 2", st.ConsecutiveStrongCount)
	}

	applyAll(c, &st, 20)
	if st.ConsecutiveStrongCount != 0 || st.ConsecutiveWeakCount != 1 {
		t.Errorf("weak score should reset strong streak: %+v", st)
	}
}

func TestCaps(t *testing.T) {
	c := Controller{Adaptive: true}

	st := NewState(model.LevelC)
	if got := applyAll(c, &st, 90, 90, 90); got[2] != NoShift || st.EffectiveLevel != model.LevelC {
		t.Errorf("level above C: shift %s, level %s", got[2], st.EffectiveLevel)
	}
	if st.ConsecutiveStrongCount != 0 {
		t.Errorf("streak not reset at cap: %d", st.ConsecutiveStrongCount)
	}

	st = NewState(model.LevelA)
	if got := applyAll(c, &st, 0, 0, 0); got[2] != NoShift || st.EffectiveLevel != model.LevelA {
		t.Errorf("level below A: shift %s, level %s", got[2], st.EffectiveLevel)
	}
}

func TestNonAdaptiveNeverShifts(t *testing.T) {
	for _, m := range []model.Mode{model.ModeExamSimulation, model.ModeMicroLearning} {
		t.Run(string(m), func(t *testing.T) {
			st := NewState(model.LevelB)
			applyAll(Controller{Adaptive: false}, &st, 90, 90, 90, 90, 0, 0, 0, 0)
			if st.EffectiveLevel != model.LevelB {
				t.Errorf("EffectiveLevel = %s, want B", st.EffectiveLevel)
			}
			if st.ConsecutiveStrongCount != 0 || st.ConsecutiveWeakCount != 0 {
				t.Errorf("streaks mutated: %+v", st)
			}
			if len(st.SessionScoreHistory) != 8 {
				t.Errorf("history length = %d, want 8", len(st.SessionScoreHistory))
			}
		})
	}
}

func TestTrainingTargetBEndToEnd(t *testing.T) {
	st := NewState(model.LevelB)
	applyAll(Controller{Adaptive: true}, &st, 75, 78, 80)
	if st.EffectiveLevel != model.LevelC {
		t.Errorf("EffectiveLevel = %s, want C", st.EffectiveLevel)
	}
	if st.ConsecutiveStrongCount != 0 {
		t.Errorf("ConsecutiveStrongCount = %d, want 0", st.ConsecutiveStrongCount)
	}
}

func TestScore(t *testing.T) {
	sc := func(id string, level model.Level, topic string, skills ...string) model.Scenario {
		return model.Scenario{ID: id, TargetLevel: level, TopicDomain: topic, Skills: skills}
	}
	tests := []struct {
		name      string
		s         model.Scenario
		effective model.Level
		prefs     Preferences
		want      int
	}{
		{"exact level", sc("s1", model.LevelB, ""), model.LevelB, Preferences{}, 100},
		{"upward B to C", sc("s1", model.LevelC, ""), model.LevelB, Preferences{}, 60},
		{"upward A to B", sc("s1", model.LevelB, ""), model.LevelA, Preferences{}, 40},
		{"downward C to B gets nothing", sc("s1", model.LevelB, ""), model.LevelC, Preferences{}, 0},
		{"A to C gets nothing", sc("s1", model.LevelC, ""), model.LevelA, Preferences{}, 0},
		{"used this session", sc("s1", model.LevelB, ""), model.LevelB, Preferences{Used: []string{"s1"}, Recent: []string{"s1"}}, -100},
		{"used recently", sc("s1", model.LevelB, ""), model.LevelB, Preferences{Recent: []string{"s1"}}, 50},
		{"preferred topic", sc("s1", model.LevelB, "Travel"), model.LevelB, Preferences{Topics: []string{"travel"}}, 130},
		{"narrative skill", sc("s1", model.LevelB, "", "narrative"), model.LevelB, Preferences{TargetSkill: "narrative"}, 115},
		{"hypothetical skill", sc("s1", model.LevelC, "", "Hypothetical"), model.LevelC, Preferences{TargetSkill: SkillHypothetical}, 115},
		{"skill not targeted", sc("s1", model.LevelC, "", "hypothetical"), model.LevelC, Preferences{TargetSkill: SkillNarrative}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.s, tt.effective, tt.prefs); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRankAndSelect(t *testing.T) {
	r := NewRanker(rand.New(rand.NewPCG(1, 2)))
	candidates := []model.Scenario{
		{ID: "used", TargetLevel: model.LevelB},
		{ID: "off", TargetLevel: model.LevelA},
		{ID: "match", TargetLevel: model.LevelB},
		{ID: "up", TargetLevel: model.LevelC},
	}
	prefs := Preferences{Used: []string{"used"}}

	ranked := r.Rank(candidates, model.LevelB, prefs)
	if len(ranked) != 4 {
		t.Fatalf("Rank returned %d entries", len(ranked))
	}
	want := []string{"match", "up", "off", "used"}
	for i, id := range want {
		if ranked[i].Scenario.ID != id {
			t.Errorf("rank %d = %s, want %s", i, ranked[i].Scenario.ID, id)
		}
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Errorf("ranking not sorted at %d", i)
		}
	}

	if got := r.Select(candidates, model.LevelB, prefs); got == nil || got.ID != "match" {
		t.Errorf("Select() = %v, want match", got)
	}
	if got := r.Select(nil, model.LevelB, prefs); got != nil {
		t.Errorf("Select(nil) = %v, want nil", got)
	}
}

func TestJitterBounded(t *testing.T) {
	r := NewRanker(rand.New(rand.NewPCG(9, 9)))
	sc := []model.Scenario{{ID: "a", TargetLevel: model.LevelB}}
	for range 200 {
		got := r.Rank(sc, model.LevelB, Preferences{})[0].Score
		if got < ExactLevelBonus || got > ExactLevelBonus+MaxJitter {
			t.Fatalf("jittered score %d outside [%d,%d]", got, ExactLevelBonus, ExactLevelBonus+MaxJitter)
		}
	}
}
