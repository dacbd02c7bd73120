package difficulty

import (
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/pavelanni/oralexam/internal/model"
)

// Ranking weights. The heuristic is soft: the highest total wins and the
// jitter keeps equally ranked scenarios in rotation.
const (
	ExactLevelBonus        = 100
	TransitionBCBonus      = 60 // effective B, scenario C
	TransitionABBonus      = 40 // effective A, scenario B
	UsedThisSession        = -200
	UsedRecently           = -50
	PreferredTopicBonus    = 30
	NarrativeSkillBonus    = 15
	HypotheticalSkillBonus = 15
	MaxJitter              = 10
)

// Skill tags recognised by the ranker.
const (
	SkillNarrative    = "narrative"
	SkillHypothetical = "hypothetical"
)

// Preferences are the learner-side inputs to ranking.
type Preferences struct {
	Used        []string // scenario ids used in this session
	Recent      []string // scenario ids used in recent prior sessions
	Topics      []string
	TargetSkill string
}

// PreferencesFor derives ranking preferences from a session.
func PreferencesFor(st *model.SessionState) Preferences {
	return Preferences{
		Used:        st.UsedScenarioIDs,
		Recent:      st.Config.RecentScenarioIDs,
		Topics:      st.Config.PreferredTopics,
		TargetSkill: st.Config.TargetSkill,
	}
}

// Ranked is a scored candidate.
type Ranked struct {
	Scenario model.Scenario
	Score    int
}

// Ranker scores scenarios. It is safe for concurrent use.
type Ranker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRanker returns a Ranker; a nil rng seeds a fresh source.
func NewRanker(rng *rand.Rand) *Ranker {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Ranker{rng: rng}
}

// Score returns the deterministic part of a scenario's rank.
func Score(sc model.Scenario, effective model.Level, p Preferences) int {
	score := 0
	switch {
	case sc.TargetLevel == effective:
		score += ExactLevelBonus
	case effective == model.LevelB && sc.TargetLevel == model.LevelC:
		score += TransitionBCBonus
	case effective == model.LevelA && sc.TargetLevel == model.LevelB:
		score += TransitionABBonus
	}

	if slices.Contains(p.Used, sc.ID) {
		score += UsedThisSession
	} else if slices.Contains(p.Recent, sc.ID) {
		score += UsedRecently
	}

	for _, t := range p.Topics {
		if t != "" && strings.EqualFold(t, sc.TopicDomain) {
			score += PreferredTopicBonus
			break
		}
	}

	switch strings.ToLower(p.TargetSkill) {
	case SkillNarrative:
		if hasSkill(sc, SkillNarrative) {
			score += NarrativeSkillBonus
		}
	case SkillHypothetical:
		if hasSkill(sc, SkillHypothetical) {
			score += HypotheticalSkillBonus
		}
	}
	return score
}

func hasSkill(sc model.Scenario, skill string) bool {
	return slices.ContainsFunc(sc.Skills, func(s string) bool {
		return strings.EqualFold(s, skill)
	})
}

// Rank scores every candidate, adds jitter in [0, MaxJitter] and sorts
// descending. Ties after jitter keep input order.
func (r *Ranker) Rank(candidates []model.Scenario, effective model.Level, p Preferences) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	r.mu.Lock()
	for _, sc := range candidates {
		out = append(out, Ranked{
			Scenario: sc,
			Score:    Score(sc, effective, p) + r.rng.IntN(MaxJitter+1),
		})
	}
	r.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Ranked) int { return b.Score - a.Score })
	return out
}

// Select returns the best-ranked candidate, or nil when there are none.
func (r *Ranker) Select(candidates []model.Scenario, effective model.Level, p Preferences) *model.Scenario {
	ranked := r.Rank(candidates, effective, p)
	if len(ranked) == 0 {
		return nil
	}
	sc := ranked[0].Scenario
	return &sc
}
