package scoring

import (
	"errors"
	"fmt"
	"maps"
	"math"

	"github.com/pavelanni/oralexam/internal/model"
)

// Pass thresholds on the 0–100 scale.
const (
	ThresholdA = 36
	ThresholdB = 55
	ThresholdC = 75
)

// Strength and weakness cut-offs for a single criterion.
const (
	StrengthMin = 75
	WeaknessMax = 55 // exclusive
)

// DefaultWindow is the rolling window used when none is configured.
const DefaultWindow = 5

// sustainedRatio is the share of windowed scores that must reach the target, in tenths.
const sustainedRatio = 7

// Weights holds the composite weight of each canonical criterion.
type Weights map[model.Criterion]float64

// DefaultWeights are the nominal composite weights.
var DefaultWeights = Weights{
	model.CriterionGrammar:           0.15,
	model.CriterionVocabulary:        0.15,
	model.CriterionFluency:           0.20,
	model.CriterionPronunciation:     0.10,
	model.CriterionComprehension:     0.15,
	model.CriterionInteraction:       0.15,
	model.CriterionLogicalConnectors: 0.10,
}

const weightTolerance = 1e-6

// Validate checks that w covers every criterion with a non-negative weight
// and that the weights sum to 1.
func (w Weights) Validate() error {
	var sum float64
	var errs []error
	for _, c := range model.Criteria {
		v, ok := w[c]
		if !ok {
			errs = append(errs, fmt.Errorf("missing weight for %s", c))
			continue
		}
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("invalid weight %v for %s", v, c))
			continue
		}
		sum += v
	}
	if len(w) != len(model.Criteria) {
		errs = append(errs, fmt.Errorf("expected %d weights, got %d", len(model.Criteria), len(w)))
	}
	if len(errs) == 0 && math.Abs(sum-1) > weightTolerance {
		errs = append(errs, fmt.Errorf("weights sum to %.6f, want 1.0", sum))
	}
	return errors.Join(errs...)
}

// WeightsFrom builds Weights from corpus rows, resolving legacy criterion
// names. An empty table yields DefaultWeights.
func WeightsFrom(rows []model.CriterionWeight) (Weights, error) {
	if len(rows) == 0 {
		return maps.Clone(DefaultWeights), nil
	}
	w := make(Weights, len(rows))
	for _, r := range rows {
		c, ok := Canonical(string(r.Criterion))
		if !ok {
			return nil, fmt.Errorf("unknown criterion %q in weights table", r.Criterion)
		}
		w[c] = r.Weight
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Composite is the weighted sum of v divided by the total weight, rounded.
func Composite(v model.ScoreVector, w Weights) int {
	var sum, total float64
	for _, c := range model.Criteria {
		sum += float64(v[c]) * w[c]
		total += w[c]
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(sum / total))
}

// LevelFor maps a 0–100 score onto a level; below ThresholdA is LevelNone.
func LevelFor(score int) model.Level {
	switch {
	case score >= ThresholdC:
		return model.LevelC
	case score >= ThresholdB:
		return model.LevelB
	case score >= ThresholdA:
		return model.LevelA
	}
	return model.LevelNone
}

// Threshold returns the pass score of level, or 0 for LevelNone.
func Threshold(level model.Level) int {
	switch level {
	case model.LevelA:
		return ThresholdA
	case model.LevelB:
		return ThresholdB
	case model.LevelC:
		return ThresholdC
	}
	return 0
}

// Passed recomputes pass/fail locally.
func Passed(score int, target model.Level) bool {
	return target.Valid() && score >= Threshold(target)
}

// RollingAverage is the mean of the last window scores; 0 for no scores.
func RollingAverage(scores []int, window int) float64 {
	last := lastN(scores, window)
	if len(last) == 0 {
		return 0
	}
	var sum int
	for _, s := range last {
		sum += s
	}
	return float64(sum) / float64(len(last))
}

// SustainedLevel reports whether at least 70% of the last window scores meet
// the target threshold. It is false for no scores.
func SustainedLevel(scores []int, target model.Level, window int) bool {
	last := lastN(scores, window)
	if len(last) == 0 || !target.Valid() {
		return false
	}
	th := Threshold(target)
	meet := 0
	for _, s := range last {
		if s >= th {
			meet++
		}
	}
	return meet*10 >= len(last)*sustainedRatio
}

func lastN(scores []int, n int) []int {
	if n <= 0 {
		n = DefaultWindow
	}
	if len(scores) > n {
		return scores[len(scores)-n:]
	}
	return scores
}
