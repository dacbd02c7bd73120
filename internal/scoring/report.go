package scoring

import (
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pavelanni/oralexam/internal/model"
)

// TemplateSource supplies feedback templates; *content.Corpus satisfies it.
type TemplateSource interface {
	FeedbackTemplates(lang string, criterion model.Criterion, kind model.FeedbackKind) []model.FeedbackTemplate
}

// Scorer turns raw criterion records into vectors, composites and reports
// using one fixed weights table. It is safe for concurrent use.
type Scorer struct {
	weights   Weights
	norm      *Normalizer
	templates TemplateSource
	logger    *slog.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewScorer returns a Scorer. A nil rng seeds a fresh source; nil weights use DefaultWeights.
func NewScorer(weights Weights, templates TemplateSource, rng *rand.Rand, logger *slog.Logger) *Scorer {
	if weights == nil {
		weights = maps.Clone(DefaultWeights)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scorer{
		weights:   weights,
		norm:      NewNormalizer(logger),
		templates: templates,
		logger:    logger,
		rng:       rng,
	}
}

// Weights returns a copy of the weights in use.
func (s *Scorer) Weights() Weights { return maps.Clone(s.weights) }

// Score normalizes raw and returns the canonical vector with its composite.
func (s *Scorer) Score(raw map[string]float64) (model.ScoreVector, int) {
	v := s.norm.Normalize(raw)
	return v, Composite(v, s.weights)
}

// Composite computes the composite of v with the scorer's weights.
func (s *Scorer) Composite(v model.ScoreVector) int {
	return Composite(v, s.weights)
}

// Classify splits criteria into strengths (>= 75) and weaknesses (< 55).
func Classify(v model.ScoreVector) (strengths, weaknesses []model.Criterion) {
	for _, c := range model.Criteria {
		switch score := v[c]; {
		case score >= StrengthMin:
			strengths = append(strengths, c)
		case score < WeaknessMax:
			weaknesses = append(weaknesses, c)
		}
	}
	return strengths, weaknesses
}

// Recommend picks one weakness template per weak criterion. With no
// weaknesses and a level below C it falls back to one encouragement template.
func (s *Scorer) Recommend(lang string, weaknesses []model.Criterion, level model.Level) []string {
	if s.templates == nil {
		return nil
	}
	var out []string
	for _, c := range weaknesses {
		if t, ok := s.pick(s.templates.FeedbackTemplates(lang, c, model.FeedbackWeakness)); ok {
			out = append(out, t.Text)
		}
	}
	if len(weaknesses) == 0 && level != model.LevelC {
		if t, ok := s.pick(s.templates.FeedbackTemplates(lang, "", model.FeedbackEncouragement)); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

func (s *Scorer) pick(ts []model.FeedbackTemplate) (model.FeedbackTemplate, bool) {
	if len(ts) == 0 {
		return model.FeedbackTemplate{}, false
	}
	s.mu.Lock()
	i := s.rng.IntN(len(ts))
	s.mu.Unlock()
	return ts[i], true
}

// ReportInput carries what a report is derived from.
type ReportInput struct {
	SessionID      string
	Language       string
	Mode           model.Mode
	TargetLevel    model.Level
	EffectiveLevel model.Level
	Vector         model.ScoreVector
	Errors         []model.DetectedError
	TurnsScored    int
}

// Report derives a SessionScoreReport from a vector. It can be recomputed at any time.
func (s *Scorer) Report(in ReportInput) model.SessionScoreReport {
	overall := Composite(in.Vector, s.weights)
	level := LevelFor(overall)
	strengths, weaknesses := Classify(in.Vector)

	details := make([]model.CriterionDetail, 0, len(model.Criteria))
	for _, c := range model.Criteria {
		details = append(details, model.CriterionDetail{
			Criterion: c,
			Score:     in.Vector[c],
			Level:     LevelFor(in.Vector[c]),
			Weight:    s.weights[c],
		})
	}

	return model.SessionScoreReport{
		SessionID:       in.SessionID,
		Language:        in.Language,
		Mode:            in.Mode,
		OverallScore:    overall,
		Level:           level,
		TargetLevel:     in.TargetLevel,
		EffectiveLevel:  in.EffectiveLevel,
		Passed:          Passed(overall, in.TargetLevel),
		PerCriterion:    details,
		Strengths:       strengths,
		Weaknesses:      weaknesses,
		Recommendations: s.Recommend(in.Language, weaknesses, level),
		DetectedErrors:  in.Errors,
		TurnsScored:     in.TurnsScored,
		GeneratedAt:     time.Now().UTC(),
	}
}

// MeanVector averages vectors per criterion and rounds. No vectors yields all zeros.
func MeanVector(vectors []model.ScoreVector) model.ScoreVector {
	out := make(model.ScoreVector, len(model.Criteria))
	for _, c := range model.Criteria {
		if len(vectors) == 0 {
			out[c] = 0
			continue
		}
		var sum int
		for _, v := range vectors {
			sum += v[c]
		}
		out[c] = int(math.Round(float64(sum) / float64(len(vectors))))
	}
	return out
}
