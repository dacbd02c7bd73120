// Package content holds the read-only exam corpus and its selection queries.
package content

import (
	"log/slog"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/pavelanni/oralexam/internal/model"
)

// Tables is the raw content of a corpus.
type Tables struct {
	Phases            []model.PhaseDescriptor
	Rubrics           []model.Rubric
	Scenarios         []model.Scenario
	Questions         []model.Question
	CommonErrors      []model.CommonError
	FeedbackTemplates []model.FeedbackTemplate
	Weights           []model.CriterionWeight
}

// Option configures a Corpus.
type Option func(*options)

type options struct {
	logger *slog.Logger
	rng    *rand.Rand
}

// WithLogger sets the logger used for load warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRand sets the random source used by the Select* queries.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return o
}

type compiledError struct {
	model.CommonError
	re *regexp.Regexp
}

// Corpus is an in-memory corpus. It is never mutated after construction and
// is safe for concurrent use.
type Corpus struct {
	phases    map[model.ExamPhase]model.PhaseDescriptor
	rubrics   []model.Rubric
	scenarios []model.Scenario
	questions []model.Question
	errors    []compiledError
	templates []model.FeedbackTemplate
	weights   []model.CriterionWeight

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// New builds a Corpus from tables already in memory.
func New(t Tables, opts ...Option) *Corpus {
	return newCorpus(t, applyOptions(opts))
}

func newCorpus(t Tables, o options) *Corpus {
	c := &Corpus{
		phases:    make(map[model.ExamPhase]model.PhaseDescriptor, len(t.Phases)),
		rubrics:   t.Rubrics,
		scenarios: t.Scenarios,
		questions: t.Questions,
		templates: t.FeedbackTemplates,
		weights:   t.Weights,
		rng:       o.rng,
	}
	for _, p := range t.Phases {
		if !p.Phase.Valid() {
			o.logger.Warn("skipping phase descriptor with invalid phase", "phase", p.Phase)
			continue
		}
		c.phases[p.Phase] = p
	}
	for _, ce := range t.CommonErrors {
		if ce.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + ce.Pattern)
		if err != nil {
			o.logger.Warn("skipping common error with invalid pattern", "id", ce.ID, "error", err)
			continue
		}
		c.errors = append(c.errors, compiledError{CommonError: ce, re: re})
	}
	return c
}

// matchLanguage compares base language tags, so "fr-CA" matches "fr".
// An empty want matches everything and an empty have matches any want.
func matchLanguage(want, have string) bool {
	if want == "" || have == "" {
		return true
	}
	if strings.EqualFold(want, have) {
		return true
	}
	wt, err1 := language.Parse(want)
	ht, err2 := language.Parse(have)
	if err1 != nil || err2 != nil {
		return false
	}
	wb, _ := wt.Base()
	hb, _ := ht.Base()
	return wb == hb
}

// Scenarios returns every scenario for language and phase.
func (c *Corpus) Scenarios(lang string, phase model.ExamPhase) []model.Scenario {
	var out []model.Scenario
	for _, s := range c.scenarios {
		if s.Phase == phase && matchLanguage(lang, s.Language) {
			out = append(out, s)
		}
	}
	return out
}

// SelectScenario picks uniformly among the scenarios for language and phase
// whose IDs are not in exclude. It returns nil when none remain.
func (c *Corpus) SelectScenario(lang string, phase model.ExamPhase, exclude []string) *model.Scenario {
	var pool []model.Scenario
	for _, s := range c.Scenarios(lang, phase) {
		if !slices.Contains(exclude, s.ID) {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	c.mu.Lock()
	i := c.rng.IntN(len(pool))
	c.mu.Unlock()
	s := pool[i]
	return &s
}

// SelectQuestions returns up to count shuffled, deduplicated questions for
// language and phase, skipping IDs in exclude. count <= 0 means all.
func (c *Corpus) SelectQuestions(lang string, phase model.ExamPhase, count int, exclude []string) []model.Question {
	seen := make(map[string]bool)
	var pool []model.Question
	for _, q := range c.questions {
		if q.Phase != phase || !matchLanguage(lang, q.Language) {
			continue
		}
		if slices.Contains(exclude, q.ID) {
			continue
		}
		key := q.ID
		if key == "" {
			key = "text:" + strings.ToLower(strings.TrimSpace(q.Text))
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		pool = append(pool, q)
	}

	c.mu.Lock()
	c.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	c.mu.Unlock()

	if count > 0 && count < len(pool) {
		pool = pool[:count]
	}
	return pool
}

// Rubrics filters rubrics. Empty arguments do not filter.
func (c *Corpus) Rubrics(lang string, criterion model.Criterion, level model.Level) []model.Rubric {
	var out []model.Rubric
	for _, r := range c.rubrics {
		if !matchLanguage(lang, r.Language) {
			continue
		}
		if criterion != "" && r.Criterion != criterion {
			continue
		}
		if level != model.LevelNone && r.Level != level {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RubricsByID returns the rubrics with the given IDs, in corpus order.
func (c *Corpus) RubricsByID(ids []string) []model.Rubric {
	var out []model.Rubric
	for _, r := range c.rubrics {
		if slices.Contains(ids, r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// CommonErrors returns the known-error table for language.
func (c *Corpus) CommonErrors(lang string) []model.CommonError {
	var out []model.CommonError
	for _, ce := range c.errors {
		if matchLanguage(lang, ce.Language) {
			out = append(out, ce.CommonError)
		}
	}
	return out
}

// FeedbackTemplates filters feedback templates. Empty criterion and kind do not filter.
func (c *Corpus) FeedbackTemplates(lang string, criterion model.Criterion, kind model.FeedbackKind) []model.FeedbackTemplate {
	var out []model.FeedbackTemplate
	for _, ft := range c.templates {
		if !matchLanguage(lang, ft.Language) {
			continue
		}
		if criterion != "" && ft.Criterion != criterion {
			continue
		}
		if kind != "" && ft.Kind != kind {
			continue
		}
		out = append(out, ft)
	}
	return out
}

// PhaseDescriptor returns the descriptor for phase. When the corpus has none,
// a minimal descriptor is synthesised and ok is false.
func (c *Corpus) PhaseDescriptor(phase model.ExamPhase) (desc model.PhaseDescriptor, ok bool) {
	if d, found := c.phases[phase]; found {
		if d.Level == model.LevelNone {
			d.Level = phase.Level()
		}
		return d, true
	}
	return model.PhaseDescriptor{Phase: phase, Level: phase.Level(), Name: phase.String()}, false
}

// Weights returns the composite weights table as loaded.
func (c *Corpus) Weights() []model.CriterionWeight {
	return slices.Clone(c.weights)
}

// DetectErrors matches text against the known-error table for language and
// returns at most limit distinct matches, in corpus order.
func (c *Corpus) DetectErrors(lang, text string, limit int) []model.DetectedError {
	if limit <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	var out []model.DetectedError
	for _, ce := range c.errors {
		if !matchLanguage(lang, ce.Language) {
			continue
		}
		m := ce.re.FindString(text)
		if m == "" {
			continue
		}
		out = append(out, model.DetectedError{
			ErrorID:     ce.ID,
			Category:    ce.Category,
			Criterion:   ce.Criterion,
			Match:       m,
			Explanation: ce.Explanation,
			Correction:  ce.Correction,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}
