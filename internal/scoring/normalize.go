// Package scoring canonicalizes criterion scores and derives composites,
// levels, reports and anomaly flags from them.
package scoring

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/oralexam/internal/model"
)

// aliases maps every known key spelling, in folded form, onto a canonical
// criterion. New historical payload formats are supported by adding rows here.
var aliases = map[string]model.Criterion{
	"grammar":              model.CriterionGrammar,
	"grammar_score":        model.CriterionGrammar,
	"grammar_accuracy":     model.CriterionGrammar,
	"grammatical_accuracy": model.CriterionGrammar,
	"grammatical_range":    model.CriterionGrammar,
	"accuracy":             model.CriterionGrammar,
	"morphosyntax":         model.CriterionGrammar,
	"grammaire":            model.CriterionGrammar,
	"gramatica":            model.CriterionGrammar,
	"grammatik":            model.CriterionGrammar,

	"vocabulary":       model.CriterionVocabulary,
	"vocab":            model.CriterionVocabulary,
	"vocabulary_score": model.CriterionVocabulary,
	"lexical_range":    model.CriterionVocabulary,
	"lexical_resource": model.CriterionVocabulary,
	"lexicon":          model.CriterionVocabulary,
	"lexique":          model.CriterionVocabulary,
	"vocabulaire":      model.CriterionVocabulary,
	"vocabulario":      model.CriterionVocabulary,
	"wortschatz":       model.CriterionVocabulary,

	"fluency":           model.CriterionFluency,
	"fluency_score":     model.CriterionFluency,
	"fluidity":          model.CriterionFluency,
	"fluidite":          model.CriterionFluency,
	"fluidez":           model.CriterionFluency,
	"speech_fluency":    model.CriterionFluency,
	"fluency_coherence": model.CriterionFluency,
	"aisance":           model.CriterionFluency,

	"pronunciation":        model.CriterionPronunciation,
	"pronounciation":       model.CriterionPronunciation,
	"pronunciation_score":  model.CriterionPronunciation,
	"phonology":            model.CriterionPronunciation,
	"phonological_control": model.CriterionPronunciation,
	"prononciation":        model.CriterionPronunciation,
	"pronunciacion":        model.CriterionPronunciation,
	"aussprache":           model.CriterionPronunciation,

	"comprehension":             model.CriterionComprehension,
	"comprehension_score":       model.CriterionComprehension,
	"understanding":             model.CriterionComprehension,
	"listening":                 model.CriterionComprehension,
	"listening_comprehension":   model.CriterionComprehension,
	"task_comprehension":        model.CriterionComprehension,
	"comprension":               model.CriterionComprehension,
	"comprehension_orale":       model.CriterionComprehension,
	"horverstehen":              model.CriterionComprehension,
	"interaction":               model.CriterionInteraction,
	"interaction_score":         model.CriterionInteraction,
	"interactive_communication": model.CriterionInteraction,
	"spoken_interaction":        model.CriterionInteraction,
	"engagement":                model.CriterionInteraction,
	"conversation":              model.CriterionInteraction,
	"interaccion":               model.CriterionInteraction,

	"logical_connectors":   model.CriterionLogicalConnectors,
	"connectors":           model.CriterionLogicalConnectors,
	"connecteurs":          model.CriterionLogicalConnectors,
	"connecteurs_logiques": model.CriterionLogicalConnectors,
	"conectores":           model.CriterionLogicalConnectors,
	"cohesion":             model.CriterionLogicalConnectors,
	"coherence":            model.CriterionLogicalConnectors,
	"coherence_cohesion":   model.CriterionLogicalConnectors,
	"discourse_markers":    model.CriterionLogicalConnectors,
	"linking_words":        model.CriterionLogicalConnectors,
}

// foldKey lowercases k, strips diacritics and joins words with underscores,
// so "Fluidité", "logical-connectors" and "Logical Connectors" all fold.
func foldKey(k string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, k)
	if err != nil {
		s = k
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '/':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Canonical resolves a key spelling to its canonical criterion.
func Canonical(key string) (model.Criterion, bool) {
	c, ok := aliases[foldKey(key)]
	return c, ok
}

// Normalizer maps criterion-score records onto the canonical 7-key vector.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer returns a Normalizer that logs dropped keys to logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize resolves every key to a canonical criterion, keeps the maximum
// value per criterion, clamps to [0,100] and rounds. Unknown keys are logged
// and dropped; criteria with no input are 0. The result always has exactly
// the seven canonical keys.
func (n *Normalizer) Normalize(raw map[string]float64) model.ScoreVector {
	resolved := make(map[model.Criterion]float64, len(model.Criteria))
	for k, v := range raw {
		c, ok := Canonical(k)
		if !ok {
			n.logger.Warn("dropping unknown criterion key", "key", k)
			continue
		}
		if math.IsNaN(v) {
			n.logger.Warn("dropping NaN criterion score", "key", k)
			continue
		}
		if prev, seen := resolved[c]; !seen || v > prev {
			resolved[c] = v
		}
	}

	out := make(model.ScoreVector, len(model.Criteria))
	for _, c := range model.Criteria {
		out[c] = clampScore(resolved[c])
	}
	return out
}

func clampScore(v float64) int {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(math.Round(v))
}

var (
	wrapperKeys = []string{"criteria", "criterion_scores", "criteria_scores", "scores", "rubric_scores"}
	nameKeys    = []string{"criterion", "name", "key", "dimension", "category"}
	valueKeys   = []string{"score", "value", "points", "rating"}
)

// ExtractCriteria flattens the criterion scores of any known payload shape
// into key → value pairs ready for Normalize:
//
//	{"grammar": 80}
//	{"grammar": {"score": 80, "comment": "..."}}
//	[{"criterion": "grammar", "score": 80}]
//	{"criteria": <any of the above>}
//
// Values may be numbers or numeric strings such as "80", "80%" or "8/10".
func ExtractCriteria(raw any) map[string]float64 {
	out := make(map[string]float64)
	extractInto(raw, out)
	return out
}

func extractInto(raw any, out map[string]float64) {
	switch v := raw.(type) {
	case map[string]any:
		for _, wk := range wrapperKeys {
			if inner, ok := v[wk]; ok {
				switch inner.(type) {
				case map[string]any, []any:
					extractInto(inner, out)
					return
				}
			}
		}
		for k, val := range v {
			if f, ok := toScore(val); ok {
				setMax(out, k, f)
			}
		}
	case []any:
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := firstString(m, nameKeys)
			if name == "" {
				// [{"grammar": 80}, {"fluency": 70}]
				extractInto(m, out)
				continue
			}
			for _, vk := range valueKeys {
				if f, ok := toNumber(m[vk]); ok {
					setMax(out, name, f)
					break
				}
			}
		}
	}
}

func setMax(out map[string]float64, k string, f float64) {
	if prev, ok := out[k]; !ok || f > prev {
		out[k] = f
	}
}

// toScore accepts a bare number or an object carrying one under a value key.
func toScore(v any) (float64, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}
	if m, ok := v.(map[string]any); ok {
		for _, vk := range valueKeys {
			if f, ok := toNumber(m[vk]); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseNumeric(n)
	}
	return 0, false
}

// parseNumeric parses "80", "80%" and "8/10" (rescaled to 100).
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d <= 0 {
			return 0, false
		}
		return n / d * 100, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
