package scoring

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/oralexam/internal/model"
)

func quietNormalizer() *Normalizer {
	return NewNormalizer(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func vec(g, v, f, p, c, i, l int) model.ScoreVector {
	return model.ScoreVector{
		model.CriterionGrammar:           g,
		model.CriterionVocabulary:        v,
		model.CriterionFluency:           f,
		model.CriterionPronunciation:     p,
		model.CriterionComprehension:     c,
		model.CriterionInteraction:       i,
		model.CriterionLogicalConnectors: l,
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		key  string
		want model.Criterion
		ok   bool
	}{
		{"grammar", model.CriterionGrammar, true},
		{"Grammatical Accuracy", model.CriterionGrammar, true},
		{"Fluidité", model.CriterionFluency, true},
		{"logical-connectors", model.CriterionLogicalConnectors, true},
		{"  Discourse Markers ", model.CriterionLogicalConnectors, true},
		{"Prononciation", model.CriterionPronunciation, true},
		{"lexical_resource", model.CriterionVocabulary, true},
		{"task__comprehension", model.CriterionComprehension, true},
		{"overall", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Canonical(tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Canonical(%q) = %q,%v want %q,%v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalize(t *testing.T) {
	n := quietNormalizer()

	tests := []struct {
		name string
		raw  map[string]float64
		want model.ScoreVector
	}{
		{"empty input is all zeros", nil, vec(0, 0, 0, 0, 0, 0, 0)},
		{"canonical keys", map[string]float64{
			"grammar": 80, "vocabulary": 70, "fluency": 60, "pronunciation": 50,
			"comprehension": 40, "interaction": 30, "logical_connectors": 20,
		}, vec(80, 70, 60, 50, 40, 30, 20)},
		{"legacy keys and missing defaults", map[string]float64{
			"Grammatical Accuracy": 72.4, "lexical_range": 65.5,
		}, vec(72, 66, 0, 0, 0, 0, 0)},
		{"double reporting keeps the maximum", map[string]float64{
			"grammar": 40, "grammatical_accuracy": 85, "coherence": 10, "connectors": 55,
		}, vec(85, 0, 0, 0, 0, 0, 55)},
		{"clamping", map[string]float64{
			"grammar": 140, "fluency": -12, "interaction": 99.5,
		}, vec(100, 0, 0, 0, 0, 100, 0)},
		{"unknown keys dropped", map[string]float64{
			"overall": 90, "task_completion_bonus": 5, "grammar": 50,
		}, vec(50, 0, 0, 0, 0, 0, 0)},
		{"NaN dropped", map[string]float64{"grammar": math.NaN()}, vec(0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeAlwaysSevenKeysInRange(t *testing.T) {
	n := quietNormalizer()
	inputs := []map[string]float64{
		{},
		{"foo": 1, "bar": 2},
		{"grammar": 1e9, "vocab": -1e9, "fluidity": 33.333},
		{"Grammar": 10, "GRAMMAR": 20, "grammar ": 30},
	}
	for _, raw := range inputs {
		v := n.Normalize(raw)
		if len(v) != len(model.Criteria) {
			t.Fatalf("Normalize(%v) has %d keys", raw, len(v))
		}
		for _, c := range model.Criteria {
			s, ok := v[c]
			if !ok {
				t.Errorf("missing key %s", c)
			}
			if s < 0 || s > 100 {
				t.Errorf("%s = %d out of range", c, s)
			}
		}
	}
}

func TestExtractCriteria(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]float64
	}{
		{"flat", `{"grammar": 80, "fluency": "70"}`,
			map[string]float64{"grammar": 80, "fluency": 70}},
		{"nested objects", `{"grammar": {"score": 80, "comment": "ok"}, "vocabulary": {"value": 65}}`,
			map[string]float64{"grammar": 80, "vocabulary": 65}},
		{"wrapped list", `{"criteria": [{"criterion": "Grammar", "score": 80}, {"name": "Fluency", "points": "7/10"}]}`,
			map[string]float64{"Grammar": 80, "Fluency": 70}},
		{"list of single-key objects", `[{"grammar": 50}, {"fluency": 60}]`,
			map[string]float64{"grammar": 50, "fluency": 60}},
		{"scores wrapper with percent", `{"scores": {"interaction": "85%"}, "feedback": "x"}`,
			map[string]float64{"interaction": 85}},
		{"non-numeric ignored", `{"grammar": "good", "fluency": null}`,
			map[string]float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw any
			if err := json.Unmarshal([]byte(tt.payload), &raw); err != nil {
				t.Fatal(err)
			}
			got := ExtractCriteria(raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractCriteria() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
