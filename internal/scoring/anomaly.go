package scoring

import (
	"fmt"

	"github.com/pavelanni/oralexam/internal/model"
)

// Anomaly codes.
const (
	AnomalyAllZero            = "all_zero_success"
	AnomalyInconsistentMean   = "low_mean_positive_composite"
	AnomalyCompositeOutOfBand = "composite_out_of_range"
)

// lowMeanLimit is the criterion mean below which a positive composite is inconsistent.
const lowMeanLimit = 5.0

// Anomaly is a flag raised on a well-formed but suspicious score. Anomalies
// are reported, never corrected.
type Anomaly struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// DetectAnomalies flags:
//   - all seven scores 0 on a run marked successful (upstream parse failure),
//   - a criterion mean below 5 with a composite above 0,
//   - a composite outside [0,100].
func DetectAnomalies(v model.ScoreVector, composite int, success bool) []Anomaly {
	var out []Anomaly

	sum, zeros := 0, 0
	for _, c := range model.Criteria {
		sum += v[c]
		if v[c] == 0 {
			zeros++
		}
	}
	mean := float64(sum) / float64(len(model.Criteria))

	if success && zeros == len(model.Criteria) {
		out = append(out, Anomaly{
			Code:   AnomalyAllZero,
			Reason: "all criterion scores are 0 on a successful evaluation",
		})
	}
	if mean < lowMeanLimit && composite > 0 {
		out = append(out, Anomaly{
			Code:   AnomalyInconsistentMean,
			Reason: fmt.Sprintf("criterion mean %.2f below %.0f with composite %d", mean, lowMeanLimit, composite),
		})
	}
	if composite < 0 || composite > 100 {
		out = append(out, Anomaly{
			Code:   AnomalyCompositeOutOfBand,
			Reason: fmt.Sprintf("composite %d outside [0,100]", composite),
		})
	}
	return out
}

// Codes returns the codes of as.
func Codes(as []Anomaly) []string {
	if len(as) == 0 {
		return nil
	}
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Code
	}
	return out
}
