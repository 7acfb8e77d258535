// Package diagnosis turns a model output distribution into a ranked
// diagnosis with a severity tier and treatment recommendation.
package diagnosis

import (
	"sort"
	"strings"

	"github.com/mkulima/leafscan/catalog"
	"github.com/mkulima/leafscan/errs"
)

// SeverityTier is a coarse bucket derived deterministically from confidence,
// used to prioritize user guidance.
type SeverityTier string

const (
	SeverityCritical SeverityTier = "Critical"
	SeverityHigh     SeverityTier = "High"
	SeverityMedium   SeverityTier = "Medium"
	SeverityLow      SeverityTier = "Low"
)

// Score returns the fixed numeric value associated with the tier.
func (t SeverityTier) Score() float32 {
	switch t {
	case SeverityCritical:
		return 0.9
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	default:
		return 0.3
	}
}

// SeverityFor maps confidence to a tier. The breakpoints are fixed; golden
// tests depend on them exactly.
func SeverityFor(confidence float32) SeverityTier {
	switch {
	case confidence > 0.9:
		return SeverityCritical
	case confidence > 0.75:
		return SeverityHigh
	case confidence > 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// topPredictionCount is how many ranked alternatives accompany the primary
// diagnosis.
const topPredictionCount = 3

// Prediction is one ranked entry of the output distribution. Rank 1 is the
// primary diagnosis.
type Prediction struct {
	Rank       int     `json:"rank"`
	LabelIndex int     `json:"label_index"`
	Disease    string  `json:"disease"`
	Confidence float32 `json:"confidence"`
}

// Diagnosis is the interpreted result of one forward pass.
type Diagnosis struct {
	LabelIndex     int          `json:"label_index"`
	Disease        string       `json:"disease"`
	DisplayName    string       `json:"display_name"`
	Confidence     float32      `json:"confidence"`
	Severity       SeverityTier `json:"severity"`
	SeverityScore  float32      `json:"severity_score"`
	Treatment      string       `json:"treatment"`
	ScientificName string       `json:"scientific_name,omitempty"`
	TopPredictions []Prediction `json:"top_predictions,omitempty"`
}

// Interpret resolves the maximum of probs (ties broken by lowest index) to a
// label via the catalog and derives severity and treatment from it, plus a
// ranked list of the top alternatives.
func Interpret(probs []float32, cat *catalog.Catalog) (Diagnosis, error) {
	if len(probs) == 0 {
		return Diagnosis{}, errs.New(errs.KindInferenceFailure, "empty probability vector")
	}
	if cat == nil {
		// The model was disposed or reloaded out from under the caller.
		return Diagnosis{}, errs.New(errs.KindModelUnavailable, "no label catalog available")
	}

	ranked := topIndices(probs, topPredictionCount)
	top := ranked[0]
	confidence := clamp01(probs[top])

	preds := make([]Prediction, len(ranked))
	for rank, i := range ranked {
		preds[rank] = Prediction{
			Rank:       rank + 1,
			LabelIndex: i,
			Disease:    cat.Label(i),
			Confidence: clamp01(probs[i]),
		}
	}

	raw := cat.Label(top)
	tier := SeverityFor(confidence)
	return Diagnosis{
		LabelIndex:     top,
		Disease:        raw,
		DisplayName:    FormatDiseaseName(raw),
		Confidence:     confidence,
		Severity:       tier,
		SeverityScore:  tier.Score(),
		Treatment:      TreatmentFor(raw, confidence),
		ScientificName: ScientificNameFor(raw),
		TopPredictions: preds,
	}, nil
}

// topIndices returns the indices of the k largest probabilities in
// descending order; equal probabilities keep the lower index first.
func topIndices(probs []float32, k int) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// clamp01 guards against numeric drift only; a real distribution is already
// in range.
func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FormatDiseaseName renders a raw underscored label for display: separators
// become single spaces and each word is title-cased. Pure function of the
// label, independent of confidence or severity.
func FormatDiseaseName(raw string) string {
	replaced := strings.NewReplacer("_", " ", "-", " ").Replace(raw)
	words := strings.Fields(replaced)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
