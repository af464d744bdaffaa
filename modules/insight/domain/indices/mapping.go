package indices

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
)

// Mapping is the versioned coefficient table turning parameter means into
// named indices. Coefficients live in data, not in engine arithmetic, so a
// formula change is a version bump instead of a code edit.
type Mapping struct {
	Version string           `yaml:"version"`
	Indices map[string]Index `yaml:"indices"`
}

// Index is a weighted combination of parameters. A term with Invert set
// contributes (1 - mean) instead of the mean, so "low engagement" can drive
// a risk index upward.
type Index struct {
	Terms []Term `yaml:"terms"`
}

type Term struct {
	Parameter estimator.Parameter `yaml:"parameter"`
	Weight    float64             `yaml:"weight"`
	Invert    bool                `yaml:"invert"`
}

// Index names are part of the dashboard contract.
const (
	Strain         = "strain"
	WithdrawalRisk = "withdrawal_risk"
	TrustGap       = "trust_gap"
	EngagementIdx  = "engagement"
)

// Default is the v1 coefficient table.
func Default() Mapping {
	return Mapping{
		Version: "v1",
		Indices: map[string]Index{
			Strain: {Terms: []Term{
				{Parameter: estimator.EmotionalLoad, Weight: 0.6},
				{Parameter: estimator.CognitiveDissonance, Weight: 0.4},
			}},
			WithdrawalRisk: {Terms: []Term{
				{Parameter: estimator.Engagement, Weight: 0.5, Invert: true},
				{Parameter: estimator.EmotionalLoad, Weight: 0.3},
				{Parameter: estimator.SocialConnection, Weight: 0.2, Invert: true},
			}},
			TrustGap: {Terms: []Term{
				{Parameter: estimator.PsychologicalSafety, Weight: 0.7, Invert: true},
				{Parameter: estimator.CognitiveDissonance, Weight: 0.3},
			}},
			EngagementIdx: {Terms: []Term{
				{Parameter: estimator.Engagement, Weight: 1.0},
			}},
		},
	}
}

// Load reads a mapping override from a YAML file. An empty path returns the
// built-in default.
func Load(path string) (Mapping, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("read index mapping: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Mapping{}, fmt.Errorf("parse index mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (m Mapping) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("index mapping: version is required")
	}
	if len(m.Indices) == 0 {
		return fmt.Errorf("index mapping: at least one index is required")
	}
	for name, idx := range m.Indices {
		if len(idx.Terms) == 0 {
			return fmt.Errorf("index mapping: index %q has no terms", name)
		}
		for _, term := range idx.Terms {
			if !estimator.Known(term.Parameter) {
				return fmt.Errorf("index mapping: index %q references unknown parameter %q", name, term.Parameter)
			}
			if term.Weight <= 0 {
				return fmt.Errorf("index mapping: index %q has non-positive weight for %q", name, term.Parameter)
			}
		}
	}
	return nil
}

// Scores computes every index from the given parameter means. Parameters
// missing from the input contribute their term at the neutral prior mean,
// so a sparse week still yields a full score set.
func (m Mapping) Scores(means map[estimator.Parameter]float64) map[string]float64 {
	out := make(map[string]float64, len(m.Indices))
	for name, idx := range m.Indices {
		var score, total float64
		for _, term := range idx.Terms {
			mean, ok := means[term.Parameter]
			if !ok {
				mean = estimator.PriorMean
			}
			if term.Invert {
				mean = 1 - mean
			}
			score += term.Weight * mean
			total += term.Weight
		}
		if total > 0 {
			score /= total
		}
		out[name] = score
	}
	return out
}

// Drivers decomposes one index into per-parameter marginal contributions.
// Shares sum to the index score.
func (m Mapping) Drivers(name string, means map[estimator.Parameter]float64) map[estimator.Parameter]float64 {
	idx, ok := m.Indices[name]
	if !ok {
		return nil
	}
	var total float64
	for _, term := range idx.Terms {
		total += term.Weight
	}
	if total == 0 {
		return nil
	}
	out := make(map[estimator.Parameter]float64, len(idx.Terms))
	for _, term := range idx.Terms {
		mean, ok := means[term.Parameter]
		if !ok {
			mean = estimator.PriorMean
		}
		if term.Invert {
			mean = 1 - mean
		}
		out[term.Parameter] = term.Weight * mean / total
	}
	return out
}
