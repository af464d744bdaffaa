package estimator

import (
	"errors"
	"fmt"
	"time"
)

// Parameter names a latent psychological construct tracked per user.
type Parameter string

const (
	EmotionalLoad       Parameter = "emotional_load"
	CognitiveDissonance Parameter = "cognitive_dissonance"
	PsychologicalSafety Parameter = "psychological_safety"
	Engagement          Parameter = "engagement"
	SocialConnection    Parameter = "social_connection"
)

var knownParameters = map[Parameter]struct{}{
	EmotionalLoad:       {},
	CognitiveDissonance: {},
	PsychologicalSafety: {},
	Engagement:          {},
	SocialConnection:    {},
}

// Parameters returns the closed set of known parameters in a stable order.
func Parameters() []Parameter {
	return []Parameter{
		EmotionalLoad,
		CognitiveDissonance,
		PsychologicalSafety,
		Engagement,
		SocialConnection,
	}
}

func Known(p Parameter) bool {
	_, ok := knownParameters[p]
	return ok
}

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrOutOfRange       = errors.New("observed value out of range")
)

const (
	// Floors guard against posterior collapse: a single low-noise,
	// high-confidence observation must never shrink variance so far that
	// later contradicting evidence can no longer move the belief.
	ConfidenceFloor  = 0.1
	UncertaintyFloor = 0.2

	PriorMean     = 0.5
	PriorVariance = 0.3
)

// State is the per-(user, parameter) Gaussian belief.
type State struct {
	Mean         float64
	Variance     float64
	Observations int
	UpdatedAt    time.Time
}

// NeutralPrior is the belief assigned to an unseen (user, parameter) pair.
// The wide variance lets early evidence move the mean quickly.
func NeutralPrior() State {
	return State{Mean: PriorMean, Variance: PriorVariance}
}

// Observation is one encoded survey signal targeting a single parameter.
type Observation struct {
	Parameter   Parameter
	Value       float64
	Uncertainty float64
	Confidence  float64
	Nonsense    bool
	ObservedAt  time.Time
}

func (o Observation) validate() error {
	if !Known(o.Parameter) {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, o.Parameter)
	}
	if o.Value < 0 || o.Value > 1 {
		return fmt.Errorf("%w: %v", ErrOutOfRange, o.Value)
	}
	return nil
}

// Update fuses the prior with a noisy observation (sequential Bayesian /
// Kalman update on a one-dimensional Gaussian). Nonsense observations are
// validated and counted but contribute zero evidentiary weight.
func Update(prior State, obs Observation) (State, error) {
	if err := obs.validate(); err != nil {
		return State{}, err
	}

	next := prior
	next.Observations++
	next.UpdatedAt = obs.ObservedAt

	if obs.Nonsense {
		return next, nil
	}

	confidence := obs.Confidence
	if confidence < ConfidenceFloor {
		confidence = ConfidenceFloor
	}
	uncertainty := obs.Uncertainty
	if uncertainty < UncertaintyFloor {
		uncertainty = UncertaintyFloor
	}

	// Observation variance: low confidence inflates the noise term.
	r := uncertainty / confidence

	variance := (prior.Variance * r) / (prior.Variance + r)
	mean := variance * (prior.Mean/prior.Variance + obs.Value/r)

	next.Mean = mean
	next.Variance = variance
	return next, nil
}
