package scoring

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidInput  = errors.New("invalid scoring input")
	ErrConfiguration = errors.New("invalid scoring configuration")
)

// weightTolerance absorbs float rounding when weights are read from text config.
const weightTolerance = 1e-9

// Weights are the relative contributions of each sub-score. They must sum to 1.
type Weights struct {
	Age       float64 `json:"age" yaml:"age"`
	Severity  float64 `json:"severity" yaml:"severity"`
	Specialty float64 `json:"specialty" yaml:"specialty"`
}

func (w Weights) sum() float64 {
	return w.Age + w.Severity + w.Specialty
}

// Config holds every tunable of the scoring function. It is copied into the
// Engine at construction and never mutated afterwards.
type Config struct {
	Weights Weights `json:"weights" yaml:"weights"`

	// RedThreshold is the score at or above which a request is CRITICAL.
	RedThreshold float64 `json:"red_threshold" yaml:"red_threshold"`

	// SeverityBase is the severity sub-score of a justification with no
	// critical keywords; each keyword occurrence adds SeverityIncrement.
	SeverityBase      float64 `json:"severity_base" yaml:"severity_base"`
	SeverityIncrement float64 `json:"severity_increment" yaml:"severity_increment"`

	// ClassifierMix is the weight given to an external classifier confidence
	// when blending it with the keyword severity (1 replaces it entirely).
	ClassifierMix float64 `json:"classifier_mix" yaml:"classifier_mix"`

	CriticalKeywords    []string `json:"critical_keywords" yaml:"critical_keywords"`
	CriticalSpecialties []string `json:"critical_specialties" yaml:"critical_specialties"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Age: 0.25, Severity: 0.40, Specialty: 0.35},
		RedThreshold:      0.7,
		SeverityBase:      0.2,
		SeverityIncrement: 0.3,
		ClassifierMix:     0.5,
		CriticalKeywords: []string{
			"crítico", "urgente", "grave", "severo", "intenso", "agudo",
			"hemorragia", "infarto", "inconsciente", "convulsión", "emergencia",
			"dificultad respiratoria", "dolor torácico",
		},
		CriticalSpecialties: []string{
			"cardiología", "neurología", "oncología", "cirugía cardiovascular",
			"neurocirugía", "unidad de cuidados intensivos",
		},
	}
}

// Validate reports the first invalid field wrapped in ErrConfiguration.
func (c Config) Validate() error {
	w := c.Weights
	if !unit(w.Age) || !unit(w.Severity) || !unit(w.Specialty) {
		return fmt.Errorf("%w: weights must be in [0,1] (age=%g severity=%g specialty=%g)",
			ErrConfiguration, w.Age, w.Severity, w.Specialty)
	}
	if !(math.Abs(w.sum()-1.0) <= weightTolerance) {
		return fmt.Errorf("%w: weights must sum to 1.0, got %g", ErrConfiguration, w.sum())
	}
	if !(c.RedThreshold > 0 && c.RedThreshold <= 1) {
		return fmt.Errorf("%w: red threshold must be in (0,1], got %g", ErrConfiguration, c.RedThreshold)
	}
	if !unit(c.SeverityBase) {
		return fmt.Errorf("%w: severity base must be in [0,1], got %g", ErrConfiguration, c.SeverityBase)
	}
	if !unit(c.SeverityIncrement) {
		return fmt.Errorf("%w: severity increment must be in [0,1], got %g", ErrConfiguration, c.SeverityIncrement)
	}
	if !unit(c.ClassifierMix) {
		return fmt.Errorf("%w: classifier mix must be in [0,1], got %g", ErrConfiguration, c.ClassifierMix)
	}
	for _, kw := range c.CriticalKeywords {
		if normalize(kw) == "" {
			return fmt.Errorf("%w: empty critical keyword", ErrConfiguration)
		}
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
