// Package scoring classifies referral requests into an urgency class and a
// numeric score from their clinical attributes.
package scoring

import (
	"fmt"
	"math"
)

type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityRoutine  Priority = "ROUTINE"
)

// Attributes are the request fields the score is derived from.
type Attributes struct {
	PatientAge    int
	Justification string
	Specialty     string
	// Confidence is an optional external classifier output in [0,1].
	Confidence *float64
}

// Factors are the weighted contributions that make up a score.
type Factors struct {
	Age            float64 `json:"age"`
	Severity       float64 `json:"severity"`
	Specialty      float64 `json:"specialty"`
	KeywordHits    int     `json:"keyword_hits"`
	ClassifierUsed bool    `json:"classifier_used"`
}

type Result struct {
	Score    float64  `json:"score"`
	Priority Priority `json:"priority"`
	Factors  Factors  `json:"factors"`
}

// Engine is an immutable, concurrency-safe scorer.
type Engine struct {
	cfg         Config
	keywords    [][]string
	specialties map[string]struct{}
}

// NewEngine validates cfg and builds an Engine from a private copy of it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.CriticalKeywords = append([]string(nil), cfg.CriticalKeywords...)
	cfg.CriticalSpecialties = append([]string(nil), cfg.CriticalSpecialties...)

	e := &Engine{
		cfg:         cfg,
		keywords:    make([][]string, 0, len(cfg.CriticalKeywords)),
		specialties: make(map[string]struct{}, len(cfg.CriticalSpecialties)),
	}
	for _, kw := range cfg.CriticalKeywords {
		e.keywords = append(e.keywords, words(kw))
	}
	for _, s := range cfg.CriticalSpecialties {
		e.specialties[normalize(s)] = struct{}{}
	}
	return e, nil
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() Config {
	c := e.cfg
	c.CriticalKeywords = append([]string(nil), e.cfg.CriticalKeywords...)
	c.CriticalSpecialties = append([]string(nil), e.cfg.CriticalSpecialties...)
	return c
}

// Score computes the weighted urgency score. It has no side effects and the
// same attributes always yield the same result.
func (e *Engine) Score(a Attributes) (Result, error) {
	if a.PatientAge < 0 {
		return Result{}, fmt.Errorf("%w: negative patient age %d", ErrInvalidInput, a.PatientAge)
	}
	if a.Confidence != nil && !unit(*a.Confidence) {
		return Result{}, fmt.Errorf("%w: classifier confidence %g outside [0,1]", ErrInvalidInput, *a.Confidence)
	}

	w := e.cfg.Weights
	ageRaw := clamp(float64(a.PatientAge)/100.0, 0, 1)

	hits := e.keywordHits(a.Justification)
	sevRaw := math.Min(1.0, e.cfg.SeverityBase+e.cfg.SeverityIncrement*float64(hits))
	if a.Confidence != nil {
		mix := e.cfg.ClassifierMix
		sevRaw = (1-mix)*sevRaw + mix*(*a.Confidence)
	}

	specRaw := 0.0
	if _, ok := e.specialties[normalize(a.Specialty)]; ok {
		specRaw = 1.0
	}

	f := Factors{
		Age:            ageRaw * w.Age,
		Severity:       sevRaw * w.Severity,
		Specialty:      specRaw * w.Specialty,
		KeywordHits:    hits,
		ClassifierUsed: a.Confidence != nil,
	}
	score := clamp(round9(f.Age+f.Severity+f.Specialty), 0, 1)

	p := PriorityRoutine
	if score >= e.cfg.RedThreshold {
		p = PriorityCritical
	}
	return Result{Score: score, Priority: p, Factors: f}, nil
}

func (e *Engine) keywordHits(text string) int {
	tw := words(text)
	n := 0
	for _, kw := range e.keywords {
		n += countPhrase(tw, kw)
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round9(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
