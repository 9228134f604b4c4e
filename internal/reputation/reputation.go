// Package reputation implements the clearinghouse's reputation factor
// lookup.
//
// The reputation oracle itself is an external collaborator: the clearing
// core only depends on the narrow Reader interface below, which returns a
// bounded factor rho in [rho_min, rho_max] given an agent identity. The
// scoring model here — logarithmic volume/activity/success/age/diversity
// components folded into a 0-100 score, then linearly rescaled into the
// bounded range — is one acceptable implementation of that interface;
// a StubReader returning the midpoint factor is equally acceptable and
// produces a functioning system.
package reputation

import (
	"context"
	"math"
	"time"
)

// Reader resolves a bounded reputation factor for an agent. Implementations
// should prefer AgentID when it is not "0" (unknown), falling back to the
// on-ledger address.
type Reader interface {
	// Get returns rho, clamped to [Min(), Max()].
	Get(ctx context.Context, agentID, address string) (float64, error)
	Min() float64
	Max() float64
}

// StubReader always returns the midpoint of [min, max]. Per the
// specification, a stub reader must be acceptable and must produce a
// functioning system — this is that stub.
type StubReader struct {
	min, max float64
}

// NewStubReader returns a Reader fixed at the midpoint of [min, max].
func NewStubReader(min, max float64) *StubReader {
	return &StubReader{min: min, max: max}
}

func (s *StubReader) Get(_ context.Context, _, _ string) (float64, error) {
	return Clamp((s.min+s.max)/2, s.min, s.max), nil
}

func (s *StubReader) Min() float64 { return s.min }
func (s *StubReader) Max() float64 { return s.max }

// Clamp restricts v to [min, max].
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Metrics are the raw behavioral inputs to a score-based Reader.
type Metrics struct {
	TotalTransactions    int
	TotalVolumeUSD       float64
	SuccessfulTxns       int
	FailedTxns           int
	UniqueCounterparties int
	FirstSeen            time.Time
	LastActive           time.Time
	DaysOnNetwork        int
}

// Components breaks a 0-100 score down by contributing factor.
type Components struct {
	VolumeScore    float64
	ActivityScore  float64
	SuccessScore   float64
	AgeScore       float64
	DiversityScore float64
}

// Weights for score components (must sum to 1.0).
type Weights struct {
	Volume    float64
	Activity  float64
	Success   float64
	Age       float64
	Diversity float64
}

// DefaultWeights balances all factors.
var DefaultWeights = Weights{
	Volume:    0.25,
	Activity:  0.20,
	Success:   0.25,
	Age:       0.15,
	Diversity: 0.15,
}

// Calculator turns raw Metrics into a 0-100 score using logarithmic scaling
// per component, the same shape used across the rest of the agent-reputation
// ecosystem this clearinghouse interoperates with.
type Calculator struct {
	weights Weights
}

// NewCalculator creates a calculator using DefaultWeights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// NewCalculatorWithWeights creates a calculator with custom weights.
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w}
}

// Score computes the 0-100 reputation score and its component breakdown.
func (c *Calculator) Score(m Metrics) (float64, Components) {
	comp := Components{}

	if m.TotalVolumeUSD > 0 {
		comp.VolumeScore = math.Min(100, 25*math.Log10(m.TotalVolumeUSD+1))
	}

	if m.TotalTransactions > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(m.TotalTransactions)+1))
	}

	if m.TotalTransactions < 5 {
		comp.SuccessScore = 50 // Neutral until enough data
	} else {
		successRate := float64(m.SuccessfulTxns) / float64(m.TotalTransactions)
		comp.SuccessScore = successRate * 100
	}

	if m.DaysOnNetwork > 0 {
		comp.AgeScore = math.Min(100, 33.3*math.Log10(float64(m.DaysOnNetwork)+1))
	}

	if m.UniqueCounterparties > 1 {
		comp.DiversityScore = math.Min(100, 50*math.Log10(float64(m.UniqueCounterparties)))
	}

	score := c.weights.Volume*comp.VolumeScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Success*comp.SuccessScore +
		c.weights.Age*comp.AgeScore +
		c.weights.Diversity*comp.DiversityScore

	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10, comp
}

// Rescale maps a 0-100 score linearly into [min, max].
func Rescale(score, min, max float64) float64 {
	return Clamp(min+(score/100)*(max-min), min, max)
}

// MetricsProvider fetches raw behavioral metrics for score-based Readers.
type MetricsProvider interface {
	GetAgentMetrics(ctx context.Context, agentID string) (*Metrics, error)
}

// ScoringReader is a Reader backed by a MetricsProvider and Calculator,
// rescaling the resulting 0-100 score into [min, max].
type ScoringReader struct {
	provider MetricsProvider
	calc     *Calculator
	min, max float64
}

// NewScoringReader builds a Reader that derives rho from behavioral metrics.
func NewScoringReader(provider MetricsProvider, min, max float64) *ScoringReader {
	return &ScoringReader{provider: provider, calc: NewCalculator(), min: min, max: max}
}

func (r *ScoringReader) Get(ctx context.Context, agentID, address string) (float64, error) {
	key := agentID
	if key == "" || key == "0" {
		key = address
	}
	metrics, err := r.provider.GetAgentMetrics(ctx, key)
	if err != nil {
		return 0, err
	}
	score, _ := r.calc.Score(*metrics)
	return Rescale(score, r.min, r.max), nil
}

func (r *ScoringReader) Min() float64 { return r.min }
func (r *ScoringReader) Max() float64 { return r.max }
