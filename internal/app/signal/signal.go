// Package signal is the boundary between the execution engine and the model
// that turns a feature vector into an up-move probability.
package signal

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange reports a score that is not a finite probability.
var ErrOutOfRange = errors.New("signal: score outside [0,1]")

// Scorer maps features to a probability in [0,1]. Implementations must be
// synchronous and free of side effects visible to the caller.
type Scorer interface {
	Score(features []float64) (float64, error)
}

// Func adapts a plain function to Scorer.
type Func func(features []float64) (float64, error)

// Score calls f.
func (f Func) Score(features []float64) (float64, error) { return f(features) }

// Constant always returns the same probability.
type Constant float64

// Score returns c.
func (c Constant) Score([]float64) (float64, error) { return float64(c), nil }

// Logistic is a linear model squashed through the logistic function.
// Features beyond len(Weights) get a zero weight.
type Logistic struct {
	Weights []float64 `yaml:"weights"`
	Bias    float64   `yaml:"bias"`
}

// Score returns σ(bias + w·x).
func (l Logistic) Score(features []float64) (float64, error) {
	z := l.Bias
	for i, x := range features {
		if i >= len(l.Weights) {
			break
		}
		z += l.Weights[i] * x
	}
	if math.IsNaN(z) {
		return 0, fmt.Errorf("%w: NaN activation", ErrOutOfRange)
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Check rejects non-finite or out-of-range probabilities.
func Check(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
		return fmt.Errorf("%w: %v", ErrOutOfRange, p)
	}
	return nil
}

// Evaluate scores features and validates the result.
func Evaluate(s Scorer, features []float64) (float64, error) {
	if s == nil {
		return 0, errors.New("signal: scorer required")
	}
	p, err := s.Score(features)
	if err != nil {
		return 0, err
	}
	if err := Check(p); err != nil {
		return 0, err
	}
	return p, nil
}
