// Package probability maps a miner's hash rate to its per-tick chance of
// discovering a block.
package probability

import (
	"fmt"
	"math"
)

const (
	// DefaultNormalization is the hash rate K that maps to probability 1
	// before the ceiling is applied
	DefaultNormalization = 5000.0
	// DefaultCeiling caps the per-tick probability
	DefaultCeiling = 0.9
)

// Model computes min(hashRate/Normalization, Ceiling)
type Model struct {
	Normalization float64
	Ceiling       float64
}

// Default returns the model with K = 5000 and ceiling 0.9
func Default() Model {
	return Model{Normalization: DefaultNormalization, Ceiling: DefaultCeiling}
}

// New validates and returns a model
func New(normalization, ceiling float64) (Model, error) {
	if !(normalization > 0) || math.IsInf(normalization, 0) {
		return Model{}, fmt.Errorf("normalization must be a positive finite number, got %v", normalization)
	}
	if !(ceiling > 0 && ceiling <= 1) {
		return Model{}, fmt.Errorf("ceiling must be in (0, 1], got %v", ceiling)
	}
	return Model{Normalization: normalization, Ceiling: ceiling}, nil
}

// Probability returns the per-tick discovery probability for hashRate.
// Non-positive and NaN hash rates yield 0.
func (m Model) Probability(hashRate float64) float64 {
	if math.IsNaN(hashRate) || hashRate <= 0 {
		return 0
	}
	return min(hashRate/m.Normalization, m.Ceiling)
}

// Discovers reports whether a uniform draw r in [0, 1) wins against p
func Discovers(p, r float64) bool {
	return r < p
}
