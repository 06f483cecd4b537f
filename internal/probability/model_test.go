package probability

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestModel_Probability(t *testing.T) {
	m := Default()

	tests := []struct {
		name     string
		hashRate float64
		want     float64
	}{
		{"zero", 0, 0},
		{"negative", -10, 0},
		{"nan", math.NaN(), 0},
		{"one", 1, 1.0 / 5000},
		{"half of K", 2500, 0.5},
		{"at ceiling", 4500, 0.9},
		{"at K", 5000, 0.9},
		{"five K", 25000, 0.9},
		{"far above K", 1e9, 0.9},
		{"infinite", math.Inf(1), 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Probability(tt.hashRate); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Probability(%v) = %v, want %v", tt.hashRate, got, tt.want)
			}
		})
	}
}

func TestModel_ProbabilityBounded(t *testing.T) {
	m := Default()
	rng := rand.New(rand.NewPCG(1, 2))

	for range 10_000 {
		h := rng.NormFloat64() * 1e5
		p := m.Probability(h)
		if p < 0 || p > m.Ceiling {
			t.Fatalf("Probability(%v) = %v outside [0, %v]", h, p, m.Ceiling)
		}
	}
}

func TestModel_Monotonic(t *testing.T) {
	m := Default()
	prev := 0.0
	for h := 0.0; h <= 10_000; h += 7.5 {
		p := m.Probability(h)
		if p < prev {
			t.Fatalf("Probability decreased at %v: %v < %v", h, p, prev)
		}
		prev = p
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		k       float64
		ceiling float64
		wantErr bool
	}{
		{"defaults", 5000, 0.9, false},
		{"ceiling one", 100, 1, false},
		{"zero K", 0, 0.9, true},
		{"negative K", -1, 0.9, true},
		{"nan K", math.NaN(), 0.9, true},
		{"infinite K", math.Inf(1), 0.9, true},
		{"zero ceiling", 5000, 0, true},
		{"ceiling above one", 5000, 1.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.k, tt.ceiling)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%v, %v) error = %v, wantErr %v", tt.k, tt.ceiling, err, tt.wantErr)
			}
		})
	}
}

func TestDiscovers(t *testing.T) {
	tests := []struct {
		p, r float64
		want bool
	}{
		{0, 0, false},
		{0.5, 0.49, true},
		{0.5, 0.5, false},
		{0.9, 0.95, false},
		{1, 0.999999, true},
	}
	for _, tt := range tests {
		if got := Discovers(tt.p, tt.r); got != tt.want {
			t.Errorf("Discovers(%v, %v) = %v, want %v", tt.p, tt.r, got, tt.want)
		}
	}
}

// A miner with hash rate 1 should win about 10000 * 1/5000 = 2 times in
// 10,000 draws; the bound is loose enough that a fixed seed cannot flake.
func TestDiscovers_EmpiricalRate(t *testing.T) {
	m := Default()
	p := m.Probability(1)

	for seed := range uint64(20) {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		wins := 0
		for range 10_000 {
			if Discovers(p, rng.Float64()) {
				wins++
			}
		}
		if wins > 15 {
			t.Errorf("seed %d: %d wins in 10,000 ticks, expected about 2", seed, wins)
		}
	}

	rng := rand.New(rand.NewPCG(7, 11))
	total := 0
	const runs = 200
	for range runs {
		for range 10_000 {
			if Discovers(p, rng.Float64()) {
				total++
			}
		}
	}
	mean := float64(total) / runs
	if mean < 1.5 || mean > 2.5 {
		t.Errorf("mean wins per 10,000 ticks = %.2f, want about 2", mean)
	}
}
