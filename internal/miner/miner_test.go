package miner

import (
	"math"
	"testing"
	"time"
)

func TestMiner_Validate(t *testing.T) {
	tests := []struct {
		name    string
		miner   Miner
		wantErr bool
	}{
		{"valid", Miner{ID: "A", HashRate: 5000}, false},
		{"empty id", Miner{HashRate: 1}, true},
		{"zero hash rate", Miner{ID: "A"}, true},
		{"negative hash rate", Miner{ID: "A", HashRate: -1}, true},
		{"nan hash rate", Miner{ID: "A", HashRate: math.NaN()}, true},
		{"infinite hash rate", Miner{ID: "A", HashRate: math.Inf(1)}, true},
		{"negative blocks", Miner{ID: "A", HashRate: 1, BlocksFound: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.miner.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSnapshot_CopiesInput(t *testing.T) {
	in := []Miner{{ID: "A", HashRate: 1}, {ID: "B", HashRate: 2}}
	s := NewSnapshot(in, time.Now())

	in[0].HashRate = 99
	if m, _ := s.Get("A"); m.HashRate != 1 {
		t.Error("snapshot must not alias the caller's slice")
	}

	out := s.Miners()
	out[1].ID = "Z"
	if !s.Contains("B") || s.Contains("Z") {
		t.Error("Miners() must return a copy")
	}
}

func TestNewSnapshot_DropsEmptyAndDuplicateIDs(t *testing.T) {
	s := NewSnapshot([]Miner{
		{ID: "A", HashRate: 1},
		{ID: "", HashRate: 2},
		{ID: "A", HashRate: 3},
		{ID: "B", HashRate: 4},
	}, time.Time{})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if m, _ := s.Get("A"); m.HashRate != 1 {
		t.Errorf("first occurrence should win, got hash rate %v", m.HashRate)
	}
	if got := s.Miners(); got[0].ID != "A" || got[1].ID != "B" {
		t.Errorf("order not preserved: %v", got)
	}
}

func TestSnapshot_NilIsEmpty(t *testing.T) {
	var s *Snapshot
	if s.Len() != 0 || s.Miners() != nil || s.Contains("A") || s.Stale() {
		t.Error("nil snapshot should behave as empty")
	}
	if !s.UpdatedAt().IsZero() {
		t.Error("nil snapshot has no update time")
	}
	if s.AsStale() != nil {
		t.Error("AsStale on nil should stay nil")
	}
}

func TestSnapshot_AsStale(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	s := NewSnapshot([]Miner{{ID: "A", HashRate: 1}}, at)
	stale := s.AsStale()

	if s.Stale() {
		t.Error("original must stay fresh")
	}
	if !stale.Stale() || stale.Len() != 1 || !stale.UpdatedAt().Equal(at) {
		t.Errorf("stale copy lost data: len=%d at=%v", stale.Len(), stale.UpdatedAt())
	}
}

func TestSnapshot_Diff(t *testing.T) {
	prev := NewSnapshot([]Miner{{ID: "A"}, {ID: "B"}, {ID: "D"}}, time.Time{})
	next := NewSnapshot([]Miner{{ID: "A"}, {ID: "B"}, {ID: "C"}}, time.Time{})

	added, removed := next.Diff(prev)
	if added != 1 || removed != 1 {
		t.Errorf("Diff() = %d added, %d removed; want 1, 1", added, removed)
	}

	added, removed = next.Diff(nil)
	if added != 3 || removed != 0 {
		t.Errorf("Diff(nil) = %d, %d; want 3, 0", added, removed)
	}
}
