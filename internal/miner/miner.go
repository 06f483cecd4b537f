// Package miner defines the simulated miner and the immutable roster
// snapshot the scheduler reads on every tick.
package miner

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Miner is one simulated miner as owned by the registry
type Miner struct {
	ID          string  `json:"id"`
	HashRate    float64 `json:"hashRate"`
	BlocksFound int     `json:"blocks"`
}

// Validate checks the fields the registry requires on add
func (m Miner) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("miner id required")
	}
	if math.IsNaN(m.HashRate) || math.IsInf(m.HashRate, 0) || m.HashRate <= 0 {
		return fmt.Errorf("miner %s: hash rate must be a positive number, got %v", m.ID, m.HashRate)
	}
	if m.BlocksFound < 0 {
		return fmt.Errorf("miner %s: blocks found must not be negative", m.ID)
	}
	return nil
}

// Snapshot is an ordered, read-only miner set valid for one tick. A nil
// *Snapshot behaves as an empty roster.
type Snapshot struct {
	miners    []Miner
	index     map[string]int
	updatedAt time.Time
	stale     bool
}

// NewSnapshot copies miners into a new snapshot. Entries with an empty id
// are dropped and only the first occurrence of a duplicate id is kept.
func NewSnapshot(miners []Miner, updatedAt time.Time) *Snapshot {
	s := &Snapshot{
		miners:    make([]Miner, 0, len(miners)),
		index:     make(map[string]int, len(miners)),
		updatedAt: updatedAt,
	}
	for _, m := range miners {
		if m.ID == "" {
			continue
		}
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.miners)
		s.miners = append(s.miners, m)
	}
	return s
}

// Miners returns a copy of the roster in registry order
func (s *Snapshot) Miners() []Miner {
	if s == nil {
		return nil
	}
	return slices.Clone(s.miners)
}

// Len returns the number of miners
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.miners)
}

// Get looks a miner up by id
func (s *Snapshot) Get(id string) (Miner, bool) {
	if s == nil {
		return Miner{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Miner{}, false
	}
	return s.miners[i], true
}

// Contains reports whether id is on the roster
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// UpdatedAt is when the registry last produced this roster
func (s *Snapshot) UpdatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.updatedAt
}

// Stale reports whether the snapshot is served without a recent successful poll
func (s *Snapshot) Stale() bool {
	return s != nil && s.stale
}

// AsStale returns a copy of the snapshot marked stale
func (s *Snapshot) AsStale() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.stale = true
	return &cp
}

// Diff counts ids present in s but not in prev, and in prev but not in s
func (s *Snapshot) Diff(prev *Snapshot) (added, removed int) {
	for _, m := range s.list() {
		if !prev.Contains(m.ID) {
			added++
		}
	}
	for _, m := range prev.list() {
		if !s.Contains(m.ID) {
			removed++
		}
	}
	return added, removed
}

func (s *Snapshot) list() []Miner {
	if s == nil {
		return nil
	}
	return s.miners
}
