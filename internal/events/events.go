// Package events carries what the scheduler observed (tick summaries,
// settled discovery attempts, run boundaries) to the recorders that persist
// or publish it.
package events

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/hylo/internal/submission"
)

// Kind discriminates Event payloads
type Kind string

const (
	KindTick       Kind = "tick"
	KindSettlement Kind = "settlement"
	KindRunStarted Kind = "run_started"
	KindRunStopped Kind = "run_stopped"
)

// Run describes one Start..Stop span of the scheduler
type Run struct {
	ID                    string        `json:"run_id"`
	StartedAt             time.Time     `json:"started_at"`
	StoppedAt             time.Time     `json:"stopped_at,omitzero"`
	TickInterval          time.Duration `json:"tick_interval"`
	RosterRefreshInterval time.Duration `json:"roster_refresh_interval"`
	Normalization         float64       `json:"normalization"`
	Ceiling               float64       `json:"ceiling"`
}

// TickReport summarizes one tick
type TickReport struct {
	RunID       string    `json:"run_id"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
	RosterSize  int       `json:"roster_size"`
	RosterStale bool      `json:"roster_stale"`
	Winners     int       `json:"winners"`
	Dispatched  int       `json:"dispatched"`
	Gated       int       `json:"gated"`
}

// Settlement is the observed outcome of one discovery attempt
type Settlement struct {
	RunID      string            `json:"run_id"`
	AttemptID  string            `json:"attempt_id"`
	TickSeq    int64             `json:"tick_seq"`
	MinerID    string            `json:"miner_id"`
	HashRate   float64           `json:"hash_rate"`
	Status     submission.Status `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	BlockIndex int64             `json:"block_index,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Latency    time.Duration     `json:"latency"`
}

// Event is one item on the pipeline; exactly one payload is set
type Event struct {
	Kind       Kind
	Run        *Run
	Tick       *TickReport
	Settlement *Settlement
}

// NewAttemptID fingerprints an attempt from its run, tick, miner and start
// time with a double SHA-256
func NewAttemptID(runID string, seq int64, minerID string, at time.Time) string {
	buf := make([]byte, 0, len(runID)+len(minerID)+16)
	buf = append(buf, runID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(seq))
	buf = append(buf, minerID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(at.UnixNano()))
	return chainhash.DoubleHashH(buf).String()
}
