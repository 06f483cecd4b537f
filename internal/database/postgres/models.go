package postgres

import (
	"time"
)

// Run represents one scheduler run
type Run struct {
	ID                    string        `db:"id"`
	StartedAt             time.Time     `db:"started_at"`
	StoppedAt             *time.Time    `db:"stopped_at"`
	TickInterval          time.Duration `db:"tick_interval_ms"`
	RosterRefreshInterval time.Duration `db:"roster_refresh_ms"`
	Normalization         float64       `db:"normalization"`
	Ceiling               float64       `db:"ceiling"`
}

// MinerTally holds attempt outcome counts for one miner in one run. When
// flushed it is added onto the stored row.
type MinerTally struct {
	RunID          string     `db:"run_id"`
	MinerID        string     `db:"miner_id"`
	Accepted       int64      `db:"accepted"`
	Rejected       int64      `db:"rejected"`
	Failed         int64      `db:"failed"`
	LastBlockIndex *int64     `db:"last_block_index"`
	LastSettledAt  *time.Time `db:"last_settled_at"`
}

// Total is the number of settled attempts
func (t *MinerTally) Total() int64 {
	return t.Accepted + t.Rejected + t.Failed
}
