package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRepository handles run-related database operations
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun inserts a run. Inserting the same id twice is a no-op.
func (r *RunRepository) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, started_at, tick_interval_ms, roster_refresh_ms, normalization, ceiling)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.StartedAt, run.TickInterval.Milliseconds(),
		run.RosterRefreshInterval.Milliseconds(), run.Normalization, run.Ceiling,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the stop time of a run
func (r *RunRepository) FinishRun(ctx context.Context, runID string, stoppedAt time.Time) error {
	query := `UPDATE runs SET stopped_at = $1 WHERE id = $2`

	_, err := r.db.ExecContext(ctx, query, stoppedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by id
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, started_at, stopped_at, tick_interval_ms, roster_refresh_ms, normalization, ceiling
		FROM runs WHERE id = $1`

	run := &Run{}
	var tickMS, refreshMS int64
	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.StartedAt, &run.StoppedAt, &tickMS, &refreshMS,
		&run.Normalization, &run.Ceiling,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.TickInterval = time.Duration(tickMS) * time.Millisecond
	run.RosterRefreshInterval = time.Duration(refreshMS) * time.Millisecond
	return run, nil
}

// TallyRepository handles per-miner tally operations
type TallyRepository struct {
	db *sql.DB
}

// NewTallyRepository creates a new tally repository
func NewTallyRepository(db *sql.DB) *TallyRepository {
	return &TallyRepository{db: db}
}

// AddTallies adds each tally onto its stored row in one transaction
func (r *TallyRepository) AddTallies(ctx context.Context, tallies []*MinerTally) error {
	if len(tallies) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tally transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO miner_tallies (run_id, miner_id, accepted, rejected, failed, last_block_index, last_settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, miner_id) DO UPDATE SET
			accepted = miner_tallies.accepted + EXCLUDED.accepted,
			rejected = miner_tallies.rejected + EXCLUDED.rejected,
			failed = miner_tallies.failed + EXCLUDED.failed,
			last_block_index = COALESCE(EXCLUDED.last_block_index, miner_tallies.last_block_index),
			last_settled_at = GREATEST(EXCLUDED.last_settled_at, miner_tallies.last_settled_at)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare tally upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tallies {
		if _, err := stmt.ExecContext(ctx,
			t.RunID, t.MinerID, t.Accepted, t.Rejected, t.Failed,
			t.LastBlockIndex, t.LastSettledAt,
		); err != nil {
			return fmt.Errorf("failed to upsert tally for %s: %w", t.MinerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tallies: %w", err)
	}
	return nil
}

// GetTallies retrieves a run's tallies, most accepted first
func (r *TallyRepository) GetTallies(ctx context.Context, runID string) ([]*MinerTally, error) {
	query := `
		SELECT run_id, miner_id, accepted, rejected, failed, last_block_index, last_settled_at
		FROM miner_tallies
		WHERE run_id = $1
		ORDER BY accepted DESC, miner_id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tallies: %w", err)
	}
	defer rows.Close()

	var tallies []*MinerTally
	for rows.Next() {
		t := &MinerTally{}
		if err := rows.Scan(
			&t.RunID, &t.MinerID, &t.Accepted, &t.Rejected, &t.Failed,
			&t.LastBlockIndex, &t.LastSettledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tally: %w", err)
		}
		tallies = append(tallies, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tallies: %w", err)
	}

	return tallies, nil
}
