// Package database coordinates the simulator's optional sinks: PostgreSQL
// for runs and per-miner tallies, Redis for the warm-start roster and live
// counters, and InfluxDB for tick and settlement time series.
package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/hylo/internal/database/influx"
	"github.com/bardlex/hylo/internal/database/postgres"
	"github.com/bardlex/hylo/internal/database/redis"
	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/submission"
	"github.com/bardlex/hylo/pkg/circuit"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
	"github.com/bardlex/hylo/pkg/retry"
)

// RunStore persists run boundaries
type RunStore interface {
	CreateRun(ctx context.Context, run *postgres.Run) error
	FinishRun(ctx context.Context, runID string, stoppedAt time.Time) error
}

// TallyStore adds flushed tallies onto stored totals
type TallyStore interface {
	AddTallies(ctx context.Context, tallies []*postgres.MinerTally) error
}

// CounterStore keeps live per-miner outcome counters
type CounterStore interface {
	IncrementOutcome(ctx context.Context, minerID, outcome string, at time.Time) (int64, error)
	OutcomeCounters(ctx context.Context, minerID string) (map[string]int64, error)
}

// OutcomeQuerier sums settlements per status over a recent window
type OutcomeQuerier interface {
	GetOutcomeCounts(ctx context.Context, minerID string, window time.Duration) (map[string]int64, error)
}

// MetricsWriter queues time-series points
type MetricsWriter interface {
	WriteTick(r events.TickReport)
	WriteSettlement(s events.Settlement)
	Flush()
}

// Manager records scheduler events into whichever stores are configured.
// Any store may be absent.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	runs     RunStore
	tallies  TallyStore
	counters CounterStore
	metrics  MetricsWriter
	outcomes OutcomeQuerier

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	mu      sync.Mutex
	pending map[tallyKey]*postgres.MinerTally
}

type tallyKey struct {
	runID   string
	minerID string
}

// Config holds configuration for all database systems. A nil section
// disables that store.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Stores bundles the store implementations a Manager writes to
type Stores struct {
	Runs     RunStore
	Tallies  TallyStore
	Counters CounterStore
	Metrics  MetricsWriter
	Outcomes OutcomeQuerier
}

// NewManager connects to every configured database
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		pgClient     *postgres.Client
		redisClient  *redis.Client
		influxClient *influx.Client
		err          error
	)

	cleanup := func() {
		if pgClient != nil {
			pgClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if influxClient != nil {
			influxClient.Close()
		}
	}

	if cfg.Postgres != nil {
		pgClient, err = postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		if err := pgClient.Migrate(ctx); err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to migrate PostgreSQL schema")
		}
	}

	if cfg.Redis != nil {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
	}

	if cfg.Influx != nil {
		influxClient, err = influx.NewClient(cfg.Influx)
		if err != nil {
			cleanup()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
	}

	var stores Stores
	if pgClient != nil {
		stores.Runs = postgres.NewRunRepository(pgClient.DB())
		stores.Tallies = postgres.NewTallyRepository(pgClient.DB())
	}
	if redisClient != nil {
		stores.Counters = redisClient
	}
	if influxClient != nil {
		stores.Metrics = influxClient
		stores.Outcomes = influxClient
	}

	m := NewWithStores(stores, logger)
	m.Postgres = pgClient
	m.Redis = redisClient
	m.Influx = influxClient
	return m, nil
}

// NewWithStores creates a manager over already constructed stores
func NewWithStores(stores Stores, logger *log.Logger) *Manager {
	cbConfig := &circuit.Config{
		Name:            "database",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
	l := logger.WithComponent("database")
	cbConfig.OnStateChange = func(name string, from, to circuit.State) {
		l.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &Manager{
		runs:           stores.Runs,
		tallies:        stores.Tallies,
		counters:       stores.Counters,
		metrics:        stores.Metrics,
		outcomes:       stores.Outcomes,
		logger:         l,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
		pending:        make(map[tallyKey]*postgres.MinerTally),
	}
}

// Enabled reports whether any store is configured
func (m *Manager) Enabled() bool {
	return m.runs != nil || m.tallies != nil || m.counters != nil || m.metrics != nil
}

// HasOutcomes reports whether MinerOutcomes has a store to read from
func (m *Manager) HasOutcomes() bool {
	return m.counters != nil || m.outcomes != nil
}

// MinerOutcomes returns a miner's settlement counts by status. A positive
// window sums InfluxDB points over that span; otherwise the live Redis
// counters are read.
func (m *Manager) MinerOutcomes(ctx context.Context, minerID string, window time.Duration) (map[string]int64, error) {
	var (
		counts map[string]int64
		err    error
	)
	switch {
	case window > 0 && m.outcomes == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "miner_outcomes", "windowed outcomes need InfluxDB")
	case window > 0:
		counts, err = m.outcomes.GetOutcomeCounts(ctx, minerID, window)
	case m.counters == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "miner_outcomes", "live outcome counters need Redis")
	default:
		counts, err = m.counters.OutcomeCounters(ctx, minerID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "miner_outcomes",
			"failed to read outcome counts").
			WithContext("miner_id", minerID)
	}
	return counts, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all configured database connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Name identifies the manager as an event recorder
func (m *Manager) Name() string {
	return "database"
}

// Record stores one scheduler event
func (m *Manager) Record(ctx context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindRunStarted:
		if e.Run != nil {
			return m.startRun(ctx, *e.Run)
		}
	case events.KindRunStopped:
		if e.Run != nil {
			return m.finishRun(ctx, *e.Run)
		}
	case events.KindTick:
		if e.Tick != nil && m.metrics != nil {
			m.metrics.WriteTick(*e.Tick)
		}
	case events.KindSettlement:
		if e.Settlement != nil {
			m.recordSettlement(ctx, *e.Settlement)
		}
	}
	return nil
}

func (m *Manager) startRun(ctx context.Context, run events.Run) error {
	if m.runs == nil {
		return nil
	}

	row := &postgres.Run{
		ID:                    run.ID,
		StartedAt:             run.StartedAt,
		TickInterval:          run.TickInterval,
		RosterRefreshInterval: run.RosterRefreshInterval,
		Normalization:         run.Normalization,
		Ceiling:               run.Ceiling,
	}

	return m.guard(ctx, func() error {
		if err := m.runs.CreateRun(ctx, row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_run",
				"failed to store run in PostgreSQL").
				WithContext("run_id", run.ID)
		}
		return nil
	})
}

// finishRun flushes the run's tallies before closing it
func (m *Manager) finishRun(ctx context.Context, run events.Run) error {
	if err := m.FlushTallies(ctx); err != nil {
		return err
	}
	if m.runs == nil {
		return nil
	}

	return m.guard(ctx, func() error {
		if err := m.runs.FinishRun(ctx, run.ID, run.StoppedAt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "finish_run",
				"failed to close run in PostgreSQL").
				WithContext("run_id", run.ID)
		}
		return nil
	})
}

func (m *Manager) recordSettlement(ctx context.Context, s events.Settlement) {
	if m.metrics != nil {
		m.metrics.WriteSettlement(s)
	}

	if m.counters != nil {
		// best effort, never retried
		if _, err := m.counters.IncrementOutcome(ctx, s.MinerID, string(s.Status), s.StartedAt.Add(s.Latency)); err != nil {
			m.logger.WithError(err).Warn("failed to update outcome counter", "miner_id", s.MinerID)
		}
	}

	if m.tallies != nil {
		m.addTally(s)
	}
}

func (m *Manager) addTally(s events.Settlement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tallyKey{runID: s.RunID, minerID: s.MinerID}
	t, ok := m.pending[key]
	if !ok {
		t = &postgres.MinerTally{RunID: s.RunID, MinerID: s.MinerID}
		m.pending[key] = t
	}
	mergeSettlement(t, s)
}

func mergeSettlement(t *postgres.MinerTally, s events.Settlement) {
	switch s.Status {
	case submission.StatusAccepted:
		t.Accepted++
		idx := s.BlockIndex
		t.LastBlockIndex = &idx
	case submission.StatusRejected:
		t.Rejected++
	default:
		t.Failed++
	}

	settled := s.StartedAt.Add(s.Latency)
	if t.LastSettledAt == nil || settled.After(*t.LastSettledAt) {
		t.LastSettledAt = &settled
	}
}

// PendingTallies returns the tallies not yet flushed, ordered by run and miner
func (m *Manager) PendingTallies() []postgres.MinerTally {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]postgres.MinerTally, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].MinerID < out[j].MinerID
	})
	return out
}

// FlushTallies writes accumulated tallies. On failure they are kept and
// merged with anything recorded meanwhile.
func (m *Manager) FlushTallies(ctx context.Context) error {
	if m.tallies == nil {
		return nil
	}

	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[tallyKey]*postgres.MinerTally)
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	list := make([]*postgres.MinerTally, 0, len(batch))
	for _, t := range batch {
		list = append(list, t)
	}

	err := m.guard(ctx, func() error {
		if err := m.tallies.AddTallies(ctx, list); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "flush_tallies",
				"failed to store tallies in PostgreSQL").
				WithContext("count", len(list))
		}
		return nil
	})
	if err != nil {
		m.restore(batch)
		return err
	}

	m.logger.Debug("tallies flushed", "count", len(list))
	return nil
}

func (m *Manager) restore(batch map[tallyKey]*postgres.MinerTally) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, old := range batch {
		cur, ok := m.pending[key]
		if !ok {
			m.pending[key] = old
			continue
		}
		cur.Accepted += old.Accepted
		cur.Rejected += old.Rejected
		cur.Failed += old.Failed
		if cur.LastBlockIndex == nil {
			cur.LastBlockIndex = old.LastBlockIndex
		}
		if cur.LastSettledAt == nil || (old.LastSettledAt != nil && old.LastSettledAt.After(*cur.LastSettledAt)) {
			cur.LastSettledAt = old.LastSettledAt
		}
	}
}

func (m *Manager) guard(ctx context.Context, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

// BreakerState reports the database circuit breaker state
func (m *Manager) BreakerState() circuit.State {
	return m.circuitBreaker.GetState()
}

// StartPeriodicTasks flushes tallies and metrics every interval until ctx
// is done, then flushes once more. The returned channel is closed when that
// final flush has finished; Close must not be called before.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.FlushTallies(flushCtx); err != nil {
					m.logger.WithError(err).Warn("final tally flush failed")
				}
				cancel()
				if m.metrics != nil {
					m.metrics.Flush()
				}
				return
			case <-ticker.C:
				if err := m.FlushTallies(ctx); err != nil {
					m.logger.WithError(err).Warn("tally flush failed")
				}
				if m.metrics != nil {
					m.metrics.Flush()
				}
			}
		}
	}()

	if m.Influx != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs := m.Influx.Errors()
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-errs:
					if !ok {
						return
					}
					m.logger.WithError(err).Warn("influx write failed")
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
