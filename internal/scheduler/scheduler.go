// Package scheduler drives probabilistic discovery attempts for every miner
// on the roster.
//
// A Scheduler runs two loops under one errgroup: the roster poller and the
// tick driver. Every Start gets a fresh attempt gate and run id. Stop cancels
// both loops and discards the gate; submissions already dispatched finish in
// the background and their releases land on the discarded gate.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/gate"
	"github.com/bardlex/hylo/internal/probability"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

// Poller keeps a roster fresh until ctx is done
type Poller interface {
	Roster
	Run(ctx context.Context, interval time.Duration) error
}

// Config holds the scheduler tunables
type Config struct {
	TickInterval          time.Duration
	RosterRefreshInterval time.Duration
	Model                 probability.Model
	HistorySize           int
}

// Status describes the scheduler for observers
type Status struct {
	Running   bool          `json:"running"`
	RunID     string        `json:"run_id,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	StoppedAt time.Time     `json:"stopped_at,omitzero"`
	InFlight  []string      `json:"in_flight"`
	Stats     StatsSnapshot `json:"stats"`
}

// Scheduler is the lifecycle controller
type Scheduler struct {
	cfg       Config
	poller    Poller
	submitter Submitter
	emitter   Emitter
	history   *History
	logger    *log.Logger

	draw func() float64
	now  func() time.Time

	mu       sync.Mutex
	running  bool
	stopping chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
	driver   *Driver
	stats    *Stats
	run      events.Run
}

// New creates a stopped scheduler
func New(cfg Config, poller Poller, submitter Submitter, emitter Emitter, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		poller:    poller,
		submitter: submitter,
		emitter:   emitter,
		history:   NewHistory(cfg.HistorySize),
		logger:    logger.WithComponent("scheduler"),
		draw:      rand.Float64,
		now:       time.Now,
		stats:     &Stats{},
	}
}

// ErrAlreadyRunning is returned by Start on a started scheduler
var ErrAlreadyRunning = errors.New(errors.ErrorTypeValidation, "scheduler_start", "scheduler already running")

// Start begins roster polling and ticking. Canceling ctx ends both loops;
// Stop must still be called before the next Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithValue(ctx, log.RunIDKey, runID))
	group, groupCtx := errgroup.WithContext(runCtx)

	stats := &Stats{}
	driver := &Driver{
		runID:     runID,
		roster:    s.poller,
		model:     s.cfg.Model,
		submitter: s.submitter,
		gate:      gate.New(),
		emitter:   s.emitter,
		stats:     stats,
		history:   s.history,
		logger:    s.logger.WithContext(runCtx),
		submitCtx: context.WithoutCancel(runCtx),
		draw:      s.draw,
		now:       s.now,
	}

	s.run = events.Run{
		ID:                    runID,
		StartedAt:             s.now(),
		TickInterval:          s.cfg.TickInterval,
		RosterRefreshInterval: s.cfg.RosterRefreshInterval,
		Normalization:         s.cfg.Model.Normalization,
		Ceiling:               s.cfg.Model.Ceiling,
	}
	run := s.run
	s.emitter.Emit(events.Event{Kind: events.KindRunStarted, Run: &run})

	group.Go(func() error {
		return s.poller.Run(groupCtx, s.cfg.RosterRefreshInterval)
	})
	group.Go(func() error {
		return driver.Run(groupCtx, s.cfg.TickInterval)
	})

	s.running = true
	s.cancel = cancel
	s.group = group
	s.driver = driver
	s.stats = stats

	s.logger.WithContext(runCtx).Info("scheduler started",
		"tick_interval", s.cfg.TickInterval.String(),
		"roster_refresh_interval", s.cfg.RosterRefreshInterval.String(),
		"normalization", s.cfg.Model.Normalization,
		"ceiling", s.cfg.Model.Ceiling,
	)
	return nil
}

// Stop cancels polling and ticking and discards the in-flight set. It does
// not wait for dispatched submissions, but it does wait for the roster poll
// in progress, which can take up to the registry timeout. Status stays
// readable meanwhile. Stopping a stopped scheduler is a no-op; a Stop that
// overlaps another waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		<-done
		return nil
	}
	done := make(chan struct{})
	s.stopping = done
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	err := group.Wait()

	s.mu.Lock()
	s.running = false
	s.stopping = nil
	s.cancel = nil
	s.group = nil
	s.driver = nil

	s.run.StoppedAt = s.now()
	run := s.run
	s.emitter.Emit(events.Event{Kind: events.KindRunStopped, Run: &run})
	stats := s.stats.Snapshot()
	s.mu.Unlock()
	close(done)

	s.logger.Info("scheduler stopped", "run_id", run.ID, "stats", stats)
	return err
}

// Running reports whether Start has been called without a matching Stop
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the current or last run
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.running,
		RunID:     s.run.ID,
		StartedAt: s.run.StartedAt,
		StoppedAt: s.run.StoppedAt,
		InFlight:  []string{},
		Stats:     s.stats.Snapshot(),
	}
	if s.driver != nil {
		st.InFlight = s.driver.InFlight()
	}
	return st
}

// History returns recent settlements across runs
func (s *Scheduler) History() *History {
	return s.history
}
