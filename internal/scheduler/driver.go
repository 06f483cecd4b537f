package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/gate"
	"github.com/bardlex/hylo/internal/miner"
	"github.com/bardlex/hylo/internal/probability"
	"github.com/bardlex/hylo/internal/submission"
	"github.com/bardlex/hylo/pkg/log"
)

// Roster supplies the snapshot for each tick
type Roster interface {
	Current() *miner.Snapshot
}

// Submitter sends one discovery to the ledger
type Submitter interface {
	Submit(ctx context.Context, minerID string, hashRate float64) (submission.Result, error)
}

// Emitter accepts events without blocking
type Emitter interface {
	Emit(e events.Event) bool
}

// Driver runs ticks for a single run. Each winning draw whose miner is not
// already in flight gets its own submission goroutine; ticks never wait for
// submissions.
type Driver struct {
	runID     string
	roster    Roster
	model     probability.Model
	submitter Submitter
	gate      *gate.Gate
	emitter   Emitter
	stats     *Stats
	history   *History
	logger    *log.Logger

	// submitCtx outlives the run so stopping never aborts a request
	submitCtx context.Context

	draw func() float64
	now  func() time.Time

	seq      atomic.Int64
	inflight sync.WaitGroup
}

// Tick evaluates one roster snapshot. It returns once every submission it
// dispatched has been started, never waiting for any to settle.
func (d *Driver) Tick(ctx context.Context) events.TickReport {
	snap := d.roster.Current()
	report := events.TickReport{
		RunID:       d.runID,
		Seq:         d.seq.Inc(),
		At:          d.now(),
		RosterSize:  snap.Len(),
		RosterStale: snap.Stale(),
	}

	for _, m := range snap.Miners() {
		if ctx.Err() != nil {
			break
		}

		p := d.model.Probability(m.HashRate)
		if !probability.Discovers(p, d.draw()) {
			continue
		}
		report.Winners++

		if !d.gate.TryAcquire(m.ID) {
			report.Gated++
			continue
		}
		report.Dispatched++
		d.dispatch(report.Seq, m)
	}

	d.stats.recordTick(report)
	d.emitter.Emit(events.Event{Kind: events.KindTick, Tick: &report})
	d.logger.LogTick(report.Seq, report.RosterSize, report.Winners, report.Dispatched, report.Gated)

	return report
}

// dispatch must be called with m.ID held in the gate
func (d *Driver) dispatch(seq int64, m miner.Miner) {
	g := d.gate
	d.inflight.Add(1)
	d.stats.inFlight.Inc()

	go func() {
		defer d.inflight.Done()
		defer d.stats.inFlight.Dec()
		defer g.Release(m.ID)

		started := d.now()
		attemptID := events.NewAttemptID(d.runID, seq, m.ID, started)
		ctx := context.WithValue(d.submitCtx, log.AttemptIDKey, attemptID)

		res, err := d.submitter.Submit(ctx, m.ID, m.HashRate)

		settlement := events.Settlement{
			RunID:      d.runID,
			AttemptID:  attemptID,
			TickSeq:    seq,
			MinerID:    m.ID,
			HashRate:   m.HashRate,
			Status:     res.Status,
			Reason:     res.Reason,
			BlockIndex: res.BlockIndex,
			StartedAt:  started,
			Latency:    res.Latency,
		}
		if settlement.Status == "" {
			settlement.Status = submission.StatusFailed
		}
		d.settle(settlement, err)
	}()
}

func (d *Driver) settle(s events.Settlement, err error) {
	d.stats.recordSettlement(s.Status)
	d.history.Add(s)
	d.emitter.Emit(events.Event{Kind: events.KindSettlement, Settlement: &s})

	logger := d.logger.WithFields("attempt_id", s.AttemptID, "tick_seq", s.TickSeq)
	switch s.Status {
	case submission.StatusAccepted:
		logger.WithFields("block_index", s.BlockIndex).
			LogDiscovery(s.MinerID, s.HashRate, string(s.Status), s.Latency)
	case submission.StatusRejected:
		logger.WithFields("reason", s.Reason).
			LogDiscovery(s.MinerID, s.HashRate, string(s.Status), s.Latency)
	default:
		logger.WithError(err).
			LogDiscovery(s.MinerID, s.HashRate, string(s.Status), s.Latency)
	}
}

// Run ticks every interval until ctx is done
func (d *Driver) Run(ctx context.Context, interval time.Duration) error {
	d.logger.Info("tick driver started", "interval", interval.String())
	defer d.logger.Info("tick driver stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched submission has settled
func (d *Driver) Wait() {
	d.inflight.Wait()
}

// InFlight returns the miner ids awaiting a result
func (d *Driver) InFlight() []string {
	return d.gate.Held()
}
