package events

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/bardlex/hylo/pkg/log"
)

// Recorder persists or publishes events. Record is called from the
// pipeline goroutine only, one event at a time.
type Recorder interface {
	Name() string
	Record(ctx context.Context, e Event) error
}

// PipelineStats are the pipeline counters
type PipelineStats struct {
	Emitted int64 `json:"emitted"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Pipeline fans events out to recorders through a bounded queue. Emit never
// blocks: when the queue is full the event is dropped and counted.
type Pipeline struct {
	queue        chan Event
	recorders    []Recorder
	logger       *log.Logger
	drainTimeout time.Duration

	emitted atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewPipeline creates a pipeline holding at most size queued events
func NewPipeline(size int, logger *log.Logger, recorders ...Recorder) *Pipeline {
	if size < 1 {
		size = 1
	}
	return &Pipeline{
		queue:        make(chan Event, size),
		recorders:    recorders,
		logger:       logger.WithComponent("events"),
		drainTimeout: 5 * time.Second,
	}
}

// Emit enqueues e and reports whether it was accepted
func (p *Pipeline) Emit(e Event) bool {
	select {
	case p.queue <- e:
		p.emitted.Inc()
		return true
	default:
		p.dropped.Inc()
		return false
	}
}

// Run delivers events until ctx is done, then flushes what is still queued
// within the drain timeout
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("event pipeline started", "recorders", len(p.recorders), "capacity", cap(p.queue))
	defer p.logger.Info("event pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case e := <-p.queue:
			p.dispatch(ctx, e)
		}
	}
}

func (p *Pipeline) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-p.queue:
			if ctx.Err() != nil {
				p.dropped.Inc()
				continue
			}
			p.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, e Event) {
	for _, r := range p.recorders {
		if err := r.Record(ctx, e); err != nil {
			p.failed.Inc()
			p.logger.WithError(err).Warn("recorder failed",
				"recorder", r.Name(),
				"kind", string(e.Kind),
			)
		}
	}
}

// Stats returns the pipeline counters
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Emitted: p.emitted.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
		Queued:  len(p.queue),
	}
}
