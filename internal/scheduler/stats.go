package scheduler

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/submission"
)

// Stats counts tick and settlement outcomes for one run
type Stats struct {
	ticks      atomic.Int64
	winners    atomic.Int64
	dispatched atomic.Int64
	gated      atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
	inFlight   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Ticks      int64 `json:"ticks"`
	Winners    int64 `json:"winners"`
	Dispatched int64 `json:"dispatched"`
	Gated      int64 `json:"gated"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
	InFlight   int64 `json:"in_flight"`
}

func (s *Stats) recordTick(r events.TickReport) {
	s.ticks.Inc()
	s.winners.Add(int64(r.Winners))
	s.dispatched.Add(int64(r.Dispatched))
	s.gated.Add(int64(r.Gated))
}

func (s *Stats) recordSettlement(status submission.Status) {
	switch status {
	case submission.StatusAccepted:
		s.accepted.Inc()
	case submission.StatusRejected:
		s.rejected.Inc()
	default:
		s.failed.Inc()
	}
}

// Snapshot copies the counters
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Ticks:      s.ticks.Load(),
		Winners:    s.winners.Load(),
		Dispatched: s.dispatched.Load(),
		Gated:      s.gated.Load(),
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		Failed:     s.failed.Load(),
		InFlight:   s.inFlight.Load(),
	}
}

// History keeps the most recent settlements. When full, the oldest entry
// is dropped.
type History struct {
	mu    sync.Mutex
	data  *deque.Deque[events.Settlement]
	limit int
}

// NewHistory creates a history holding at most limit settlements
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{
		data:  deque.New[events.Settlement](limit, limit),
		limit: limit,
	}
}

// Add appends a settlement
func (h *History) Add(s events.Settlement) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.data.Len() >= h.limit {
		h.data.PopFront()
	}
	h.data.PushBack(s)
}

// Len returns the number of settlements held
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Len()
}

// Recent returns up to n settlements, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []events.Settlement {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.data.Len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]events.Settlement, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, h.data.At(i))
	}
	return out
}
