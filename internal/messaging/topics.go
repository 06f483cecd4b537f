package messaging

import "github.com/bardlex/hylo/internal/events"

// Topic constants for the simulator event stream
const (
	TopicRuns        = "hylo.runs"        // run started/stopped, keyed by run id
	TopicTicks       = "hylo.ticks"       // one report per tick, keyed by run id
	TopicSettlements = "hylo.settlements" // settled attempts, keyed by miner id
)

// TopicFor maps an event kind to its topic
func TopicFor(kind events.Kind) (string, bool) {
	switch kind {
	case events.KindRunStarted, events.KindRunStopped:
		return TopicRuns, true
	case events.KindTick:
		return TopicTicks, true
	case events.KindSettlement:
		return TopicSettlements, true
	default:
		return "", false
	}
}
