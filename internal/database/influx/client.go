// Package influx provides the InfluxDB client for simulator time series:
// one point per tick and one per settled discovery attempt.
package influx

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/hylo/internal/events"
)

// Measurement names
const (
	MeasurementTicks       = "ticks"
	MeasurementSettlements = "settlements"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string

	// closeMu guards closed; the write API panics when used after Close
	closeMu sync.RWMutex
	closed  bool
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks server health
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}

	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	return c, nil
}

// Close flushes pending points and closes the client. Writes and flushes
// after Close are dropped.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors returns the asynchronous write error channel
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteTick queues a tick point
func (c *Client) WriteTick(r events.TickReport) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.closed {
		c.writeAPI.WritePoint(TickPoint(r))
	}
}

// WriteSettlement queues a settlement point
func (c *Client) WriteSettlement(s events.Settlement) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.closed {
		c.writeAPI.WritePoint(SettlementPoint(s))
	}
}

// TickPoint converts a tick report into a point
func TickPoint(r events.TickReport) *write.Point {
	tags := map[string]string{
		"run_id": r.RunID,
		"stale":  fmt.Sprintf("%t", r.RosterStale),
	}

	fields := map[string]any{
		"seq":         r.Seq,
		"roster_size": r.RosterSize,
		"winners":     r.Winners,
		"dispatched":  r.Dispatched,
		"gated":       r.Gated,
	}

	return write.NewPoint(MeasurementTicks, tags, fields, r.At)
}

// SettlementPoint converts a settlement into a point timestamped at the
// attempt's start
func SettlementPoint(s events.Settlement) *write.Point {
	tags := map[string]string{
		"run_id":   s.RunID,
		"miner_id": s.MinerID,
		"status":   string(s.Status),
	}

	fields := map[string]any{
		"hash_rate":  s.HashRate,
		"latency_ms": float64(s.Latency.Microseconds()) / 1000,
		"tick_seq":   s.TickSeq,
		"count":      1,
	}
	if s.BlockIndex > 0 {
		fields["block_index"] = s.BlockIndex
	}

	return write.NewPoint(MeasurementSettlements, tags, fields, s.StartedAt)
}

// Query methods

// GetOutcomeCounts sums settlements per status over the last duration
func (c *Client) GetOutcomeCounts(ctx context.Context, minerID string, duration time.Duration) (map[string]int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.miner_id == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementSettlements, minerID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome counts: %w", err)
	}
	defer result.Close()

	counts := map[string]int64{}
	for result.Next() {
		record := result.Record()
		status, _ := record.ValueByKey("status").(string)
		if n, ok := record.Value().(int64); ok {
			counts[status] = n
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return counts, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.closed {
		c.writeAPI.Flush()
	}
}
