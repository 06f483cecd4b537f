// Package submission sends one discovery attempt to the ledger and
// classifies the outcome. Failed and rejected attempts are dropped: there
// is no retry and no backoff.
package submission

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/hylo/internal/ledger"
	"github.com/bardlex/hylo/pkg/errors"
)

// Status is the settled outcome of an attempt
type Status string

const (
	// StatusAccepted means the ledger appended a block for the miner
	StatusAccepted Status = "accepted"
	// StatusRejected means the ledger answered and refused
	StatusRejected Status = "rejected"
	// StatusFailed means the ledger could not be reached or answered garbage
	StatusFailed Status = "failed"
)

// Miner is the ledger capability the client needs
type Miner interface {
	Mine(ctx context.Context, minerID string, hashRate float64) (ledger.Discovery, error)
}

// Result describes a settled attempt
type Result struct {
	Status     Status
	Accepted   bool
	Reason     string
	BlockIndex int64
	Latency    time.Duration
}

// Client submits discoveries
type Client struct {
	ledger  Miner
	timeout time.Duration
	now     func() time.Time
}

// New creates a client. A positive timeout bounds each submission on top
// of ctx.
func New(l Miner, timeout time.Duration) *Client {
	return &Client{ledger: l, timeout: timeout, now: time.Now}
}

// Submit makes exactly one request. An authoritative refusal is returned
// as a Result with StatusRejected and a nil error; transport failures come
// back as a Result with StatusFailed and the ErrorTypeTransport error.
func (c *Client) Submit(ctx context.Context, minerID string, hashRate float64) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := c.now()
	d, err := c.ledger.Mine(ctx, minerID, hashRate)
	latency := c.now().Sub(start)

	switch {
	case err == nil:
		return Result{
			Status:     StatusAccepted,
			Accepted:   true,
			BlockIndex: d.Block.Index,
			Latency:    latency,
		}, nil
	case errors.IsType(err, errors.ErrorTypeRejected):
		return Result{
			Status:  StatusRejected,
			Reason:  reason(err),
			Latency: latency,
		}, nil
	default:
		if !errors.IsType(err, errors.ErrorTypeTransport) {
			err = errors.Wrap(err, errors.ErrorTypeTransport, "submit_discovery", "submission failed")
		}
		return Result{
			Status:  StatusFailed,
			Reason:  reason(err),
			Latency: latency,
		}, err
	}
}

// reason is the ledger's message for refusals and the full error otherwise
func reason(err error) string {
	var se *errors.ServiceError
	if stderrors.As(err, &se) && se.Type == errors.ErrorTypeRejected {
		return se.Message
	}
	return err.Error()
}
