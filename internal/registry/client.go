// Package registry is the client for the miner registry service.
package registry

import (
	"context"
	"time"

	"github.com/bardlex/hylo/internal/apiclient"
	"github.com/bardlex/hylo/internal/miner"
	"github.com/bardlex/hylo/pkg/circuit"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

// Client lists, adds and deletes miners. Transport failures feed a circuit
// breaker so a dead registry is not hammered every poll; rejections do not.
type Client struct {
	api     *apiclient.Client
	breaker *circuit.Breaker
	logger  *log.Logger
}

type listResponse struct {
	Miners []miner.Miner `json:"miners"`
}

type addRequest struct {
	ID       string  `json:"id"`
	HashRate float64 `json:"hashRate"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

// New creates a registry client for baseURL, e.g. http://127.0.0.1:5001/api
func New(baseURL string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	api, err := apiclient.New(baseURL, timeout)
	if err != nil {
		return nil, err
	}

	logger = logger.WithComponent("registry")
	breakerCfg := circuit.DefaultConfig()
	breakerCfg.Name = "registry"
	breakerCfg.Timeout = 10 * time.Second
	breakerCfg.SuccessRequired = 1
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &Client{
		api:     api,
		breaker: circuit.New(breakerCfg),
		logger:  logger,
	}, nil
}

// List returns the registry's miners in registry order
func (c *Client) List(ctx context.Context) ([]miner.Miner, error) {
	var out listResponse
	err := c.guard(ctx, func() error {
		var err error
		out, err = apiclient.Get[listResponse](ctx, c.api, "/miners")
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Miners, nil
}

// Add registers a miner
func (c *Client) Add(ctx context.Context, m miner.Miner) error {
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "registry_add", "invalid miner")
	}
	return c.guard(ctx, func() error {
		_, err := apiclient.Post[struct{}](ctx, c.api, "/miners/add", addRequest{ID: m.ID, HashRate: m.HashRate})
		return err
	})
}

// Delete removes a miner. An unknown id comes back as a rejection.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New(errors.ErrorTypeValidation, "registry_delete", "miner id required")
	}
	return c.guard(ctx, func() error {
		_, err := apiclient.Post[struct{}](ctx, c.api, "/miners/delete", deleteRequest{ID: id})
		return err
	})
}

// BreakerState exposes the breaker position for health reporting
func (c *Client) BreakerState() circuit.State {
	return c.breaker.GetState()
}

// guard runs fn under the breaker, counting only transport failures
func (c *Client) guard(ctx context.Context, fn func() error) error {
	var rejected error
	err := c.breaker.Execute(ctx, func() error {
		err := fn()
		if errors.IsType(err, errors.ErrorTypeRejected) {
			rejected = err
			return nil
		}
		return err
	})
	if rejected != nil {
		return rejected
	}
	return err
}
