// Package ledger is the client for the authoritative ledger service.
//
// Discovery submission is a single request with no retry. The read-only
// queries (chain, supply, difficulty) retry transport failures briefly.
package ledger

import (
	"context"
	"time"

	"github.com/bardlex/hylo/internal/apiclient"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/retry"
)

// Transaction is one ledger transaction; sender "0" marks a mining reward
type Transaction struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
}

// Block is a ledger block as returned by the ledger
type Block struct {
	Index        int64         `json:"index"`
	Timestamp    float64       `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	Proof        int64         `json:"proof"`
	PreviousHash string        `json:"previous_hash"`
	Difficulty   int           `json:"difficulty"`
}

// Discovery is the ledger's answer to an accepted discovery
type Discovery struct {
	Message  string  `json:"message"`
	Miner    string  `json:"miner"`
	HashRate float64 `json:"hash_rate"`
	Block    Block   `json:"block"`
}

// Chain is the full chain view
type Chain struct {
	Chain             []Block `json:"chain"`
	Length            int     `json:"length"`
	CurrentDifficulty int     `json:"current_difficulty"`
}

// Supply is the coin supply view
type Supply struct {
	CurrentSupply    float64 `json:"current_supply"`
	MaxSupply        float64 `json:"max_supply"`
	RemainingSupply  float64 `json:"remaining_supply"`
	SupplyPercentage float64 `json:"supply_percentage"`
	MiningPossible   bool    `json:"mining_possible"`
}

// Difficulty is the difficulty view. Interval timings are nil until the
// ledger has a full adjustment interval of blocks.
type Difficulty struct {
	CurrentDifficulty       int      `json:"current_difficulty"`
	TargetBlockTime         float64  `json:"target_block_time"`
	AverageBlockTime        *float64 `json:"average_block_time"`
	ExpectedTimeForInterval *float64 `json:"expected_time_for_interval"`
	ActualTimeForInterval   *float64 `json:"actual_time_for_interval"`
}

type mineRequest struct {
	Miner    string  `json:"miner"`
	HashRate float64 `json:"hash_rate"`
}

// Client talks to the ledger
type Client struct {
	api          *apiclient.Client
	queryRetry   *retry.Config
	queryTimeout time.Duration
}

// New creates a ledger client. queryTimeout bounds each attempt of the
// read-only queries. Discovery submissions are bounded only by their
// context.
func New(baseURL string, queryTimeout time.Duration) (*Client, error) {
	api, err := apiclient.New(baseURL, 0)
	if err != nil {
		return nil, err
	}
	return &Client{api: api, queryRetry: retry.NetworkConfig(), queryTimeout: queryTimeout}, nil
}

// Mine submits one discovery for minerID. A ledger refusal is returned as
// an ErrorTypeRejected error; anything else that fails is ErrorTypeTransport.
func (c *Client) Mine(ctx context.Context, minerID string, hashRate float64) (Discovery, error) {
	if minerID == "" {
		return Discovery{}, errors.New(errors.ErrorTypeValidation, "ledger_mine", "miner id required")
	}
	return apiclient.Post[Discovery](ctx, c.api, "/mine_with_rate", mineRequest{Miner: minerID, HashRate: hashRate})
}

// Chain returns the full chain
func (c *Client) Chain(ctx context.Context) (Chain, error) {
	return query[Chain](ctx, c, "/chain")
}

// Supply returns the supply view
func (c *Client) Supply(ctx context.Context) (Supply, error) {
	return query[Supply](ctx, c, "/supply")
}

// Difficulty returns the difficulty view
func (c *Client) Difficulty(ctx context.Context) (Difficulty, error) {
	return query[Difficulty](ctx, c, "/difficulty")
}

func query[T any](ctx context.Context, c *Client, path string) (T, error) {
	return retry.DoWithResult(ctx, c.queryRetry, func() (T, error) {
		attemptCtx := ctx
		if c.queryTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.queryTimeout)
			defer cancel()
		}
		return apiclient.Get[T](attemptCtx, c.api, path)
	})
}
