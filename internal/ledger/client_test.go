package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/retry"
)

func newLedger(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api", time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestClient_MineAccepted(t *testing.T) {
	c := newLedger(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mine_with_rate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["miner"] != "A" || req["hash_rate"] != 5000.0 {
			t.Errorf("request body = %v", req)
		}
		w.Write([]byte(`{"success":true,"data":{"message":"Block mined by A","miner":"A","hash_rate":5000,
			"block":{"index":2,"timestamp":1700000000.5,"transactions":[{"sender":"0","recipient":"A","amount":1}],
			"proof":35293,"previous_hash":"abc","difficulty":4}}}`))
	})

	d, err := c.Mine(context.Background(), "A", 5000)
	if err != nil {
		t.Fatalf("Mine() error = %v", err)
	}
	if d.Block.Index != 2 || d.Miner != "A" || d.Block.Transactions[0].Recipient != "A" {
		t.Errorf("Mine() = %+v", d)
	}
}

func TestClient_MineRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":"Max supply reached"}`))
	})

	_, err := c.Mine(context.Background(), "A", 1)
	if !errors.IsType(err, errors.ErrorTypeRejected) {
		t.Errorf("error = %v, want rejected", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_MineTransportIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newLedger(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Mine(context.Background(), "A", 1)
	if !errors.IsType(err, errors.ErrorTypeTransport) {
		t.Errorf("error = %v, want transport", err)
	}
	if calls.Load() != 1 {
		t.Errorf("submission must not be retried, calls = %d", calls.Load())
	}
}

func TestClient_MineEmptyID(t *testing.T) {
	c := newLedger(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.Mine(context.Background(), "", 1); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestClient_QueriesRetryTransportFailures(t *testing.T) {
	var calls atomic.Int32
	c := newLedger(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/api/supply":
			w.Write([]byte(`{"success":true,"data":{"current_supply":12,"max_supply":100000000,
				"remaining_supply":99999988,"supply_percentage":0.0,"mining_possible":true}}`))
		default:
			http.NotFound(w, r)
		}
	})

	s, err := c.Supply(context.Background())
	if err != nil {
		t.Fatalf("Supply() error = %v", err)
	}
	if s.CurrentSupply != 12 || !s.MiningPossible {
		t.Errorf("Supply() = %+v", s)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClient_ChainAndDifficulty(t *testing.T) {
	c := newLedger(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chain":
			w.Write([]byte(`{"success":true,"data":{"chain":[{"index":1,"previous_hash":"1","proof":100}],
				"length":1,"current_difficulty":4}}`))
		case "/api/difficulty":
			w.Write([]byte(`{"success":true,"data":{"current_difficulty":4,"target_block_time":300,
				"average_block_time":null,"expected_time_for_interval":null,"actual_time_for_interval":null}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	chain, err := c.Chain(ctx)
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	if chain.Length != 1 || chain.Chain[0].Proof != 100 || chain.CurrentDifficulty != 4 {
		t.Errorf("Chain() = %+v", chain)
	}

	d, err := c.Difficulty(ctx)
	if err != nil {
		t.Fatalf("Difficulty() error = %v", err)
	}
	if d.TargetBlockTime != 300 || d.AverageBlockTime != nil {
		t.Errorf("Difficulty() = %+v", d)
	}
}

func TestClient_QueryTimeoutSparesMine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/difficulty":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		case "/api/mine_with_rate":
			time.Sleep(150 * time.Millisecond)
			w.Write([]byte(`{"success":true,"data":{"message":"ok","miner":"A","hash_rate":1,"block":{"index":2}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.queryRetry = &retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	start := time.Now()
	if _, err := c.Difficulty(context.Background()); err == nil {
		t.Error("Difficulty() error = nil, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Difficulty() took %v, want it bounded by the query timeout", elapsed)
	}

	d, err := c.Mine(context.Background(), "A", 1)
	if err != nil {
		t.Fatalf("Mine() error = %v, want the submission to outlast the query timeout", err)
	}
	if d.Block.Index != 2 {
		t.Errorf("Mine() block index = %d, want 2", d.Block.Index)
	}
}
