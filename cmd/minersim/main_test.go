package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/hylo/internal/config"
	"github.com/bardlex/hylo/pkg/log"
)

// backend fakes the registry and ledger API with one fast miner
type backend struct {
	mined atomic.Int64
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/miners":
		w.Write([]byte(`{"success":true,"data":{"miners":[{"id":"A","hashRate":1000000,"blocks":0}]}}`))
	case "/api/mine_with_rate":
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		n := b.mined.Add(1)
		resp, _ := json.Marshal(map[string]any{
			"success": true,
			"data": map[string]any{
				"message":   "Block mined",
				"miner":     req["miner"],
				"hash_rate": req["hash_rate"],
				"block":     map[string]any{"index": n + 1, "proof": 1, "previous_hash": "x", "difficulty": 4},
			},
		})
		w.Write(resp)
	case "/api/difficulty":
		w.Write([]byte(`{"success":true,"data":{"current_difficulty":4,"target_block_time":300}}`))
	default:
		http.NotFound(w, r)
	}
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		ServiceName:              "test-minersim",
		Version:                  "test",
		RegistryURL:              baseURL + "/api",
		LedgerURL:                baseURL + "/api",
		RegistryTimeout:          time.Second,
		TickInterval:             10 * time.Millisecond,
		RosterRefreshInterval:    20 * time.Millisecond,
		ProbabilityNormalization: 5000,
		ProbabilityCeiling:       0.9,
		EventQueueSize:           64,
		RecentSettlements:        10,
		TallyFlushInterval:       time.Second,
		LogLevel:                 "error",
		LogFormat:                "json",
	}
}

func TestNewApp_NoSinks(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()

	app, err := NewApp(context.Background(), testConfig(srv.URL), log.Discard())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if app.db != nil || app.kafka != nil || app.zmq != nil {
		t.Error("sinks opened without configuration")
	}
	if app.scheduler.Running() {
		t.Error("scheduler running before Run")
	}
	if got := app.healthChecks(); len(got) != 2 {
		t.Errorf("health checks = %d, want registry and ledger only", len(got))
	}
}

func TestNewApp_InvalidModel(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.ProbabilityCeiling = 0

	if _, err := NewApp(context.Background(), cfg, log.Discard()); err == nil {
		t.Error("NewApp() error = nil, want probability model error")
	}
}

func TestApp_Handler(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()

	app, err := NewApp(context.Background(), testConfig(srv.URL), log.Discard())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/scheduler", http.StatusOK},
		{"/miners", http.StatusOK},
		{"/healthcheck", http.StatusOK},
		{"/miners/A/outcomes", http.StatusNotFound},
	}
	h := app.Handler(context.Background())
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.code {
			t.Errorf("GET %s = %d, want %d: %s", tt.path, w.Code, tt.code, w.Body.String())
		}
	}
}

func TestApp_RunMinesUntilCanceled(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()

	app, err := NewApp(context.Background(), testConfig(srv.URL), log.Discard())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for b.mined.Load() < 3 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("mined %d blocks, want at least 3", b.mined.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if app.scheduler.Running() {
		t.Error("scheduler still running after Run returned")
	}
	if stats := app.pipeline.Stats(); stats.Emitted < 3 {
		t.Errorf("pipeline emitted %d events, want run, tick and settlement events", stats.Emitted)
	}
}
