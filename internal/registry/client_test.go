package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/hylo/internal/miner"
	"github.com/bardlex/hylo/pkg/circuit"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

// fakeRegistry mimics the registry's add/delete/list endpoints
type fakeRegistry struct {
	mu     sync.Mutex
	order  []string
	miners map[string]miner.Miner
	down   bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{miners: make(map[string]miner.Miner)}
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	reply := func(code int, v any) {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/miners":
		list := make([]miner.Miner, 0, len(f.order))
		for _, id := range f.order {
			list = append(list, f.miners[id])
		}
		reply(http.StatusOK, map[string]any{"success": true, "data": map[string]any{"miners": list}})

	case r.Method == http.MethodPost && r.URL.Path == "/api/miners/add":
		var req struct {
			ID       string  `json:"id"`
			HashRate float64 `json:"hashRate"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := f.miners[req.ID]; !ok {
			f.order = append(f.order, req.ID)
		}
		f.miners[req.ID] = miner.Miner{ID: req.ID, HashRate: req.HashRate}
		reply(http.StatusOK, map[string]any{"success": true, "data": map[string]any{"message": "Miner added"}})

	case r.Method == http.MethodPost && r.URL.Path == "/api/miners/delete":
		var req struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := f.miners[req.ID]; !ok {
			reply(http.StatusBadRequest, map[string]any{"success": false, "error": "Miner not found"})
			return
		}
		delete(f.miners, req.ID)
		for i, id := range f.order {
			if id == req.ID {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
		reply(http.StatusOK, map[string]any{"success": true, "data": map[string]any{"message": "Miner removed"}})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func setup(t *testing.T) (*Client, *fakeRegistry) {
	t.Helper()
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api", time.Second, log.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, fake
}

func TestClient_AddListDelete(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	for _, m := range []miner.Miner{{ID: "A", HashRate: 5000}, {ID: "B", HashRate: 1200}} {
		if err := c.Add(ctx, m); err != nil {
			t.Fatalf("Add(%s) error = %v", m.ID, err)
		}
	}

	got, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "A" || got[1].HashRate != 1200 {
		t.Errorf("List() = %+v", got)
	}

	if err := c.Delete(ctx, "A"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ = c.List(ctx)
	if len(got) != 1 || got[0].ID != "B" {
		t.Errorf("List() after delete = %+v", got)
	}
}

func TestClient_ListDecodesBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"miners":[{"id":"A","hashRate":5000,"blocks":7}]}}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, time.Second, log.Discard())
	got, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got[0].BlocksFound != 7 {
		t.Errorf("BlocksFound = %d, want 7", got[0].BlocksFound)
	}
}

func TestClient_DeleteUnknownIsRejected(t *testing.T) {
	c, _ := setup(t)

	err := c.Delete(context.Background(), "ghost")
	if !errors.IsType(err, errors.ErrorTypeRejected) {
		t.Errorf("error = %v, want rejected", err)
	}
}

func TestClient_Validation(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	if err := c.Add(ctx, miner.Miner{ID: "A", HashRate: 0}); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Add with zero hash rate: %v", err)
	}
	if err := c.Delete(ctx, ""); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Delete with empty id: %v", err)
	}
}

func TestClient_RejectionsDoNotOpenBreaker(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	for range 10 {
		_ = c.Delete(ctx, "ghost")
	}
	if c.BreakerState() != circuit.StateClosed {
		t.Errorf("breaker = %s, want closed", c.BreakerState())
	}
}

func TestClient_TransportFailuresOpenBreaker(t *testing.T) {
	c, fake := setup(t)
	ctx := context.Background()
	fake.setDown(true)

	for range 5 {
		if _, err := c.List(ctx); !errors.IsType(err, errors.ErrorTypeTransport) {
			t.Fatalf("List() error = %v, want transport", err)
		}
	}
	if c.BreakerState() != circuit.StateOpen {
		t.Fatalf("breaker = %s, want open", c.BreakerState())
	}

	if _, err := c.List(ctx); err == nil || errors.IsType(err, errors.ErrorTypeTransport) {
		t.Errorf("open breaker should fail fast without a request, got %v", err)
	}
}
