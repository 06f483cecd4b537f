// Package httpapi serves the dashboard backend: roster, scheduler and
// discovery views, ledger pass-throughs, and miner registration that
// forwards to the registry.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/ledger"
	"github.com/bardlex/hylo/internal/miner"
	"github.com/bardlex/hylo/internal/roster"
	"github.com/bardlex/hylo/internal/scheduler"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

const (
	defaultDiscoveryLimit = 50
	healthTimeout         = 2 * time.Second
)

// Registry is the write side of the miner registry
type Registry interface {
	Add(ctx context.Context, m miner.Miner) error
	Delete(ctx context.Context, id string) error
}

// Roster is the scheduler's roster cache
type Roster interface {
	Current() *miner.Snapshot
	Refresh(ctx context.Context) (*miner.Snapshot, error)
	Status() roster.Status
}

// Ledger is the read side of the ledger
type Ledger interface {
	Chain(ctx context.Context) (ledger.Chain, error)
	Supply(ctx context.Context) (ledger.Supply, error)
	Difficulty(ctx context.Context) (ledger.Difficulty, error)
}

// Scheduler is the lifecycle controller
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Status() scheduler.Status
	History() *scheduler.History
}

// Outcomes reads per-miner settlement counts. A zero window means live
// counters.
type Outcomes interface {
	MinerOutcomes(ctx context.Context, minerID string, window time.Duration) (map[string]int64, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps wires the handler to the rest of the process
type Deps struct {
	Registry  Registry
	Roster    Roster
	Ledger    Ledger
	Scheduler Scheduler
	// Outcomes is optional; without it the outcomes route answers 404
	Outcomes Outcomes
	// Pipeline reports event pipeline counters; optional
	Pipeline func() events.PipelineStats
	// Health checks run by /healthcheck, keyed by dependency name
	Health map[string]HealthCheck
	// BaseContext scopes scheduler runs started over HTTP
	BaseContext context.Context
	Version     string
	Logger      *log.Logger
}

// HTTPHandler serves the API
type HTTPHandler struct {
	deps   Deps
	logger *log.Logger
}

// NewHTTPHandler builds the gin engine
func NewHTTPHandler(deps Deps) *gin.Engine {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	handl := &HTTPHandler{
		deps:   deps,
		logger: deps.Logger.WithComponent("httpapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handl.logRequests)

	r.GET("/healthcheck", handl.HealthCheck)

	r.GET("/miners", handl.GetMiners)
	r.POST("/miners", handl.AddMiner)
	r.DELETE("/miners/:id", handl.DeleteMiner)
	r.GET("/miners/:id/outcomes", handl.GetMinerOutcomes)

	r.GET("/scheduler", handl.GetScheduler)
	r.POST("/scheduler/start", handl.StartScheduler)
	r.POST("/scheduler/stop", handl.StopScheduler)
	r.GET("/discoveries", handl.GetDiscoveries)

	r.GET("/ledger/chain", handl.GetChain)
	r.GET("/ledger/supply", handl.GetSupply)
	r.GET("/ledger/difficulty", handl.GetDifficulty)
	r.GET("/stats", handl.GetStats)

	err := r.SetTrustedProxies(nil)
	if err != nil {
		panic(err)
	}

	return r
}

func (h *HTTPHandler) logRequests(ctx *gin.Context) {
	start := time.Now()
	ctx.Next()
	h.logger.Debug("http request",
		"method", ctx.Request.Method,
		"path", ctx.FullPath(),
		"status", ctx.Writer.Status(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *HTTPHandler) HealthCheck(ctx *gin.Context) {
	c, cancel := context.WithTimeout(ctx.Request.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps.Health))
	healthy := true
	for name, check := range h.deps.Health {
		if err := check(c); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	ctx.JSON(code, gin.H{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Miners

// MinersResponse is the roster as the scheduler sees it
type MinersResponse struct {
	Miners []miner.Miner `json:"miners"`
	Roster roster.Status `json:"roster"`
	Count  int           `json:"count"`
}

func (h *HTTPHandler) GetMiners(ctx *gin.Context) {
	snap := h.deps.Roster.Current()
	success(ctx, http.StatusOK, MinersResponse{
		Miners: snap.Miners(),
		Roster: h.deps.Roster.Status(),
		Count:  snap.Len(),
	})
}

// AddMinerRequest is the registration body
type AddMinerRequest struct {
	ID       string  `json:"id" binding:"required,max=64"`
	HashRate float64 `json:"hashRate" binding:"required,gt=0"`
}

func (h *HTTPHandler) AddMiner(ctx *gin.Context) {
	var req AddMinerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		failure(ctx, http.StatusBadRequest, err.Error())
		return
	}

	m := miner.Miner{ID: req.ID, HashRate: req.HashRate}
	if err := h.deps.Registry.Add(ctx.Request.Context(), m); err != nil {
		h.logger.WithError(err).Warn("registry add failed", "miner_id", m.ID)
		fail(ctx, err)
		return
	}

	h.logger.WithMiner(m.ID, m.HashRate).Info("miner registered")
	success(ctx, http.StatusCreated, gin.H{
		"miner":           m,
		"roster_reloaded": h.reload(ctx),
	})
}

func (h *HTTPHandler) DeleteMiner(ctx *gin.Context) {
	id := ctx.Param("id")
	if err := h.deps.Registry.Delete(ctx.Request.Context(), id); err != nil {
		h.logger.WithError(err).Warn("registry delete failed", "miner_id", id)
		fail(ctx, err)
		return
	}

	h.logger.Info("miner removed", "miner_id", id)
	success(ctx, http.StatusOK, gin.H{
		"id":              id,
		"roster_reloaded": h.reload(ctx),
	})
}

func (h *HTTPHandler) GetMinerOutcomes(ctx *gin.Context) {
	if h.deps.Outcomes == nil {
		failure(ctx, http.StatusNotFound, "outcome counters not configured")
		return
	}

	var window time.Duration
	if raw := ctx.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			failure(ctx, http.StatusBadRequest, "window must be a positive duration such as 15m")
			return
		}
		window = d
	}

	id := ctx.Param("id")
	counts, err := h.deps.Outcomes.MinerOutcomes(ctx.Request.Context(), id, window)
	if err != nil {
		fail(ctx, err)
		return
	}

	resp := gin.H{"id": id, "outcomes": counts}
	if window > 0 {
		resp["window"] = window.String()
	}
	success(ctx, http.StatusOK, resp)
}

// reload refreshes the roster right after a registry write so the change
// is visible on the next tick; the periodic poll covers a failure here
func (h *HTTPHandler) reload(ctx *gin.Context) bool {
	if _, err := h.deps.Roster.Refresh(ctx.Request.Context()); err != nil {
		h.logger.WithError(err).Warn("roster reload after registry write failed")
		return false
	}
	return true
}

// Scheduler

// SchedulerResponse combines scheduler, roster and pipeline state
type SchedulerResponse struct {
	scheduler.Status
	Roster   roster.Status         `json:"roster"`
	Pipeline *events.PipelineStats `json:"pipeline,omitempty"`
}

func (h *HTTPHandler) schedulerResponse() SchedulerResponse {
	resp := SchedulerResponse{
		Status: h.deps.Scheduler.Status(),
		Roster: h.deps.Roster.Status(),
	}
	if h.deps.Pipeline != nil {
		stats := h.deps.Pipeline()
		resp.Pipeline = &stats
	}
	return resp
}

func (h *HTTPHandler) GetScheduler(ctx *gin.Context) {
	success(ctx, http.StatusOK, h.schedulerResponse())
}

func (h *HTTPHandler) StartScheduler(ctx *gin.Context) {
	// runs outlive the request
	if err := h.deps.Scheduler.Start(h.deps.BaseContext); err != nil {
		if err == scheduler.ErrAlreadyRunning {
			failure(ctx, http.StatusConflict, err.Error())
			return
		}
		fail(ctx, err)
		return
	}
	success(ctx, http.StatusOK, h.schedulerResponse())
}

func (h *HTTPHandler) StopScheduler(ctx *gin.Context) {
	if err := h.deps.Scheduler.Stop(); err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, http.StatusOK, h.schedulerResponse())
}

func (h *HTTPHandler) GetDiscoveries(ctx *gin.Context) {
	limit := defaultDiscoveryLimit
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			failure(ctx, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent := h.deps.Scheduler.History().Recent(limit)
	if status := ctx.Query("status"); status != "" {
		filtered := recent[:0]
		for _, s := range recent {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		recent = filtered
	}

	success(ctx, http.StatusOK, gin.H{
		"discoveries": recent,
		"count":       len(recent),
	})
}

// Ledger

func (h *HTTPHandler) GetChain(ctx *gin.Context) {
	chain, err := h.deps.Ledger.Chain(ctx.Request.Context())
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, http.StatusOK, chain)
}

func (h *HTTPHandler) GetSupply(ctx *gin.Context) {
	supply, err := h.deps.Ledger.Supply(ctx.Request.Context())
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, http.StatusOK, supply)
}

func (h *HTTPHandler) GetDifficulty(ctx *gin.Context) {
	diff, err := h.deps.Ledger.Difficulty(ctx.Request.Context())
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, http.StatusOK, diff)
}

// Stats is the network summary shown on the dashboard header
type Stats struct {
	Difficulty      int      `json:"difficulty"`
	ChainLength     int      `json:"chainLength"`
	AvgBlockTime    *float64 `json:"avgBlockTime"`
	MinersOnline    int      `json:"minersOnline"`
	TotalSupply     float64  `json:"totalSupply"`
	RemainingSupply float64  `json:"remainingSupply"`
	RosterStale     bool     `json:"rosterStale"`
}

// GetStats fetches chain, supply and difficulty concurrently and counts
// miners from the live roster
func (h *HTTPHandler) GetStats(ctx *gin.Context) {
	var (
		chain  ledger.Chain
		supply ledger.Supply
		diff   ledger.Difficulty
	)

	g, gctx := errgroup.WithContext(ctx.Request.Context())
	g.Go(func() (err error) {
		chain, err = h.deps.Ledger.Chain(gctx)
		return err
	})
	g.Go(func() (err error) {
		supply, err = h.deps.Ledger.Supply(gctx)
		return err
	})
	g.Go(func() (err error) {
		diff, err = h.deps.Ledger.Difficulty(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		fail(ctx, errors.Wrap(err, errors.ErrorTypeTransport, "stats", "failed to query ledger"))
		return
	}

	snap := h.deps.Roster.Current()
	success(ctx, http.StatusOK, Stats{
		Difficulty:      diff.CurrentDifficulty,
		ChainLength:     chain.Length,
		AvgBlockTime:    diff.AverageBlockTime,
		MinersOnline:    snap.Len(),
		TotalSupply:     supply.CurrentSupply,
		RemainingSupply: supply.RemainingSupply,
		RosterStale:     snap.Stale(),
	})
}
