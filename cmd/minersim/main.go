// Package main runs the miner network simulator. It polls the miner
// registry, draws a discovery for each miner every tick and submits the
// winners to the ledger, fanning run, tick and settlement events out to the
// configured sinks.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/hylo/internal/config"
	"github.com/bardlex/hylo/internal/database"
	"github.com/bardlex/hylo/internal/database/influx"
	"github.com/bardlex/hylo/internal/database/postgres"
	"github.com/bardlex/hylo/internal/database/redis"
	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/internal/httpapi"
	"github.com/bardlex/hylo/internal/ledger"
	"github.com/bardlex/hylo/internal/messaging"
	"github.com/bardlex/hylo/internal/notify"
	"github.com/bardlex/hylo/internal/probability"
	"github.com/bardlex/hylo/internal/registry"
	"github.com/bardlex/hylo/internal/roster"
	"github.com/bardlex/hylo/internal/scheduler"
	"github.com/bardlex/hylo/internal/submission"
	"github.com/bardlex/hylo/pkg/log"
)

const (
	shutdownTimeout = 30 * time.Second
	warmTimeout     = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minersim",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"registry_url", cfg.RegistryURL,
		"ledger_url", cfg.LedgerURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("minersim failed")
		os.Exit(1)
	}

	logger.Info("minersim stopped")
}

// App owns every long-lived component of the process
type App struct {
	cfg    *config.Config
	logger *log.Logger

	registry  *registry.Client
	ledger    *ledger.Client
	roster    *roster.Cache
	scheduler *scheduler.Scheduler
	pipeline  *events.Pipeline

	db     *database.Manager
	kafka  *messaging.KafkaClient
	zmq    *notify.Publisher
	server *http.Server
}

// NewApp connects the configured sinks and builds the scheduler. Sinks
// that were opened are closed again when a later step fails.
func NewApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	var err error
	app.registry, err = registry.New(cfg.RegistryURL, cfg.RegistryTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("registry client: %w", err)
	}
	app.ledger, err = ledger.New(cfg.LedgerURL, cfg.RegistryTimeout)
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	model, err := probability.New(cfg.ProbabilityNormalization, cfg.ProbabilityCeiling)
	if err != nil {
		return nil, fmt.Errorf("probability model: %w", err)
	}

	recorders, err := app.openSinks(ctx)
	if err != nil {
		app.closeSinks()
		return nil, err
	}

	// a typed nil *redis.Client would not compare equal to nil inside the cache
	var store roster.Store
	if app.db != nil && app.db.Redis != nil {
		store = app.db.Redis
	}
	app.roster = roster.New(app.registry, store, logger)
	app.pipeline = events.NewPipeline(cfg.EventQueueSize, logger, recorders...)
	app.scheduler = scheduler.New(scheduler.Config{
		TickInterval:          cfg.TickInterval,
		RosterRefreshInterval: cfg.RosterRefreshInterval,
		Model:                 model,
		HistorySize:           cfg.RecentSettlements,
	}, app.roster, submission.New(app.ledger, cfg.SubmitTimeout), app.pipeline, logger)

	return app, nil
}

func (a *App) openSinks(ctx context.Context) ([]events.Recorder, error) {
	var recorders []events.Recorder

	dbCfg := &database.Config{}
	if a.cfg.PostgresURL != "" {
		dbCfg.Postgres = &postgres.Config{
			URL:          a.cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		}
	}
	if a.cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{
			URL:          a.cfg.RedisURL,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if a.cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    a.cfg.InfluxURL,
			Token:  a.cfg.InfluxToken,
			Org:    a.cfg.InfluxOrg,
			Bucket: a.cfg.InfluxBucket,
		}
	}
	if dbCfg.Postgres != nil || dbCfg.Redis != nil || dbCfg.Influx != nil {
		db, err := database.NewManager(ctx, dbCfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.db = db
		recorders = append(recorders, db)
		a.logger.Info("database sinks connected",
			"postgres", dbCfg.Postgres != nil,
			"redis", dbCfg.Redis != nil,
			"influx", dbCfg.Influx != nil,
		)
	}

	if a.cfg.KafkaEnabled() {
		a.kafka = messaging.NewKafkaClient(a.cfg.KafkaBrokers, messaging.Encoding(a.cfg.KafkaEncoding), a.logger)
		recorders = append(recorders, a.kafka)
		a.logger.Info("kafka sink enabled", "brokers", a.cfg.KafkaBrokers, "encoding", a.cfg.KafkaEncoding)
	}

	if a.cfg.ZMQPublishAddr != "" {
		pub, err := notify.NewPublisher(a.cfg.ZMQPublishAddr, a.logger)
		if err != nil {
			return nil, fmt.Errorf("zmq publisher: %w", err)
		}
		a.zmq = pub
		recorders = append(recorders, pub)
		a.logger.Info("zmq feed enabled", "endpoint", pub.Endpoint())
	}

	return recorders, nil
}

func (a *App) closeSinks() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close kafka client")
		}
	}
	if a.zmq != nil {
		if err := a.zmq.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close zmq publisher")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close databases")
		}
	}
}

func (a *App) healthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{
		"registry": func(ctx context.Context) error {
			_, err := a.registry.List(ctx)
			return err
		},
		"ledger": func(ctx context.Context) error {
			_, err := a.ledger.Difficulty(ctx)
			return err
		},
	}
	if a.db != nil {
		checks["database"] = a.db.Health
	}
	return checks
}

// Handler builds the HTTP API. baseCtx scopes runs started over HTTP.
func (a *App) Handler(baseCtx context.Context) http.Handler {
	var outcomes httpapi.Outcomes
	if a.db != nil && a.db.HasOutcomes() {
		outcomes = a.db
	}
	return httpapi.NewHTTPHandler(httpapi.Deps{
		Registry:    a.registry,
		Roster:      a.roster,
		Ledger:      a.ledger,
		Scheduler:   a.scheduler,
		Outcomes:    outcomes,
		Pipeline:    a.pipeline.Stats,
		Health:      a.healthChecks(),
		BaseContext: baseCtx,
		Version:     a.cfg.Version,
		Logger:      a.logger,
	})
}

// Run starts the scheduler and serves until ctx is done, then stops the
// scheduler, drains the event pipeline and closes every sink.
func (a *App) Run(ctx context.Context) error {
	defer a.closeSinks()

	// sinks outlive the scheduler so the run_stopped event is delivered
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	sinks, sinkGroupCtx := errgroup.WithContext(sinkCtx)
	sinks.Go(func() error {
		return a.pipeline.Run(sinkGroupCtx)
	})

	// the final tally flush runs after the pipeline has drained
	dbCtx, stopDB := context.WithCancel(context.Background())
	defer stopDB()
	var dbDone <-chan struct{}
	if a.db != nil {
		dbDone = a.db.StartPeriodicTasks(dbCtx, a.cfg.TallyFlushInterval)
	}

	// drain must finish before the deferred closeSinks
	drain := func() error {
		stopSinks()
		err := sinks.Wait()
		stopDB()
		if dbDone != nil {
			<-dbDone
		}
		return err
	}

	var listener net.Listener
	if a.cfg.HTTPListenAddr != "" {
		var err error
		listener, err = net.Listen("tcp", a.cfg.HTTPListenAddr)
		if err != nil {
			drain()
			return fmt.Errorf("http listen: %w", err)
		}
		a.server = &http.Server{
			Handler:           a.Handler(ctx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.logger.Info("http api listening", "addr", listener.Addr().String())
	}

	warmCtx, warmCancel := context.WithTimeout(ctx, warmTimeout)
	if err := a.roster.Warm(warmCtx); err != nil {
		a.logger.WithError(err).Warn("starting with an empty roster")
	}
	warmCancel()

	if err := a.scheduler.Start(ctx); err != nil {
		drain()
		return fmt.Errorf("start scheduler: %w", err)
	}

	serveErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
			close(serveErr)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("http shutdown failed")
		}
	}
	if err := a.scheduler.Stop(); err != nil {
		a.logger.WithError(err).Warn("scheduler stopped with error")
	}

	if err := drain(); err != nil && runErr == nil {
		runErr = err
	}

	stats := a.pipeline.Stats()
	a.logger.Info("event pipeline drained",
		"emitted", stats.Emitted,
		"dropped", stats.Dropped,
		"failed", stats.Failed,
	)
	return runErr
}
