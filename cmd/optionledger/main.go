package main

import (
	"OptionLedger/internal/approval"
	"OptionLedger/internal/config"
	"OptionLedger/internal/eligibility"
	"OptionLedger/internal/engine"
	"OptionLedger/internal/event"
	"OptionLedger/internal/ingestion"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/market"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/query"
	"OptionLedger/internal/server"
	"OptionLedger/internal/settlement"
	"OptionLedger/internal/store"
	"OptionLedger/internal/trade"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log := observability.NewLogger("main")
		log.Fatal().Err(err).Msg("optionledger stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}
	log := logger("main")
	log.Info().Str("storage", cfg.Storage).Msg("OptionLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Storage ---
	var (
		st    store.Store
		creds approval.Credentials
	)
	schedule := trade.MustDefaultSchedule()

	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info().Msg("Postgres connected")

		if cfg.AutoMigrate {
			n, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger("migrator")).Up(ctx)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			log.Info().Int("applied", n).Msg("migrations up to date")
		}

		overrides, err := persistence.LoadTierOverrides(ctx, db)
		if err != nil {
			return fmt.Errorf("load duration settings: %w", err)
		}
		if schedule, err = schedule.Merge(overrides); err != nil {
			return fmt.Errorf("duration settings: %w", err)
		}

		st = persistence.NewPostgresStore(db, logger("store"))
		creds = persistence.NewCredentialStore(db)
		health.AddCheck("postgres", db.PingContext)

	case config.StorageMemory:
		log.Warn().Msg("in-memory storage: balances and trades are lost on exit")
		st = store.NewMemory()
		creds = approval.NewMemoryCredentials()
	}

	// --- Market data ---
	cache := market.NewPriceCache(cfg.PriceMaxAge)
	prices := market.Chain{cache, market.NewRESTClient(cfg.MarketRESTURL, cfg.MarketTimeout)}

	// --- NATS (optional) ---
	var (
		events    event.Sink = event.Discard
		publisher *ingestion.Publisher
	)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger("nats")); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}

		sub := ingestion.NewPriceSubscriber(js, cache, metrics, logger("prices"))
		if err := sub.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe prices: %w", err)
		}
		defer sub.Stop()

		publisher = ingestion.NewPublisher(js, cfg.PublishBuffer, metrics, logger("publisher"))
		events = publisher
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	} else {
		log.Info().Msg("NATS disabled, events are not published and prices come from REST only")
	}

	// --- Core components ---
	tie, err := outcome.ParseTiePolicy(cfg.TiePolicy)
	if err != nil {
		return err
	}
	l := ledger.New(metrics)
	registry := trade.NewRegistry(st, l, prices, trade.Config{
		Currency: cfg.TradeCurrency,
		Schedule: schedule,
	}, metrics, logger("trade"))
	resolver := outcome.NewResolver(prices, outcome.ResolverConfig{
		MaxRetryWindow: cfg.ResolveRetryWindow,
		InitialBackoff: cfg.ResolveInitialBackoff,
		MaxBackoff:     cfg.ResolveMaxBackoff,
	}, metrics, logger("resolver"))
	scheduler := settlement.NewScheduler(st, registry, resolver, events, settlement.Config{
		Workers:       cfg.SettleWorkers,
		SweepInterval: cfg.SweepInterval,
		Tie:           tie,
	}, metrics, logger("settlement"))
	workflow := approval.NewWorkflow(st, l, eligibility.NewGate(st, cfg.MinCompletedTrades), creds, prices, approval.Config{
		SettlementCurrency: cfg.SettlementCurrency,
		AutoConvert:        cfg.AutoConvertDeposits,
	}, metrics, logger("approval"))
	eng := engine.New(engine.Deps{
		Store:     st,
		Ledger:    ledger.NewService(st, l),
		Registry:  registry,
		Scheduler: scheduler,
		Workflow:  workflow,
		Prices:    prices,
		Events:    events,
		Log:       logger("engine"),
	})

	// --- Servers ---
	handler, err := server.NewHTTPHandler(server.HTTPDeps{
		Engine:  eng,
		Query:   query.NewService(eng),
		Health:  health,
		Metrics: metrics,
		Log:     logger("http"),
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, handler, logger("http"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, logger("grpc"))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := server.NewHTTPServer(cfg.MetricsAddr, metricsMux, logger("metrics"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(gctx) })
	g.Go(func() error { return grpcServer.Run(gctx) })
	g.Go(func() error { return metricsServer.Run(gctx) })
	if publisher != nil {
		g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCanceled(scheduler.Run(gctx)) })

	// Servers accept connections immediately but refuse mutating calls
	// until recovery has settled everything that expired while down.
	g.Go(func() error {
		if err := eng.Recover(gctx); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		health.SetReady(true)
		grpcServer.SetServing(true)
		log.Info().
			Str("http", cfg.HTTPAddr).
			Str("grpc", cfg.GRPCAddr).
			Str("metrics", cfg.MetricsAddr).
			Msg("OptionLedger ready")
		return nil
	})

	<-gctx.Done()
	health.SetReady(false)
	grpcServer.SetServing(false)
	log.Info().Msg("shutting down")

	err = g.Wait()
	log.Info().Msg("OptionLedger stopped")
	return err
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
