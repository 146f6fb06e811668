package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/agentcrew/internal/analyzer"
	"github.com/p-blackswan/agentcrew/internal/api"
	"github.com/p-blackswan/agentcrew/internal/clock"
	"github.com/p-blackswan/agentcrew/internal/config"
	"github.com/p-blackswan/agentcrew/internal/coordinator"
	"github.com/p-blackswan/agentcrew/internal/eventbus"
	"github.com/p-blackswan/agentcrew/internal/generator"
	"github.com/p-blackswan/agentcrew/internal/health"
	"github.com/p-blackswan/agentcrew/internal/llm"
	"github.com/p-blackswan/agentcrew/internal/metrics"
	"github.com/p-blackswan/agentcrew/internal/models"
	"github.com/p-blackswan/agentcrew/internal/projects"
	"github.com/p-blackswan/agentcrew/internal/realtime"
	"github.com/p-blackswan/agentcrew/internal/registry"
	"github.com/p-blackswan/agentcrew/internal/retry"
	"github.com/p-blackswan/agentcrew/internal/scheduler"
	"github.com/p-blackswan/agentcrew/internal/store"
	"github.com/p-blackswan/agentcrew/internal/tracing"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("generator", cfg.Generator).
		Bool("sqlite", cfg.UseSQLite()).
		Msg("starting agentcrew")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SampleRate:   cfg.TracingSampleRate,
		ServiceName:  "agentcrew",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}

	clk := clock.New()
	st, err := openStore(cfg, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	m := metrics.New()
	bus := eventbus.New(logger, eventbus.WithDeliveryHook(m.RecordDelivery))
	reg := registry.New(st, logger, registry.WithObserver(func(a models.Agent) {
		bus.Publish(a.ProjectID, eventbus.AgentUpdated(a))
	}))

	catalog, err := generator.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load response catalog")
	}
	gen := newGenerator(cfg, catalog, clk, logger)

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.SchedulerWorkers,
		QueueSize: cfg.SchedulerQueueSize,
	}, clk, logger)
	sched.Start(ctx)
	m.RegisterQueueDepth(sched.QueueDepth)

	mgr := projects.New(st, bus, logger,
		projects.WithRecorder(m),
		projects.WithTracer(tp.Tracer()),
		projects.WithClock(clk),
		projects.WithTokenBudget(cfg.DefaultTokenBudget),
	)

	coord := coordinator.New(coordinator.Config{
		MinDelay: cfg.DelegationMinDelay,
		MaxDelay: cfg.DelegationMaxDelay,
	}, coordinator.Deps{
		Store:     st,
		Registry:  reg,
		Generator: gen,
		Analyzer:  analyzer.New(),
		Publisher: bus,
		Scheduler: sched,
		Fallback:  catalog.FallbackMessage,
		Tokens:    mgr,
		Recorder:  m,
		Tracer:    tp.Tracer(),
		Clock:     clk,
	}, logger)

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st.Ping, time.Second, logger))

	gateway := realtime.New(bus, coord, logger, realtime.WithGauge(m.ConnectionsActive))

	// Realtime, metrics and health checks
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.APICORSOrigins,
	}, api.Deps{
		Projects:  mgr,
		Agents:    reg,
		Messages:  st,
		Tasks:     coord,
		Stats:     sched,
		Readiness: checker,
		Recorder:  m,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := gateway.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("realtime gateway close error")
	}
	if err := sched.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending delegations abandoned")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler stop error")
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	wg.Wait()
	logger.Info().Msg("agentcrew stopped")
}

func openStore(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (store.Store, error) {
	if !cfg.UseSQLite() {
		logger.Info().Msg("using in-memory store")
		return store.NewMemory(clk), nil
	}
	return store.NewSQLite(cfg.DBPath, clk, logger)
}

func newGenerator(cfg *config.Config, catalog *generator.Catalog, clk clock.Clock, logger zerolog.Logger) generator.Generator {
	if cfg.Generator != config.GeneratorModel {
		return generator.NewTemplate(catalog)
	}
	provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey,
		llm.WithModel(cfg.Model),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.ModelTimeout}),
		llm.WithLogger(logger),
	)
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.ModelMaxRetries
	retryCfg.Clock = clk
	return generator.NewModel(provider, catalog, retryCfg, logger)
}
