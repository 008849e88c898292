package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"radioguard/internal/guard"
	"radioguard/internal/platform/config"
	"radioguard/internal/platform/httpserver"
	"radioguard/internal/platform/logger"
	"radioguard/internal/platform/logger/transport"
	"radioguard/internal/platform/metrics"
	"radioguard/internal/platform/redis"
	httptransport "radioguard/internal/transport/http"
	"radioguard/pkg/platform/cache"
	"radioguard/pkg/platform/circuit"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "radioguard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	sinks, closeSinks, err := buildTransports(ctx, cfg.Log, level)
	if err != nil {
		return err
	}
	defer closeSinks()

	log := logger.New(logger.Config{
		Level:   level,
		Fields:  logger.Fields{"service": "radioguard"},
		Metrics: m.Logger,
	}, sinks...)
	slogger := log.Slog()

	var (
		store   cache.Store[cache.Slot]
		checks  []httptransport.Option
		closers []func()
	)
	switch cfg.Cache.Backend {
	case "redis":
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = client.Close() })
		store = cache.NewRedis[cache.Slot](client.Client,
			cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
			cache.WithRedisMetrics(m.Cache),
		)
		checks = append(checks, httptransport.WithHealthCheck("redis", client.Health))
	default:
		mem := cache.NewMemory[cache.Slot](
			cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
			cache.WithLogger(slogger),
			cache.WithMetrics(m.Cache),
		)
		closers = append(closers, mem.Close)
		store = mem
	}

	breakers := circuit.NewRegistry()
	deps := guard.Deps{
		Logger:         slogger,
		Breakers:       breakers,
		BreakerMetrics: m.Breakers,
		QueueMetrics:   m.Queues,
		Cache:          store,
	}
	guards := make([]*guard.Guard, 0, len(cfg.Profiles))
	for _, name := range []string{config.Transcription, config.Scoring} {
		guards = append(guards, guard.FromProfile(name, cfg.Profiles[name], deps))
	}
	for name, p := range cfg.Profiles {
		if name != config.Transcription && name != config.Scoring {
			guards = append(guards, guard.FromProfile(name, p, deps))
		}
	}

	handler := httptransport.NewHandler(slogger, m, guards, append(checks,
		httptransport.WithCache(store),
		httptransport.WithBreakers(breakers),
	)...)
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler))

	log.Info(ctx, "starting radioguard",
		"addr", cfg.Server.Addr,
		"cache", cfg.Cache.Backend,
		"transports", len(sinks),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Critical(context.Background(), "server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info(shutdownCtx, "shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "graceful shutdown failed", "error", err)
	}
	for _, g := range guards {
		g.Close()
	}
	for _, c := range closers {
		c()
	}
	return log.Close(shutdownCtx)
}

// sinkSet is the transports built so far plus the resources they borrow.
type sinkSet struct {
	sinks []logger.Transport
	db    *sql.DB
}

// close releases every transport that holds resources, then the log database.
func (s *sinkSet) close() {
	for _, t := range s.sinks {
		if c, ok := t.(logger.Closer); ok {
			_ = c.Close()
		}
	}
	s.sinks = nil
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// buildTransports creates the sinks enabled in cfg. The returned func releases
// resources the transports do not own, such as the log database pool. If any
// sink fails to build, the ones already built are closed before returning.
func buildTransports(ctx context.Context, cfg config.LogConfig, level logger.Level) (_ []logger.Transport, _ func(), err error) {
	set := &sinkSet{sinks: []logger.Transport{
		transport.NewConsole(level, transport.WithConsoleFormat(logger.Format(cfg.Format), cfg.Color)),
	}}
	defer func() {
		if err != nil {
			set.close()
		}
	}()

	if cfg.FileEnabled {
		f, err := transport.NewFile(cfg.FilePath, level, transport.WithMaxBytes(cfg.FileMaxBytes))
		if err != nil {
			return nil, nil, err
		}
		set.sinks = append(set.sinks, f)
	}
	if cfg.DBEnabled {
		db, err := openLogDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		set.db = db
		set.sinks = append(set.sinks, transport.NewPostgres(db, transport.PostgresConfig{
			MinLevel:      level,
			BatchSize:     cfg.DBBatchSize,
			FlushInterval: cfg.DBFlushInterval,
		}))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := transport.NewKafka(ctx, transport.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			MinLevel: level,
		})
		if err != nil {
			return nil, nil, err
		}
		set.sinks = append(set.sinks, k)
	}
	if len(cfg.OpenSearchURLs) > 0 {
		o, err := transport.NewOpenSearch(transport.OpenSearchConfig{
			Addresses: cfg.OpenSearchURLs,
			MinLevel:  level,
		})
		if err != nil {
			return nil, nil, err
		}
		set.sinks = append(set.sinks, o)
	}

	db := set.db
	release := func() {
		if db != nil {
			_ = db.Close()
		}
	}
	return set.sinks, release, nil
}
