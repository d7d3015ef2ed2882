package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/0patch/magic-wormhole/config"
	"github.com/0patch/magic-wormhole/internal/adapter/pubsub"
	"github.com/0patch/magic-wormhole/internal/metrics"
	"github.com/0patch/magic-wormhole/internal/rendezvous"
	"github.com/0patch/magic-wormhole/internal/store"
)

// ProvideLogger builds the process-wide structured logger.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// ProvideDB opens the rendezvous store and closes it on shutdown.
func ProvideDB(lc fx.Lifecycle, cfg *config.Config) (*sql.DB, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// ProvideCollector wires prometheus metrics when enabled, including
// their HTTP endpoint; otherwise the core gets a no-op sink.
func ProvideCollector(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) metrics.Collector {
	if !cfg.Metrics.Enabled {
		return metrics.Noop{}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(reg)
	srv := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)

	serveCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(serveCtx); err != nil {
					log.Error("metrics server failed", "error", err)
				}
			}()
			log.Info("metrics listening", "addr", cfg.Metrics.Address, "path", cfg.Metrics.Path)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return srv.Shutdown(ctx)
		},
	})
	return collector
}

// ProvideUsageBus builds the in-process usage event bus.
func ProvideUsageBus(lc fx.Lifecycle, log *slog.Logger) *pubsub.Bus {
	bus := pubsub.NewBus(log)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return bus.Close()
		},
	})
	return bus
}

// ProvideRendezvous builds the core server from configuration.
func ProvideRendezvous(cfg *config.Config, db *sql.DB, log *slog.Logger, collector metrics.Collector, bus *pubsub.Bus) *rendezvous.Server {
	opts := []rendezvous.Option{
		rendezvous.WithLogger(log),
		rendezvous.WithCollector(collector),
		rendezvous.WithUsageRecorder(bus),
		rendezvous.WithWelcome(rendezvous.Welcome{
			MOTD:              cfg.Welcome.MOTD,
			CurrentCLIVersion: cfg.Welcome.CurrentCLIVersion,
			Error:             cfg.Welcome.Error,
		}),
	}
	if cfg.BlurUsage > 0 {
		opts = append(opts, rendezvous.WithBlurUsage(cfg.BlurUsage))
	}
	return rendezvous.NewServer(db, opts...)
}

// RegisterUsageLogger attaches the default usage-event consumer.
func RegisterUsageLogger(lc fx.Lifecycle, bus *pubsub.Bus, log *slog.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pubsub.RunUsageLogger(runCtx, bus, log)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
