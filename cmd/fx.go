package cmd

import (
	"log/slog"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/0patch/magic-wormhole/config"
	"github.com/0patch/magic-wormhole/internal/handler/ws"
	"github.com/0patch/magic-wormhole/internal/rendezvous"
	"github.com/0patch/magic-wormhole/internal/server"
)

// NewApp assembles the rendezvous server. watchConfig enables the
// config-file watcher, which hot-reloads the welcome motd.
func NewApp(cfg *config.Config, v *viper.Viper, watchConfig bool) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideDB,
			ProvideCollector,
			ProvideUsageBus,
			ProvideRendezvous,
			func(log *slog.Logger, c *config.Config, h *ws.Handler) *server.HTTPServer {
				return server.NewHTTPServer(log, c.Listen, h)
			},
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		rendezvous.Module,
		ws.Module,
		server.Module,
		fx.Invoke(RegisterUsageLogger),
		fx.Invoke(func(rv *rendezvous.Server) {
			if !watchConfig {
				return
			}
			config.Watch(v, func(c config.Config) {
				rv.SetMOTD(c.Welcome.MOTD)
			})
		}),
	)
}
