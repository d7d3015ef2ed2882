package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/0patch/magic-wormhole/config"
)

const ServiceName = "wormhole-rendezvous"

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Rendezvous server for the wormhole introduction protocol",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the rendezvous server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address override",
			},
			&cli.StringFlag{
				Name:  "database",
				Usage: "SQLite database path override",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level override",
			},
			&cli.StringFlag{
				Name:  "blur-usage",
				Usage: "Quantize usage timestamps to this interval (e.g. 1h)",
			},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
			config.BindFlags(fs)
			for _, name := range []string{"listen", "database", "log-level", "blur-usage"} {
				if c.IsSet(name) {
					if err := fs.Set(name, c.String(name)); err != nil {
						return err
					}
				}
			}

			cfg, v, err := config.Load(c.String("config_file"), fs)
			if err != nil {
				return err
			}

			app := NewApp(cfg, v, c.String("config_file") != "")
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
