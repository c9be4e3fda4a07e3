package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/webitel/im-pulse/config"
)

const (
	ServiceName      = "im-pulse"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "In-process priority bus, task queue and metric storage",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			benchCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config_file",
		Usage:   "Path to the configuration file",
		EnvVars: []string{"PULSE_CONFIG_FILE"},
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the HTTP, websocket and AMQP surfaces",
		Flags:   []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			slog.Info("SERVICE_STARTED",
				"service", ServiceName,
				"version", version,
				"commit", commit,
				"commit_date", commitDate,
				"branch", branch,
				"build_ts", buildTimestamp,
			)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancelStop()
			return app.Stop(stopCtx)
		},
	}
}
