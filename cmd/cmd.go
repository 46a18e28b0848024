package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/webitel/rabbit-force/config"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

const (
	ServiceName      = "rabbit_force"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 configuration error, 2
// unrecoverable runtime error, 130 SIGINT/SIGTERM.
const (
	exitOK            = 0
	exitConfiguration = 1
	exitRuntime       = 2
	exitInterrupted   = 130
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Durable Salesforce Streaming API to RabbitMQ bridge",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(exitCodeFor(err))
	}
	return nil
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case rferrors.Is(err, rferrors.KindConfiguration):
		return exitConfiguration
	default:
		return exitRuntime
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:      "server",
		Aliases:   []string{"s"},
		Usage:     "Run the bridge",
		ArgsUsage: "CONFIG_FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "ignore-replay-storage-errors", Usage: "Swallow replay persistence failures instead of failing the bridge"},
			&cli.BoolFlag{Name: "ignore-sink-errors", Usage: "Swallow RabbitMQ publish failures instead of failing the bridge"},
			&cli.IntFlag{Name: "source-connection-timeout", Usage: "Reconnection budget per org, in seconds, before it is considered unrecoverable (0 = infinite)"},
			&cli.IntFlag{Name: "verbosity", Aliases: []string{"v"}, Usage: "Log verbosity (0=warn, 1=info, 2=debug)"},
			&cli.BoolFlag{Name: "show-trace", Aliases: []string{"t"}, Usage: "Include source file/line in log records"},
			&cli.BoolFlag{Name: "dashboard", Usage: "Show a live termui status dashboard instead of structured logs"},
		},
		Action: func(c *cli.Context) error {
			configFile := c.Args().First()
			if configFile == "" {
				return cli.Exit("missing CONFIG_FILE argument", exitConfiguration)
			}

			flags := config.Flags{}
			if c.IsSet("ignore-replay-storage-errors") {
				v := c.Bool("ignore-replay-storage-errors")
				flags.IgnoreReplayStorageErrors = &v
			}
			if c.IsSet("ignore-sink-errors") {
				v := c.Bool("ignore-sink-errors")
				flags.IgnoreSinkErrors = &v
			}
			if c.IsSet("source-connection-timeout") {
				v := time.Duration(c.Int("source-connection-timeout")) * time.Second
				flags.SourceConnectionTimeout = &v
			}
			if c.IsSet("verbosity") {
				v := c.Int("verbosity")
				flags.Verbosity = &v
			}
			if c.IsSet("show-trace") {
				v := c.Bool("show-trace")
				flags.ShowTrace = &v
			}
			if c.IsSet("dashboard") {
				v := c.Bool("dashboard")
				flags.Dashboard = &v
			}

			cfg, err := config.Load(configFile, flags)
			if err != nil {
				return cli.Exit(fmt.Sprintf("loading config: %v", err), exitConfiguration)
			}

			app := NewApp(cfg)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Start(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("starting: %v", err), exitCodeFor(err))
			}

			// Shutdown is requested either by an OS signal (ctx.Done) or by
			// the bridge itself via fx.Shutdowner when the pipeline
			// terminates on its own (e.g. every CometD client reached
			// FAILED) — whichever happens first decides the exit code.
			exitCode := exitInterrupted
			select {
			case <-ctx.Done():
				slog.Info("SHUTTING_DOWN")
			case sig := <-app.Wait():
				exitCode = sig.ExitCode
				slog.Info("SHUTTING_DOWN", "exit_code", exitCode)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.Stop(shutdownCtx); err != nil {
				return cli.Exit(fmt.Sprintf("shutting down: %v", err), exitRuntime)
			}
			if exitCode != exitOK {
				return cli.Exit(fmt.Sprintf("bridge terminated (exit %d)", exitCode), exitCode)
			}
			return nil
		},
	}
}
