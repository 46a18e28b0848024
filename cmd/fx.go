package cmd

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/rabbit-force/config"
	"github.com/webitel/rabbit-force/internal/dashboard"
)

// NewApp wires the bridge's fx.App: the Bridge is built eagerly inside the
// single provider below (its components depend on each other in the
// startup order of spec.md §4.H, not on fx's DI graph), and its lifecycle
// is registered against fx.Lifecycle so app.Start/app.Stop drive it.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		fx.Provide(func(logger *slog.Logger) (*Bridge, error) {
			return BuildBridge(context.Background(), cfg, logger)
		}),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle runs the pipeline on its own long-lived context, not the
// OnStart ctx — fx cancels the start-phase context as soon as app.Start
// returns, which would otherwise tear the bridge down the instant it boots.
// The run context is cancelled explicitly from OnStop, and OnStop waits for
// the pipeline goroutine to actually finish draining before tearing down
// provisioned resources and broker connections. If the pipeline terminates
// on its own (e.g. every CometD client reached FAILED) rather than via a
// requested shutdown, it asks fx to shut the app down with the matching
// exit code, per spec.md §7.
func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, bridge *Bridge, logger *slog.Logger) {
	var stopDashboard chan struct{}
	var cancelRun context.CancelFunc
	pipelineDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if bridge.Recorder != nil {
				stopDashboard = make(chan struct{})
				go func() {
					if err := dashboard.Run(stopDashboard, bridge.Recorder); err != nil {
						logger.Error("DASHBOARD_FAILED", "err", err)
					}
				}()
			}

			runCtx, cancel := context.WithCancel(context.Background())
			cancelRun = cancel

			go func() {
				defer close(pipelineDone)
				if err := bridge.Pipeline.Run(runCtx); err != nil {
					logger.Error("PIPELINE_TERMINATED", "err", err)
					if shutErr := shutdowner.Shutdown(fx.ExitCode(exitCodeFor(err))); shutErr != nil {
						logger.Error("SHUTDOWN_SIGNAL_FAILED", "err", shutErr)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			select {
			case <-pipelineDone:
			case <-ctx.Done():
			}
			if stopDashboard != nil {
				close(stopDashboard)
			}
			bridge.Teardown(ctx)
			return nil
		},
	})
}
