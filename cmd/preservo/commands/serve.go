package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/preservo/preservo/pkg/server"
	"github.com/preservo/preservo/pkg/watch"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plan executor and the HTTP API",
		Long: `Run the plan executor, the package watcher and the HTTP API until interrupted.

At startup every plan and delivery left running by a previous process is
restarted. Availability notifications arrive over HTTP, from finished
asynchronous services and from packages written to the archive.`,
		Example: `  # Serve with the default configuration
  preservo serve

  # Serve with a configuration file
  preservo serve --config /etc/preservo/preservo.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), runServe)
		},
	}
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg

	if err := a.authz.Watch(ctx); err != nil {
		return err
	}

	if cfg.Executor.Recover {
		if err := a.manager.Recover(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to recover running plans")
		}
	}

	errCh := make(chan error, 2)
	if cfg.Watch.Enabled {
		w := watch.New(a.archive.PackagesDir(), a.manager, cfg.Watch.Delay, a.logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	handler, err := server.New(server.Config{
		Plans:       a.manager,
		Health:      a.store,
		Metrics:     a.tel.Metrics.Handler(),
		MetricsPath: cfg.Telemetry.Metrics.Path,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	a.logger.Info().Msg("Server stopped")
	return runErr
}
