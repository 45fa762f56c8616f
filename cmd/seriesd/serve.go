package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zaman-cal/seriesd/server"
	authmemory "github.com/zaman-cal/seriesd/server/auth/memory"
	"github.com/zaman-cal/seriesd/server/series"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) handler() (http.Handler, error) {
	actors := authmemory.New(authmemory.WithLogger(a.logger))
	for _, actor := range a.tenants.ActorProfiles() {
		if err := actors.AddActor(actor); err != nil {
			return nil, err
		}
	}
	if len(a.tenants.Actors) == 0 {
		a.logger.Warn("no actors configured, every request will be rejected")
	}

	srv, err := server.New(a.controller, actors, server.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if !a.cfg.MetricsEnabled {
		return srv, nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", srv)
	return mux, nil
}

func (a *app) serve(ctx context.Context) error {
	handler, err := a.handler()
	if err != nil {
		return err
	}

	if a.cfg.RefreshCron != "" {
		refresher, err := series.NewRefresher(a.controller, a.cfg.RefreshCron, a.logger)
		if err != nil {
			return err
		}
		refresher.Start()
		defer refresher.Stop()
	}

	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			"addr", a.cfg.ListenAddr,
			"mode", a.controller.Mode())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
