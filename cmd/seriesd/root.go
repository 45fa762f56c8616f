package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zaman-cal/seriesd/internal/config"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/series"
	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/storage/memory"
	"github.com/zaman-cal/seriesd/server/storage/sqlite"
	"github.com/zaman-cal/seriesd/server/tenant"
)

func newRootCmd() *cobra.Command {
	var envFiles []string
	cmd := &cobra.Command{
		Use:          "seriesd",
		Short:        "Recurring series expansion and occurrence service",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := config.LoadEnvFiles(envFiles)
			return err
		},
	}
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", config.DefaultEnvFiles, "dotenv files loaded before reading SERIESD_* variables")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRematerializeCmd())
	cmd.AddCommand(newExpandCmd())
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app bundles the components shared by the serve and rematerialize commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Storage
	engine     *recurrence.Engine
	tenants    *tenant.File
	controller *series.Controller
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	tenants := &tenant.File{}
	if cfg.TenantsFile != "" {
		tenants, err = tenant.LoadFile(cfg.TenantsFile)
		if err != nil {
			return nil, err
		}
	}

	var store storage.Storage
	if cfg.DBPath == "" {
		logger.Warn("no database configured, using in-memory storage")
		store = memory.New()
	} else {
		store, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	engine := recurrence.NewEngineWithConfig(cfg.EngineConfig(logger))
	controller := series.NewController(store, engine, tenants.Directory(),
		series.WithLogger(logger),
		series.WithMode(cfg.SeriesMode()))

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		engine:     engine,
		tenants:    tenants,
		controller: controller,
	}, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}
