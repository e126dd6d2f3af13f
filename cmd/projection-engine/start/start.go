// Package start implements the root `projection-engine` cobra command:
// load config, open the database pool, wire the eventstore and registry,
// register every built-in projection, and serve the admin HTTP surface
// until interrupted.
package start

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zitadel/logging"

	"github.com/zitadel/projection-engine/internal/api/admin"
	"github.com/zitadel/projection-engine/internal/config"
	eventstorepg "github.com/zitadel/projection-engine/internal/eventstore/repository/pg"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
	enginelogging "github.com/zitadel/projection-engine/internal/logging"
	"github.com/zitadel/projection-engine/internal/query/projection"
	"github.com/zitadel/projection-engine/internal/telemetry/metrics"
	"github.com/zitadel/projection-engine/internal/telemetry/tracing"
)

const shutdownTimeout = 15 * time.Second

// builtinProjections lists every read model this engine materializes
// (spec.md §1, SPEC_FULL.md §4.9).
func builtinProjections() []pg.Projection {
	return []pg.Projection{
		projection.NewOrgProjection(),
		projection.NewProjectProjection(),
		projection.NewSessionProjection(),
		projection.NewLoginNameProjection(),
		projection.NewSMTPConfigProjection(),
		projection.NewSMSConfigProjection(),
		projection.NewApplicationProjection(),
		projection.NewPasswordComplexityPolicyProjection(),
	}
}

// NewRootCommand builds the projection-engine CLI, grounded on the
// teacher's cobra+viper bootstrap shape (one command, one `--config`
// flag, config drives everything downstream).
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "projection-engine",
		Short: "Runs the event-sourced IAM platform's projection engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	enginelogging.Configure(cfg.Log)

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(int(cfg.Database.MaxConns))

	es := eventstorepg.NewEventStore(db)
	registry := projection.NewRegistry(db, es, cfg.Projection)

	for _, p := range builtinProjections() {
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register projection %s: %w", p.Name(), err)
		}
	}

	if n, err := registry.CleanupExpiredLocks(ctx); err != nil {
		logging.WithFields("cause", err).Warn("unable to clean up expired projection locks at startup")
	} else if n > 0 {
		logging.WithFields("count", n).Info("cleaned up expired projection locks")
	}

	if err := registry.StartAll(ctx); err != nil {
		logging.WithFields("cause", err).Error("one or more projections failed to start")
	}
	defer registry.StopAll()

	server := admin.NewServer(registry)

	if cfg.Telemetry.Enabled {
		shutdownTracing := tracing.Configure(cfg.Telemetry.ServiceName)
		defer func() { _ = shutdownTracing(context.Background()) }()

		provider, _, err := metrics.NewPrometheusExporter()
		if err != nil {
			return fmt.Errorf("set up metrics exporter: %w", err)
		}
		if _, err := metrics.NewRegistry(provider, registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		server.Router().Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	httpServer := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: server.Router()}

	serveErr := make(chan error, 1)
	go func() {
		logging.WithFields("addr", cfg.Admin.ListenAddr).Info("admin http server listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logging.WithFields("reason", "signal").Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
