// Command evently serves the REST and streaming front end of the
// append-only event ledger store.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/evently-cloud/evently/internal/config"
	"github.com/evently-cloud/evently/internal/httpapi"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/logging"
	"github.com/evently-cloud/evently/internal/notify"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/registry"
	"github.com/evently-cloud/evently/internal/shutdown"
	"github.com/evently-cloud/evently/internal/source"
	"github.com/evently-cloud/evently/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "evently",
		Short:         "REST and SSE front end for the evently ledger store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.Production)
	hooks := shutdown.New(log)
	defer hooks.Run()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = 10 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if cfg.SSL {
		poolCfg.ConnConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	hooks.Add("close database pool", pool.Close)

	db, err := pg.NewStore(ctx, pool, log)
	if err != nil {
		return err
	}

	ledgers := ledger.NewService(db, log)
	src := source.New(db, log)
	reg := registry.NewService(src, db, log)
	appender := store.New(db, reg, log)
	hub := notify.NewHub(log)

	api := &httpapi.API{
		Ledgers:  ledgers,
		Registry: reg,
		Source:   src,
		Store:    appender,
		Hub:      hub,
		Health: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return problem.Unavailable("health", err)
			}
			return nil
		},
		Log: log,
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     api.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	hooks.Add("stop http server", func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	// Registered after the server hook: LIFO teardown halts fan-out before
	// the server stops accepting.
	listener := pg.NewListener(db, log, hub.Dispatch)
	listener.Start(ctx)
	hooks.Add("stop event listener", listener.Close)

	go func() {
		<-ctx.Done()
		hooks.Run()
	}()

	log.Info().Int("port", cfg.Port).Msg("evently listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
