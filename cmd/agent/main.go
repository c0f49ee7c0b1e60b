package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/config"
	"github.com/verisite/verisite-offline/internal/evaluation"
	"github.com/verisite/verisite-offline/internal/httpapi"
	"github.com/verisite/verisite-offline/internal/remote"
	"github.com/verisite/verisite-offline/internal/session"
	"github.com/verisite/verisite-offline/internal/store"
	"github.com/verisite/verisite-offline/internal/syncengine"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "verisite-agent").Logger()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx := context.Background()

	dbPath := cfg.Store.Path
	if dbPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot resolve default database path")
		}
		dbPath = p
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open record store")
	}
	defer st.Close()

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout)

	evals := evaluation.NewService(st)
	if err := evals.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load evaluations")
	}

	// One-time sweep of any pre-unification record formats left on disk.
	report, err := evals.MigrateLegacy(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("legacy migration failed")
	}
	if report.Migrated > 0 || len(report.Errors) > 0 {
		log.Info().
			Int("migrated", report.Migrated).
			Int("errors", len(report.Errors)).
			Msg("legacy record migration finished")
	}

	queue := syncengine.NewQueue(st)
	if err := queue.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore sync queue")
	}

	mgr := session.NewManager(st, client, cfg.Session)
	if mgr.Restore(ctx) {
		log.Info().Msg("session recovered without login")
	}

	probe := syncengine.NewProbe(client, cfg.Remote.ProbeTimeout)
	engine := syncengine.NewEngine(cfg.Sync, evals, queue, client, probe, mgr)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.Run(runCtx)

	// Operator surface
	srv := &httpapi.Server{
		Session: mgr,
		Evals:   evals,
		Engine:  engine,
		Queue:   queue,
		Probe:   probe,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-runCtx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("agent stopped")
}
