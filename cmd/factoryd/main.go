// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/factoryd/internal/api"
	"github.com/ManuGH/factoryd/internal/artifacts"
	"github.com/ManuGH/factoryd/internal/backlog"
	"github.com/ManuGH/factoryd/internal/config"
	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/daemon"
	"github.com/ManuGH/factoryd/internal/harness"
	fdlog "github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/persistence/sqlite"
	"github.com/ManuGH/factoryd/internal/queue"
	"github.com/ManuGH/factoryd/internal/store"
	"github.com/ManuGH/factoryd/internal/supervisor"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verifyStore := flag.Bool("verify-store", false, "run a sqlite integrity check before serving")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	settings := config.FromEnv()
	fdlog.Configure(fdlog.Config{
		Level:   settings.LogLevel,
		Service: "factoryd",
	})
	logger := fdlog.WithComponent("main")

	if err := settings.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("refusing to start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *verifyStore {
		problems, err := sqlite.VerifyIntegrity(settings.DatabasePath, "quick")
		if err != nil {
			logger.Fatal().Err(err).Str("event", "store.corrupt").Msg("integrity check failed")
		}
		if len(problems) > 0 {
			logger.Fatal().Strs("problems", problems).Str("event", "store.corrupt").Msg("integrity check reported problems")
		}
		logger.Info().Str("event", "store.verified").Msg("sqlite integrity check passed")
	}

	db, err := store.Open(settings.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("cannot open store")
	}
	defer func() { _ = db.Close() }()

	bl := backlog.NewSQLBacklog(db, settings.DefaultLeaseTTL)
	sup := supervisor.New(db, bl, settings.RunHeartbeatTimeout)
	art := artifacts.NewStore(db)

	// The queue is a hint channel; a dead redis degrades to backlog scans.
	var hintQueue *queue.RedisQueue
	if settings.RedisAddr != "" {
		hintQueue, err = queue.NewRedisQueue(queue.RedisConfig{
			Addr: settings.RedisAddr,
			DB:   settings.RedisDB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, dispatching from backlog scans only")
			hintQueue = nil
		} else {
			defer func() { _ = hintQueue.Close() }()
		}
	}

	var adapters []harness.Adapter
	for _, name := range settings.EnabledHarnesses {
		adapters = append(adapters, harness.NewLocalAdapter(name))
	}
	registry := harness.NewRegistry(settings.EnabledHarnesses, adapters...)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "factoryd"
	}
	dispatcher := daemon.NewDispatcher(bl, sup, queueOrNil(hintQueue), registry, daemon.DispatcherConfig{
		Owner: hostname,
		Budget: model.Budget{
			MaxMinutes: settings.MaxRunMinutes,
			MaxTokens:  settings.MaxRunTokens,
		},
		Interval: settings.DispatchInterval,
	})
	sweeper := daemon.NewSweeper(sup, settings.RecoverySweepInterval)

	go dispatcher.Run(ctx)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           api.NewServer(db, bl, sup, art, hintQueue, dispatcher).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().
			Str("addr", settings.ListenAddr).
			Str("event", "http.listening").
			Msg("admin surface up")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Str("event", "shutdown.begin").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	logger.Info().Str("event", "shutdown.done").Msg("bye")
}

// queueOrNil avoids handing the dispatcher a non-nil interface wrapping a
// nil pointer.
func queueOrNil(q *queue.RedisQueue) queue.Queue {
	if q == nil {
		return nil
	}
	return q
}
