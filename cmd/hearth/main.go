package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/hearth/internal/api"
	"github.com/seantiz/hearth/internal/config"
	"github.com/seantiz/hearth/internal/engine"
	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/luavm"
	"github.com/seantiz/hearth/internal/mainthread"
	"github.com/seantiz/hearth/internal/scheduler"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/tracking"
)

const unloadTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("hearth: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"computer_threads", cfg.Threads,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	pool, err := luavm.NewPool(cfg.CoroutineIdle)
	if err != nil {
		log.Fatalf("failed to create coroutine pool: %v", err)
	}
	defer pool.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := tracking.NewStats()
	tracker := tracking.Multi{stats, tracking.Prometheus{}}

	sched := scheduler.New(scheduler.Config{
		Threads:      cfg.Threads,
		TaskTimeout:  cfg.TaskTimeout,
		AbortTimeout: cfg.AbortTimeout,
		QueueLimit:   cfg.QueueLimit,
		Debug:        cfg.Debug,
	}, tracker, logger)
	sched.Start()
	defer sched.Stop()

	mainThread := mainthread.New(mainthread.Config{
		QueueLimit: cfg.MainThreadQueueLimit,
		TickBudget: cfg.TickBudget,
	}, logger)
	go mainThread.Run(ctx, cfg.TickInterval)

	eng := engine.NewEngine(engine.Options{
		Store:      db,
		Scheduler:  sched,
		MainThread: mainThread,
		APIs:       hostapi.DefaultRegistry(),
		Pool:       pool,
		Tracker:    tracker,
		Stats:      stats,
		Logger:     logger,
		Host:       cfg.Host,
		Debug:      cfg.Debug,
	})
	if _, err := eng.Restore(ctx); err != nil {
		logger.Error("failed to restore machines", "error", err)
	}

	srv := api.NewServer(cfg.ListenAddr, db, eng, stats, logger)
	runErr := srv.Run(ctx)

	unloadCtx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	if err := eng.Close(unloadCtx); err != nil {
		logger.Warn("machines did not unload in time", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
	logger.Info("hearth: stopped")
}
