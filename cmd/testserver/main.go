// testserver starts a hearth API server with an in-memory store and short
// scheduler timeouts for E2E testing. A demo machine that echoes "echo"
// events is created and booted at startup.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/hearth/internal/api"
	"github.com/seantiz/hearth/internal/engine"
	"github.com/seantiz/hearth/internal/mainthread"
	"github.com/seantiz/hearth/internal/scheduler"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/tracking"
)

const demoProgram = `
term.print("demo machine " .. os.getComputerID() .. " on " .. _HOST)
while true do
  local _, text = os.pullEvent("echo")
  term.print(text)
end
`

func main() {
	addr := ":8080"
	if v := os.Getenv("HEARTH_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	stats := tracking.NewStats()

	sched := scheduler.New(scheduler.Config{
		Threads:      2,
		TaskTimeout:  250 * time.Millisecond,
		AbortTimeout: 250 * time.Millisecond,
		Debug:        true,
	}, stats, logger)
	sched.Start()
	defer sched.Stop()

	mainThread := mainthread.New(mainthread.Config{}, logger)
	go mainThread.Run(ctx, mainthread.DefaultTickInterval)

	eng := engine.NewEngine(engine.Options{
		Store:      db,
		Scheduler:  sched,
		MainThread: mainThread,
		Tracker:    stats,
		Stats:      stats,
		Logger:     logger,
		Host:       "hearth testserver",
		Debug:      true,
	})
	defer eng.Close(context.Background())

	demo, err := eng.Create(ctx, "demo", demoProgram, true)
	if err != nil {
		log.Fatalf("failed to create demo machine: %v", err)
	}

	srv := api.NewServer(addr, db, eng, stats, logger)

	logger.Info("testserver: starting", "addr", addr, "demo_machine", demo.ID)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
