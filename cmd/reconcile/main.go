package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/config"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/service"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

// One-shot reconciliation run, meant for cron. Reads every wallet, replays
// its entry log, and prints the drift report as JSON. Exits non-zero when
// any wallet drifts so the scheduler can alert.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx := context.Background()

	dbPool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	st := store.NewPgStore(dbPool)
	job := service.NewReconcileJob(st, st, cfg.ReconcileToleranceMinor, logger)

	report, err := job.Run(ctx)
	if err != nil {
		log.Fatalf("Reconciliation run failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatal(err)
	}

	if len(report.Drifts) > 0 {
		os.Exit(1)
	}
}
