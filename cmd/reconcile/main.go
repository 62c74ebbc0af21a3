// Command reconcile verifies every ledger hash chain and summarises the
// operator queue. It exits non-zero when any chain is broken.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"trimatrix/internal/ledger"
	"trimatrix/internal/query"
	"trimatrix/internal/repository/postgres"
	"trimatrix/pkg/config"
	"trimatrix/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

type report struct {
	GeneratedAt       time.Time           `json:"generated_at"`
	Chains            *ledger.AuditReport `json:"chains"`
	UnmatchedDeposits int                 `json:"unmatched_deposits"`
	FailedDeposits    int                 `json:"failed_deposits"`
	StalePositions    int                 `json:"stale_positions"`
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewWithLevel("trimatrix-reconcile", cfg.Log.Level)

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	store := postgres.NewStore(db, cfg.Database.LockTimeout)
	ledgers := ledger.NewService(store, nil, 0, log)
	queries := query.NewService(store, cfg.Engine.StaleHorizon)

	chains, err := ledgers.AuditChains(ctx, 500)
	if err != nil {
		log.Fatal("Chain audit failed", map[string]interface{}{"error": err.Error()})
	}
	queue, err := queries.AdminQueue(ctx)
	if err != nil {
		log.Fatal("Failed to read admin queue", map[string]interface{}{"error": err.Error()})
	}

	out := report{
		GeneratedAt:       time.Now().UTC(),
		Chains:            chains,
		UnmatchedDeposits: len(queue.UnmatchedDeposits),
		FailedDeposits:    len(queue.FailedDeposits),
		StalePositions:    len(queue.StalePositions),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if len(chains.Broken) > 0 {
		log.Error("Broken ledger chains found", map[string]interface{}{"count": len(chains.Broken)})
		os.Exit(2)
	}
	log.Info("Reconciliation complete", map[string]interface{}{"chains_checked": chains.Checked})
}
