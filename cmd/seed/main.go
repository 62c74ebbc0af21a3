// Seeding tool that publishes the initial tier plans and, optionally, prints
// an operator token.
// Usage (env overrides):
//
//	SEED_PLANS_FILE=plans.json SEED_TOKEN_ROLE=admin
//
// Tiers that already have a published plan are left untouched.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/middleware"
	"trimatrix/internal/plan"
	"trimatrix/internal/repository/postgres"
	"trimatrix/pkg/config"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("trimatrix-seed")

	cfg := config.Load()
	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	plans, err := loadPlans(getenv("SEED_PLANS_FILE", ""))
	if err != nil {
		log.Fatal("Failed to read plans", map[string]interface{}{"error": err.Error()})
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	ctx := context.Background()
	catalog := plan.NewCatalog(postgres.NewPlanRepository(db), log)
	if err := catalog.Reload(ctx); err != nil {
		log.Fatal("Failed to load plan catalog", map[string]interface{}{"error": err.Error()})
	}

	existing := map[int]bool{}
	for _, tier := range catalog.Tiers() {
		existing[tier] = true
	}
	for _, p := range plans {
		if existing[p.Tier] {
			log.Info("Tier already has a plan, skipping", map[string]interface{}{"tier": p.Tier})
			continue
		}
		if _, err := catalog.Publish(ctx, p); err != nil {
			log.Fatal("Failed to publish plan", map[string]interface{}{"tier": p.Tier, "error": err.Error()})
		}
	}

	if role := getenv("SEED_TOKEN_ROLE", ""); role != "" {
		token, err := middleware.IssueToken(cfg.JWT.Secret, uuid.New(), role, 24*time.Hour)
		if err != nil {
			log.Fatal("Failed to issue token", map[string]interface{}{"error": err.Error()})
		}
		fmt.Println(token)
	}
}

// loadPlans reads plans from path, or returns a two-tier USDT ladder.
func loadPlans(path string) ([]domain.Plan, error) {
	if path == "" {
		next := 1
		return []domain.Plan{
			defaultPlan(0, decimal.NewFromInt(100), &next),
			defaultPlan(1, decimal.NewFromInt(300), nil),
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plans []domain.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("invalid plans file: %w", err)
	}
	return plans, nil
}

func defaultPlan(tier int, required decimal.Decimal, next *int) domain.Plan {
	return domain.Plan{
		Tier:           tier,
		Capacity:       3,
		RequiredAmount: required,
		Coin:           "USDT",
		Network:        "TRC20",
		PayoutMultipliers: []decimal.Decimal{
			decimal.Zero, decimal.NewFromInt(1), decimal.NewFromInt(2),
		},
		ReferralPercent: decimal.NewFromInt(10),
		ReferralPolicy:  domain.ReferralPerCompletion,
		NextTier:        next,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
