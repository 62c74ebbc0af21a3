// Package testutil builds the plans, catalogs and stores shared by engine tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"trimatrix/internal/address"
	"trimatrix/internal/domain"
	"trimatrix/internal/plan"
	"trimatrix/internal/repository/memory"
	"trimatrix/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const Seed = "test-seed-test-seed-test-seed-test-seed"

// Plan returns a capacity-3 USDT/TRC20 plan: required 100, multipliers
// 0/1/2, 10% referral, effective an hour ago.
func Plan(tier int, nextTier *int) *domain.Plan {
	return &domain.Plan{
		Tier:           tier,
		Version:        1,
		EffectiveAt:    time.Now().Add(-time.Hour),
		Capacity:       3,
		RequiredAmount: decimal.NewFromInt(100),
		Coin:           "USDT",
		Network:        "TRC20",
		PayoutMultipliers: []decimal.Decimal{
			decimal.Zero, decimal.NewFromInt(1), decimal.NewFromInt(2),
		},
		ReferralPercent: decimal.NewFromInt(10),
		ReferralPolicy:  domain.ReferralPerCompletion,
		NextTier:        nextTier,
	}
}

func Tier(n int) *int { return &n }

// Env is a fully wired in-memory engine environment.
type Env struct {
	Store   *memory.Store
	Plans   *plan.Catalog
	Issuer  *address.Issuer
	Logger  logger.Logger
	Context context.Context
}

func NewEnv(t *testing.T, plans ...*domain.Plan) *Env {
	t.Helper()
	log := logger.NewNop()
	catalog := plan.NewCatalog(plan.NewStaticSource(plans...), log)
	require.NoError(t, catalog.Reload(context.Background()))
	issuer, err := address.NewIssuer(Seed)
	require.NoError(t, err)
	return &Env{
		Store:   memory.NewStore(),
		Plans:   catalog,
		Issuer:  issuer,
		Logger:  log,
		Context: context.Background(),
	}
}
