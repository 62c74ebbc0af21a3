package allocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/plan"
	"trimatrix/internal/registry"
	"trimatrix/internal/repository"
	"trimatrix/internal/testutil"
	"trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, plans ...*domain.Plan) (*Engine, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t, plans...)
	reg := registry.New(env.Plans, env.Issuer)
	return NewEngine(env.Store, reg, env.Plans, env.Logger), env
}

func TestPlaceFillsSlotsInOrder(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, nil))

	var placements []*Placement
	for i := 0; i < 4; i++ {
		p, err := engine.Place(env.Context, Request{UserID: uuid.New(), Tier: 0})
		require.NoError(t, err)
		placements = append(placements, p)
	}

	first := placements[0].TriangleID
	for slot := 0; slot < 3; slot++ {
		assert.Equal(t, first, placements[slot].TriangleID)
		assert.Equal(t, slot, placements[slot].SlotIndex)
	}
	assert.NotEqual(t, first, placements[3].TriangleID)
	assert.Equal(t, 0, placements[3].SlotIndex)

	addresses := map[string]bool{}
	for _, p := range placements {
		addresses[p.DepositAddress] = true
		assert.Equal(t, "USDT", p.Coin)
		assert.Equal(t, "TRC20", p.Network)
	}
	assert.Len(t, addresses, 4)

	tri, err := env.Store.GetTriangle(env.Context, first)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionKey(0, tri.Seq, 1), placements[1].PositionKey)
}

func TestPlaceRejectsDuplicateAtTier(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, nil))
	user := uuid.New()

	_, err := engine.Place(env.Context, Request{UserID: user, Tier: 0})
	require.NoError(t, err)
	_, err = engine.Place(env.Context, Request{UserID: user, Tier: 0})
	assert.True(t, errors.Is(err, errors.ErrAlreadyPlaced))
}

func TestPlaceValidation(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, nil))
	user := uuid.New()

	_, err := engine.Place(env.Context, Request{UserID: user, Tier: 0, ReferrerID: &user})
	assert.True(t, errors.Is(err, errors.ErrInvalidReferrer))

	_, err = engine.Place(env.Context, Request{UserID: user, Tier: 7})
	assert.True(t, errors.Is(err, errors.ErrNoEligibleTier))
}

func TestPromotedPlacementUsesReferrerTier(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, testutil.Tier(1)), testutil.Plan(1, nil))
	referrer := uuid.New()

	_, err := engine.Place(env.Context, Request{UserID: referrer, Tier: 1})
	require.NoError(t, err)

	p, err := engine.Place(env.Context, Request{UserID: uuid.New(), Tier: 0, ReferrerID: &referrer, Promoted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Tier)

	// Without an active referrer tier the request tier applies.
	p, err = engine.Place(env.Context, Request{UserID: uuid.New(), Tier: 0, ReferrerID: randomID(), Promoted: true})
	require.NoError(t, err)
	assert.Equal(t, 0, p.Tier)
}

func randomID() *uuid.UUID {
	id := uuid.New()
	return &id
}

func TestConcurrentPlacementsNeverShareSlots(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, nil))

	const n = 30
	var wg sync.WaitGroup
	results := make(chan *Placement, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := engine.Place(context.Background(), Request{UserID: uuid.New(), Tier: 0})
			if err != nil {
				errs <- err
				return
			}
			results <- p
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("placement failed: %v", err)
	}

	slots := map[uuid.UUID]map[int]bool{}
	for p := range results {
		if slots[p.TriangleID] == nil {
			slots[p.TriangleID] = map[int]bool{}
		}
		assert.False(t, slots[p.TriangleID][p.SlotIndex], "slot handed out twice")
		slots[p.TriangleID][p.SlotIndex] = true
	}
	assert.Len(t, slots, n/3)

	filling, err := env.Store.ListTrianglesByStatus(env.Context, domain.TriangleStatusFilling, 0)
	require.NoError(t, err)
	for _, tri := range filling {
		fill := tri.Fill()
		assert.Equal(t, 0, fill.Open)
		assert.Equal(t, 3, fill.PendingDeposit)
	}
}

func TestCycleSpawnsChildWithOccupantAtSlotZero(t *testing.T) {
	engine, env := newEngine(t, testutil.Plan(0, testutil.Tier(1)), testutil.Plan(1, nil))
	parent := uuid.New()
	user := uuid.New()
	referrer := uuid.New()

	var placed *Placement
	err := env.Store.InTx(env.Context, func(ctx context.Context, tx repository.Tx) error {
		var err error
		placed, err = engine.Cycle(ctx, tx, parent, user, 1, &referrer)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, placed.SlotIndex)
	assert.Equal(t, 1, placed.Tier)

	child, err := env.Store.GetTriangle(env.Context, placed.TriangleID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentTriangleID)
	assert.Equal(t, parent, *child.ParentTriangleID)
	assert.Equal(t, referrer, *child.PositionAt(0).ReferrerID)

	err = env.Store.InTx(env.Context, func(ctx context.Context, tx repository.Tx) error {
		_, err := engine.Cycle(ctx, tx, parent, user, 1, nil)
		return err
	})
	assert.True(t, errors.Is(err, errors.ErrAlreadyPlaced))
}

func TestPlaceIntoTriangleOfVersionPublishedElsewhere(t *testing.T) {
	env := testutil.NewEnv(t)
	src := plan.NewStaticSource(testutil.Plan(0, nil))
	catA := plan.NewCatalog(src, env.Logger)
	catB := plan.NewCatalog(src, env.Logger)
	require.NoError(t, catA.Reload(env.Context))
	require.NoError(t, catB.Reload(env.Context))
	engineA := NewEngine(env.Store, registry.New(catA, env.Issuer), catA, env.Logger)
	engineB := NewEngine(env.Store, registry.New(catB, env.Issuer), catB, env.Logger)

	v2 := *testutil.Plan(0, nil)
	v2.EffectiveAt = time.Time{}
	v2.RequiredAmount = decimal.NewFromInt(300)
	_, err := catB.Publish(env.Context, v2)
	require.NoError(t, err)

	first, err := engineB.Place(env.Context, Request{UserID: uuid.New(), Tier: 0})
	require.NoError(t, err)
	tri, err := env.Store.GetTriangle(env.Context, first.TriangleID)
	require.NoError(t, err)
	require.Equal(t, 2, tri.PlanVersion)

	second, err := engineA.Place(env.Context, Request{UserID: uuid.New(), Tier: 0})
	require.NoError(t, err)
	assert.Equal(t, first.TriangleID, second.TriangleID)
	assert.Equal(t, 1, second.SlotIndex)
	assert.True(t, second.RequiredAmount.Equal(decimal.NewFromInt(300)))
}
