package query

import (
	"testing"
	"time"

	"trimatrix/internal/allocation"
	"trimatrix/internal/deposit"
	"trimatrix/internal/registry"
	"trimatrix/internal/testutil"
	"trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriangleFillAndAdminQueue(t *testing.T) {
	env := testutil.NewEnv(t, testutil.Plan(0, nil))
	reg := registry.New(env.Plans, env.Issuer)
	engine := allocation.NewEngine(env.Store, reg, env.Plans, env.Logger)
	reconciler := deposit.NewReconciler(env.Store, reg, nil, env.Logger)
	svc := NewService(env.Store, time.Hour)

	user := uuid.New()
	placed, err := engine.Place(env.Context, allocation.Request{UserID: user, Tier: 0})
	require.NoError(t, err)
	_, err = engine.Place(env.Context, allocation.Request{UserID: uuid.New(), Tier: 0})
	require.NoError(t, err)

	_, err = reconciler.Confirm(env.Context, deposit.Confirmation{
		DepositAddress: placed.DepositAddress, Network: placed.Network, Coin: placed.Coin,
		Amount: placed.RequiredAmount, ExternalRef: "0xfunded",
	})
	require.NoError(t, err)
	_, err = reconciler.Confirm(env.Context, deposit.Confirmation{
		DepositAddress: "TNowhere", Network: "TRC20", Coin: "USDT",
		Amount: decimal.NewFromInt(5), ExternalRef: "0xstray",
	})
	require.True(t, errors.Is(err, errors.ErrUnknownDeposit))

	view, err := svc.Triangle(env.Context, placed.TriangleID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Fill.Funded)
	assert.Equal(t, 1, view.Fill.PendingDeposit)
	assert.Equal(t, 1, view.Fill.Open)

	positions, err := svc.UserPositions(env.Context, user)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, placed.PositionID, positions[0].ID)

	children, err := svc.Children(env.Context, placed.TriangleID)
	require.NoError(t, err)
	assert.Empty(t, children)

	queue, err := svc.AdminQueue(env.Context)
	require.NoError(t, err)
	assert.Len(t, queue.UnmatchedDeposits, 1)
	assert.Empty(t, queue.FailedDeposits)
	assert.Empty(t, queue.StalePositions)

	// Moving the clock past the horizon makes the pending slot stale.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err := svc.StalePositions(env.Context, 0)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestMissingTriangle(t *testing.T) {
	env := testutil.NewEnv(t, testutil.Plan(0, nil))
	svc := NewService(env.Store, time.Hour)

	_, err := svc.Triangle(env.Context, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTriangleNotFound))
	_, err = svc.Children(env.Context, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTriangleNotFound))
}
