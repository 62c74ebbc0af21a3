package settlement

import (
	"context"
	"testing"
	"time"

	"trimatrix/internal/allocation"
	"trimatrix/internal/deposit"
	"trimatrix/internal/domain"
	"trimatrix/internal/registry"
	"trimatrix/internal/testutil"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks

type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Fatal(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return m
}

type harness struct {
	env        *testutil.Env
	engine     *allocation.Engine
	reconciler *deposit.Reconciler
	service    *Service
}

func newHarness(t *testing.T, log logger.Logger, plans ...*domain.Plan) *harness {
	t.Helper()
	env := testutil.NewEnv(t, plans...)
	if log == nil {
		log = env.Logger
	}
	reg := registry.New(env.Plans, env.Issuer)
	engine := allocation.NewEngine(env.Store, reg, env.Plans, env.Logger)
	return &harness{
		env:        env,
		engine:     engine,
		reconciler: deposit.NewReconciler(env.Store, reg, nil, env.Logger),
		service:    NewService(env.Store, reg, engine, env.Plans, nil, log),
	}
}

func (h *harness) place(t *testing.T, user uuid.UUID, tier int, referrer *uuid.UUID) *allocation.Placement {
	t.Helper()
	p, err := h.engine.Place(h.env.Context, allocation.Request{UserID: user, Tier: tier, ReferrerID: referrer})
	require.NoError(t, err)
	return p
}

func (h *harness) fund(t *testing.T, placements ...*allocation.Placement) {
	t.Helper()
	for _, p := range placements {
		_, err := h.reconciler.Confirm(h.env.Context, deposit.Confirmation{
			DepositAddress: p.DepositAddress,
			Network:        p.Network,
			Coin:           p.Coin,
			Amount:         p.RequiredAmount,
			ExternalRef:    uuid.NewString(),
		})
		require.NoError(t, err)
	}
}

// fill places three fresh users at tier 0, the second referred by referrer,
// and funds them all.
func (h *harness) fill(t *testing.T, referrer *uuid.UUID) (uuid.UUID, []*allocation.Placement) {
	t.Helper()
	placed := []*allocation.Placement{
		h.place(t, uuid.New(), 0, nil),
		h.place(t, uuid.New(), 0, referrer),
		h.place(t, uuid.New(), 0, nil),
	}
	h.fund(t, placed...)
	return placed[0].TriangleID, placed
}

func occupant(t *testing.T, h *harness, positionID uuid.UUID) uuid.UUID {
	t.Helper()
	p, err := h.env.Store.GetPosition(h.env.Context, positionID)
	require.NoError(t, err)
	return *p.OccupantUserID
}

func TestSettlePaysSlotAndDirectReferrerOnly(t *testing.T) {
	plan := testutil.Plan(0, nil)
	plan.PayoutMultipliers = []decimal.Decimal{decimal.Zero, decimal.NewFromInt(1), decimal.Zero}
	h := newHarness(t, nil, plan, testutil.Plan(1, nil))

	grandReferrer, referrer := uuid.New(), uuid.New()
	h.place(t, referrer, 1, &grandReferrer)
	triangleID, placed := h.fill(t, &referrer)

	report, err := h.service.Settle(h.env.Context, triangleID)
	require.NoError(t, err)

	require.Len(t, report.Payouts, 1)
	payout := report.Payouts[0]
	assert.Equal(t, occupant(t, h, placed[1].PositionID), payout.UserID)
	assert.Equal(t, domain.TransactionStatusPending, payout.Status)
	assert.True(t, payout.Amount.Equal(decimal.NewFromInt(100)))

	require.Len(t, report.Bonuses, 1)
	bonus := report.Bonuses[0]
	assert.Equal(t, referrer, bonus.UserID)
	assert.Equal(t, domain.TransactionStatusConfirmed, bonus.Status)
	assert.True(t, bonus.Amount.Equal(decimal.NewFromInt(10)))

	grandEntries, err := h.env.Store.ListTransactionsByUser(h.env.Context, grandReferrer, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, grandEntries)

	tri, err := h.env.Store.GetTriangle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriangleStatusSettled, tri.Status)
	assert.NotNil(t, tri.SettledAt)

	bal, err := h.env.Store.Balance(h.env.Context, referrer, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Confirmed.Equal(decimal.NewFromInt(10)))
}

func TestSettleUsesPlanVersionOfTriangle(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, nil))
	referrer := uuid.New()
	first := h.place(t, uuid.New(), 0, nil)
	second := h.place(t, uuid.New(), 0, &referrer)

	v2 := *testutil.Plan(0, nil)
	v2.EffectiveAt = time.Time{}
	v2.RequiredAmount = decimal.NewFromInt(500)
	v2.PayoutMultipliers = []decimal.Decimal{decimal.Zero, decimal.NewFromInt(3), decimal.NewFromInt(3)}
	v2.ReferralPercent = decimal.NewFromInt(50)
	published, err := h.env.Plans.Publish(h.env.Context, v2)
	require.NoError(t, err)
	require.Equal(t, 2, published.Version)

	// The open slot keeps the terms of the triangle it belongs to.
	third := h.place(t, uuid.New(), 0, nil)
	assert.Equal(t, first.TriangleID, third.TriangleID)
	assert.True(t, third.RequiredAmount.Equal(decimal.NewFromInt(100)))
	h.fund(t, first, second, third)

	report, err := h.service.Settle(h.env.Context, first.TriangleID)
	require.NoError(t, err)
	require.Len(t, report.Payouts, 2)
	paid := map[uuid.UUID]decimal.Decimal{}
	for _, tx := range report.Payouts {
		paid[tx.UserID] = tx.Amount
	}
	assert.True(t, paid[occupant(t, h, second.PositionID)].Equal(decimal.NewFromInt(100)))
	assert.True(t, paid[occupant(t, h, third.PositionID)].Equal(decimal.NewFromInt(200)))
	require.Len(t, report.Bonuses, 1)
	assert.True(t, report.Bonuses[0].Amount.Equal(decimal.NewFromInt(10)))

	// New triangles pick up the published version.
	next := h.place(t, uuid.New(), 0, nil)
	assert.NotEqual(t, first.TriangleID, next.TriangleID)
	assert.True(t, next.RequiredAmount.Equal(decimal.NewFromInt(500)))
	tri, err := h.env.Store.GetTriangle(h.env.Context, next.TriangleID)
	require.NoError(t, err)
	assert.Equal(t, 2, tri.PlanVersion)
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, nil))
	referrer := uuid.New()
	triangleID, _ := h.fill(t, &referrer)

	first, err := h.service.Settle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.False(t, first.AlreadySettled)

	entries, err := h.env.Store.ListTransactionsForTriangle(h.env.Context, triangleID)
	require.NoError(t, err)

	second, err := h.service.Settle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.Empty(t, second.Payouts)

	after, err := h.env.Store.ListTransactionsForTriangle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.Len(t, after, len(entries))

	events, err := h.env.Store.PendingEvents(h.env.Context, 0, 0)
	require.NoError(t, err)
	settledEvents := 0
	for _, e := range events {
		if e.Type == domain.EventTriangleSettled {
			settledEvents++
		}
	}
	assert.Equal(t, 1, settledEvents)
}

func TestSettleRefusesFillingTriangle(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, nil))
	p := h.place(t, uuid.New(), 0, nil)

	_, err := h.service.Settle(h.env.Context, p.TriangleID)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	_, err = h.service.Settle(h.env.Context, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTriangleNotFound))
}

func TestSettleCyclesOccupantsIntoChildren(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, testutil.Tier(1)), testutil.Plan(1, nil))
	referrer := uuid.New()
	triangleID, placed := h.fill(t, &referrer)

	report, err := h.service.Settle(h.env.Context, triangleID)
	require.NoError(t, err)
	require.Len(t, report.Cycled, 3)

	children, err := h.env.Store.ListChildren(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, 1, c.Tier)
		assert.Equal(t, domain.TriangleStatusFilling, c.Status)
	}

	for i, cycled := range report.Cycled {
		assert.Equal(t, 0, cycled.SlotIndex)
		assert.Equal(t, 1, cycled.Tier)

		old, err := h.env.Store.GetPosition(h.env.Context, placed[i].PositionID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionStatusCycled, old.Status)

		moved, err := h.env.Store.GetPosition(h.env.Context, cycled.PositionID)
		require.NoError(t, err)
		assert.Equal(t, *old.OccupantUserID, *moved.OccupantUserID)
		if i == 1 {
			require.NotNil(t, moved.ReferrerID)
			assert.Equal(t, referrer, *moved.ReferrerID)
		} else {
			assert.Nil(t, moved.ReferrerID)
		}
	}
}

func TestSettleSkipsOccupantAlreadyAtNextTier(t *testing.T) {
	log := new(MockLogger)
	log.On("Info", mock.Anything, mock.Anything).Return()
	log.On("Warn", "Occupant already placed at next tier, not cycled", mock.Anything).Return().Once()
	h := newHarness(t, log, testutil.Plan(0, testutil.Tier(1)), testutil.Plan(1, nil))

	user := uuid.New()
	first := h.place(t, user, 0, nil)
	h.place(t, user, 1, nil)
	rest := []*allocation.Placement{h.place(t, uuid.New(), 0, nil), h.place(t, uuid.New(), 0, nil)}
	h.fund(t, append([]*allocation.Placement{first}, rest...)...)

	report, err := h.service.Settle(h.env.Context, first.TriangleID)
	require.NoError(t, err)
	assert.Len(t, report.Cycled, 2)
	assert.Equal(t, []uuid.UUID{first.PositionID}, report.NotCycled)

	pos, err := h.env.Store.GetPosition(h.env.Context, first.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusFunded, pos.Status)
	log.AssertExpectations(t)
}

func TestReferralPolicyOncePerParticipant(t *testing.T) {
	for _, tc := range []struct {
		policy  domain.ReferralPolicy
		bonuses int
	}{
		{domain.ReferralPerCompletion, 2},
		{domain.ReferralOncePerParticipant, 1},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			tier0 := testutil.Plan(0, testutil.Tier(1))
			tier0.ReferralPolicy = tc.policy
			tier1 := testutil.Plan(1, nil)
			tier1.ReferralPolicy = tc.policy
			h := newHarness(t, nil, tier0, tier1)
			referrer := uuid.New()

			triangleID, _ := h.fill(t, &referrer)
			report, err := h.service.Settle(h.env.Context, triangleID)
			require.NoError(t, err)

			// The referred occupant now sits in slot 0 of the second tier-1
			// child; the first child fills before it.
			child := report.Cycled[1]
			h.place(t, uuid.New(), 1, nil)
			h.place(t, uuid.New(), 1, nil)
			others := []*allocation.Placement{h.place(t, uuid.New(), 1, nil), h.place(t, uuid.New(), 1, nil)}
			for _, o := range others {
				require.Equal(t, child.TriangleID, o.TriangleID)
			}
			h.fund(t, append([]*allocation.Placement{child}, others...)...)

			_, err = h.service.Settle(h.env.Context, child.TriangleID)
			require.NoError(t, err)

			entries, err := h.env.Store.ListTransactionsByUser(h.env.Context, referrer, 0, 0)
			require.NoError(t, err)
			bonuses := 0
			for _, e := range entries {
				if e.Kind == domain.TransactionKindReferralBonus {
					bonuses++
				}
			}
			assert.Equal(t, tc.bonuses, bonuses)
		})
	}
}

func TestRecoverCompletedSettlesBacklog(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, nil))
	first, _ := h.fill(t, nil)
	second, _ := h.fill(t, nil)

	settled, err := h.service.RecoverCompleted(h.env.Context)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	for _, id := range []uuid.UUID{first, second} {
		tri, err := h.env.Store.GetTriangle(h.env.Context, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TriangleStatusSettled, tri.Status)
	}

	settled, err = h.service.RecoverCompleted(h.env.Context)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestHandleEventSettlesOnCompletion(t *testing.T) {
	h := newHarness(t, nil, testutil.Plan(0, nil))
	triangleID, _ := h.fill(t, nil)

	require.NoError(t, h.service.HandleEvent(context.Background(), &domain.Event{Type: domain.EventPositionFunded, TriangleID: &triangleID}))
	tri, err := h.env.Store.GetTriangle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriangleStatusComplete, tri.Status)

	require.NoError(t, h.service.HandleEvent(context.Background(), domain.NewTriangleCompleted(triangleID, tri.UpdatedAt)))
	tri, err = h.env.Store.GetTriangle(h.env.Context, triangleID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriangleStatusSettled, tri.Status)
}
