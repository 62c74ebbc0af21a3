package ledger

import (
	"context"
	"testing"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	"trimatrix/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(user uuid.UUID, kind domain.TransactionKind, amount int64, status domain.TransactionStatus) *domain.Transaction {
	return &domain.Transaction{
		ID:      uuid.New(),
		UserID:  user,
		Kind:    kind,
		Amount:  decimal.NewFromInt(amount),
		Coin:    "USDT",
		Network: "TRC20",
		Status:  status,
	}
}

func post(t *testing.T, store *memory.Store, entries ...*domain.Transaction) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return Post(ctx, tx, time.Now(), entries...)
	})
	require.NoError(t, err)
}

func TestPostChainsEntriesPerUser(t *testing.T) {
	store := memory.NewStore()
	alice, bob := uuid.New(), uuid.New()

	post(t, store,
		entry(alice, domain.TransactionKindDeposit, 100, domain.TransactionStatusConfirmed),
		entry(bob, domain.TransactionKindDeposit, 50, domain.TransactionStatusConfirmed),
	)
	post(t, store, entry(alice, domain.TransactionKindPayout, 200, domain.TransactionStatusPending))

	chain, err := store.ChainEntries(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, GenesisHash, chain[0].PrevHash)
	assert.Equal(t, int64(1), chain[0].ChainIndex)
	assert.Equal(t, chain[0].Hash, chain[1].PrevHash)
	assert.Equal(t, int64(2), chain[1].ChainIndex)

	report := Verify(alice, chain)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Length)

	bobChain, err := store.ChainEntries(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, bobChain, 1)
	assert.Equal(t, GenesisHash, bobChain[0].PrevHash)
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := memory.NewStore()
	user := uuid.New()
	post(t, store, entry(user, domain.TransactionKindDeposit, 100, domain.TransactionStatusConfirmed))
	post(t, store, entry(user, domain.TransactionKindPayout, 100, domain.TransactionStatusPending))
	post(t, store, entry(user, domain.TransactionKindPayout, 200, domain.TransactionStatusPending))

	chain, err := store.ChainEntries(context.Background(), user)
	require.NoError(t, err)

	chain[1].Amount = decimal.NewFromInt(9999)
	report := Verify(user, chain)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Contains(t, report.Reason, "hash mismatch")

	chain, err = store.ChainEntries(context.Background(), user)
	require.NoError(t, err)
	chain[2].PrevHash = GenesisHash
	report = Verify(user, chain)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(3), report.BrokenAt)

	report = Verify(user, chain[1:])
	assert.False(t, report.Valid)
	assert.Equal(t, int64(1), report.BrokenAt)
}

func TestHashIgnoresMutableFields(t *testing.T) {
	e := entry(uuid.New(), domain.TransactionKindPayout, 100, domain.TransactionStatusPending)
	e.PrevHash = GenesisHash
	e.ChainIndex = 1
	e.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	before := ComputeHash(e)

	ref := "0xabc"
	now := time.Now()
	e.Status = domain.TransactionStatusConfirmed
	e.ExternalRef = &ref
	e.ConfirmedAt = &now
	assert.Equal(t, before, ComputeHash(e))

	e.Amount = decimal.NewFromInt(101)
	assert.NotEqual(t, before, ComputeHash(e))
}
