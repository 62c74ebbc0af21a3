package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"

	"github.com/google/uuid"
)

// GenesisHash is the previous hash of the first entry in every user's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash hashes the immutable fields of an entry together with its
// predecessor's hash. Status, confirmation time and disbursement references
// change after posting and are left out.
func ComputeHash(e *domain.Transaction) string {
	data := strings.Join([]string{
		e.ID.String(),
		e.UserID.String(),
		string(e.Kind),
		e.Amount.String(),
		e.Coin,
		e.Network,
		optionalID(e.PositionID),
		optionalID(e.TriangleID),
		optionalID(e.ReferredUserID),
		optionalString(e.DestinationAddress),
		fmt.Sprintf("%d", e.ChainIndex),
		fmt.Sprintf("%d", e.CreatedAt.UnixMicro()),
		e.PrevHash,
	}, ":")

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func optionalString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Post appends entries to their users' chains inside the caller's unit of
// work. Ledger heads are locked in user id order so units touching the same
// users never wait on each other in a cycle.
func Post(ctx context.Context, tx repository.LedgerTx, now time.Time, entries ...*domain.Transaction) error {
	ordered := append([]*domain.Transaction(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UserID.String() < ordered[j].UserID.String()
	})

	created := now.UTC().Truncate(time.Microsecond)
	for _, e := range ordered {
		head, err := tx.LockLedgerHead(ctx, e.UserID)
		if err != nil {
			return err
		}

		e.PrevHash = head.Hash
		if e.PrevHash == "" {
			e.PrevHash = GenesisHash
		}
		e.ChainIndex = head.Length + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = created
		} else {
			e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = e.CreatedAt
		}
		e.Hash = ComputeHash(e)

		if err := tx.InsertTransaction(ctx, e); err != nil {
			return err
		}
		if err := tx.SetLedgerHead(ctx, e.UserID, domain.LedgerHead{Hash: e.Hash, Length: e.ChainIndex}); err != nil {
			return err
		}
	}
	return nil
}

// ChainReport is the result of verifying one user's chain.
type ChainReport struct {
	UserID   uuid.UUID `json:"user_id"`
	Length   int       `json:"length"`
	Valid    bool      `json:"valid"`
	BrokenAt int64     `json:"broken_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Verify walks entries in chain order and checks links and hashes.
func Verify(userID uuid.UUID, entries []*domain.Transaction) *ChainReport {
	report := &ChainReport{UserID: userID, Length: len(entries), Valid: true}

	prev := GenesisHash
	for i, e := range entries {
		want := int64(i + 1)
		switch {
		case e.ChainIndex != want:
			report.Reason = fmt.Sprintf("expected chain index %d, got %d", want, e.ChainIndex)
		case e.PrevHash != prev:
			report.Reason = fmt.Sprintf("expected prev_hash %s, got %s", prev, e.PrevHash)
		case ComputeHash(e) != e.Hash:
			report.Reason = fmt.Sprintf("hash mismatch for transaction %s", e.ID)
		}
		if report.Reason != "" {
			report.Valid = false
			report.BrokenAt = want
			return report
		}
		prev = e.Hash
	}
	return report
}
