// Package query serves read-only views over committed engine state.
package query

import (
	"context"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"

	"github.com/google/uuid"
)

// TriangleView is a triangle with its fill state.
type TriangleView struct {
	*domain.Triangle
	Fill domain.FillState `json:"fill"`
}

// AdminQueue gathers everything waiting on an operator.
type AdminQueue struct {
	UnmatchedDeposits []*domain.UnmatchedDeposit `json:"unmatched_deposits"`
	FailedDeposits    []*domain.Transaction      `json:"failed_deposits"`
	StalePositions    []*domain.Position         `json:"stale_positions"`
}

type Service struct {
	reader       repository.Reader
	staleHorizon time.Duration
	queueLimit   int
	now          func() time.Time
}

func NewService(reader repository.Reader, staleHorizon time.Duration) *Service {
	return &Service{reader: reader, staleHorizon: staleHorizon, queueLimit: 200, now: time.Now}
}

func (s *Service) Position(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	return s.reader.GetPosition(ctx, id)
}

func (s *Service) Triangle(ctx context.Context, id uuid.UUID) (*TriangleView, error) {
	tri, err := s.reader.GetTriangle(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TriangleView{Triangle: tri, Fill: tri.Fill()}, nil
}

func (s *Service) Children(ctx context.Context, id uuid.UUID) ([]*TriangleView, error) {
	if _, err := s.reader.GetTriangle(ctx, id); err != nil {
		return nil, err
	}
	children, err := s.reader.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*TriangleView, 0, len(children))
	for _, c := range children {
		out = append(out, &TriangleView{Triangle: c, Fill: c.Fill()})
	}
	return out, nil
}

func (s *Service) UserPositions(ctx context.Context, userID uuid.UUID) ([]*domain.Position, error) {
	return s.reader.ListPositionsByUser(ctx, userID)
}

// StalePositions lists positions awaiting a deposit for longer than the
// configured horizon. They are reported, never cancelled.
func (s *Service) StalePositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	if limit <= 0 || limit > s.queueLimit {
		limit = s.queueLimit
	}
	return s.reader.ListStalePositions(ctx, s.now().Add(-s.staleHorizon), limit)
}

func (s *Service) AdminQueue(ctx context.Context) (*AdminQueue, error) {
	unmatched, err := s.reader.ListUnmatchedDeposits(ctx, s.queueLimit)
	if err != nil {
		return nil, err
	}
	failed, err := s.reader.ListFailedDeposits(ctx, s.queueLimit)
	if err != nil {
		return nil, err
	}
	stale, err := s.StalePositions(ctx, s.queueLimit)
	if err != nil {
		return nil, err
	}
	return &AdminQueue{
		UnmatchedDeposits: nonNil(unmatched),
		FailedDeposits:    nonNil(failed),
		StalePositions:    nonNil(stale),
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
