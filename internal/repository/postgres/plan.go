package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"trimatrix/internal/domain"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PlanRepository persists published plan versions.
type PlanRepository struct {
	db *sqlx.DB
}

func NewPlanRepository(db *sqlx.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

type planRow struct {
	Tier              int             `db:"tier"`
	Version           int             `db:"version"`
	EffectiveAt       time.Time       `db:"effective_at"`
	Capacity          int             `db:"capacity"`
	RequiredAmount    decimal.Decimal `db:"required_amount"`
	Coin              string          `db:"coin"`
	Network           string          `db:"network"`
	PayoutMultipliers []byte          `db:"payout_multipliers"`
	ReferralPercent   decimal.Decimal `db:"referral_percent"`
	ReferralPolicy    string          `db:"referral_policy"`
	NextTier          sql.NullInt64   `db:"next_tier"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (r planRow) toDomain() (*domain.Plan, error) {
	var multipliers []decimal.Decimal
	if err := json.Unmarshal(r.PayoutMultipliers, &multipliers); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode payout multipliers")
	}
	p := &domain.Plan{
		Tier:              r.Tier,
		Version:           r.Version,
		EffectiveAt:       r.EffectiveAt,
		Capacity:          r.Capacity,
		RequiredAmount:    r.RequiredAmount,
		Coin:              r.Coin,
		Network:           r.Network,
		PayoutMultipliers: multipliers,
		ReferralPercent:   r.ReferralPercent,
		ReferralPolicy:    domain.ReferralPolicy(r.ReferralPolicy),
		CreatedAt:         r.CreatedAt,
	}
	if r.NextTier.Valid {
		next := int(r.NextTier.Int64)
		p.NextTier = &next
	}
	return p, nil
}

// LoadPlans returns every published version ordered by tier and version.
func (r *PlanRepository) LoadPlans(ctx context.Context) ([]*domain.Plan, error) {
	var rows []planRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT tier, version, effective_at, capacity, required_amount, coin, network,
			payout_multipliers, referral_percent, referral_policy, next_tier, created_at
		FROM matrix.plan_versions
		ORDER BY tier, version`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load plans")
	}
	plans := make([]*domain.Plan, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// LoadPlan returns one published version.
func (r *PlanRepository) LoadPlan(ctx context.Context, tier, version int) (*domain.Plan, error) {
	var row planRow
	err := r.db.GetContext(ctx, &row, `
		SELECT tier, version, effective_at, capacity, required_amount, coin, network,
			payout_multipliers, referral_percent, referral_policy, next_tier, created_at
		FROM matrix.plan_versions
		WHERE tier = $1 AND version = $2`, tier, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNoEligibleTier
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load plan")
	}
	return row.toDomain()
}

// InsertPlan stores a new version. The (tier, version) key rejects a
// concurrent publish of the same version.
func (r *PlanRepository) InsertPlan(ctx context.Context, p *domain.Plan) error {
	multipliers, err := json.Marshal(p.PayoutMultipliers)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode payout multipliers")
	}
	var next sql.NullInt64
	if p.NextTier != nil {
		next = sql.NullInt64{Int64: int64(*p.NextTier), Valid: true}
	}

	query := `
		INSERT INTO matrix.plan_versions (
			tier, version, effective_at, capacity, required_amount, coin, network,
			payout_multipliers, referral_percent, referral_policy, next_tier, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.ExecContext(ctx, query,
		p.Tier, p.Version, p.EffectiveAt, p.Capacity, p.RequiredAmount, p.Coin, p.Network,
		multipliers, p.ReferralPercent, string(p.ReferralPolicy), next, p.CreatedAt,
	)
	return classify(err, "failed to insert plan")
}
