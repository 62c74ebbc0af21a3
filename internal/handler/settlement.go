package handler

import (
	"net/http"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/plan"
	"trimatrix/internal/settlement"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/shopspring/decimal"
)

type SettlementHandler struct {
	service *settlement.Service
	metrics Recorder
	logger  logger.Logger
}

func NewSettlementHandler(service *settlement.Service, rec Recorder, log logger.Logger) *SettlementHandler {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &SettlementHandler{service: service, metrics: rec, logger: log}
}

// Settle runs settlement for a Complete triangle. Settling twice is a no-op.
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	start := time.Now()
	report, err := h.service.Settle(r.Context(), id)
	h.metrics.RecordSettlement(time.Since(start), err)
	if err != nil {
		respondServiceError(w, h.logger, "settle", err, map[string]interface{}{"triangle_id": id})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type PlanHandler struct {
	catalog   *plan.Catalog
	validator *validator.Validator
	logger    logger.Logger
}

func NewPlanHandler(catalog *plan.Catalog, val *validator.Validator, log logger.Logger) *PlanHandler {
	return &PlanHandler{catalog: catalog, validator: val, logger: log}
}

type publishPlanRequest struct {
	Tier              int                   `json:"tier" validate:"gte=0"`
	EffectiveAt       time.Time             `json:"effective_at"`
	Capacity          int                   `json:"capacity" validate:"required,gte=1,lte=64"`
	RequiredAmount    decimal.Decimal       `json:"required_amount" validate:"required,gt=0"`
	Coin              string                `json:"coin" validate:"required,coin"`
	Network           string                `json:"network" validate:"required,network"`
	PayoutMultipliers []decimal.Decimal     `json:"payout_multipliers" validate:"required"`
	ReferralPercent   decimal.Decimal       `json:"referral_percent"`
	ReferralPolicy    domain.ReferralPolicy `json:"referral_policy" validate:"omitempty,oneof=per_completion once_per_participant"`
	NextTier          *int                  `json:"next_tier,omitempty" validate:"omitempty,gte=0"`
}

// Publish adds a new immutable version of a tier's plan.
func (h *PlanHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishPlanRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}
	policy := req.ReferralPolicy
	if policy == "" {
		policy = domain.ReferralPerCompletion
	}

	published, err := h.catalog.Publish(r.Context(), domain.Plan{
		Tier:              req.Tier,
		EffectiveAt:       req.EffectiveAt,
		Capacity:          req.Capacity,
		RequiredAmount:    req.RequiredAmount,
		Coin:              req.Coin,
		Network:           req.Network,
		PayoutMultipliers: req.PayoutMultipliers,
		ReferralPercent:   req.ReferralPercent,
		ReferralPolicy:    policy,
		NextTier:          req.NextTier,
	})
	if err != nil {
		respondServiceError(w, h.logger, "publish_plan", err, map[string]interface{}{"tier": req.Tier})
		return
	}
	respondJSON(w, http.StatusCreated, published)
}

// Current lists the plan in effect for every configured tier.
func (h *PlanHandler) Current(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	plans := make([]*domain.Plan, 0)
	for _, tier := range h.catalog.Tiers() {
		p, err := h.catalog.Resolve(tier, now)
		if err != nil {
			// Tier only has future versions.
			continue
		}
		plans = append(plans, p)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}
