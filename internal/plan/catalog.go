// Package plan serves versioned tier plans. A plan version never changes once
// published; a triangle settles against the version it was created under.
package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"
)

// Source persists plan versions. LoadPlan returns ErrNoEligibleTier when the
// version does not exist.
type Source interface {
	LoadPlans(ctx context.Context) ([]*domain.Plan, error)
	LoadPlan(ctx context.Context, tier, version int) (*domain.Plan, error)
	InsertPlan(ctx context.Context, p *domain.Plan) error
}

const publishAttempts = 3

// Catalog is an in-memory index over the source. Other processes publish to
// the same source, so the index is refreshed by Reload on a schedule and
// Version reads through on a miss.
type Catalog struct {
	source Source
	logger logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	byTier map[int][]*domain.Plan // ascending by version
}

func NewCatalog(source Source, log logger.Logger) *Catalog {
	return &Catalog{
		source: source,
		logger: log,
		now:    time.Now,
		byTier: make(map[int][]*domain.Plan),
	}
}

// Reload replaces the index with the source's contents.
func (c *Catalog) Reload(ctx context.Context) error {
	plans, err := c.source.LoadPlans(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reload plans")
	}

	index := make(map[int][]*domain.Plan)
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			c.logger.Warn("Skipping invalid plan version", map[string]interface{}{
				"tier":    p.Tier,
				"version": p.Version,
				"error":   err.Error(),
			})
			continue
		}
		index[p.Tier] = append(index[p.Tier], p)
	}
	for tier := range index {
		sort.Slice(index[tier], func(i, j int) bool {
			return index[tier][i].Version < index[tier][j].Version
		})
	}

	c.mu.Lock()
	c.byTier = index
	c.mu.Unlock()

	c.logger.Debug("Plans loaded", map[string]interface{}{"tiers": len(index), "versions": len(plans)})
	return nil
}

// Resolve returns the newest version of tier effective at the given time.
func (c *Catalog) Resolve(tier int, at time.Time) (*domain.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.byTier[tier]
	var best *domain.Plan
	for _, p := range versions {
		if p.EffectiveAt.After(at) {
			continue
		}
		if best == nil || p.EffectiveAt.After(best.EffectiveAt) ||
			(p.EffectiveAt.Equal(best.EffectiveAt) && p.Version > best.Version) {
			best = p
		}
	}
	if best == nil {
		return nil, errors.Wrap(errors.ErrNoEligibleTier, fmt.Sprintf("tier %d", tier))
	}
	return best, nil
}

// Version returns one specific version of tier, loading it from the source
// when this catalog has not seen it yet.
func (c *Catalog) Version(ctx context.Context, tier, version int) (*domain.Plan, error) {
	if p := c.cached(tier, version); p != nil {
		return p, nil
	}

	p, err := c.source.LoadPlan(ctx, tier, version)
	if err != nil {
		if errors.Is(err, errors.ErrNoEligibleTier) {
			return nil, errors.Wrap(errors.ErrNoEligibleTier, fmt.Sprintf("tier %d version %d", tier, version))
		}
		return nil, errors.Wrap(err, "failed to load plan version")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPlan, err.Error())
	}
	c.add(p)

	c.logger.Info("Plan version loaded on demand", map[string]interface{}{
		"tier":    tier,
		"version": version,
	})
	return p, nil
}

func (c *Catalog) cached(tier, version int) *domain.Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.byTier[tier] {
		if p.Version == version {
			return p
		}
	}
	return nil
}

// add indexes p unless its version is already present.
func (c *Catalog) add(p *domain.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.byTier[p.Tier]
	for _, existing := range versions {
		if existing.Version == p.Version {
			return
		}
	}
	versions = append(versions, p)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	c.byTier[p.Tier] = versions
}

func (c *Catalog) latestVersion(tier int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.byTier[tier]
	if len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1].Version
}

// Publish stores p as the next version of its tier. A zero EffectiveAt means
// effective immediately. When another process took the version first, the
// index is reloaded and the next free version is tried.
func (c *Catalog) Publish(ctx context.Context, p domain.Plan) (*domain.Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPlan, err.Error())
	}

	now := c.now().UTC()
	if p.EffectiveAt.IsZero() {
		p.EffectiveAt = now
	}
	p.CreatedAt = now
	p.PayoutMultipliers = append(p.PayoutMultipliers[:0:0], p.PayoutMultipliers...)

	for attempt := 1; ; attempt++ {
		candidate := p
		candidate.Version = c.latestVersion(p.Tier) + 1

		err := c.source.InsertPlan(ctx, &candidate)
		if err == nil {
			c.add(&candidate)
			c.logger.Info("Plan published", map[string]interface{}{
				"tier":         candidate.Tier,
				"version":      candidate.Version,
				"effective_at": candidate.EffectiveAt,
			})
			return &candidate, nil
		}
		if !errors.Is(err, errors.ErrStorageConflict) || attempt == publishAttempts {
			return nil, errors.Wrap(err, "failed to publish plan")
		}

		c.logger.Warn("Plan version taken by another publisher, reloading", map[string]interface{}{
			"tier":    candidate.Tier,
			"version": candidate.Version,
			"attempt": attempt,
		})
		if err := c.Reload(ctx); err != nil {
			return nil, err
		}
	}
}

// Tiers lists configured tiers in ascending order.
func (c *Catalog) Tiers() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tiers := make([]int, 0, len(c.byTier))
	for tier := range c.byTier {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	return tiers
}

// StaticSource holds plans in memory. Useful for tests and local runs
// without a database.
type StaticSource struct {
	mu    sync.Mutex
	plans []*domain.Plan
}

func NewStaticSource(plans ...*domain.Plan) *StaticSource {
	return &StaticSource{plans: plans}
}

func (s *StaticSource) LoadPlans(ctx context.Context) ([]*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Plan(nil), s.plans...), nil
}

func (s *StaticSource) LoadPlan(ctx context.Context, tier, version int) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.Tier == tier && p.Version == version {
			return p, nil
		}
	}
	return nil, errors.ErrNoEligibleTier
}

func (s *StaticSource) InsertPlan(ctx context.Context, p *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plans {
		if existing.Tier == p.Tier && existing.Version == p.Version {
			return errors.Wrap(errors.ErrStorageConflict, "plan version already published")
		}
	}
	s.plans = append(s.plans, p)
	return nil
}
