// internal/control/plane.go
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandonleejacobs/rulestream/internal/registry"
	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Rule control plane.
 *
 * A proposal is compiled in full against the subject's latest schema before
 * anything is written; every broken rule is reported in one
 * types.ValidationErrors. An accepted proposal is stored and activated in a
 * single store transaction, then the registry cache is invalidated and
 * refreshed so subscribers see the new version at their next record.
 *
 * Proposals for one subject are serialized; different subjects proceed in
 * parallel. Stored versions are never modified: reactivating an old version
 * proposes its rules again under a new version number.
 */

// Store is the durable registry the plane publishes to.
type Store interface {
	FetchSchema(ctx context.Context, subject types.Subject, version int) (*types.Schema, error)
	FetchRuleSet(ctx context.Context, subject types.Subject) (*types.RuleSet, error)
	GetRuleSet(ctx context.Context, subject types.Subject, version int64) (*types.RuleSet, error)
	ListRuleSetVersions(ctx context.Context, subject types.Subject) ([]types.RuleSetVersion, error)
	SaveAndActivate(ctx context.Context, rs *types.RuleSet) (*types.RuleSet, error)
}

// Cache is the resolver notified after each activation.
type Cache interface {
	Invalidate(subject types.Subject)
	Refresh(ctx context.Context, subject types.Subject) (registry.Resolved, error)
}

// Plane validates and publishes rule sets.
type Plane struct {
	store  Store
	cache  Cache
	logger *slog.Logger

	mu    sync.Mutex
	locks map[types.Subject]*sync.Mutex
}

// NewPlane creates a Plane. cache may be nil when nothing resolves in-process.
func NewPlane(store Store, cache Cache, logger *slog.Logger) (*Plane, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "control"),
		locks:  make(map[types.Subject]*sync.Mutex),
	}, nil
}

// subjectLock returns the mutex serializing proposals for subject.
func (p *Plane) subjectLock(subject types.Subject) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.locks[subject]; !ok {
		p.locks[subject] = &sync.Mutex{}
	}
	return p.locks[subject]
}

// ProposeRuleSet validates ruleSet against the latest schema of subject and
// activates it as a new version. Rules without an id get a fresh one.
// Returns types.ValidationErrors when any rule fails; the active version is
// then unchanged.
func (p *Plane) ProposeRuleSet(ctx context.Context, subject types.Subject, ruleSet []types.Rule) (*types.RuleSet, error) {
	if subject == "" {
		return nil, types.ValidationErrors{{Err: fmt.Errorf("%w: subject required", types.ErrInvalidSchema)}}
	}

	proposed := make([]types.Rule, len(ruleSet))
	copy(proposed, ruleSet)
	for i := range proposed {
		if proposed[i].RuleID == "" {
			proposed[i].RuleID = types.NewRuleID()
		}
	}

	lock := p.subjectLock(subject)
	lock.Lock()
	defer lock.Unlock()

	schema, err := p.store.FetchSchema(ctx, subject, 0)
	if err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", subject, err)
	}

	rs := &types.RuleSet{Subject: subject, SchemaVersion: schema.Version, Rules: proposed}
	if _, err := rules.CompileRuleSet(rs, schema); err != nil {
		p.logger.Info("rule set proposal rejected", "subject", subject, "rules", len(proposed), "error", err)
		return nil, err
	}

	stored, err := p.store.SaveAndActivate(ctx, rs)
	if err != nil {
		return nil, fmt.Errorf("activate rule set for %s: %w", subject, err)
	}

	p.logger.Info("rule set activated",
		"subject", subject,
		"version", stored.Version,
		"schema_version", stored.SchemaVersion,
		"rules", len(stored.Rules),
	)

	if p.cache != nil {
		p.cache.Invalidate(subject)
		if _, err := p.cache.Refresh(ctx, subject); err != nil {
			// Activation is durable; partitions pick it up on their next resolve.
			p.logger.Warn("refresh after activation failed", "subject", subject, "version", stored.Version, "error", err)
		}
	}
	return stored, nil
}

// GetActiveRuleSet returns the active rule set of subject.
func (p *Plane) GetActiveRuleSet(ctx context.Context, subject types.Subject) (*types.RuleSet, error) {
	return p.store.FetchRuleSet(ctx, subject)
}

// ListVersions returns the version history of subject, oldest first.
func (p *Plane) ListVersions(ctx context.Context, subject types.Subject) ([]types.RuleSetVersion, error) {
	return p.store.ListRuleSetVersions(ctx, subject)
}

// Reactivate proposes the rules of a stored version again. The result is a
// new version validated against the current schema.
func (p *Plane) Reactivate(ctx context.Context, subject types.Subject, version int64) (*types.RuleSet, error) {
	old, err := p.store.GetRuleSet(ctx, subject, version)
	if err != nil {
		return nil, err
	}
	stored, err := p.ProposeRuleSet(ctx, subject, old.Rules)
	if err != nil {
		return nil, err
	}
	p.logger.Info("rule set reactivated", "subject", subject, "from_version", version, "version", stored.Version)
	return stored, nil
}
