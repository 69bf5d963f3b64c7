// Package registry resolves the schema and active rule set of a subject and
// keeps a compiled copy of each in a process-wide cache.
//
// The cache is a copy-on-swap map behind an atomic.Pointer: readers load
// the pointer without locking, one writer at a time builds a new map and
// swaps it in. Concurrent misses on the same subject collapse into a single
// remote fetch.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// Client is the remote side of the registry.
// FetchSchema with version 0 returns the latest version.
type Client interface {
	FetchSchema(ctx context.Context, subject types.Subject, version int) (*types.Schema, error)
	FetchRuleSet(ctx context.Context, subject types.Subject) (*types.RuleSet, error)
}

// Config controls cache freshness.
type Config struct {
	CacheTTL        time.Duration // hits younger than this skip the remote call
	MaxStaleness    time.Duration // oldest value served when the remote fails
	RefreshInterval time.Duration // period of the Run loop
}

// DefaultConfig returns the freshness policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        30 * time.Second,
		MaxStaleness:    5 * time.Minute,
		RefreshInterval: 15 * time.Second,
	}
}

// Resolved is the rule set a partition pins for one record.
// Compiled is shared read-only between every caller.
type Resolved struct {
	Subject   types.Subject
	Schema    *types.Schema  // nil when the subject has no schema and no rule set
	RuleSet   *types.RuleSet // nil for the empty version 0 rule set
	Compiled  *rules.CompiledRuleSet
	Version   int64
	Degraded  bool // served from cache after a failed fetch
	FetchedAt time.Time
}

type entry struct {
	resolved Resolved
	expired  bool
}

type cacheMap map[types.Subject]*entry

// Adapter caches resolved rule sets per subject.
type Adapter struct {
	client  Client
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	cache   atomic.Pointer[cacheMap]
	writeMu sync.Mutex
	group   singleflight.Group

	subMu   sync.Mutex
	subs    map[types.Subject]map[uint64]func(Resolved)
	nextSub uint64
}

// NewAdapter creates an Adapter. A nil logger uses slog.Default and nil
// metrics disables instrumentation.
func NewAdapter(client Client, cfg Config, logger *slog.Logger, metrics *Metrics) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.CacheTTL <= 0 || cfg.MaxStaleness <= 0 || cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("cache_ttl, max_staleness and refresh_interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		metrics: metrics,
		now:     time.Now,
		subs:    make(map[types.Subject]map[uint64]func(Resolved)),
	}
	empty := cacheMap{}
	a.cache.Store(&empty)
	return a, nil
}

// Resolve returns the active rule set of subject.
//
// A cache hit within CacheTTL returns without a remote call. On fetch failure
// a cached value no older than MaxStaleness is returned with Degraded set;
// otherwise the error wraps types.ErrSchemaUnavailable.
func (a *Adapter) Resolve(ctx context.Context, subject types.Subject) (Resolved, error) {
	cached := a.lookup(subject)
	now := a.now()
	if cached != nil && !cached.expired && now.Sub(cached.resolved.FetchedAt) < a.cfg.CacheTTL {
		a.metrics.observeResolve(subject, resultHit)
		return cached.resolved, nil
	}

	fresh, err := a.load(ctx, subject)
	if err == nil {
		a.metrics.observeResolve(subject, resultMiss)
		return fresh, nil
	}

	if cached != nil && now.Sub(cached.resolved.FetchedAt) <= a.cfg.MaxStaleness {
		a.metrics.observeResolve(subject, resultStale)
		a.logger.Warn("serving stale rule set",
			"subject", subject,
			"version", cached.resolved.Version,
			"age", now.Sub(cached.resolved.FetchedAt),
			"error", err,
		)
		stale := cached.resolved
		stale.Degraded = true
		return stale, nil
	}

	a.metrics.observeResolve(subject, resultError)
	return Resolved{}, fmt.Errorf("%w: %s: %w", types.ErrSchemaUnavailable, subject, err)
}

// Refresh fetches subject from the remote regardless of cache age.
func (a *Adapter) Refresh(ctx context.Context, subject types.Subject) (Resolved, error) {
	return a.load(ctx, subject)
}

// Invalidate marks the cached value of subject expired. The value stays
// available as a stale fallback.
func (a *Adapter) Invalidate(subject types.Subject) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	current := *a.cache.Load()
	e, ok := current[subject]
	if !ok {
		return
	}
	next := make(cacheMap, len(current))
	for k, v := range current {
		next[k] = v
	}
	next[subject] = &entry{resolved: e.resolved, expired: true}
	a.cache.Store(&next)
}

// Subscribe registers fn to be called whenever subject resolves to a
// different rule set version. Calls happen on the fetching goroutine and
// may repeat a version. The returned func removes the subscription.
func (a *Adapter) Subscribe(subject types.Subject, fn func(Resolved)) (unsubscribe func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	id := a.nextSub
	a.nextSub++
	if a.subs[subject] == nil {
		a.subs[subject] = make(map[uint64]func(Resolved))
	}
	a.subs[subject][id] = fn

	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		delete(a.subs[subject], id)
		if len(a.subs[subject]) == 0 {
			delete(a.subs, subject)
		}
	}
}

// Run refreshes every cached subject each RefreshInterval until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for subject := range *a.cache.Load() {
				if _, err := a.Refresh(ctx, subject); err != nil && ctx.Err() == nil {
					a.logger.Warn("background refresh failed", "subject", subject, "error", err)
				}
			}
		}
	}
}

func (a *Adapter) lookup(subject types.Subject) *entry {
	return (*a.cache.Load())[subject]
}

// load runs one remote fetch per subject at a time; concurrent callers share it.
func (a *Adapter) load(ctx context.Context, subject types.Subject) (Resolved, error) {
	v, err, _ := a.group.Do(string(subject), func() (any, error) {
		return a.fetch(ctx, subject)
	})
	if err != nil {
		return Resolved{}, err
	}
	return v.(Resolved), nil
}

func (a *Adapter) fetch(ctx context.Context, subject types.Subject) (Resolved, error) {
	start := a.now()
	defer func() { a.metrics.observeFetch(subject, a.now().Sub(start)) }()

	rs, err := a.client.FetchRuleSet(ctx, subject)
	if err != nil && !errors.Is(err, types.ErrRuleSetNotFound) {
		return Resolved{}, fmt.Errorf("fetch rule set: %w", err)
	}
	if err != nil {
		rs = nil
	}

	schemaVersion := 0
	if rs != nil {
		schemaVersion = rs.SchemaVersion
	}
	schema, err := a.client.FetchSchema(ctx, subject, schemaVersion)
	if err != nil {
		// No schema and nothing active: every record is accepted.
		if !(rs == nil && errors.Is(err, types.ErrSchemaNotFound)) {
			return Resolved{}, fmt.Errorf("fetch schema: %w", err)
		}
		schema = nil
	}

	res := Resolved{
		Subject:   subject,
		Schema:    schema,
		RuleSet:   rs,
		FetchedAt: a.now(),
	}
	if rs != nil {
		res.Version = rs.Version
	}

	prev := a.lookup(subject)
	switch {
	case prev != nil && prev.resolved.Version == res.Version && sameSchema(prev.resolved.Schema, schema):
		res.Compiled = prev.resolved.Compiled
	case rs == nil:
		res.Compiled = rules.EmptyRuleSet(subject, schema)
	default:
		compiled, err := rules.CompileRuleSet(rs, schema)
		if err != nil {
			return Resolved{}, fmt.Errorf("compile %s v%d: %w", subject, rs.Version, err)
		}
		res.Compiled = compiled
	}

	a.store(subject, res)
	if prev == nil || prev.resolved.Version != res.Version {
		a.metrics.setActiveVersion(subject, res.Version)
		a.logger.Info("rule set resolved",
			"subject", subject,
			"version", res.Version,
			"schema_version", res.Compiled.SchemaVersion,
			"rules", len(res.Compiled.Rules),
		)
		a.notify(subject, res)
	}
	return res, nil
}

func sameSchema(a, b *types.Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version == b.Version
}

func (a *Adapter) store(subject types.Subject, res Resolved) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	current := *a.cache.Load()
	next := make(cacheMap, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[subject] = &entry{resolved: res}
	a.cache.Store(&next)
}

func (a *Adapter) notify(subject types.Subject, res Resolved) {
	a.subMu.Lock()
	fns := make([]func(Resolved), 0, len(a.subs[subject]))
	for _, fn := range a.subs[subject] {
		fns = append(fns, fn)
	}
	a.subMu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}
