package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// countingClient wraps a MemoryRegistry, counts fetches and can fail on demand.
type countingClient struct {
	*MemoryRegistry
	fetches atomic.Int64
	failing atomic.Bool
}

var errRemoteDown = errors.New("registry unreachable")

func (c *countingClient) FetchRuleSet(ctx context.Context, subject types.Subject) (*types.RuleSet, error) {
	c.fetches.Add(1)
	if c.failing.Load() {
		return nil, errRemoteDown
	}
	return c.MemoryRegistry.FetchRuleSet(ctx, subject)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSchema() *types.Schema {
	return &types.Schema{
		Subject: "payments",
		Version: 1,
		Fields: []types.Field{
			{Name: "amount", Kind: types.KindNumber},
			{Name: "currency", Kind: types.KindString, Nullable: true},
		},
	}
}

func negativeAmountRule() types.Rule {
	return types.Rule{
		RuleID:     "neg",
		Name:       "negative amount",
		Priority:   1,
		SampleRate: 1,
		OrGroups: []types.OrGroup{{Conditions: []types.Condition{{
			FieldPath: []types.PathSegment{{Key: "amount"}},
			Operator:  int(rules.OpLt),
			FieldType: int(rules.FieldTypeNumeric),
			Value:     0.0,
		}}}},
		Action: types.Action{Kind: int(rules.ActionReject), ReasonCode: "negative-amount"},
	}
}

func newTestAdapter(t *testing.T, client Client, reg prometheus.Registerer) (*Adapter, *fakeClock) {
	t.Helper()
	var metrics *Metrics
	if reg != nil {
		metrics = NewMetrics(reg)
		require.NoError(t, metrics.Register())
	}
	a, err := NewAdapter(client, Config{
		CacheTTL:        10 * time.Second,
		MaxStaleness:    time.Minute,
		RefreshInterval: time.Second,
	}, nil, metrics)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a.now = clock.Now
	return a, clock
}

func seeded(t *testing.T) *countingClient {
	t.Helper()
	ctx := context.Background()
	mem := NewMemoryRegistry()
	require.NoError(t, mem.PutSchema(ctx, testSchema()))
	_, err := mem.SaveAndActivate(ctx, &types.RuleSet{Subject: "payments", SchemaVersion: 1, Rules: []types.Rule{negativeAmountRule()}})
	require.NoError(t, err)
	return &countingClient{MemoryRegistry: mem}
}

func TestNewAdapter_Validation(t *testing.T) {
	_, err := NewAdapter(nil, DefaultConfig(), nil, nil)
	require.Error(t, err)

	_, err = NewAdapter(NewMemoryRegistry(), Config{CacheTTL: time.Second}, nil, nil)
	require.Error(t, err)
}

func TestResolve_CacheHitWithinTTL(t *testing.T) {
	ctx := context.Background()
	client := seeded(t)
	reg := prometheus.NewRegistry()
	a, clock := newTestAdapter(t, client, reg)

	first, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)
	require.False(t, first.Degraded)
	require.Len(t, first.Compiled.Rules, 1)

	clock.Advance(5 * time.Second)
	second, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(1), client.fetches.Load(), "hit within TTL must not refetch")
	require.Same(t, first.Compiled, second.Compiled)

	clock.Advance(6 * time.Second)
	third, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(2), client.fetches.Load())
	require.Same(t, first.Compiled, third.Compiled, "unchanged version reuses the compiled set")

	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.resolvesTotal.WithLabelValues("payments", resultHit)))
	require.Equal(t, 2.0, testutil.ToFloat64(a.metrics.resolvesTotal.WithLabelValues("payments", resultMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.activeVersion.WithLabelValues("payments")))
}

func TestResolve_EmptySubjectAcceptsEverything(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRegistry()
	require.NoError(t, mem.PutSchema(ctx, testSchema()))
	a, _ := newTestAdapter(t, mem, nil)

	res, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Zero(t, res.Version)
	require.Nil(t, res.RuleSet)
	require.NotNil(t, res.Schema)
	require.Empty(t, res.Compiled.Rules)

	out := res.Compiled.Evaluate(types.Record{Subject: "payments", Payload: types.Payload(`not json`)})
	require.Equal(t, rules.OutcomeAccept, out.Kind)

	unknown, err := a.Resolve(ctx, "never-registered")
	require.NoError(t, err)
	require.Nil(t, unknown.Schema)
	require.Zero(t, unknown.Version)
}

func TestResolve_StaleFallbackThenUnavailable(t *testing.T) {
	ctx := context.Background()
	client := seeded(t)
	reg := prometheus.NewRegistry()
	a, clock := newTestAdapter(t, client, reg)

	_, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)

	client.failing.Store(true)
	clock.Advance(30 * time.Second)
	stale, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.True(t, stale.Degraded)
	require.Equal(t, int64(1), stale.Version)
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.resolvesTotal.WithLabelValues("payments", resultStale)))

	clock.Advance(31 * time.Second)
	_, err = a.Resolve(ctx, "payments")
	require.ErrorIs(t, err, types.ErrSchemaUnavailable)
	require.ErrorIs(t, err, errRemoteDown)

	client.failing.Store(false)
	healed, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.False(t, healed.Degraded)
}

func TestResolve_UnavailableWithoutCache(t *testing.T) {
	client := seeded(t)
	client.failing.Store(true)
	a, _ := newTestAdapter(t, client, nil)

	_, err := a.Resolve(context.Background(), "payments")
	require.ErrorIs(t, err, types.ErrSchemaUnavailable)
}

func TestResolve_RuleSetWithoutSchemaIsUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRegistry()
	_, err := mem.SaveAndActivate(ctx, &types.RuleSet{Subject: "orphan", SchemaVersion: 4})
	require.NoError(t, err)
	a, _ := newTestAdapter(t, mem, nil)

	_, err = a.Resolve(ctx, "orphan")
	require.ErrorIs(t, err, types.ErrSchemaUnavailable)
	require.ErrorIs(t, err, types.ErrSchemaNotFound)
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := seeded(t)
	a, _ := newTestAdapter(t, client, nil)

	_, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)

	_, err = client.SaveAndActivate(ctx, &types.RuleSet{Subject: "payments", SchemaVersion: 1})
	require.NoError(t, err)

	cached, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(1), cached.Version, "still within TTL")

	a.Invalidate("payments")
	fresh, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(2), fresh.Version)
	require.Empty(t, fresh.Compiled.Rules)

	a.Invalidate("not-cached")
}

func TestSubscribe_NotifiedOnVersionChange(t *testing.T) {
	ctx := context.Background()
	client := seeded(t)
	a, _ := newTestAdapter(t, client, nil)

	_, err := a.Resolve(ctx, "payments")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int64
	unsubscribe := a.Subscribe("payments", func(r Resolved) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Version)
	})

	_, err = a.Refresh(ctx, "payments")
	require.NoError(t, err)

	_, err = client.SaveAndActivate(ctx, &types.RuleSet{Subject: "payments", SchemaVersion: 1})
	require.NoError(t, err)
	_, err = a.Refresh(ctx, "payments")
	require.NoError(t, err)

	unsubscribe()
	_, err = client.SaveAndActivate(ctx, &types.RuleSet{Subject: "payments", SchemaVersion: 1})
	require.NoError(t, err)
	_, err = a.Refresh(ctx, "payments")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{2}, seen)
}

func TestRun_RefreshesCachedSubjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := seeded(t)
	a, err := NewAdapter(client, Config{
		CacheTTL:        time.Hour,
		MaxStaleness:    time.Hour,
		RefreshInterval: 5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	_, err = a.Resolve(ctx, "payments")
	require.NoError(t, err)

	updated := make(chan int64, 4)
	a.Subscribe("payments", func(r Resolved) {
		select {
		case updated <- r.Version:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	_, err = client.SaveAndActivate(ctx, &types.RuleSet{Subject: "payments", SchemaVersion: 1})
	require.NoError(t, err)

	select {
	case v := <-updated:
		require.Equal(t, int64(2), v)
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh did not pick up the new version")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestResolve_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	client := seeded(t)
	a, _ := newTestAdapter(t, client, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Resolve(ctx, "payments")
			if err != nil || res.Version != 1 {
				t.Errorf("Resolve() = %d, %v", res.Version, err)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, client.fetches.Load(), int64(16))
}

func TestMemoryRegistry_SchemaOrdering(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRegistry()

	v2 := testSchema()
	v2.Version = 2
	require.NoError(t, mem.PutSchema(ctx, v2))
	require.NoError(t, mem.PutSchema(ctx, testSchema()))
	require.NoError(t, mem.PutSchema(ctx, testSchema()))

	latest, err := mem.FetchSchema(ctx, "payments", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	conflict := testSchema()
	conflict.Fields = conflict.Fields[:1]
	require.ErrorIs(t, mem.PutSchema(ctx, conflict), types.ErrSchemaConflict)

	_, err = mem.FetchSchema(ctx, "payments", 3)
	require.ErrorIs(t, err, types.ErrSchemaNotFound)

	_, err = mem.GetRuleSet(ctx, "payments", 1)
	require.ErrorIs(t, err, types.ErrRuleSetNotFound)
}
