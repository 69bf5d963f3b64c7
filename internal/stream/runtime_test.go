package stream

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
	"github.com/sandonleejacobs/rulestream/internal/core/store"
	"github.com/sandonleejacobs/rulestream/internal/deadletter"
	"github.com/sandonleejacobs/rulestream/internal/registry"
	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

const (
	testSubject types.Subject = "payments"
	testTopic                 = "payments-in"
)

func paymentsRules(t testing.TB) *rules.CompiledRuleSet {
	t.Helper()
	return paymentsRulesVersion(t, 3, "negative-amount")
}

// paymentsRulesVersion compiles the payments rules as rule set version,
// rejecting negative amounts with reason.
func paymentsRulesVersion(t testing.TB, version int64, reason string) *rules.CompiledRuleSet {
	t.Helper()
	schema := &types.Schema{
		Subject: testSubject,
		Version: 1,
		Fields: []types.Field{
			{Name: "amount", Kind: types.KindNumber},
			{Name: "currency", Kind: types.KindString, Nullable: true},
			{Name: "account", Kind: types.KindString, Nullable: true},
		},
	}
	rs := &types.RuleSet{
		Subject:       testSubject,
		Version:       version,
		SchemaVersion: 1,
		Rules: []types.Rule{
			{
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
				Action: types.Action{Kind: int(rules.ActionReject), ReasonCode: reason},
			},
			{
				RuleID:     "upper",
				Name:       "normalize currency",
				Priority:   2,
				SampleRate: 1,
				Action: types.Action{Kind: int(rules.ActionTransform), Transforms: []types.FieldTransform{
					{Op: int(rules.TransformUpper), Field: "currency"},
				}},
			},
		},
	}
	compiled, err := rules.CompileRuleSet(rs, schema)
	require.NoError(t, err)
	return compiled
}

// staticResolver serves one compiled rule set and fails the first
// `unavailable` resolutions.
type staticResolver struct {
	compiled    *rules.CompiledRuleSet
	unavailable atomic.Int64
	calls       atomic.Int64
}

func (r *staticResolver) Resolve(_ context.Context, subject types.Subject) (registry.Resolved, error) {
	r.calls.Add(1)
	if r.unavailable.Add(-1) >= 0 {
		return registry.Resolved{}, fmt.Errorf("%w: %s: registry unreachable", types.ErrSchemaUnavailable, subject)
	}
	return registry.Resolved{Subject: subject, Compiled: r.compiled, Version: r.compiled.Version}, nil
}

// swappingResolver serves first to the first resolution and next to every
// later one, like a rule set activated between two records.
type swappingResolver struct {
	first, next *rules.CompiledRuleSet
	calls       atomic.Int64
}

func (r *swappingResolver) Resolve(_ context.Context, subject types.Subject) (registry.Resolved, error) {
	compiled := r.next
	if r.calls.Add(1) == 1 {
		compiled = r.first
	}
	return registry.Resolved{Subject: subject, Compiled: compiled, Version: compiled.Version}, nil
}

// countingSource records the limit and the size of every Fetch. A positive
// perFetch caps each batch.
type countingSource struct {
	*MemorySource
	gated    bool
	perFetch int

	mu      sync.Mutex
	limits  []int
	batches []int
}

func (s *countingSource) AckGated() bool { return s.gated }

func (s *countingSource) Fetch(ctx context.Context, partition int32, limit int) ([]types.Record, error) {
	n := limit
	if s.perFetch > 0 && n > s.perFetch {
		n = s.perFetch
	}
	recs, err := s.MemorySource.Fetch(ctx, partition, n)
	s.mu.Lock()
	s.limits = append(s.limits, limit)
	s.batches = append(s.batches, len(recs))
	s.mu.Unlock()
	return recs, err
}

// fetches returns the limits and batch sizes of the calls that returned records.
func (s *countingSource) fetches() (limits, batches []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.batches {
		if n > 0 {
			limits = append(limits, s.limits[i])
			batches = append(batches, n)
		}
	}
	return limits, batches
}

func (s *countingSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type memSnapshots struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func newMemSnapshots() *memSnapshots { return &memSnapshots{bodies: make(map[string][]byte)} }

func (s *memSnapshots) SaveSnapshot(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[key] = append([]byte(nil), body...)
	return nil
}

func (s *memSnapshots) LoadSnapshot(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.bodies[key]
	return body, ok, nil
}

// partitionFailSink fails every emission of one partition.
type partitionFailSink struct {
	*MemorySink
	partition int32
}

func (s *partitionFailSink) Emit(ctx context.Context, rec types.Record) error {
	if rec.Partition == s.partition {
		return errSinkUnavailable
	}
	return s.MemorySink.Emit(ctx, rec)
}

// gatedQuarantine holds every ack until release is closed.
type gatedQuarantine struct {
	release chan struct{}
	entries chan types.QuarantineEntry
}

func (q *gatedQuarantine) Quarantine(_ context.Context, entry types.QuarantineEntry) deadletter.Ack {
	ack := make(chan error, 1)
	q.entries <- entry
	go func() {
		<-q.release
		ack <- nil
		close(ack)
	}()
	return ack
}

func testConfig() Config {
	return Config{
		Subject:              testSubject,
		Topic:                testTopic,
		Workers:              2,
		InFlightBudget:       8,
		FetchBatch:           4,
		FetchWait:            10 * time.Millisecond,
		DrainTimeout:         5 * time.Second,
		MaxEmitRetries:       3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		Dedup:                DedupConfig{Enabled: true, MaxEntries: 1000},
	}
}

type harness struct {
	source   *MemorySource
	sink     *MemorySink
	dest     *deadletter.MemoryDestination
	resolver *staticResolver
	deps     Deps
	metrics  *Metrics
}

func newHarness(t *testing.T, partitions int) *harness {
	t.Helper()
	h := &harness{
		source:   NewMemorySource(testTopic, testSubject, partitions),
		sink:     NewMemorySink(),
		dest:     deadletter.NewMemoryDestination(),
		resolver: &staticResolver{compiled: paymentsRules(t)},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	require.NoError(t, h.metrics.Register())

	router, err := deadletter.NewRouter(h.dest, deadletter.Config{
		QueueSize: 16, MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close(context.Background()) })

	h.deps = Deps{
		Source:     h.source,
		Sink:       h.sink,
		Quarantine: router,
		Resolver:   h.resolver,
		Metrics:    h.metrics,
	}
	return h
}

func (h *harness) append(partition int32, key, payload string) {
	h.source.Append(types.Record{
		Partition:   partition,
		Key:         key,
		ContentType: types.ContentTypeJSON,
		Payload:     types.Payload(payload),
		Timestamp:   epoch,
	})
}

// start runs rt until the returned stop func is called; stop returns Run's error.
func start(t *testing.T, rt *Runtime) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(10 * time.Second):
				t.Error("runtime did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitCommitted(t *testing.T, src *MemorySource, partition int32, offset int64) {
	t.Helper()
	require.Eventually(t, func() bool { return src.Committed(partition) >= offset },
		5*time.Second, time.Millisecond, "partition %d never committed %d", partition, offset)
}

func TestNewRuntime_Validation(t *testing.T) {
	h := newHarness(t, 1)

	bad := testConfig()
	bad.Workers = 0
	_, err := NewRuntime(bad, h.deps)
	require.Error(t, err)

	deps := h.deps
	deps.Sink = nil
	_, err = NewRuntime(testConfig(), deps)
	require.Error(t, err)

	cfg := testConfig()
	cfg.RekeyField = "items[*].sku"
	_, err = NewRuntime(cfg, h.deps)
	require.Error(t, err)
}

func TestRuntime_EmitsAndQuarantinesInSourceOrder(t *testing.T) {
	h := newHarness(t, 2)
	h.append(0, "a", `{"amount":10,"currency":"usd"}`)
	h.append(0, "b", `{"amount":-5,"currency":"usd"}`)
	h.append(0, "c", `{"amount":20,"currency":"eur"}`)
	h.append(1, "d", `{"amount":7,"currency":"gbp"}`)
	h.append(0, "e", `not json`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	waitCommitted(t, h.source, 0, 3)
	waitCommitted(t, h.source, 1, 0)
	require.NoError(t, stop())

	var p0 []int64
	for _, rec := range h.sink.Records() {
		if rec.Partition == 0 {
			p0 = append(p0, rec.Offset)
		}
	}
	require.Equal(t, []int64{0, 2}, p0)
	require.True(t, h.sink.Has(testSubject, testTopic, 0, 0))
	require.JSONEq(t, `{"amount":10,"currency":"USD"}`, string(h.sink.Records()[indexOf(h.sink.Records(), 0, 0)].Payload))

	quarantined := h.dest.Entries(testSubject)
	require.Len(t, quarantined, 2)
	require.Equal(t, "negative-amount", quarantined[0].ReasonCode)
	require.Equal(t, types.RuleID("neg"), quarantined[0].RuleID)
	require.Equal(t, int64(3), quarantined[0].RuleSetVersion)
	require.Equal(t, rules.ReasonMalformedPayload, quarantined[1].ReasonCode)

	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.recordsTotal.WithLabelValues("payments", "0", "reject")))
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.recordsTotal.WithLabelValues("payments", "0", "transform")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.recordsTotal.WithLabelValues("payments", "1", "transform")))
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.committedOffset.WithLabelValues("payments", "0")))

	for _, st := range rt.Status() {
		require.Equal(t, StateStopped, st.State)
		require.NoError(t, st.Err)
	}
}

func indexOf(recs []types.Record, partition int32, offset int64) int {
	for i, r := range recs {
		if r.Partition == partition && r.Offset == offset {
			return i
		}
	}
	return -1
}

// A transient sink failure is retried without committing; once the write
// lands the offset is committed exactly once and the sink holds one copy.
func TestRuntime_TransientSinkFailureCommitsOnce(t *testing.T) {
	h := newHarness(t, 1)
	h.sink.FailNext(3)
	h.append(0, "a", `{"amount":10,"currency":"usd"}`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	waitCommitted(t, h.source, 0, 0)
	require.NoError(t, stop())

	require.Len(t, h.sink.Records(), 1)
	require.Equal(t, 4, h.sink.Attempts())
	require.Equal(t, []int64{0}, h.source.Commits(0))
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.emitRetries.WithLabelValues("payments", "0")))
}

func TestRuntime_ExhaustedEmissionHaltsOnlyThatPartition(t *testing.T) {
	h := newHarness(t, 2)
	h.deps.Sink = &partitionFailSink{MemorySink: h.sink, partition: 0}

	var fatalPartition atomic.Int32
	fatalPartition.Store(-1)
	fatalErr := make(chan error, 1)
	h.deps.OnFatal = func(partition int32, err error) {
		fatalPartition.Store(partition)
		fatalErr <- err
	}

	h.append(0, "a", `{"amount":1,"currency":"usd"}`)
	h.append(1, "b", `{"amount":2,"currency":"usd"}`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	waitCommitted(t, h.source, 1, 0)
	require.Eventually(t, func() bool { return fatalPartition.Load() == 0 }, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, <-fatalErr, types.ErrEmissionFailed)

	h.append(1, "c", `{"amount":3,"currency":"usd"}`)
	waitCommitted(t, h.source, 1, 1)

	status := rt.Status()
	require.Equal(t, StateFatal, status[0].State)
	require.ErrorIs(t, status[0].Err, types.ErrEmissionFailed)
	require.Equal(t, int64(-1), h.source.Committed(0))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.fatalTotal.WithLabelValues("payments", "0")))

	require.ErrorIs(t, stop(), types.ErrEmissionFailed)
}

func TestRuntime_SchemaUnavailablePausesAndResumes(t *testing.T) {
	h := newHarness(t, 1)
	h.resolver.unavailable.Store(3)
	h.append(0, "a", `{"amount":10,"currency":"usd"}`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	waitCommitted(t, h.source, 0, 0)
	require.GreaterOrEqual(t, h.resolver.calls.Load(), int64(4))
	require.NoError(t, stop())
	require.Len(t, h.sink.Records(), 1)
}

func TestRuntime_DrainAwaitsPendingQuarantine(t *testing.T) {
	h := newHarness(t, 1)
	gate := &gatedQuarantine{release: make(chan struct{}), entries: make(chan types.QuarantineEntry, 4)}
	h.deps.Quarantine = gate
	h.append(0, "a", `{"amount":-1,"currency":"usd"}`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	select {
	case <-gate.entries:
	case <-time.After(5 * time.Second):
		t.Fatal("record never quarantined")
	}
	require.Equal(t, int64(-1), h.source.Committed(0))

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-stopped)
	require.Equal(t, int64(0), h.source.Committed(0))
}

func TestRuntime_DrainTimeoutStopsAtLastCommit(t *testing.T) {
	h := newHarness(t, 1)
	gate := &gatedQuarantine{release: make(chan struct{}), entries: make(chan types.QuarantineEntry, 4)}
	t.Cleanup(func() { close(gate.release) })
	h.deps.Quarantine = gate
	h.append(0, "a", `{"amount":5,"currency":"usd"}`)
	h.append(0, "b", `{"amount":-1,"currency":"usd"}`)

	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	rt, err := NewRuntime(cfg, h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	waitCommitted(t, h.source, 0, 0)
	<-gate.entries
	require.NoError(t, stop())

	require.Equal(t, int64(0), h.source.Committed(0))
	require.Equal(t, StateStopped, rt.Status()[0].State)
}

// After a lost commit the replayed records are recognised by the restored
// dedup state and not written to the sink again.
func TestRuntime_ReplaySkippedByRestoredDedup(t *testing.T) {
	h := newHarness(t, 1)
	snaps := newMemSnapshots()
	h.deps.Snapshots = snaps
	for i := 0; i < 5; i++ {
		h.append(0, fmt.Sprintf("k%d", i), `{"amount":1,"currency":"usd"}`)
	}

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)
	waitCommitted(t, h.source, 0, 4)
	require.NoError(t, stop())
	attempts := h.sink.Attempts()

	h.source.Seek(0, 1)
	rt, err = NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop = start(t, rt)
	waitCommitted(t, h.source, 0, 4)
	require.NoError(t, stop())

	require.Equal(t, attempts, h.sink.Attempts())
	require.Len(t, h.sink.Records(), 5)
	require.Equal(t, 4.0, testutil.ToFloat64(h.metrics.dedupSkipped.WithLabelValues("payments", "0")))
	require.False(t, rt.Status()[0].DedupDegraded)
}

func openStore(t *testing.T) *db.Queries {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(ctx, conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	return q
}

func TestRuntime_CorruptSnapshotRebuiltFromLedger(t *testing.T) {
	q := openStore(t)
	snaps := store.NewSnapshots(q)
	ledger := store.NewLedger(q)

	h := newHarness(t, 1)
	h.deps.Snapshots = snaps
	h.deps.Ledger = ledger
	for i := 0; i < 3; i++ {
		h.append(0, fmt.Sprintf("k%d", i), `{"amount":1,"currency":"usd"}`)
	}

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)
	waitCommitted(t, h.source, 0, 2)
	require.NoError(t, stop())

	n, err := ledger.Count(context.Background(), testSubject)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.NoError(t, snaps.SaveSnapshot(context.Background(), rt.snapshotKey(0), []byte("xxh64:0\n{}")))
	attempts := h.sink.Attempts()

	h.source.Seek(0, 0)
	rt, err = NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop = start(t, rt)
	waitCommitted(t, h.source, 0, 2)
	require.NoError(t, stop())

	require.Equal(t, attempts, h.sink.Attempts(), "rebuilt state should skip every replay")
	require.False(t, rt.Status()[0].DedupDegraded)
}

func TestRuntime_CorruptSnapshotWithoutLedgerIsDegraded(t *testing.T) {
	h := newHarness(t, 1)
	snaps := newMemSnapshots()
	h.deps.Snapshots = snaps
	h.append(0, "k", `{"amount":1,"currency":"usd"}`)

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	require.NoError(t, snaps.SaveSnapshot(context.Background(), rt.snapshotKey(0), []byte("garbage")))

	stop := start(t, rt)
	waitCommitted(t, h.source, 0, 0)
	require.NoError(t, stop())

	require.True(t, rt.Status()[0].DedupDegraded)
	require.Len(t, h.sink.Records(), 1)
}

func TestRuntime_RekeysEmittedRecords(t *testing.T) {
	h := newHarness(t, 1)
	h.append(0, "orig", `{"amount":1,"currency":"usd","account":"acct-9"}`)
	h.append(0, "keep", `{"amount":2,"currency":"usd"}`)

	cfg := testConfig()
	cfg.RekeyField = "account"
	rt, err := NewRuntime(cfg, h.deps)
	require.NoError(t, err)
	stop := start(t, rt)
	waitCommitted(t, h.source, 0, 1)
	require.NoError(t, stop())

	recs := h.sink.Records()
	require.Len(t, recs, 2)
	require.Equal(t, "acct-9", recs[0].Key)
	require.Equal(t, "orig", recs[0].Headers[HeaderSourceKey])
	require.Equal(t, "keep", recs[1].Key)
	require.Empty(t, recs[1].Headers[HeaderSourceKey])
}

// Committed offsets strictly increase and never pass a record whose
// emission was not acknowledged, whatever mix of outcomes a partition sees.
func TestRuntime_CommitMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("commits increase and end at the last offset", prop.ForAll(
		func(amounts []int) bool {
			h := newHarness(t, 1)
			var last int64 = -1
			var violated atomic.Bool
			h.source.OnCommit = func(_ int32, offset int64) {
				if offset <= last {
					violated.Store(true)
				}
				last = offset
				for o := int64(0); o <= offset; o++ {
					if !h.sink.Has(testSubject, testTopic, 0, o) && !quarantined(h.dest, o) {
						violated.Store(true)
					}
				}
			}
			for i, a := range amounts {
				h.append(0, fmt.Sprintf("k%d", i), fmt.Sprintf(`{"amount":%d,"currency":"usd"}`, a))
			}

			rt, err := NewRuntime(testConfig(), h.deps)
			if err != nil {
				return false
			}
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- rt.Run(ctx) }()

			want := int64(len(amounts) - 1)
			deadline := time.Now().Add(5 * time.Second)
			for h.source.Committed(0) < want && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			cancel()
			if err := <-done; err != nil {
				return false
			}
			return !violated.Load() && h.source.Committed(0) == want
		},
		gen.SliceOfN(12, gen.IntRange(-3, 3)),
	))

	properties.TestingRun(t)
}

func quarantined(dest *deadletter.MemoryDestination, offset int64) bool {
	for _, e := range dest.Entries(testSubject) {
		if e.Record.Offset == offset {
			return true
		}
	}
	return false
}

// Replaying any suffix of a partition without dedup state leaves the sink
// with exactly one copy of every accepted record.
func TestRuntime_SinkIdempotentUnderReplay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("replay does not duplicate emissions", prop.ForAll(
		func(n int, from int) bool {
			h := newHarness(t, 1)
			for i := 0; i < n; i++ {
				h.append(0, fmt.Sprintf("k%d", i), `{"amount":1,"currency":"usd"}`)
			}
			cfg := testConfig()
			cfg.Dedup.Enabled = false

			run := func() bool {
				rt, err := NewRuntime(cfg, h.deps)
				if err != nil {
					return false
				}
				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan error, 1)
				go func() { done <- rt.Run(ctx) }()
				deadline := time.Now().Add(5 * time.Second)
				for h.source.Committed(0) < int64(n-1) && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				cancel()
				return <-done == nil
			}

			if !run() {
				return false
			}
			h.source.Seek(0, int64(from%n))
			if !run() {
				return false
			}
			return len(h.sink.Records()) == n && h.sink.Attempts() == n+(n-from%n)
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 9),
	))

	properties.TestingRun(t)
}

func TestRuntime_FetchStopsAtInFlightBudget(t *testing.T) {
	h := newHarness(t, 1)
	gate := &gatedQuarantine{release: make(chan struct{}), entries: make(chan types.QuarantineEntry, 8)}
	h.deps.Quarantine = gate
	for i := 0; i < 5; i++ {
		h.append(0, fmt.Sprintf("k%d", i), `{"amount":-1,"currency":"usd"}`)
	}
	src := &countingSource{MemorySource: h.source}
	h.deps.Source = src

	cfg := testConfig()
	cfg.InFlightBudget = 2
	rt, err := NewRuntime(cfg, h.deps)
	require.NoError(t, err)
	stop := start(t, rt)

	for i := 0; i < 2; i++ {
		select {
		case <-gate.entries:
		case <-time.After(5 * time.Second):
			t.Fatalf("quarantined %d of 2 records", i)
		}
	}
	select {
	case e := <-gate.entries:
		t.Fatalf("offset %d evaluated past a full budget", e.Record.Offset)
	case <-time.After(30 * time.Millisecond):
	}
	limits, batches := src.fetches()
	require.Equal(t, []int{2}, batches, "one fetch fills the budget")
	for _, limit := range limits {
		require.LessOrEqual(t, limit, cfg.InFlightBudget)
	}
	require.Equal(t, int64(-1), h.source.Committed(0))

	close(gate.release)
	waitCommitted(t, h.source, 0, 4)
	require.Len(t, gate.entries, 3)
	require.NoError(t, stop())
}

func TestRuntime_AckGatedSourceWaitsForQuarantineAck(t *testing.T) {
	h := newHarness(t, 1)
	gate := &gatedQuarantine{release: make(chan struct{}), entries: make(chan types.QuarantineEntry, 4)}
	h.deps.Quarantine = gate
	h.append(0, "a", `{"amount":-1,"currency":"usd"}`)
	h.append(0, "b", `{"amount":5,"currency":"usd"}`)
	src := &countingSource{MemorySource: h.source, gated: true, perFetch: 1}
	h.deps.Source = src

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	require.True(t, rt.ackGated)
	stop := start(t, rt)

	select {
	case <-gate.entries:
	case <-time.After(5 * time.Second):
		t.Fatal("record never quarantined")
	}
	// Several FetchWait periods pass without a further fetch.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, src.calls())
	require.Empty(t, h.sink.Records())

	close(gate.release)
	waitCommitted(t, h.source, 0, 1)
	require.Len(t, h.sink.Records(), 1)
	require.NoError(t, stop())
}

func TestRuntime_RuleSetSwapAppliesToBufferedRecords(t *testing.T) {
	h := newHarness(t, 1)
	for i := 0; i < 3; i++ {
		h.append(0, fmt.Sprintf("k%d", i), `{"amount":-1,"currency":"usd"}`)
	}
	src := &countingSource{MemorySource: h.source}
	h.deps.Source = src
	resolver := &swappingResolver{
		first: paymentsRules(t),
		next:  paymentsRulesVersion(t, 4, "negative-amount-v4"),
	}
	h.deps.Resolver = resolver

	rt, err := NewRuntime(testConfig(), h.deps)
	require.NoError(t, err)
	stop := start(t, rt)
	waitCommitted(t, h.source, 0, 2)
	require.NoError(t, stop())

	_, batches := src.fetches()
	require.Equal(t, []int{3}, batches, "all records were fetched before the swap")

	entries := h.dest.Entries(testSubject)
	require.Len(t, entries, 3)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Record.Offset < entries[j].Record.Offset })
	require.Equal(t, int64(3), entries[0].RuleSetVersion)
	require.Equal(t, "negative-amount", entries[0].ReasonCode)
	for _, e := range entries[1:] {
		require.Equal(t, int64(4), e.RuleSetVersion, "offset %d", e.Record.Offset)
		require.Equal(t, "negative-amount-v4", e.ReasonCode)
	}
}
