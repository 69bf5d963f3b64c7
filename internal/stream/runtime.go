// internal/stream/runtime.go
/*
 * Partitioned stream runtime.
 *
 * Each source partition is driven by a loop owned by exactly one worker of a
 * bounded pool. A loop step polls quarantine acks, commits the acknowledged
 * prefix, fetches when under the in-flight budget, then evaluates buffered
 * records in source order against the rule set pinned for each record.
 *
 * Accepted and transformed records are written to the sink (and the optional
 * output ledger) synchronously with bounded retry. Rejected records go to the
 * dead-letter router, whose Ack is tracked by the partition cursor. The
 * committed offset only moves across a contiguous prefix of acknowledged
 * records.
 *
 * Failure handling:
 *   - ErrSchemaUnavailable pauses the partition with backoff (ERROR state);
 *     the record stays at the head of the buffer.
 *   - An exhausted sink write, a failed quarantine Ack or an exhausted commit
 *     halts the partition (FATAL). Other partitions keep running.
 *
 * Shutdown: cancelling Run's context stops fetching. Buffered records finish
 * and their acks are awaited; DrainTimeout bounds the whole drain, after which
 * loops stop at the last committed offset.
 */
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sandonleejacobs/rulestream/internal/codec"
	"github.com/sandonleejacobs/rulestream/internal/deadletter"
	"github.com/sandonleejacobs/rulestream/internal/registry"
	"github.com/sandonleejacobs/rulestream/internal/rules"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// HeaderSourceKey carries the original record key on rekeyed emissions.
const HeaderSourceKey = "rulestream-source-key"

const tracerName = "github.com/sandonleejacobs/rulestream/internal/stream"

// Source is a partitioned, at-least-once record source.
// Fetch returns (nil, nil) when ctx ends before any record is available.
// Commit(offset) marks every record up to and including offset as processed.
type Source interface {
	Partitions() []int32
	Fetch(ctx context.Context, partition int32, max int) ([]types.Record, error)
	Commit(ctx context.Context, partition int32, offset int64) error
}

// AckGatedSource is implemented by sources whose partitions deliver nothing
// new until the records already delivered are committed. The runtime then
// waits on outstanding quarantine acks instead of fetching.
type AckGatedSource interface {
	AckGated() bool
}

// Sink receives accepted and transformed records. It must be idempotent per
// record position.
type Sink interface {
	Emit(ctx context.Context, rec types.Record) error
}

// Ledger is an optional durable record of emissions. Dedup state is rebuilt
// from it when a snapshot is corrupt.
type Ledger interface {
	Emit(ctx context.Context, rec types.Record) error
	Recent(ctx context.Context, subject types.Subject, topic string, partition int32, limit int) ([]types.Record, error)
}

// Quarantiner routes rejected records.
type Quarantiner interface {
	Quarantine(ctx context.Context, entry types.QuarantineEntry) deadletter.Ack
}

// Resolver returns the rule set to pin for a record.
type Resolver interface {
	Resolve(ctx context.Context, subject types.Subject) (registry.Resolved, error)
}

// SnapshotStore persists dedup snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, body []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, bool, error)
}

// DedupConfig bounds the per-partition dedup state.
type DedupConfig struct {
	Enabled    bool
	MaxEntries int
	MaxAge     time.Duration
}

// Config controls the runtime.
type Config struct {
	Subject types.Subject
	Topic   string

	Workers        int
	InFlightBudget int
	FetchBatch     int
	FetchWait      time.Duration
	DrainTimeout   time.Duration

	MaxEmitRetries       uint64
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Dedup DedupConfig

	// RekeyField, when set, is a payload field path whose value becomes the
	// key of emitted records.
	RekeyField string
}

// DefaultConfig returns runtime defaults for subject and topic.
func DefaultConfig(subject types.Subject, topic string) Config {
	return Config{
		Subject:              subject,
		Topic:                topic,
		Workers:              4,
		InFlightBudget:       256,
		FetchBatch:           64,
		FetchWait:            500 * time.Millisecond,
		DrainTimeout:         30 * time.Second,
		MaxEmitRetries:       5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		Dedup: DedupConfig{
			Enabled:    true,
			MaxEntries: 100_000,
			MaxAge:     24 * time.Hour,
		},
	}
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	switch {
	case c.Subject == "":
		return fmt.Errorf("subject cannot be empty")
	case c.Topic == "":
		return fmt.Errorf("topic cannot be empty")
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	case c.InFlightBudget <= 0:
		return fmt.Errorf("in-flight budget must be positive")
	case c.FetchBatch <= 0:
		return fmt.Errorf("fetch batch must be positive")
	case c.FetchWait <= 0:
		return fmt.Errorf("fetch wait must be positive")
	case c.DrainTimeout <= 0:
		return fmt.Errorf("drain timeout must be positive")
	case c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval:
		return fmt.Errorf("retry intervals must be positive and ordered")
	case c.Dedup.Enabled && c.Dedup.MaxEntries <= 0:
		return fmt.Errorf("dedup max entries must be positive")
	}
	return nil
}

// Deps are the collaborators of a Runtime. Ledger, Snapshots, Logger,
// Metrics and OnFatal are optional.
type Deps struct {
	Source     Source
	Sink       Sink
	Ledger     Ledger
	Quarantine Quarantiner
	Resolver   Resolver
	Snapshots  SnapshotStore
	Logger     *slog.Logger
	Metrics    *Metrics
	OnFatal    func(partition int32, err error)
}

// PartitionStatus is a point-in-time view of one partition loop.
type PartitionStatus struct {
	Partition     int32
	State         State
	Committed     int64
	InFlight      int
	DedupDegraded bool
	Err           error
}

// Runtime drives every partition of one source.
type Runtime struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	tracer    trace.Tracer
	rekeyPath []types.PathSegment
	ackGated  bool
	now       func() time.Time

	running atomic.Bool

	mu    sync.Mutex
	parts []*partition
	fatal []error
}

// NewRuntime validates cfg and deps.
func NewRuntime(cfg Config, deps Deps) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("source cannot be nil")
	case deps.Sink == nil:
		return nil, fmt.Errorf("sink cannot be nil")
	case deps.Quarantine == nil:
		return nil, fmt.Errorf("quarantine cannot be nil")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver cannot be nil")
	}

	r := &Runtime{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "stream", "subject", string(cfg.Subject), "topic", cfg.Topic)
	if gated, ok := deps.Source.(AckGatedSource); ok {
		r.ackGated = gated.AckGated()
	}

	if cfg.RekeyField != "" {
		path, err := rules.ParsePath(cfg.RekeyField)
		if err != nil {
			return nil, fmt.Errorf("rekey field: %w", err)
		}
		for _, seg := range path {
			if seg.Wildcard {
				return nil, fmt.Errorf("rekey field %q: wildcards not allowed", cfg.RekeyField)
			}
		}
		r.rekeyPath = path
	}
	return r, nil
}

// partition is the state owned by one partition loop. Only the worker that
// owns it touches the loop fields; status is read concurrently by Status.
type partition struct {
	id     int32
	logger *slog.Logger

	cursor  *cursor
	buffer  []types.Record
	dedup   *dedupState
	pause   *backoff.ExponentialBackOff
	resume  time.Time
	settled bool // stopped or fatal

	mu     sync.Mutex
	status PartitionStatus
}

func (p *partition) update(fn func(s *PartitionStatus)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

func (p *partition) setState(s State) {
	p.update(func(st *PartitionStatus) { st.State = s })
}

// Status returns the status of every partition, in partition order.
// Empty before Run.
func (r *Runtime) Status() []PartitionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PartitionStatus, 0, len(r.parts))
	for _, p := range r.parts {
		p.mu.Lock()
		out = append(out, p.status)
		p.mu.Unlock()
	}
	return out
}

// Run processes records until ctx is cancelled and the drain completes, or
// until every partition is halted. It returns the joined errors of halted
// partitions.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime already running")
	}
	defer r.running.Store(false)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var draining atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
		case <-workCtx.Done():
			return
		}
		draining.Store(true)
		r.logger.Info("draining partitions", "timeout", r.cfg.DrainTimeout)
		timer := time.NewTimer(r.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warn("drain timeout reached, stopping at last committed offsets")
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	ids := r.deps.Source.Partitions()
	parts := make([]*partition, 0, len(ids))
	for _, id := range ids {
		p := &partition{
			id:     id,
			logger: r.logger.With("partition", id),
			cursor: newCursor(),
			pause:  r.pausePolicy(),
			status: PartitionStatus{Partition: id, State: StateIdle, Committed: -1},
		}
		r.restoreDedup(workCtx, p)
		parts = append(parts, p)
	}
	r.mu.Lock()
	r.parts, r.fatal = parts, nil
	r.mu.Unlock()

	workers := r.cfg.Workers
	if workers > len(parts) {
		workers = len(parts)
	}
	assigned := make([][]*partition, workers)
	for i, p := range parts {
		assigned[i%workers] = append(assigned[i%workers], p)
	}

	r.logger.Info("runtime started", "partitions", len(parts), "workers", workers)

	var g errgroup.Group
	for _, own := range assigned {
		g.Go(func() error {
			r.work(workCtx, &draining, own)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("runtime stopped", "halted", len(r.fatal))
	return errors.Join(r.fatal...)
}

// work round-robins the partitions owned by one worker until all settle.
func (r *Runtime) work(ctx context.Context, draining *atomic.Bool, own []*partition) {
	for {
		active, runnable := 0, 0
		var wake time.Time
		for _, p := range own {
			if p.settled {
				continue
			}
			active++
			if now := r.now(); now.Before(p.resume) {
				if wake.IsZero() || p.resume.Before(wake) {
					wake = p.resume
				}
				continue
			}
			runnable++
			r.step(ctx, draining.Load(), p)
		}
		if active == 0 {
			return
		}
		if runnable == 0 {
			timer := time.NewTimer(time.Until(wake))
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}
}

// step runs one pass of a partition loop.
func (r *Runtime) step(ctx context.Context, draining bool, p *partition) {
	if ctx.Err() != nil {
		r.stop(p)
		return
	}

	p.cursor.poll()
	if !r.commit(ctx, p) {
		return
	}

	// A gated source has nothing to hand out while acks are outstanding.
	blocked := r.ackGated && p.cursor.len() > 0
	if len(p.buffer) == 0 && !draining && !blocked && p.cursor.len() < r.cfg.InFlightBudget {
		if !r.fetch(ctx, p) {
			return
		}
	}

	for len(p.buffer) > 0 {
		if err := r.process(ctx, p, p.buffer[0]); err != nil {
			r.handle(ctx, p, err)
			return
		}
		p.buffer = p.buffer[1:]
		p.pause.Reset()
	}

	p.cursor.poll()
	if !r.commit(ctx, p) {
		return
	}

	// While draining every ack is awaited; otherwise only until there is
	// room under the budget again. A gated source waits at most FetchWait
	// per step so the worker's other partitions keep moving.
	for p.cursor.len() > 0 && (draining || r.ackGated || p.cursor.len() >= r.cfg.InFlightBudget) {
		if !r.awaitAck(ctx, draining, p) {
			if ctx.Err() != nil {
				r.stop(p)
				return
			}
			break
		}
		p.cursor.poll()
		if !r.commit(ctx, p) {
			return
		}
	}

	if draining && len(p.buffer) == 0 && p.cursor.len() == 0 {
		r.stop(p)
		return
	}
	p.update(func(s *PartitionStatus) { s.State, s.Err = StateIdle, nil })
}

// awaitAck waits for the oldest outstanding ack. It reports false when the
// wait ended first.
func (r *Runtime) awaitAck(ctx context.Context, draining bool, p *partition) bool {
	if !draining && p.cursor.len() < r.cfg.InFlightBudget {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchWait)
		defer cancel()
	}
	return p.cursor.waitOldest(ctx) == nil
}

func (r *Runtime) fetch(ctx context.Context, p *partition) bool {
	p.setState(StateFetching)
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchWait)
	defer cancel()

	limit := min(r.cfg.FetchBatch, r.cfg.InFlightBudget-p.cursor.len())
	recs, err := r.deps.Source.Fetch(fetchCtx, p.id, limit)
	if err != nil {
		if ctx.Err() != nil {
			r.stop(p)
			return false
		}
		r.pauseFor(p, fmt.Errorf("fetch: %w", err))
		return false
	}
	p.buffer = recs
	return true
}

// handle classifies an error returned by process.
func (r *Runtime) handle(ctx context.Context, p *partition, err error) {
	switch {
	case ctx.Err() != nil:
		r.stop(p)
	case errors.Is(err, types.ErrSchemaUnavailable):
		r.pauseFor(p, err)
	default:
		r.halt(p, err)
	}
}

// process evaluates rec and starts its emission.
func (r *Runtime) process(ctx context.Context, p *partition, rec types.Record) (err error) {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "ProcessRecord", trace.WithAttributes(
		attribute.String("rulestream.subject", string(r.cfg.Subject)),
		attribute.String("rulestream.topic", rec.Topic),
		attribute.Int("rulestream.partition", int(p.id)),
		attribute.Int64("rulestream.offset", rec.Offset),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p.setState(StateEvaluating)
	if rec.Subject == "" {
		rec.Subject = r.cfg.Subject
	}
	pinned, err := r.deps.Resolver.Resolve(ctx, r.cfg.Subject)
	if err != nil {
		return err
	}
	out := pinned.Compiled.Evaluate(rec)
	span.SetAttributes(
		attribute.String("rulestream.outcome", out.Kind.String()),
		attribute.Int64("rulestream.rule_set_version", out.RuleSetVersion),
	)

	p.setState(StateEmitting)
	if out.Kind == rules.OutcomeReject {
		p.logger.Debug("record rejected",
			"offset", rec.Offset, "rule_id", string(out.RuleID), "reason", out.ReasonCode, "detail", out.Detail)
		p.cursor.await(rec.Offset, r.deps.Quarantine.Quarantine(ctx, types.QuarantineEntry{
			Record:         rec,
			RuleID:         out.RuleID,
			ReasonCode:     out.ReasonCode,
			SchemaVersion:  out.SchemaVersion,
			RuleSetVersion: out.RuleSetVersion,
		}))
	} else {
		if err := r.emit(ctx, p, rec, out.Record); err != nil {
			return err
		}
		p.cursor.done(rec.Offset)
	}

	n := p.cursor.len()
	p.update(func(s *PartitionStatus) { s.InFlight = n })
	r.deps.Metrics.setInFlight(r.cfg.Subject, p.id, n)
	r.deps.Metrics.recordOutcome(r.cfg.Subject, p.id, out.Kind.String(), r.now().Sub(start).Seconds())
	return nil
}

// emit writes out to the sink and ledger unless dedup state shows the
// source record was already emitted.
func (r *Runtime) emit(ctx context.Context, p *partition, source, out types.Record) error {
	if p.dedup != nil && p.dedup.seen(source.Key, source.Offset) {
		r.deps.Metrics.recordDedupSkip(r.cfg.Subject, p.id)
		p.logger.Debug("skipping replayed record", "offset", source.Offset, "key", source.Key)
		return nil
	}

	emitted := r.rekey(out)
	if err := r.retry(ctx, p, "sink", func() error { return r.deps.Sink.Emit(ctx, emitted) }); err != nil {
		return err
	}
	if r.deps.Ledger != nil {
		row := emitted
		row.Key = source.Key
		if err := r.retry(ctx, p, "ledger", func() error { return r.deps.Ledger.Emit(ctx, row) }); err != nil {
			return err
		}
	}
	if p.dedup != nil {
		p.dedup.record(source.Key, source.Offset, source.Timestamp)
	}
	return nil
}

// rekey replaces the record key with the configured payload field. Records
// without the field keep their key.
func (r *Runtime) rekey(rec types.Record) types.Record {
	if r.rekeyPath == nil {
		return rec
	}
	doc, err := codec.Decode(rec.ContentType, rec.Payload)
	if err != nil {
		return rec
	}
	res, err := rules.Resolve(r.rekeyPath, doc)
	if err != nil || !res.Found || res.Value == nil {
		return rec
	}

	var key string
	switch v := res.Value.(type) {
	case string:
		key = v
	case float64:
		key = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		key = strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return rec
		}
		key = string(b)
	}

	headers := make(types.Metadata, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[HeaderSourceKey] = rec.Key
	rec.Headers = headers
	rec.Key = key
	return rec
}

// commit advances the committed offset across the acknowledged prefix.
// Returns false when the partition settled.
func (r *Runtime) commit(ctx context.Context, p *partition) bool {
	offset, ok, ackErr := p.cursor.advance()
	if ok {
		p.setState(StateCommitting)
		r.saveSnapshot(ctx, p)
		err := r.retry(ctx, p, "commit", func() error { return r.deps.Source.Commit(ctx, p.id, offset) })
		if err != nil {
			if ctx.Err() != nil {
				r.stop(p)
			} else {
				r.halt(p, err)
			}
			return false
		}
		n := p.cursor.len()
		p.update(func(s *PartitionStatus) { s.Committed, s.InFlight = offset, n })
		r.deps.Metrics.setCommitted(r.cfg.Subject, p.id, offset)
		r.deps.Metrics.setInFlight(r.cfg.Subject, p.id, n)
	}
	if ackErr != nil {
		r.halt(p, fmt.Errorf("quarantine: %w", ackErr))
		return false
	}
	return true
}

func (r *Runtime) snapshotKey(id int32) string {
	return "dedup/" + string(r.cfg.Subject) + "/" + r.cfg.Topic + "/" + strconv.FormatInt(int64(id), 10)
}

// saveSnapshot persists dirty dedup state. Failures are logged; the next
// commit retries.
func (r *Runtime) saveSnapshot(ctx context.Context, p *partition) {
	if r.deps.Snapshots == nil || p.dedup == nil || !p.dedup.dirty {
		return
	}
	body, err := p.dedup.marshal()
	if err == nil {
		err = r.deps.Snapshots.SaveSnapshot(ctx, r.snapshotKey(p.id), body)
	}
	if err != nil {
		p.logger.Warn("dedup snapshot not saved", "error", err)
		return
	}
	p.dedup.dirty = false
}

// restoreDedup loads the partition's dedup state. A corrupt or unreadable
// snapshot is rebuilt from the ledger when one is configured; otherwise the
// partition runs with empty state and reports DedupDegraded.
func (r *Runtime) restoreDedup(ctx context.Context, p *partition) {
	cfg := r.cfg.Dedup
	if !cfg.Enabled {
		return
	}
	p.dedup = newDedupState(cfg.MaxEntries, cfg.MaxAge)
	if r.deps.Snapshots == nil {
		return
	}

	raw, found, err := r.deps.Snapshots.LoadSnapshot(ctx, r.snapshotKey(p.id))
	if err == nil {
		if !found {
			return
		}
		d, rerr := restoreDedup(raw, cfg.MaxEntries, cfg.MaxAge)
		if rerr == nil {
			p.dedup = d
			p.logger.Info("dedup state restored", "entries", d.len())
			return
		}
		err = rerr
	}
	p.logger.Warn("dedup snapshot unusable", "error", err)

	if r.deps.Ledger != nil {
		recs, lerr := r.deps.Ledger.Recent(ctx, r.cfg.Subject, r.cfg.Topic, p.id, cfg.MaxEntries)
		if lerr == nil {
			for i := len(recs) - 1; i >= 0; i-- {
				p.dedup.record(recs[i].Key, recs[i].Offset, recs[i].Timestamp)
			}
			p.logger.Info("dedup state rebuilt from ledger", "entries", p.dedup.len())
			return
		}
		p.logger.Warn("dedup rebuild from ledger failed", "error", lerr)
	}
	p.update(func(s *PartitionStatus) { s.DedupDegraded = true })
}

func (r *Runtime) pausePolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryInitialInterval
	policy.MaxInterval = r.cfg.RetryMaxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// retry runs op with the emission retry policy. An exhausted policy wraps
// ErrEmissionFailed.
func (r *Runtime) retry(ctx context.Context, p *partition, target string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(r.pausePolicy(), r.cfg.MaxEmitRetries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		r.deps.Metrics.recordRetry(r.cfg.Subject, p.id)
		p.logger.Warn("write failed, retrying", "target", target, "error", err, "backoff", wait)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s after %d retries: %w", types.ErrEmissionFailed, target, r.cfg.MaxEmitRetries, err)
}

// pauseFor puts p in ERROR until its backoff elapses.
func (r *Runtime) pauseFor(p *partition, err error) {
	wait := p.pause.NextBackOff()
	p.resume = r.now().Add(wait)
	p.update(func(s *PartitionStatus) { s.State, s.Err = StateError, err })
	p.logger.Warn("partition paused", "error", err, "retry_in", wait)
}

func (r *Runtime) stop(p *partition) {
	p.settled = true
	p.setState(StateStopped)
	p.logger.Info("partition stopped")
}

// halt marks p FATAL and reports err.
func (r *Runtime) halt(p *partition, err error) {
	p.settled = true
	err = fmt.Errorf("partition %d: %w", p.id, err)
	p.update(func(s *PartitionStatus) { s.State, s.Err = StateFatal, err })
	p.logger.Error("partition halted", "error", err)
	r.deps.Metrics.recordFatal(r.cfg.Subject, p.id)

	r.mu.Lock()
	r.fatal = append(r.fatal, err)
	r.mu.Unlock()

	if r.deps.OnFatal != nil {
		r.deps.OnFatal(p.id, err)
	}
}
