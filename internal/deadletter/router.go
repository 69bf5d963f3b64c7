// Package deadletter routes rejected records to per-subject quarantine
// destinations.
//
// Quarantine returns immediately with an Ack that resolves once the entry is
// durable. Each subject has its own FIFO queue and writer goroutine, so a
// slow destination for one subject never delays another and entries of one
// partition are written in the order they were rejected. Writes retry with
// bounded exponential backoff; an exhausted write resolves the Ack with an
// error wrapping types.ErrEmissionFailed.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// ErrRouterClosed is returned by Acks of entries submitted after Close.
var ErrRouterClosed = errors.New("dead-letter router closed")

// Destination durably appends quarantine entries. Append must be idempotent
// per EntryID.
type Destination interface {
	Append(ctx context.Context, entry types.QuarantineEntry) error
}

// StatsSource is implemented by destinations that can report their contents.
type StatsSource interface {
	Stats(ctx context.Context, subject types.Subject) (types.QuarantineStats, error)
}

// Ack resolves with nil once the entry is durable, or with the final write error.
type Ack <-chan error

// Config bounds queueing and retries.
type Config struct {
	QueueSize       int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the router settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueSize:       1024,
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

type job struct {
	entry types.QuarantineEntry
	done  chan error
}

type subjectQueue struct {
	jobs chan job
}

// Router fans quarantine entries out to per-subject writers.
type Router struct {
	dest    Destination
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	queues map[types.Subject]*subjectQueue
	closed bool

	statsMu sync.Mutex
	stats   map[types.Subject]*types.QuarantineStats
}

// NewRouter creates a Router writing to dest. A nil logger uses slog.Default
// and nil metrics disables instrumentation.
func NewRouter(dest Destination, cfg Config, logger *slog.Logger, metrics *Metrics) (*Router, error) {
	if dest == nil {
		return nil, fmt.Errorf("dest cannot be nil")
	}
	if cfg.QueueSize <= 0 || cfg.InitialInterval <= 0 || cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("invalid dead-letter config: queue_size %d, intervals %s/%s",
			cfg.QueueSize, cfg.InitialInterval, cfg.MaxInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		dest:    dest,
		cfg:     cfg,
		logger:  logger.With("component", "deadletter"),
		metrics: metrics,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[types.Subject]*subjectQueue),
		stats:   make(map[types.Subject]*types.QuarantineStats),
	}, nil
}

// Quarantine enqueues entry for its subject. EntryID and QuarantinedAt are
// filled in when empty. Blocks only while the subject queue is full.
func (r *Router) Quarantine(ctx context.Context, entry types.QuarantineEntry) Ack {
	done := make(chan error, 1)

	if entry.EntryID == "" {
		entry.EntryID = types.QuarantineEntryID(entry.Record)
	}
	if entry.QuarantinedAt.IsZero() {
		entry.QuarantinedAt = r.now().UTC()
	}

	q := r.queue(entry.Record.Subject)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || q == nil {
		done <- ErrRouterClosed
		return done
	}

	r.metrics.addPending(entry.Record.Subject, 1)
	select {
	case q.jobs <- job{entry: entry, done: done}:
	case <-ctx.Done():
		r.metrics.addPending(entry.Record.Subject, -1)
		done <- ctx.Err()
	}
	return done
}

// queue returns the queue of subject, starting its writer on first use.
// Returns nil once the router is closed.
func (r *Router) queue(subject types.Subject) *subjectQueue {
	r.mu.RLock()
	q, ok := r.queues[subject]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if q, ok := r.queues[subject]; ok {
		return q
	}
	q = &subjectQueue{jobs: make(chan job, r.cfg.QueueSize)}
	r.queues[subject] = q
	r.wg.Add(1)
	go r.writer(subject, q)
	return q
}

func (r *Router) writer(subject types.Subject, q *subjectQueue) {
	defer r.wg.Done()
	logger := r.logger.With("subject", subject)

	for j := range q.jobs {
		start := r.now()
		err := r.write(logger, j.entry)
		r.metrics.addPending(subject, -1)
		r.metrics.observeWrite(subject, r.now().Sub(start))
		if err != nil {
			r.metrics.recordFailure(subject)
			logger.Error("quarantine write failed",
				"entry_id", j.entry.EntryID,
				"partition", j.entry.Record.Partition,
				"offset", j.entry.Record.Offset,
				"error", err,
			)
		} else {
			r.metrics.recordEntry(subject, j.entry.ReasonCode)
			r.record(j.entry)
		}
		j.done <- err
		close(j.done)
	}
}

func (r *Router) write(logger *slog.Logger, entry types.QuarantineEntry) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return r.dest.Append(r.ctx, entry)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.recordRetry(entry.Record.Subject)
		logger.Warn("retrying quarantine write", "entry_id", entry.EntryID, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), r.ctx), notify)
	if err != nil {
		return fmt.Errorf("%w: quarantine %s after %d attempts: %w", types.ErrEmissionFailed, entry.EntryID, attempt, err)
	}
	return nil
}

// record updates the in-process totals used when the destination cannot report stats.
func (r *Router) record(entry types.QuarantineEntry) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	s, ok := r.stats[entry.Record.Subject]
	if !ok {
		s = &types.QuarantineStats{Subject: entry.Record.Subject, ByReason: make(map[string]uint64)}
		r.stats[entry.Record.Subject] = s
	}
	s.Total++
	s.ByReason[entry.ReasonCode]++
	if s.Oldest.IsZero() || entry.QuarantinedAt.Before(s.Oldest) {
		s.Oldest = entry.QuarantinedAt
	}
	if entry.QuarantinedAt.After(s.Newest) {
		s.Newest = entry.QuarantinedAt
	}
}

// Stats reports quarantine totals by reason for subject. Destinations that
// implement StatsSource answer directly; otherwise totals cover entries
// written by this process.
func (r *Router) Stats(ctx context.Context, subject types.Subject) (types.QuarantineStats, error) {
	if src, ok := r.dest.(StatsSource); ok {
		return src.Stats(ctx, subject)
	}

	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := types.QuarantineStats{Subject: subject, ByReason: make(map[string]uint64)}
	if s, ok := r.stats[subject]; ok {
		out.Total = s.Total
		out.Oldest = s.Oldest
		out.Newest = s.Newest
		for reason, n := range s.ByReason {
			out.ByReason[reason] = n
		}
	}
	return out, nil
}

// Close stops accepting entries and waits for queued writes to finish.
// Writes still retrying when ctx expires are abandoned and their Acks fail.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, q := range r.queues {
		close(q.jobs)
	}
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-drained
		return fmt.Errorf("dead-letter drain: %w", ctx.Err())
	}
}
