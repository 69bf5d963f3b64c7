package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

type emittedRow struct {
	DedupeKey   string `db:"dedupe_key"`
	Subject     string `db:"subject"`
	Topic       string `db:"topic"`
	Partition   int32  `db:"partition_id"`
	Offset      int64  `db:"source_offset"`
	Key         string `db:"record_key"`
	ContentType string `db:"content_type"`
	Payload     []byte `db:"payload"`
	RecordTS    int64  `db:"record_ts"`
	EmittedAt   int64  `db:"emitted_at"`
}

// Ledger is the SQL output ledger: an idempotent sink keyed by the record's
// source position, and the history dedup state is rebuilt from.
type Ledger struct {
	q   *db.Queries
	now func() time.Time
}

// NewLedger creates a Ledger over loaded queries.
func NewLedger(q *db.Queries) *Ledger {
	return &Ledger{q: q, now: time.Now}
}

// Emit records rec once per source position.
func (l *Ledger) Emit(ctx context.Context, rec types.Record) error {
	_, err := l.q.Exec(ctx, "insert-emitted-record",
		rec.DedupeKey(), string(rec.Subject), rec.Topic, rec.Partition, rec.Offset, rec.Key,
		rec.ContentType, []byte(rec.Payload), rec.Timestamp.UnixMilli(), l.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert emitted record: %w", err)
	}
	return nil
}

// Recent returns up to limit emitted records of one partition, newest first.
func (l *Ledger) Recent(ctx context.Context, subject types.Subject, topic string, partition int32, limit int) ([]types.Record, error) {
	var rows []emittedRow
	if err := l.q.Select(ctx, "recent-emitted-records", &rows, string(subject), topic, partition, limit); err != nil {
		return nil, fmt.Errorf("recent emitted records: %w", err)
	}
	out := make([]types.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Record{
			Subject:     types.Subject(r.Subject),
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			Key:         r.Key,
			ContentType: r.ContentType,
			Payload:     types.Payload(r.Payload),
			Timestamp:   time.UnixMilli(r.RecordTS).UTC(),
		})
	}
	return out, nil
}

// Count returns how many records of subject the ledger holds.
func (l *Ledger) Count(ctx context.Context, subject types.Subject) (int64, error) {
	var n int64
	if err := l.q.Get(ctx, "count-emitted-records", &n, string(subject)); err != nil {
		return 0, fmt.Errorf("count emitted records: %w", err)
	}
	return n, nil
}
