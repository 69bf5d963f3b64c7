package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

type quarantineRow struct {
	EntryID        string `db:"entry_id"`
	Subject        string `db:"subject"`
	Topic          string `db:"topic"`
	Partition      int32  `db:"partition_id"`
	Offset         int64  `db:"source_offset"`
	Key            string `db:"record_key"`
	ContentType    string `db:"content_type"`
	Payload        []byte `db:"payload"`
	Headers        string `db:"headers"`
	RecordTS       int64  `db:"record_ts"`
	RuleID         string `db:"rule_id"`
	ReasonCode     string `db:"reason_code"`
	SchemaVersion  int    `db:"schema_version"`
	RuleSetVersion int64  `db:"rule_set_version"`
	QuarantinedAt  int64  `db:"quarantined_at"`
}

// Quarantine is the SQL quarantine destination. Appends are idempotent by entry id.
type Quarantine struct {
	q *db.Queries
}

// NewQuarantine creates a Quarantine over loaded queries.
func NewQuarantine(q *db.Queries) *Quarantine {
	return &Quarantine{q: q}
}

// Append writes entry once; a replayed entry with the same id is ignored.
func (s *Quarantine) Append(ctx context.Context, e types.QuarantineEntry) error {
	headers, err := json.Marshal(e.Record.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.q.Exec(ctx, "insert-quarantine-entry",
		e.EntryID, string(e.Record.Subject), e.Record.Topic, e.Record.Partition, e.Record.Offset,
		e.Record.Key, e.Record.ContentType, []byte(e.Record.Payload), string(headers),
		e.Record.Timestamp.UnixMilli(), string(e.RuleID), e.ReasonCode,
		e.SchemaVersion, e.RuleSetVersion, e.QuarantinedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert quarantine entry: %w", err)
	}
	return nil
}

// Stats summarises the quarantined entries of subject.
func (s *Quarantine) Stats(ctx context.Context, subject types.Subject) (types.QuarantineStats, error) {
	var rows []struct {
		Reason string `db:"reason_code"`
		Total  int64  `db:"total"`
		Oldest int64  `db:"oldest"`
		Newest int64  `db:"newest"`
	}
	if err := s.q.Select(ctx, "quarantine-stats-by-reason", &rows, string(subject)); err != nil {
		return types.QuarantineStats{}, fmt.Errorf("quarantine stats: %w", err)
	}

	stats := types.QuarantineStats{Subject: subject, ByReason: make(map[string]uint64, len(rows))}
	for _, r := range rows {
		stats.ByReason[r.Reason] = uint64(r.Total)
		stats.Total += uint64(r.Total)
		oldest, newest := time.UnixMilli(r.Oldest).UTC(), time.UnixMilli(r.Newest).UTC()
		if stats.Oldest.IsZero() || oldest.Before(stats.Oldest) {
			stats.Oldest = oldest
		}
		if newest.After(stats.Newest) {
			stats.Newest = newest
		}
	}
	return stats, nil
}

// List returns up to limit entries of subject, oldest first.
func (s *Quarantine) List(ctx context.Context, subject types.Subject, limit int) ([]types.QuarantineEntry, error) {
	var rows []quarantineRow
	if err := s.q.Select(ctx, "list-quarantine-entries", &rows, string(subject), limit); err != nil {
		return nil, fmt.Errorf("list quarantine entries: %w", err)
	}
	out := make([]types.QuarantineEntry, 0, len(rows))
	for _, r := range rows {
		var headers types.Metadata
		if err := json.Unmarshal([]byte(r.Headers), &headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", r.EntryID, err)
		}
		out = append(out, types.QuarantineEntry{
			EntryID: r.EntryID,
			Record: types.Record{
				Subject:     types.Subject(r.Subject),
				Topic:       r.Topic,
				Partition:   r.Partition,
				Offset:      r.Offset,
				Key:         r.Key,
				ContentType: r.ContentType,
				Payload:     types.Payload(r.Payload),
				Timestamp:   time.UnixMilli(r.RecordTS).UTC(),
				Headers:     headers,
			},
			RuleID:         types.RuleID(r.RuleID),
			ReasonCode:     r.ReasonCode,
			SchemaVersion:  r.SchemaVersion,
			RuleSetVersion: r.RuleSetVersion,
			QuarantinedAt:  time.UnixMilli(r.QuarantinedAt).UTC(),
		})
	}
	return out, nil
}
