package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
)

// Snapshots persists opaque dedup state snapshots, one row per partition key.
// Integrity checking belongs to the snapshot format, not to this table.
type Snapshots struct {
	q   *db.Queries
	now func() time.Time
}

// NewSnapshots creates a Snapshots store over loaded queries.
func NewSnapshots(q *db.Queries) *Snapshots {
	return &Snapshots{q: q, now: time.Now}
}

// SaveSnapshot replaces the snapshot stored under key.
func (s *Snapshots) SaveSnapshot(ctx context.Context, key string, body []byte) error {
	if _, err := s.q.Exec(ctx, "upsert-state-snapshot", key, body, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot stored under key; found is false when none exists.
func (s *Snapshots) LoadSnapshot(ctx context.Context, key string) (body []byte, found bool, err error) {
	err = s.q.Get(ctx, "get-state-snapshot", &body, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return body, true, nil
}
