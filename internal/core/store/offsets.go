package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
)

const offsetKeyPrefix = "offsets/"

// OffsetBlocks hands out blocks of local record offsets that never overlap,
// across restarts included. The high-water mark of each key lives in the
// state_snapshots table under an "offsets/" key.
type OffsetBlocks struct {
	q   *db.Queries
	now func() time.Time
}

// NewOffsetBlocks creates an allocator over loaded queries.
func NewOffsetBlocks(q *db.Queries) *OffsetBlocks {
	return &OffsetBlocks{q: q, now: time.Now}
}

// ReserveOffsets reserves n offsets for key and returns the first one.
// Offsets below the returned start were handed out by an earlier reservation.
func (o *OffsetBlocks) ReserveOffsets(ctx context.Context, key string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve offsets %s: block size must be positive", key)
	}
	snapshotKey := offsetKeyPrefix + key

	var start int64
	err := o.q.InTx(ctx, func(tx *db.Queries) error {
		var body []byte
		err := tx.Get(ctx, "get-state-snapshot", &body, snapshotKey)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			start = 0
		case err != nil:
			return err
		default:
			start, err = strconv.ParseInt(string(body), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt high-water mark %q: %w", body, err)
			}
		}
		next := strconv.FormatInt(start+n, 10)
		_, err = tx.Exec(ctx, "upsert-state-snapshot", snapshotKey, []byte(next), o.now().UnixMilli())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reserve offsets %s: %w", key, err)
	}
	return start, nil
}
