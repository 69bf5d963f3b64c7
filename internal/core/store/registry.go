// Package store holds the SQL-backed implementations of rulestream's
// persistence contracts: the schema/rule set registry, the quarantine
// table, the output ledger and dedup state snapshots.
//
// All types run named queries from internal/core/db and work unchanged on
// SQLite and PostgreSQL. Timestamps are stored as unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/core/db"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

type schemaRow struct {
	Subject   string `db:"subject"`
	Version   int    `db:"version"`
	Fields    string `db:"fields"`
	CreatedAt int64  `db:"created_at"`
}

type ruleSetRow struct {
	Subject       string `db:"subject"`
	Version       int64  `db:"version"`
	SchemaVersion int    `db:"schema_version"`
	Rules         string `db:"rules"`
	CreatedAt     int64  `db:"created_at"`
	Active        int    `db:"active"`
}

func (r ruleSetRow) toRuleSet() (*types.RuleSet, error) {
	rs := &types.RuleSet{
		Subject:       types.Subject(r.Subject),
		Version:       r.Version,
		SchemaVersion: r.SchemaVersion,
		CreatedAt:     time.UnixMilli(r.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Rules), &rs.Rules); err != nil {
		return nil, fmt.Errorf("decode rules of %s v%d: %w", r.Subject, r.Version, err)
	}
	return rs, nil
}

// Registry stores schemas and rule set versions with a per-subject active pointer.
type Registry struct {
	q   *db.Queries
	now func() time.Time
}

// NewRegistry creates a Registry over loaded queries.
func NewRegistry(q *db.Queries) *Registry {
	return &Registry{q: q, now: time.Now}
}

// PutSchema publishes a schema version. Re-publishing identical fields is a no-op;
// different fields under an existing version return ErrSchemaConflict.
func (r *Registry) PutSchema(ctx context.Context, s *types.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("encode schema fields: %w", err)
	}

	return r.q.InTx(ctx, func(tx *db.Queries) error {
		var existing schemaRow
		err := tx.Get(ctx, "get-schema", &existing, string(s.Subject), s.Version)
		switch {
		case err == nil:
			if existing.Fields != string(fields) {
				return fmt.Errorf("%w: %s v%d", types.ErrSchemaConflict, s.Subject, s.Version)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("get schema: %w", err)
		}
		if _, err := tx.Exec(ctx, "insert-schema", string(s.Subject), s.Version, string(fields), r.now().UnixMilli()); err != nil {
			return fmt.Errorf("insert schema: %w", err)
		}
		return nil
	})
}

// FetchSchema returns a schema version, or the latest when version is 0.
func (r *Registry) FetchSchema(ctx context.Context, subject types.Subject, version int) (*types.Schema, error) {
	var row schemaRow
	var err error
	if version == 0 {
		err = r.q.Get(ctx, "get-latest-schema", &row, string(subject))
	} else {
		err = r.q.Get(ctx, "get-schema", &row, string(subject), version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", types.ErrSchemaNotFound, subject, version)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}

	s := &types.Schema{Subject: types.Subject(row.Subject), Version: row.Version}
	if err := json.Unmarshal([]byte(row.Fields), &s.Fields); err != nil {
		return nil, fmt.Errorf("decode schema %s v%d: %w", subject, row.Version, err)
	}
	return s, nil
}

// FetchRuleSet returns the active rule set of subject.
// Returns ErrRuleSetNotFound when nothing was ever activated.
func (r *Registry) FetchRuleSet(ctx context.Context, subject types.Subject) (*types.RuleSet, error) {
	var row ruleSetRow
	err := r.q.Get(ctx, "get-active-rule-set", &row, string(subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, subject)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch active rule set: %w", err)
	}
	return row.toRuleSet()
}

// GetRuleSet returns one stored version, active or not.
func (r *Registry) GetRuleSet(ctx context.Context, subject types.Subject, version int64) (*types.RuleSet, error) {
	var row ruleSetRow
	err := r.q.Get(ctx, "get-rule-set", &row, string(subject), version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", types.ErrRuleSetNotFound, subject, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule set: %w", err)
	}
	return row.toRuleSet()
}

// ListRuleSetVersions returns every stored version in ascending order.
func (r *Registry) ListRuleSetVersions(ctx context.Context, subject types.Subject) ([]types.RuleSetVersion, error) {
	var rows []ruleSetRow
	if err := r.q.Select(ctx, "list-rule-set-versions", &rows, string(subject)); err != nil {
		return nil, fmt.Errorf("list rule set versions: %w", err)
	}
	out := make([]types.RuleSetVersion, 0, len(rows))
	for _, row := range rows {
		rs, err := row.toRuleSet()
		if err != nil {
			return nil, err
		}
		out = append(out, types.RuleSetVersion{
			Subject:       rs.Subject,
			Version:       rs.Version,
			SchemaVersion: rs.SchemaVersion,
			RuleCount:     len(rs.Rules),
			CreatedAt:     rs.CreatedAt,
			Active:        row.Active == 1,
		})
	}
	return out, nil
}

// SaveAndActivate allocates the next version, stores rs under it and swaps the
// active pointer, all in one transaction. Returns the stored rule set.
func (r *Registry) SaveAndActivate(ctx context.Context, rs *types.RuleSet) (*types.RuleSet, error) {
	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}

	stored := *rs
	stored.CreatedAt = r.now().UTC().Truncate(time.Millisecond)

	err = r.q.InTx(ctx, func(tx *db.Queries) error {
		if err := tx.Get(ctx, "next-rule-set-version", &stored.Version, string(rs.Subject)); err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}
		ms := stored.CreatedAt.UnixMilli()
		if _, err := tx.Exec(ctx, "insert-rule-set", string(rs.Subject), stored.Version, rs.SchemaVersion, string(rules), ms); err != nil {
			return fmt.Errorf("insert rule set: %w", err)
		}
		if _, err := tx.Exec(ctx, "activate-rule-set", string(rs.Subject), stored.Version, ms); err != nil {
			return fmt.Errorf("activate rule set: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
