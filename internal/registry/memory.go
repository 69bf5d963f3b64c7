package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// MemoryRegistry is an in-process registry with the same contract as the SQL
// store. Used by the gochannel transport mode and by tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	schemas  map[types.Subject][]*types.Schema  // ascending version
	versions map[types.Subject][]*types.RuleSet // index i holds version i+1
	active   map[types.Subject]int64
	now      func() time.Time
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		schemas:  make(map[types.Subject][]*types.Schema),
		versions: make(map[types.Subject][]*types.RuleSet),
		active:   make(map[types.Subject]int64),
		now:      time.Now,
	}
}

// PutSchema publishes a schema version. Identical re-publishes are no-ops.
func (m *MemoryRegistry) PutSchema(_ context.Context, s *types.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.schemas[s.Subject]
	for i, existing := range list {
		if existing.Version == s.Version {
			if !reflect.DeepEqual(existing.Fields, s.Fields) {
				return fmt.Errorf("%w: %s v%d", types.ErrSchemaConflict, s.Subject, s.Version)
			}
			return nil
		}
		if existing.Version > s.Version {
			list = append(list[:i], append([]*types.Schema{cloneSchema(s)}, list[i:]...)...)
			m.schemas[s.Subject] = list
			return nil
		}
	}
	m.schemas[s.Subject] = append(list, cloneSchema(s))
	return nil
}

// FetchSchema returns a schema version, or the latest when version is 0.
func (m *MemoryRegistry) FetchSchema(_ context.Context, subject types.Subject, version int) (*types.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.schemas[subject]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s v%d", types.ErrSchemaNotFound, subject, version)
	}
	if version == 0 {
		return cloneSchema(list[len(list)-1]), nil
	}
	for _, s := range list {
		if s.Version == version {
			return cloneSchema(s), nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", types.ErrSchemaNotFound, subject, version)
}

// FetchRuleSet returns the active rule set of subject.
func (m *MemoryRegistry) FetchRuleSet(_ context.Context, subject types.Subject) (*types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.active[subject]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, subject)
	}
	return cloneRuleSet(m.versions[subject][v-1]), nil
}

// GetRuleSet returns one stored version.
func (m *MemoryRegistry) GetRuleSet(_ context.Context, subject types.Subject, version int64) (*types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.versions[subject]
	if version < 1 || version > int64(len(list)) {
		return nil, fmt.Errorf("%w: %s v%d", types.ErrRuleSetNotFound, subject, version)
	}
	return cloneRuleSet(list[version-1]), nil
}

// ListRuleSetVersions returns every stored version in ascending order.
func (m *MemoryRegistry) ListRuleSetVersions(_ context.Context, subject types.Subject) ([]types.RuleSetVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.versions[subject]
	out := make([]types.RuleSetVersion, 0, len(list))
	for _, rs := range list {
		out = append(out, types.RuleSetVersion{
			Subject:       rs.Subject,
			Version:       rs.Version,
			SchemaVersion: rs.SchemaVersion,
			RuleCount:     len(rs.Rules),
			CreatedAt:     rs.CreatedAt,
			Active:        m.active[subject] == rs.Version,
		})
	}
	return out, nil
}

// SaveAndActivate stores rs under the next version and makes it active.
func (m *MemoryRegistry) SaveAndActivate(_ context.Context, rs *types.RuleSet) (*types.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneRuleSet(rs)
	stored.Version = int64(len(m.versions[rs.Subject])) + 1
	stored.CreatedAt = m.now().UTC().Truncate(time.Millisecond)
	m.versions[rs.Subject] = append(m.versions[rs.Subject], stored)
	m.active[rs.Subject] = stored.Version
	return cloneRuleSet(stored), nil
}

func cloneSchema(s *types.Schema) *types.Schema {
	c := *s
	c.Fields = append([]types.Field(nil), s.Fields...)
	return &c
}

// cloneRuleSet copies the rule slice; rules are never mutated after storage.
func cloneRuleSet(rs *types.RuleSet) *types.RuleSet {
	c := *rs
	c.Rules = append([]types.Rule(nil), rs.Rules...)
	return &c
}
