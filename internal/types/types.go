// Package types provides domain models shared across rulestream components.
//
// Zero-dependency design: types.go, schema.go, rules.go and errors.go use only
// the standard library so the rule engine and the runtime can share them
// without pulling in transport or storage packages. ID utilities in ids.go
// import uuid but are isolated from the rest.
//
// Wire formats (admin RPC JSON, protobuf payloads, SQL rows) are converted to
// and from these types at the package boundary that owns the wire format.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Subject is the registry identity of a schema and its rule sets.
type Subject string

// RuleID identifies a rule within a rule set.
// String alias enables type safety while maintaining JSON string serialization.
type RuleID string

// Payload represents the raw serialized body of a record.
// json.RawMessage wrapper preserves original bytes; decoding depends on the
// record content type and happens inside the codec package.
type Payload json.RawMessage

// MarshalJSON implements json.Marshaler.
// Delegates to json.RawMessage to preserve original payload bytes unchanged.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(p).UnmarshalJSON(data)
}

// Metadata represents transport headers carried alongside a record.
// String-only values keep header handling uniform across brokers.
type Metadata map[string]string

// Content types understood by the payload codec.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Record is a keyed, partitioned unit read from a source partition.
// Records are evaluated once against the rule set pinned at read time.
type Record struct {
	Subject     Subject   `json:"subject"`
	Topic       string    `json:"topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     Payload   `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	Headers     Metadata  `json:"headers,omitempty"`
}

// DedupeKey returns the stable identity of a record position.
// Sinks use it to collapse replays of the same source offset.
func (r Record) DedupeKey() string {
	return string(r.Subject) + "/" + r.Topic + "/" + strconv.FormatInt(int64(r.Partition), 10) + "/" + strconv.FormatInt(r.Offset, 10)
}

// QuarantineEntry is a rejected record plus its rejection provenance.
// Write-once and append-only.
type QuarantineEntry struct {
	EntryID        string    `json:"entry_id"`
	Record         Record    `json:"record"`
	RuleID         RuleID    `json:"rule_id"`
	ReasonCode     string    `json:"reason_code"`
	SchemaVersion  int       `json:"schema_version"`
	RuleSetVersion int64     `json:"rule_set_version"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
}

// QuarantineStats summarises the quarantine destination of one subject.
type QuarantineStats struct {
	Subject  Subject           `json:"subject"`
	Total    uint64            `json:"total"`
	ByReason map[string]uint64 `json:"by_reason"`
	Oldest   time.Time         `json:"oldest,omitempty"`
	Newest   time.Time         `json:"newest,omitempty"`
}

// Resource limits enforced by the rule engine to keep per-record cost bounded.
const (
	// MaxPathDepth prevents stack overflow during recursive path resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion to prevent combinatorial explosion.
	// 2 wildcards allow patterns like $.orders[*].items[*].price without exponential fan-out.
	MaxNestedWildcards = 2

	// MaxInOperatorValues limits IN operator list size.
	MaxInOperatorValues = 64

	// MaxRulesPerSet bounds a single proposal.
	MaxRulesPerSet = 1024

	// MaxTransformsPerRule bounds the field ops attached to one TRANSFORM action.
	MaxTransformsPerRule = 32

	// MaxPayloadSize limits record payloads accepted for evaluation.
	MaxPayloadSize = 1024 * 1024
)
