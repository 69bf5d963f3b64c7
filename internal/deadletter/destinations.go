package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sandonleejacobs/rulestream/internal/transport"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// PublisherDestination publishes entries as JSON to one topic per subject,
// keyed by subject. The message id is the EntryID so broker-side dedupe
// collapses replays.
type PublisherDestination struct {
	publisher message.Publisher
	prefix    string
}

// NewPublisherDestination creates a destination publishing to prefix+subject.
func NewPublisherDestination(publisher message.Publisher, prefix string) (*PublisherDestination, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if prefix == "" {
		return nil, fmt.Errorf("quarantine topic prefix cannot be empty")
	}
	return &PublisherDestination{publisher: publisher, prefix: prefix}, nil
}

// Topic returns the quarantine topic of subject.
func (d *PublisherDestination) Topic(subject types.Subject) string {
	return d.prefix + string(subject)
}

// Append publishes entry to its subject topic.
func (d *PublisherDestination) Append(ctx context.Context, entry types.QuarantineEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode quarantine entry: %w", err)
	}

	msg := message.NewMessage(entry.EntryID, body)
	msg.SetContext(ctx)
	msg.Metadata.Set(transport.MetadataKey, string(entry.Record.Subject))
	msg.Metadata.Set(transport.MetadataSubject, string(entry.Record.Subject))
	msg.Metadata.Set(transport.MetadataReasonCode, entry.ReasonCode)
	msg.Metadata.Set(transport.MetadataRuleID, string(entry.RuleID))
	msg.Metadata.Set(transport.MetadataOrigin, entry.Record.Topic+"/"+
		strconv.FormatInt(int64(entry.Record.Partition), 10)+"/"+
		strconv.FormatInt(entry.Record.Offset, 10))

	return d.publisher.Publish(d.Topic(entry.Record.Subject), msg)
}

// MemoryDestination keeps entries in process, deduplicated by EntryID.
type MemoryDestination struct {
	mu      sync.Mutex
	entries map[types.Subject][]types.QuarantineEntry
	seen    map[string]struct{}
}

// NewMemoryDestination creates an empty MemoryDestination.
func NewMemoryDestination() *MemoryDestination {
	return &MemoryDestination{
		entries: make(map[types.Subject][]types.QuarantineEntry),
		seen:    make(map[string]struct{}),
	}
}

// Append stores entry unless its EntryID is already present.
func (d *MemoryDestination) Append(_ context.Context, entry types.QuarantineEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[entry.EntryID]; dup {
		return nil
	}
	d.seen[entry.EntryID] = struct{}{}
	d.entries[entry.Record.Subject] = append(d.entries[entry.Record.Subject], entry)
	return nil
}

// Entries returns the entries of subject in write order.
func (d *MemoryDestination) Entries(subject types.Subject) []types.QuarantineEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.QuarantineEntry(nil), d.entries[subject]...)
}

// Stats reports totals by reason.
func (d *MemoryDestination) Stats(_ context.Context, subject types.Subject) (types.QuarantineStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := types.QuarantineStats{Subject: subject, ByReason: make(map[string]uint64)}
	for _, e := range d.entries[subject] {
		out.Total++
		out.ByReason[e.ReasonCode]++
		if out.Oldest.IsZero() || e.QuarantinedAt.Before(out.Oldest) {
			out.Oldest = e.QuarantinedAt
		}
		if e.QuarantinedAt.After(out.Newest) {
			out.Newest = e.QuarantinedAt
		}
	}
	return out, nil
}
