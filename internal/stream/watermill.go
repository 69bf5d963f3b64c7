package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/sandonleejacobs/rulestream/internal/transport"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// WatermillSource adapts a watermill subscription to Source.
//
// With broker offsets (Kafka) the partition and offset of each record come
// from the message context. Otherwise records are spread across partitions
// by key hash and numbered per partition in arrival order. Local numbering
// restarts at zero each run unless an OffsetAllocator is configured.
//
// A message is acked only once Commit covers its offset, so the broker
// redelivers everything past the last commit after a restart.
type WatermillSource struct {
	subscriber    message.Subscriber
	topic         string
	subject       types.Subject
	brokerOffsets bool
	ackGated      bool
	logger        *slog.Logger
	now           func() time.Time

	offsets     OffsetAllocator
	offsetBlock int64
	brokerKey   func(ctx context.Context) ([]byte, bool)

	parts []*sourcePartition
	once  sync.Once
}

// OffsetAllocator reserves blocks of local offsets. A reservation for key
// starts past every offset an earlier reservation handed out, across process
// restarts included.
type OffsetAllocator interface {
	ReserveOffsets(ctx context.Context, key string, n int64) (start int64, err error)
}

// SourceOption configures a WatermillSource.
type SourceOption func(*WatermillSource)

// WithOffsetAllocator numbers local offsets from blocks reserved in alloc,
// block offsets at a time.
func WithOffsetAllocator(alloc OffsetAllocator, block int64) SourceOption {
	return func(s *WatermillSource) {
		s.offsets = alloc
		s.offsetBlock = block
	}
}

// WithAckGating declares that the subscriber does not deliver the next
// message of a partition until the current one is acked, as the Kafka
// subscriber does.
func WithAckGating() SourceOption {
	return func(s *WatermillSource) { s.ackGated = true }
}

type heldMessage struct {
	offset int64
	msg    *message.Message
}

type sourcePartition struct {
	records chan types.Record
	next    int64 // local offsets only
	limit   int64 // end of the reserved block

	mu   sync.Mutex
	held []heldMessage
}

// NewWatermillSource creates a source over subscriber. partitions must match
// the topic's partition count when brokerOffsets is set.
func NewWatermillSource(subscriber message.Subscriber, topic string, subject types.Subject, partitions int, brokerOffsets bool, logger *slog.Logger, opts ...SourceOption) (*WatermillSource, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("partitions must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &WatermillSource{
		subscriber:    subscriber,
		topic:         topic,
		subject:       subject,
		brokerOffsets: brokerOffsets,
		logger:        logger.With("component", "watermill_source", "topic", topic),
		now:           time.Now,
		brokerKey:     kafka.MessageKeyFromCtx,
		parts:         make([]*sourcePartition, partitions),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.offsets != nil && s.offsetBlock <= 0 {
		return nil, fmt.Errorf("offset block must be positive")
	}
	for i := range s.parts {
		s.parts[i] = &sourcePartition{records: make(chan types.Record, 256)}
	}
	return s, nil
}

// AckGated reports whether a partition stalls until its delivered message
// is committed.
func (s *WatermillSource) AckGated() bool { return s.ackGated }

// Start subscribes to the topic and dispatches messages until ctx ends.
func (s *WatermillSource) Start(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		var messages <-chan *message.Message
		messages, err = s.subscriber.Subscribe(ctx, s.topic)
		if err != nil {
			err = fmt.Errorf("subscribe %s: %w", s.topic, err)
			return
		}
		go s.dispatch(ctx, messages)
	})
	return err
}

func (s *WatermillSource) dispatch(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		rec, ok := s.toRecord(ctx, msg)
		if !ok {
			msg.Nack()
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p := s.parts[rec.Partition]
		p.mu.Lock()
		p.held = append(p.held, heldMessage{offset: rec.Offset, msg: msg})
		p.mu.Unlock()

		select {
		case p.records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (s *WatermillSource) toRecord(ctx context.Context, msg *message.Message) (types.Record, bool) {
	key := msg.Metadata.Get(transport.MetadataKey)
	if key == "" {
		// Plain Kafka producers only set the message key.
		if k, ok := s.brokerKey(msg.Context()); ok {
			key = string(k)
		}
	}
	rec := types.Record{
		Subject:     s.subject,
		Topic:       s.topic,
		Key:         key,
		ContentType: msg.Metadata.Get(transport.MetadataContentType),
		Payload:     types.Payload(msg.Payload),
		Timestamp:   s.now(),
		Headers:     make(types.Metadata, len(msg.Metadata)),
	}
	if rec.ContentType == "" {
		rec.ContentType = types.ContentTypeJSON
	}
	for k, v := range msg.Metadata {
		rec.Headers[k] = v
	}

	if !s.brokerOffsets {
		idx := int32(xxhash.Sum64String(key) % uint64(len(s.parts)))
		p := s.parts[idx]
		if s.offsets != nil && p.next >= p.limit {
			if err := s.reserve(ctx, idx); err != nil {
				s.logger.Error("reserve local offsets", "partition", idx, "error", err)
				return rec, false
			}
		}
		rec.Partition, rec.Offset = idx, p.next
		p.next++
		return rec, true
	}

	msgCtx := msg.Context()
	partition, ok := kafka.MessagePartitionFromCtx(msgCtx)
	if !ok || int(partition) >= len(s.parts) || partition < 0 {
		s.logger.Error("message outside configured partitions",
			"message_uuid", msg.UUID, "partition", partition, "partitions", len(s.parts))
		return rec, false
	}
	offset, ok := kafka.MessagePartitionOffsetFromCtx(msgCtx)
	if !ok {
		s.logger.Error("message without partition offset", "message_uuid", msg.UUID)
		return rec, false
	}
	if ts, ok := kafka.MessageTimestampFromCtx(msgCtx); ok {
		rec.Timestamp = ts
	}
	rec.Partition, rec.Offset = partition, offset
	return rec, true
}

// reserve moves partition idx onto a fresh offset block, retrying until ctx
// ends. Only the dispatch goroutine numbers records.
func (s *WatermillSource) reserve(ctx context.Context, idx int32) error {
	key := string(s.subject) + "/" + s.topic + "/" + strconv.FormatInt(int64(idx), 10)
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	var start int64
	err := backoff.Retry(func() error {
		var err error
		start, err = s.offsets.ReserveOffsets(ctx, key, s.offsetBlock)
		if err != nil {
			s.logger.Warn("offset reservation failed, retrying", "partition", idx, "error", err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return err
	}
	p := s.parts[idx]
	if start < p.next {
		return fmt.Errorf("reserved block %d starts below next offset %d", start, p.next)
	}
	p.next, p.limit = start, start+s.offsetBlock
	return nil
}

// Partitions returns every configured partition id.
func (s *WatermillSource) Partitions() []int32 {
	out := make([]int32, len(s.parts))
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// Fetch waits for the first record of partition and returns it with any
// further records already dispatched, up to max.
func (s *WatermillSource) Fetch(ctx context.Context, partition int32, max int) ([]types.Record, error) {
	if int(partition) >= len(s.parts) || partition < 0 {
		return nil, fmt.Errorf("unknown partition %d", partition)
	}
	p := s.parts[partition]

	var out []types.Record
	select {
	case rec := <-p.records:
		out = append(out, rec)
	case <-ctx.Done():
		return nil, nil
	}
	for len(out) < max {
		select {
		case rec := <-p.records:
			out = append(out, rec)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Commit acks every held message of partition up to offset.
func (s *WatermillSource) Commit(_ context.Context, partition int32, offset int64) error {
	if int(partition) >= len(s.parts) || partition < 0 {
		return fmt.Errorf("unknown partition %d", partition)
	}
	p := s.parts[partition]
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, h := range p.held {
		if h.offset > offset {
			break
		}
		h.msg.Ack()
		n++
	}
	p.held = p.held[n:]
	return nil
}

// WatermillSink publishes emitted records to one topic. The message UUID is
// derived from the source position so replays carry the same id.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink creates a sink publishing to topic.
func NewWatermillSink(publisher message.Publisher, topic string) (*WatermillSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	return &WatermillSink{publisher: publisher, topic: topic}, nil
}

// Emit publishes rec keyed by its record key.
func (s *WatermillSink) Emit(ctx context.Context, rec types.Record) error {
	msg := message.NewMessage(types.EmissionID(rec), []byte(rec.Payload))
	msg.SetContext(ctx)
	for k, v := range rec.Headers {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(transport.MetadataKey, rec.Key)
	msg.Metadata.Set(transport.MetadataContentType, rec.ContentType)
	msg.Metadata.Set(transport.MetadataSubject, string(rec.Subject))
	msg.Metadata.Set(transport.MetadataOrigin, rec.Topic+"/"+
		strconv.FormatInt(int64(rec.Partition), 10)+"/"+
		strconv.FormatInt(rec.Offset, 10))

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}
