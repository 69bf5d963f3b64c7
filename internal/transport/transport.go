// Package transport builds the watermill publisher and subscriber pair the
// pipeline reads from and writes to.
//
// Two kinds are supported: "kafka" (watermill-kafka over sarama) and
// "channel" (watermill's in-process gochannel pub/sub). Constructors are
// package variables so tests can swap in fakes without a broker.
package transport

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Transport kinds.
const (
	KindKafka   = "kafka"
	KindChannel = "channel"
)

// Metadata keys carried on every message the pipeline publishes.
const (
	MetadataKey         = "rulestream_key"
	MetadataContentType = "rulestream_content_type"
	MetadataSubject     = "rulestream_subject"
	MetadataOrigin      = "rulestream_origin" // source topic/partition/offset
	MetadataReasonCode  = "rulestream_reason_code"
	MetadataRuleID      = "rulestream_rule_id"
)

// Config selects and configures a transport.
type Config struct {
	Kind          string
	Brokers       []string
	ConsumerGroup string
}

// Transport is a connected publisher/subscriber pair.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		pubSub := gochannel.NewGoChannel(cfg, logger)
		return pubSub, pubSub
	}
)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewLogger adapts logger for watermill components.
func NewLogger(logger *slog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return watermill.NewSlogLoggerWithLevelMapping(logger, logLevelMapping)
}

// New connects the transport described by cfg.
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	wlogger := NewLogger(logger)
	switch cfg.Kind {
	case KindKafka:
		return kafkaTransport(cfg, wlogger)
	case KindChannel, "":
		pub, sub := GoChannelFactory(gochannel.Config{OutputChannelBuffer: 256}, wlogger)
		return Transport{Publisher: pub, Subscriber: sub}, nil
	default:
		return Transport{}, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// Close closes both sides. A shared gochannel is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// partitionMarshaler keys Kafka messages by the record key so a key always
// lands on one output partition.
func partitionMarshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(MetadataKey), nil
	})
}

func kafkaTransport(cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if len(cfg.Brokers) == 0 {
		return Transport{}, fmt.Errorf("kafka transport requires at least one broker")
	}
	if cfg.ConsumerGroup == "" {
		return Transport{}, fmt.Errorf("kafka transport requires a consumer group")
	}

	marshaler := partitionMarshaler()
	publisher, err := KafkaPublisherFactory(
		kafka.PublisherConfig{
			Brokers:   cfg.Brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return Transport{}, fmt.Errorf("create kafka publisher: %w", err)
	}
	subscriber, err := KafkaSubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       cfg.Brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: cfg.ConsumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, fmt.Errorf("create kafka subscriber: %w", err)
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
