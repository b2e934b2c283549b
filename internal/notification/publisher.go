package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/OpenNSW/caseflow/internal/config"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// BrokerPublisher publishes notification records as watermill messages.
type BrokerPublisher struct {
	publisher message.Publisher
	topic     string
	closed    atomic.Bool
}

// NewBrokerPublisher wraps a watermill publisher writing to topic.
func NewBrokerPublisher(publisher message.Publisher, topic string) *BrokerPublisher {
	return &BrokerPublisher{publisher: publisher, topic: topic}
}

// Publish sends n keyed by its ID, with its type and alert in the metadata.
func (p *BrokerPublisher) Publish(ctx context.Context, n *model.Notification) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification %s: %w", n.ID, err)
	}

	msg := message.NewMessage(n.ID.String(), body)
	msg.Metadata.Set("type", string(n.Type))
	msg.Metadata.Set("alert_id", n.AlertID.String())
	msg.Metadata.Set("recipient", n.Recipient)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish notification %s to %s: %w", n.ID, p.topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *BrokerPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.publisher.Close()
}

// NewPublisherFromConfig creates the broker publisher selected by cfg.Driver. The "none" driver
// returns a nil publisher, which disables fan-out.
func NewPublisherFromConfig(cfg config.BrokerConfig) (*BrokerPublisher, error) {
	logger := watermill.NewSlogLogger(slog.Default().With("module", "broker"))

	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "gochannel":
		slog.Info("Initializing in-process notification broker", "topic", cfg.Topic)
		pubSub := gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            int64(cfg.BufferSize),
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
			},
			logger,
		)
		return NewBrokerPublisher(pubSub, cfg.Topic), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka broker requires at least one broker address")
		}
		slog.Info("Initializing Kafka notification broker", "brokers", cfg.KafkaBrokers, "topic", cfg.Topic)

		saramaConfig := sarama.NewConfig()
		saramaConfig.Producer.Return.Successes = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll

		publisher, err := kafka.NewPublisher(
			kafka.PublisherConfig{
				Brokers:               cfg.KafkaBrokers,
				Marshaler:             kafka.DefaultMarshaler{},
				OverwriteSaramaConfig: saramaConfig,
				OTELEnabled:           true,
			},
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		return NewBrokerPublisher(publisher, cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %s", cfg.Driver)
	}
}
