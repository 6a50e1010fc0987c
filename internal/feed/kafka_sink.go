package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaSink writes one message per outcome, keyed by listing so a consumer
// sees each listing's outcomes in order.
type KafkaSink struct {
	writer *kafka.Writer
}

var _ domain.OutcomeSink = (*KafkaSink)(nil)

// NewKafkaSink creates a KafkaSink.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("feed: kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("feed: kafka topic not configured")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

// Publish implements domain.OutcomeSink.
func (s *KafkaSink) Publish(ctx context.Context, outcomes []domain.RefreshOutcome) error {
	msgs, err := outcomeMessages(outcomes)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("feed: kafka write %d outcomes: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func outcomeMessages(outcomes []domain.RefreshOutcome) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(outcomes))
	for _, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("feed: marshal outcome: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(o.ProductID, 10) + ":" + string(o.PlatformID)),
			Value: data,
			Time:  o.CompletedAt,
			Headers: []kafka.Header{
				{Key: "status", Value: []byte(o.Status)},
				{Key: "cycle_id", Value: []byte(o.CycleID)},
			},
		})
	}
	return msgs, nil
}
