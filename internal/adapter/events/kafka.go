package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// KafkaSink forwards bus events to a Kafka topic so other systems can
// consume orchestrator telemetry. Production is asynchronous; a broker
// outage only costs events, never requests.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink constructs the sink. Returns an error when no brokers are
// given; callers treat the sink as optional.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	slog.Info("kafka event sink created", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &KafkaSink{client: client, topic: topic}, nil
}

// Emit produces the event asynchronously; failures are logged and dropped.
func (s *KafkaSink) Emit(e domain.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to encode event", slog.String("event", e.Name), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(e.Name),
		Value: payload,
	}
	s.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("event produce failed",
				slog.String("event", e.Name),
				slog.String("topic", s.topic),
				slog.Any("error", err))
		}
	})
}

// Close flushes outstanding records and releases the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	if err := s.client.Flush(ctx); err != nil {
		slog.Warn("kafka flush on close failed", slog.Any("error", err))
	}
	s.client.Close()
	return nil
}
