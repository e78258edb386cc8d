package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every record as a JSON message keyed by its measurement.
type Kafka struct {
	w messageWriter
}

func NewKafka(cfg KafkaConfig) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Write(ctx context.Context, records []aggregate.Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", r.Measurement, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.Measurement), Value: b, Time: r.Time})
	}
	return k.w.WriteMessages(ctx, msgs...)
}

func (k *Kafka) Close() error { return k.w.Close() }
