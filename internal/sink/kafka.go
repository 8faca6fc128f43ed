package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// Kafka is an optional destination publishing positions keyed by device id,
// for downstream consumers that want the stream rather than the tracker UI.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  1, // retry accounting belongs to the controller
		},
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Send(ctx context.Context, pos *model.Position) error {
	buf, err := json.Marshal(pos)
	if err != nil {
		return &Error{Kind: BadResponse, Err: fmt.Errorf("marshal position: %w", err)}
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(pos.DeviceID),
		Value: buf,
	}); err != nil {
		return classify(err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
