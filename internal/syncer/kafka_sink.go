package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metorial/capture-core/internal/models"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by id so compacted topics and consumers
// can deduplicate resends.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}
}

func (k *KafkaSink) Send(ctx context.Context, event *models.CommandEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode event %s: %v", ErrSinkRejected, event.ID, err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "status", Value: []byte(event.Status)},
		},
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
