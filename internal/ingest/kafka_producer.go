package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridebus/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride requests and bus positions.
type KafkaProducer struct {
	writer         MessageWriter
	rideTopic      string
	locationsTopic string
	timeout        time.Duration
}

func NewKafkaProducer(brokers []string, rideTopic, locationsTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, rideTopic, locationsTopic)
}

func NewProducerWithWriter(w MessageWriter, rideTopic, locationsTopic string) *KafkaProducer {
	return &KafkaProducer{writer: w, rideTopic: rideTopic, locationsTopic: locationsTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) PublishRideRequest(ctx context.Context, r models.RideRecord) error {
	return k.publish(ctx, k.rideTopic, r.ID, r)
}

func (k *KafkaProducer) PublishBusLocation(ctx context.Context, b models.Bus) error {
	return k.publish(ctx, k.locationsTopic, b.ID, b)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
