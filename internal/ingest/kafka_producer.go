package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-coordination/internal/models"
)

// LocationMessage is the record written to the driver-locations topic and
// read back by the projection consumer.
type LocationMessage struct {
	DriverID  string       `json:"driverId"`
	Location  models.Coord `json:"location"`
	Available bool         `json:"isAvailable"`
	Rating    float64      `json:"rating"`
	UpdatedAt time.Time    `json:"lastUpdated"`
}

// KafkaProducer publishes presence reports and a journal of every pushed
// event. Writes are async so the notification path never waits on brokers.
type KafkaProducer struct {
	writer         *kafka.Writer
	locationsTopic string
	eventsTopic    string
}

func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka write failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaProducer{writer: w, locationsTopic: locationsTopic, eventsTopic: eventsTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	if d.Location == nil {
		return nil
	}
	b, err := json.Marshal(LocationMessage{
		DriverID:  d.ID,
		Location:  *d.Location,
		Available: d.Available,
		Rating:    d.Rating,
		UpdatedAt: d.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Topic: k.locationsTopic, Key: []byte(d.ID), Value: b})
}

// PublishEvent appends ev to the event journal keyed by the addressed actor.
func (k *KafkaProducer) PublishEvent(ctx context.Context, key string, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{
		Topic:   k.eventsTopic,
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, m kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
