package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"changehook/internal/model"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultKafkaTimeout bounds one Publish call; it runs after the commit.
const DefaultKafkaTimeout = 2 * time.Second

// KafkaSink writes each committed change to a Kafka topic keyed by
// "object_type:object_id", so changes of one object land on one partition.
type KafkaSink struct {
	w       MessageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, timeout: DefaultKafkaTimeout}
}

// NewKafkaSinkWithWriter uses w with the given publish timeout; zero means
// DefaultKafkaTimeout.
func NewKafkaSinkWithWriter(w MessageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = DefaultKafkaTimeout
	}
	return &KafkaSink{w: w, timeout: timeout}
}

func (k *KafkaSink) Publish(ctx context.Context, changes []model.ObjectChange) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", c.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.ChangedObjectType + ":" + c.ChangedObjectID),
			Value: data,
			Time:  c.Time,
			Headers: []kafka.Header{
				{Key: "request_id", Value: []byte(c.RequestID)},
				{Key: "action", Value: []byte(c.Action)},
			},
		})
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }
