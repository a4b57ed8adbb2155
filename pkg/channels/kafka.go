package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mngfx/market-feed/pkg/models"
)

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Compile-time check to ensure KafkaSender implements Sender
var _ Sender = (*KafkaSender)(nil)

// GroupHeader carries the target group on every Kafka message.
const GroupHeader = "group"

// KafkaSender writes group events to a topic keyed by tick symbol, so one
// symbol stays on one partition. It only publishes; the processor relays
// the topic into a Redis layer.
type KafkaSender struct {
	writer KafkaWriter
}

func NewKafkaSender(writer KafkaWriter) *KafkaSender {
	return &KafkaSender{writer: writer}
}

func (s *KafkaSender) GroupSend(ctx context.Context, group string, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := group
	if ev.Tick != nil {
		key = ev.Tick.Symbol
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: GroupHeader, Value: []byte(group)}},
	})
}

// Close flushes buffered messages.
func (s *KafkaSender) Close() error { return s.writer.Close() }
