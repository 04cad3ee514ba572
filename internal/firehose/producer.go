// Package firehose exports accepted events to Kafka for downstream
// consumers (warehousing, ML pipelines). The export is asynchronous and
// best-effort; it is disabled entirely when no brokers are configured.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tanvib/sitepulse/internal/domain"
)

// Producer writes accepted events to a Kafka topic, keyed by site so one
// site's events stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
	}
}

// Publish enqueues one event for export.
func (p *Producer) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.SiteID),
		Value: data,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
