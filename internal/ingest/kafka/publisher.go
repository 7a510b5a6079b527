package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"invalidator/internal/ingest"
)

// Publisher produces invalidation envelopes keyed by object name, so one object's
// invalidations land on one partition.
type Publisher struct {
	client *kgo.Client
	topic  string
}

func NewPublisher(brokers []string, topic, clientID string, opts ...kgo.Opt) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka.brokers is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	kopts := append([]kgo.Opt{kgo.SeedBrokers(brokers...), kgo.DefaultProduceTopic(topic)}, clientOpts(clientID, AuthConfig{})...)
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &Publisher{client: cl, topic: topic}, nil
}

func Record(topic string, inv ingest.Invalidation) (*kgo.Record, error) {
	body, err := ingest.Encode(inv)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{Topic: topic, Key: []byte(inv.ObjectName), Value: body}, nil
}

func (p *Publisher) Publish(ctx context.Context, inv ingest.Invalidation) error {
	rec, err := Record(p.topic, inv)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", inv.ObjectName, err)
	}
	return nil
}

func (p *Publisher) Dispatch(ctx context.Context, inv ingest.Invalidation) error {
	return p.Publish(ctx, inv)
}

func (p *Publisher) Close() {
	p.client.Close()
}
