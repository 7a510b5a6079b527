package rabbitmq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rabbitmq/amqp091-go"

	"invalidator/internal/ingest"
)

// Publisher sends invalidation envelopes to the configured exchange. The routing key is
// the prefix followed by the object name.
type Publisher struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	prefix   string
}

func NewPublisher(cfg Config, routingPrefix string) (*Publisher, error) {
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq exchange is required")
	}
	if cfg.endpoint() == "" {
		return nil, fmt.Errorf("rabbitmq url or endpoints is required")
	}
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, exchange: cfg.Exchange, prefix: routingPrefix}, nil
}

// Publishing renders inv as a persistent JSON message carrying object_name and version
// headers.
func Publishing(inv ingest.Invalidation) (amqp091.Publishing, error) {
	body, err := ingest.Encode(inv)
	if err != nil {
		return amqp091.Publishing{}, err
	}
	headers := amqp091.Table{"object_name": inv.ObjectName}
	if inv.Version > 0 {
		headers["version"] = strconv.FormatInt(inv.Version, 10)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Body:         body,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, inv ingest.Invalidation) error {
	msg, err := Publishing(inv)
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.prefix+inv.ObjectName, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", inv.ObjectName, err)
	}
	return nil
}

func (p *Publisher) Dispatch(ctx context.Context, inv ingest.Invalidation) error {
	return p.Publish(ctx, inv)
}

func (p *Publisher) Close() error {
	chErr := p.ch.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return chErr
}
