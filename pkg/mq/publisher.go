package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"projectsync/pkg/trace"
)

// Publisher sends activity events to the events exchange. It satisfies
// workflow.Publisher and outbox.Sink.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	// amqp channels must not be used for concurrent publishes
	mu sync.Mutex
}

func NewPublisher(url string) (*Publisher, error) {
	conn, ch, err := dial(url, "projectsync-publisher")
	if err != nil {
		return nil, err
	}
	if err := DeclareDLQExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// PublishWithContext publishes payload as JSON. messageID becomes the AMQP
// message id, and the trace id in ctx travels as a header.
func (p *Publisher) PublishWithContext(ctx context.Context, routingKey, messageID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}

	headers := amqp091.Table{}
	if traceID := trace.FromContext(ctx); traceID != "" {
		headers[trace.HeaderName()] = traceID
	}

	return p.send(ctx, ExchangeName, routingKey, amqp091.Publishing{
		Body:      body,
		MessageId: messageID,
		Headers:   headers,
	})
}

// send 在锁内发布；统一补齐 content type、持久化标记和时间戳
func (p *Publisher) send(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp091.Persistent
	msg.Timestamp = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn.IsClosed() {
		return fmt.Errorf("publish %s: %w", routingKey, amqp091.ErrClosed)
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}
