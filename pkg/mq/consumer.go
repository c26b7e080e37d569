package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"projectsync/pkg/metrics"
	"projectsync/pkg/trace"
	"projectsync/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// RetryPolicy decides when a failing message stops being requeued and goes
// to the dead letter exchange instead.
type RetryPolicy struct {
	Counter    *util.RetryCounter
	MaxRetries int64
	DLQ        *Publisher
}

type Consumer struct {
	channel     *amqp091.Channel
	queue       amqp091.Queue
	routingKeys []string
	handler     MessageHandler
	retry       *RetryPolicy
	conn        *amqp091.Connection
	logger      *zap.Logger
	tag         string
}

// NewConsumer creates a consumer whose queue is bound to every routing key
// (topic patterns allowed).
func NewConsumer(url, queueName string, routingKeys []string, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := dial(url, queueName+"-consumer")
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}

	logger.Info("Consumer initialized",
		zap.Strings("routing_keys", routingKeys),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       q,
		routingKeys: routingKeys,
		logger:      logger,
		tag:         queueName + ".worker",
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetRetryPolicy enables bounded retries with dead-lettering. The DLQ queue
// for this consumer is declared here.
func (c *Consumer) SetRetryPolicy(p RetryPolicy) error {
	if err := DeclareDLQExchange(c.channel); err != nil {
		return fmt.Errorf("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(c.channel, c.queue.Name); err != nil {
		return err
	}
	c.retry = &p
	return nil
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Stop cancels the delivery stream; StartConsuming returns afterwards.
func (c *Consumer) Stop() {
	if c.channel != nil {
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
		}
	}
}

// StartConsuming blocks until the delivery channel closes or ctx ends.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.Strings("routing_keys", c.routingKeys),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle guarantees every delivery is acked or nacked.
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	if traceID, ok := msg.Headers[trace.HeaderName()].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	log := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.String("message_id", msg.MessageId),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			// Panic → 拒绝消息并重新入队
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	log.Debug("Received message", zap.Int("message_size", len(msg.Body)))

	if err := c.handler(ctx, msg.Body); err != nil {
		log.Error("Handler error", zap.Error(err))
		c.fail(ctx, msg, err, log)
		return
	}

	metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(start))
	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}
	if c.retry != nil && msg.MessageId != "" {
		if err := c.retry.Counter.Reset(ctx, c.retryKey(msg)); err != nil {
			log.Debug("Failed to reset retry counter", zap.Error(err))
		}
	}
	log.Debug("Message processed successfully")
}

func (c *Consumer) retryKey(msg amqp091.Delivery) string {
	return "retry:" + c.queue.Name + ":" + msg.MessageId
}

// fail requeues retryable failures until the retry budget is spent, then
// dead-letters the message.
func (c *Consumer) fail(ctx context.Context, msg amqp091.Delivery, handlerErr error, log *zap.Logger) {
	if c.retry == nil {
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	retryable, errType := util.IsRetryableError(handlerErr)
	if retryable && msg.MessageId != "" {
		count, err := c.retry.Counter.IncrementAndGet(ctx, c.retryKey(msg))
		if err != nil {
			log.Warn("Retry counter unavailable, requeueing", zap.Error(err))
			_ = msg.Nack(false, true)
			return
		}
		if util.ShouldRetry(count, c.retry.MaxRetries, retryable) {
			log.Info("Requeueing message", zap.Int64("attempt", count), zap.String("error_type", errType))
			_ = msg.Nack(false, true)
			return
		}
	}

	if err := c.retry.DLQ.PublishToDLQ(ctx, msg, handlerErr); err != nil {
		log.Error("Failed to dead-letter message, requeueing", zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	log.Warn("Message dead-lettered", zap.String("error_type", errType))
	_ = msg.Ack(false)
}
