package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

func DeclareDLQExchange(ch *amqp091.Channel) error {
	return declareTopic(ch, DLQExchangeName)
}

// DeclareDLQQueue declares "<queueName>.dlq" bound to every routing key of
// the dead letter exchange.
func DeclareDLQQueue(ch *amqp091.Channel, queueName string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(queueName+".dlq", true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// PublishToDLQ 把处理失败的原始消息转发到死信 exchange，
// 保留 message id 并在 header 里记录失败原因和时间
func (p *Publisher) PublishToDLQ(ctx context.Context, msg amqp091.Delivery, cause error) error {
	headers := amqp091.Table{
		"x-original-error": cause.Error(),
		"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
		"x-consumer-tag":   msg.ConsumerTag,
	}
	for k, v := range msg.Headers {
		if _, taken := headers[k]; !taken {
			headers[k] = v
		}
	}
	return p.send(ctx, DLQExchangeName, msg.RoutingKey, amqp091.Publishing{
		Body:      msg.Body,
		MessageId: msg.MessageId,
		Headers:   headers,
	})
}
