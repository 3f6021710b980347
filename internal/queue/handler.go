package queue

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is how often a message goes through the retry queue before it
// is dead-lettered.
const MaxRetries = 10

const retriesHeader = "x-retries"

func retries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError routes a failed delivery to the retry queue, or to
// the dead-letter queue once it is out of retries or failed permanently.
// The delivery is acked once it has been republished.
func HandleProcessingError(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, cause error) {
	n := retries(msg.Headers)
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	target := queueName + "_retry"
	if n >= MaxRetries || errors.Is(cause, ErrPermanent) {
		target = queueName + "_dlq"
		headers["x-error"] = cause.Error()
		logger.Warn("[Queue] Sending message to DLQ", "dlq", target, "retries", n, "err", cause)
	} else {
		headers[retriesHeader] = int32(n + 1)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pubErr := ch.PublishWithContext(
		pubCtx,
		"",
		target,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to republish message", "queue", target, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
