// Package queue provides the SQS dead-letter producer for webhook events
// that failed reconciliation and need redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetterMessage is the envelope placed on the dead-letter queue when an
// event fails processing. Payload carries the original verified webhook body
// so the redelivery worker can re-dispatch it without touching the provider.
type DeadLetterMessage struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	FailedAt  time.Time       `json:"failed_at"`
}

// DeadLetterQueue publishes failed webhook events to SQS for later
// redelivery. The standard redrive path covers worker crashes; this
// producer covers events the dispatcher processed but could not complete
// (e.g. the database was unreachable mid-capture).
type DeadLetterQueue struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeadLetterQueue creates a DeadLetterQueue publishing to the given queue URL.
func NewDeadLetterQueue(client SQSSender, queueURL string, logger *slog.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterQueue{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish sends the failed event to the dead-letter queue.
func (q *DeadLetterQueue) Publish(ctx context.Context, eventID, eventType string, payload []byte, reason string) error {
	msg := DeadLetterMessage{
		EventID:   eventID,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
		Reason:    reason,
		FailedAt:  q.now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal dead-letter message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventType),
			},
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send dead-letter message to %s: %w", q.queueURL, err)
	}

	q.logger.InfoContext(ctx, "event dead-lettered",
		"queue_url", q.queueURL,
		"event_id", eventID,
		"event_type", eventType,
		"reason", reason,
	)

	return nil
}

// NoopDeadLetterQueue discards failed events. Used when no dead-letter queue
// is configured; events remain queryable through the archive.
type NoopDeadLetterQueue struct{}

func (NoopDeadLetterQueue) Publish(ctx context.Context, eventID, eventType string, payload []byte, reason string) error {
	return nil
}
