// Package metrics emits webhook processing counters to AWS CloudWatch.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"subsync/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink counts processed webhook events by type and outcome.
//
// Metric emitted:
//   - WebhookEvent: Dims {EventType, Outcome} -- on every dispatched event
//
// Emission is best-effort. A metrics outage must never affect event
// processing, so failures are logged and swallowed.
type CloudWatchSink struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchSink creates a CloudWatchSink publishing to the given namespace.
func NewCloudWatchSink(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchSink{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// CountEvent emits one WebhookEvent datum for the event type and outcome.
func (m *CloudWatchSink) CountEvent(ctx context.Context, eventType string, outcome types.EventOutcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("WebhookEvent"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("EventType"),
						Value: aws.String(eventType),
					},
					{
						Name:  aws.String("Outcome"),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to record webhook event metric",
			"error", err.Error(),
			"event_type", eventType,
			"outcome", string(outcome),
		)
	}
}

// NoopSink discards all metrics. Used when metric emission is disabled.
type NoopSink struct{}

func (NoopSink) CountEvent(ctx context.Context, eventType string, outcome types.EventOutcome) {}
