// Package metrics emits service telemetry to AWS CloudWatch. Consumers
// declare narrow interfaces for the metrics they record; this package
// provides the one emitter that satisfies all of them. Metric publishing is
// best-effort: failures are logged and never surface to the caller.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tiergate/internal/billing"
	"tiergate/internal/quota"
	"tiergate/internal/reconcile"
	"tiergate/internal/types"
)

// Compile-time assertions that the emitter satisfies every consumer-declared
// metrics interface.
var (
	_ billing.OperationMetrics = (*CloudWatchEmitter)(nil)
	_ quota.DecisionMetrics    = (*CloudWatchEmitter)(nil)
	_ reconcile.Metrics        = (*CloudWatchEmitter)(nil)
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes TierGate metrics.
//
// Metrics emitted:
//   - ReconcileResult: Dims {Source} -- one per reconciliation pass
//   - ReconcileLatency: Dims {Source} -- pass duration in milliseconds
//   - QuotaDecision: Dims {Kind, Decision} -- one per admission decision
//   - BillingOperation: Dims {Operation, Outcome} -- one per billing call
//   - NoticeEmitted: Dims {Kind} -- one per published transition notice
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchEmitter creates an emitter publishing to the TierGate
// namespace.
func NewCloudWatchEmitter(client CloudWatchClient, logger types.Logger) *CloudWatchEmitter {
	return &CloudWatchEmitter{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordReconcile emits the result counter and latency for one
// reconciliation pass, dimensioned by the fallback stage that produced the
// published snapshot.
func (m *CloudWatchEmitter) RecordReconcile(ctx context.Context, source types.SnapshotSource, latency time.Duration) {
	sourceDim := cwtypes.Dimension{
		Name:  aws.String(types.DimSource),
		Value: aws.String(string(source)),
	}

	m.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricReconcileResult),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{sourceDim},
			},
			{
				MetricName: aws.String(types.MetricReconcileLatency),
				Value:      aws.Float64(float64(latency.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{sourceDim},
			},
		},
	}, "source", string(source))
}

// RecordQuotaDecision emits one admission decision.
func (m *CloudWatchEmitter) RecordQuotaDecision(ctx context.Context, kind types.FeatureKind, decision string) {
	m.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricQuotaDecision),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimKind),
						Value: aws.String(string(kind)),
					},
					{
						Name:  aws.String(types.DimDecision),
						Value: aws.String(decision),
					},
				},
			},
		},
	}, "kind", string(kind), "decision", decision)
}

// RecordBillingOperation emits one billing operation outcome.
func (m *CloudWatchEmitter) RecordBillingOperation(ctx context.Context, operation, outcome string) {
	m.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricBillingOperation),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimOperation),
						Value: aws.String(operation),
					},
					{
						Name:  aws.String(types.DimOutcome),
						Value: aws.String(outcome),
					},
				},
			},
		},
	}, "operation", operation, "outcome", outcome)
}

// RecordNotice emits one published transition notice.
func (m *CloudWatchEmitter) RecordNotice(ctx context.Context, noticeType types.NoticeType) {
	m.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricNoticeEmitted),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimKind),
						Value: aws.String(string(noticeType)),
					},
				},
			},
		},
	}, "notice_type", string(noticeType))
}

func (m *CloudWatchEmitter) put(ctx context.Context, input *cloudwatch.PutMetricDataInput, logArgs ...any) {
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		args := append([]any{"error", err.Error()}, logArgs...)
		m.logger.Error("failed to publish metric", args...)
	}
}
