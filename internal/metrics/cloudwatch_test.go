package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tiergate/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func findDimension(datum cwtypes.MetricDatum, name string) string {
	for _, d := range datum.Dimensions {
		if *d.Name == name {
			return *d.Value
		}
	}
	return ""
}

func TestRecordReconcile_EmitsResultAndLatency(t *testing.T) {
	client := &mockCloudWatchClient{}
	emitter := NewCloudWatchEmitter(client, types.NewSlogLogger(nil))

	emitter.RecordReconcile(context.Background(), types.SourceProcessor, 250*time.Millisecond)

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(client.calls))
	}
	input := client.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %s, got %s", types.MetricNamespace, *input.Namespace)
	}
	if len(input.MetricData) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(input.MetricData))
	}

	result := input.MetricData[0]
	if *result.MetricName != types.MetricReconcileResult {
		t.Errorf("expected %s, got %s", types.MetricReconcileResult, *result.MetricName)
	}
	if got := findDimension(result, types.DimSource); got != "processor" {
		t.Errorf("expected Source=processor, got %q", got)
	}

	latency := input.MetricData[1]
	if *latency.MetricName != types.MetricReconcileLatency {
		t.Errorf("expected %s, got %s", types.MetricReconcileLatency, *latency.MetricName)
	}
	if *latency.Value != 250 {
		t.Errorf("expected latency 250ms, got %f", *latency.Value)
	}
	if latency.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("expected milliseconds unit, got %s", latency.Unit)
	}
}

func TestRecordQuotaDecision_Dimensions(t *testing.T) {
	client := &mockCloudWatchClient{}
	emitter := NewCloudWatchEmitter(client, types.NewSlogLogger(nil))

	emitter.RecordQuotaDecision(context.Background(), types.FeatureCourses, "deny")

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(client.calls))
	}
	datum := client.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricQuotaDecision {
		t.Errorf("expected %s, got %s", types.MetricQuotaDecision, *datum.MetricName)
	}
	if got := findDimension(datum, types.DimKind); got != "courses" {
		t.Errorf("expected Kind=courses, got %q", got)
	}
	if got := findDimension(datum, types.DimDecision); got != "deny" {
		t.Errorf("expected Decision=deny, got %q", got)
	}
}

func TestRecordBillingOperation_Dimensions(t *testing.T) {
	client := &mockCloudWatchClient{}
	emitter := NewCloudWatchEmitter(client, types.NewSlogLogger(nil))

	emitter.RecordBillingOperation(context.Background(), "start_checkout", "success")

	datum := client.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricBillingOperation {
		t.Errorf("expected %s, got %s", types.MetricBillingOperation, *datum.MetricName)
	}
	if got := findDimension(datum, types.DimOperation); got != "start_checkout" {
		t.Errorf("expected Operation=start_checkout, got %q", got)
	}
	if got := findDimension(datum, types.DimOutcome); got != "success" {
		t.Errorf("expected Outcome=success, got %q", got)
	}
}

func TestRecordNotice_Dimension(t *testing.T) {
	client := &mockCloudWatchClient{}
	emitter := NewCloudWatchEmitter(client, types.NewSlogLogger(nil))

	emitter.RecordNotice(context.Background(), types.NoticePastDue)

	datum := client.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricNoticeEmitted {
		t.Errorf("expected %s, got %s", types.MetricNoticeEmitted, *datum.MetricName)
	}
	if got := findDimension(datum, types.DimKind); got != string(types.NoticePastDue) {
		t.Errorf("expected Kind=%s, got %q", types.NoticePastDue, got)
	}
}

func TestEmitter_PublishFailureIsSwallowed(t *testing.T) {
	client := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	emitter := NewCloudWatchEmitter(client, types.NewSlogLogger(nil))

	// Must not panic or propagate.
	emitter.RecordQuotaDecision(context.Background(), types.FeatureNotes, "allow")
	emitter.RecordReconcile(context.Background(), types.SourceCache, time.Second)

	if len(client.calls) != 2 {
		t.Fatalf("expected 2 attempted calls, got %d", len(client.calls))
	}
}
