// Package metrics emits operational counters. Failures to publish are
// logged and swallowed: metrics never fail an invocation.
package metrics

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
)

// Metric names.
const (
	UpdatedFunctionCount      = "UpdatedFunctionCount"
	NoOpCount                 = "NoOpCount"
	PipelineStartCount        = "PipelineStartCount"
	Failures                  = "Failures"
	TargetProcessingErrors    = "TargetProcessingErrors"
	DigestResolutionFailures  = "DigestResolutionFailures"
	InvalidEvents             = "InvalidEvents"
	ProcessingDurationSeconds = "ProcessingDurationSeconds"
	TargetsProcessed          = "TargetsProcessed"
)

// Sink is the write-only metrics collaborator.
type Sink interface {
	Count(ctx context.Context, name string, value float64, dimensions map[string]string)
	Seconds(ctx context.Context, name string, value float64, dimensions map[string]string)
}

// CloudWatchAPI is the slice of the CloudWatch client the sink uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes metrics under one namespace.
type CloudWatchSink struct {
	client    CloudWatchAPI
	namespace string
	log       logrus.FieldLogger
}

// NewCloudWatchSink creates a sink.
func NewCloudWatchSink(client CloudWatchAPI, namespace string, log logrus.FieldLogger) *CloudWatchSink {
	return &CloudWatchSink{client: client, namespace: namespace, log: log}
}

// Count publishes a counter datum.
func (s *CloudWatchSink) Count(ctx context.Context, name string, value float64, dimensions map[string]string) {
	s.put(ctx, name, value, cwtypes.StandardUnitCount, dimensions)
}

// Seconds publishes a duration datum.
func (s *CloudWatchSink) Seconds(ctx context.Context, name string, value float64, dimensions map[string]string) {
	s.put(ctx, name, value, cwtypes.StandardUnitSeconds, dimensions)
}

func (s *CloudWatchSink) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dimensions map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for k, v := range dimensions {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		s.log.WithError(err).WithField("metric", name).Warn("failed to publish metric")
	}
}

// Nop is a sink that drops everything. Used where no metrics backend is
// configured (local store mode).
type Nop struct{}

func (Nop) Count(context.Context, string, float64, map[string]string)   {}
func (Nop) Seconds(context.Context, string, float64, map[string]string) {}
