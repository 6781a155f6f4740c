// Package monitor reconciles in-flight pipeline executions back into the
// subscription store. It runs on a schedule, decoupled from the controller:
// the controller writes execution ids, the monitor writes statuses.
package monitor

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/pipeline"
	"lambda-publish/internal/store"
)

// Delegator exchanges a role ARN for scoped credentials.
type Delegator interface {
	Assume(ctx context.Context, roleArn string) (aws.CredentialsProvider, error)
}

// StatusChecker queries one execution's state.
type StatusChecker interface {
	Status(ctx context.Context, pipelineName, executionID string) (pipeline.State, error)
}

// CheckerFactory builds a checker for a target region and credential scope.
type CheckerFactory func(region string, creds aws.CredentialsProvider) StatusChecker

// Monitor performs reconciliation passes.
type Monitor struct {
	store      store.Store
	delegator  Delegator
	newChecker CheckerFactory
	log        logrus.FieldLogger
}

// New creates a monitor.
func New(st store.Store, delegator Delegator, newChecker CheckerFactory, log logrus.FieldLogger) *Monitor {
	return &Monitor{store: st, delegator: delegator, newChecker: newChecker, log: log}
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Scanned int
	Changed int
	Failed  int
}

// RunOnce scans for records with non-terminal executions and writes back any
// status change. Failures on one record never stop the pass.
func (m *Monitor) RunOnce(ctx context.Context) (PassResult, error) {
	records, err := m.store.PendingExecutions(ctx)
	if err != nil {
		return PassResult{}, err
	}

	result := PassResult{Scanned: len(records)}
	for _, rec := range records {
		changed, err := m.reconcile(ctx, rec)
		if err != nil {
			result.Failed++
			m.log.WithError(err).WithFields(logrus.Fields{
				"pk":           rec.PK,
				"sk":           rec.SK,
				"execution_id": rec.LastExecutionID,
			}).Error("failed to reconcile execution")
			continue
		}
		if changed {
			result.Changed++
		}
	}

	m.log.WithFields(logrus.Fields{
		"scanned": result.Scanned,
		"changed": result.Changed,
		"failed":  result.Failed,
	}).Info("reconciliation pass complete")

	return result, nil
}

func (m *Monitor) reconcile(ctx context.Context, rec store.Record) (bool, error) {
	if rec.Pipeline == nil || rec.Pipeline.Name == "" || rec.LastExecutionID == "" {
		// Nothing to poll; the scan filter should not hand these out, but
		// a record mutated underneath us is not an error.
		return false, nil
	}

	roleArn := rec.PipelineAssumeRole
	if roleArn == "" {
		roleArn = rec.AssumeRoleArn
	}
	creds, err := m.delegator.Assume(ctx, roleArn)
	if err != nil {
		return false, err
	}

	checker := m.newChecker(rec.Target.Region, creds)
	state, err := checker.Status(ctx, rec.Pipeline.Name, rec.LastExecutionID)
	if err != nil {
		return false, err
	}

	if string(state) == rec.LastStatus {
		return false, nil
	}

	if err := m.store.RecordOutcome(ctx, rec.Key, string(state), ""); err != nil {
		return false, err
	}

	m.log.WithFields(logrus.Fields{
		"pipeline":     rec.Pipeline.Name,
		"execution_id": rec.LastExecutionID,
		"from":         rec.LastStatus,
		"to":           string(state),
		"terminal":     state.Terminal(),
	}).Info("execution status updated")

	return true, nil
}
