package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/pipeline"
	"lambda-publish/internal/store"
)

type fakeDelegator struct {
	calls   int
	lastArn string
}

func (f *fakeDelegator) Assume(ctx context.Context, roleArn string) (aws.CredentialsProvider, error) {
	f.calls++
	f.lastArn = roleArn
	return aws.AnonymousCredentials{}, nil
}

type fakeChecker struct {
	states map[string]pipeline.State
	errs   map[string]error
	calls  int
}

func (f *fakeChecker) Status(ctx context.Context, pipelineName, executionID string) (pipeline.State, error) {
	f.calls++
	if err := f.errs[executionID]; err != nil {
		return "", err
	}
	return f.states[executionID], nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "subs.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedPipelineRecord(t *testing.T, st *store.SQLiteStore, fn, executionID, status string) store.Record {
	t.Helper()
	rec := store.Record{
		Key: store.Key{
			PK: store.PartitionKey("111122223333", "orders", "prod"),
			SK: store.SortKey("us-east-1", "444455556666", fn),
		},
		Mode: config.ModePipeline,
		Target: store.Target{
			AccountID:    "444455556666",
			Region:       "us-east-1",
			FunctionName: fn,
		},
		Pipeline:        &store.Pipeline{Name: fn + "-pipeline"},
		LastExecutionID: executionID,
		LastStatus:      status,
	}
	if err := st.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func statusOf(t *testing.T, st *store.SQLiteStore, fn string) string {
	t.Helper()
	recs, err := st.Query(context.Background(), "111122223333", "orders", "prod")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, r := range recs {
		if r.Target.FunctionName == fn {
			return r.LastStatus
		}
	}
	t.Fatalf("record for %s not found", fn)
	return ""
}

func TestRunOnce_WritesTerminalStateAndStopsPolling(t *testing.T) {
	st := newTestStore(t)
	seedPipelineRecord(t, st, "orders-fn", "exec-1", store.StatusStarted)

	checker := &fakeChecker{states: map[string]pipeline.State{"exec-1": pipeline.StateSucceeded}}
	delegator := &fakeDelegator{}
	m := New(st, delegator, func(region string, creds aws.CredentialsProvider) StatusChecker {
		return checker
	}, logrus.New())

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 1 || result.Changed != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if got := statusOf(t, st, "orders-fn"); got != store.ExecSucceeded {
		t.Errorf("lastStatus = %q, want Succeeded", got)
	}

	// Terminal records leave the pending set, so a second pass is free.
	result, err = m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if result.Scanned != 0 {
		t.Errorf("second pass scanned = %d, want 0", result.Scanned)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d, terminal executions must not be re-polled", checker.calls)
	}
}

func TestRunOnce_UnchangedStateIsNotRewritten(t *testing.T) {
	st := newTestStore(t)
	seedPipelineRecord(t, st, "orders-fn", "exec-1", store.ExecInProgress)

	checker := &fakeChecker{states: map[string]pipeline.State{"exec-1": pipeline.StateInProgress}}
	m := New(st, &fakeDelegator{}, func(region string, creds aws.CredentialsProvider) StatusChecker {
		return checker
	}, logrus.New())

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 1 || result.Changed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if got := statusOf(t, st, "orders-fn"); got != store.ExecInProgress {
		t.Errorf("lastStatus = %q, want InProgress", got)
	}
}

func TestRunOnce_FailureIsIsolated(t *testing.T) {
	st := newTestStore(t)
	seedPipelineRecord(t, st, "alpha-fn", "exec-a", store.StatusStarted)
	seedPipelineRecord(t, st, "beta-fn", "exec-b", store.StatusStarted)

	checker := &fakeChecker{
		states: map[string]pipeline.State{"exec-b": pipeline.StateFailed},
		errs:   map[string]error{"exec-a": errors.New("access denied")},
	}
	m := New(st, &fakeDelegator{}, func(region string, creds aws.CredentialsProvider) StatusChecker {
		return checker
	}, logrus.New())

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 2 || result.Changed != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if got := statusOf(t, st, "beta-fn"); got != store.ExecFailed {
		t.Errorf("beta lastStatus = %q, want Failed", got)
	}
	if got := statusOf(t, st, "alpha-fn"); got != store.StatusStarted {
		t.Errorf("alpha lastStatus = %q, a poll failure must not clobber the record", got)
	}
}

func TestRunOnce_PipelineRoleWinsOverTargetRole(t *testing.T) {
	st := newTestStore(t)
	rec := seedPipelineRecord(t, st, "orders-fn", "exec-1", store.StatusStarted)
	rec.AssumeRoleArn = "arn:aws:iam::444455556666:role/target"
	rec.PipelineAssumeRole = "arn:aws:iam::444455556666:role/pipeline"
	if err := st.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	delegator := &fakeDelegator{}
	checker := &fakeChecker{states: map[string]pipeline.State{"exec-1": pipeline.StateInProgress}}
	m := New(st, delegator, func(region string, creds aws.CredentialsProvider) StatusChecker {
		return checker
	}, logrus.New())

	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if delegator.lastArn != rec.PipelineAssumeRole {
		t.Errorf("assumed %q, want the pipeline role", delegator.lastArn)
	}
}

func TestRunOnce_EmptyPendingSet(t *testing.T) {
	st := newTestStore(t)

	m := New(st, &fakeDelegator{}, func(region string, creds aws.CredentialsProvider) StatusChecker {
		t.Fatal("checker must not be built with nothing pending")
		return nil
	}, logrus.New())

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 0 || result.Changed != 0 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
}
