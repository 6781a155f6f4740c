// Package store holds subscription records: which deployed functions follow
// which (registry, repository, tag) and what was last done for each.
package store

import (
	"context"
	"fmt"
)

// Status values written to a record's lastStatus field. The controller writes
// StatusUpdated (direct mode) or StatusStarted (pipeline mode); once an
// execution is started the monitor owns the field.
const (
	StatusUpdated = "updated"
	StatusNoop    = "noop"
	StatusStarted = "Started"

	ExecInProgress = "InProgress"
	ExecSucceeded  = "Succeeded"
	ExecFailed     = "Failed"
	ExecStopped    = "Stopped"
)

// Terminal reports whether an execution status ends polling for a record.
func Terminal(status string) bool {
	switch status {
	case ExecSucceeded, ExecFailed, ExecStopped:
		return true
	}
	return false
}

// Key is the composite primary key of one subscription record. The encoding
// must be bit-exact between writers and readers.
type Key struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
}

// PartitionKey encodes the event side of the key.
func PartitionKey(registryID, repository, tag string) string {
	return fmt.Sprintf("REG#%s#REPO#%s#TAG#%s", registryID, repository, tag)
}

// SortKey encodes the target side of the key.
func SortKey(region, accountID, functionName string) string {
	return fmt.Sprintf("TARGET#%s#%s#%s", region, accountID, functionName)
}

// Target identifies where and what to update.
type Target struct {
	AccountID    string `dynamodbav:"accountId"`
	Region       string `dynamodbav:"region"`
	FunctionName string `dynamodbav:"functionName"`
	AliasName    string `dynamodbav:"aliasName,omitempty"`
}

// CodeDeploy carries the traffic-shifting configuration a pipeline-mode
// target hands to its deploy stage.
type CodeDeploy struct {
	ApplicationName      string `dynamodbav:"applicationName,omitempty"`
	DeploymentGroupName  string `dynamodbav:"deploymentGroupName,omitempty"`
	DeploymentConfigName string `dynamodbav:"deploymentConfigName,omitempty"`
}

// Pipeline names the delivery pipeline for a pipeline-mode target.
type Pipeline struct {
	Name string `dynamodbav:"name"`
}

// Record is one subscription. Mode is practically immutable: changing it is
// a delete+recreate performed by provisioning, never by this system.
type Record struct {
	Key
	Mode                string      `dynamodbav:"mode,omitempty"`
	Target              Target      `dynamodbav:"target"`
	UpdateStrategy      string      `dynamodbav:"updateStrategy,omitempty"`
	CodeDeploy          *CodeDeploy `dynamodbav:"codeDeploy,omitempty"`
	Pipeline            *Pipeline   `dynamodbav:"pipeline,omitempty"`
	AssumeRoleArn       string      `dynamodbav:"assumeRoleArn,omitempty"`
	PipelineAssumeRole  string      `dynamodbav:"pipelineAssumeRoleArn,omitempty"`
	LastProcessedDigest string      `dynamodbav:"lastProcessedDigest,omitempty"`
	LastExecutionID     string      `dynamodbav:"lastExecutionId,omitempty"`
	LastStatus          string      `dynamodbav:"lastStatus,omitempty"`
}

// Store is the subscription store contract shared by the DynamoDB and local
// sqlite backends.
type Store interface {
	// Query returns all records subscribed to one (registry, repository,
	// tag). An empty result is a normal zero-work case, not an error.
	Query(ctx context.Context, registryID, repository, tag string) ([]Record, error)

	// MarkProcessed atomically sets lastProcessedDigest iff it is absent or
	// differs from digest. A false return means the gate is closed: this
	// digest was already actioned for this target and the caller must skip
	// the update entirely.
	MarkProcessed(ctx context.Context, key Key, digest string) (bool, error)

	// ClearProcessed reopens the gate: it removes lastProcessedDigest iff
	// it still equals digest. Called when the action behind a passed gate
	// failed, so the next event for the same digest retries this target.
	ClearProcessed(ctx context.Context, key Key, digest string) error

	// RecordOutcome overwrites lastStatus and, when executionID is
	// non-empty, lastExecutionId. Last writer wins.
	RecordOutcome(ctx context.Context, key Key, status, executionID string) error

	// PendingExecutions returns pipeline-mode records with a started
	// execution whose last known status is not yet terminal.
	PendingExecutions(ctx context.Context) ([]Record, error)
}
