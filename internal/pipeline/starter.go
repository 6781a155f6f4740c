// Package pipeline starts delivery-pipeline executions and reads their
// status. Pipeline variables travel through a namespaced parameter-store
// side channel because the execution's build stage cannot receive direct
// invocation arguments.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/faults"
)

// Variable names the downstream build stage reads back.
const (
	VarImageURI      = "IMAGE_URI"
	VarFunctionName  = "FUNCTION_NAME"
	VarAliasName     = "ALIAS_NAME"
	VarDeployApp     = "DEPLOY_APP"
	VarDeployGroup   = "DEPLOY_GROUP"
	VarDeployConfig  = "DEPLOY_CONFIG"
	VarTargetAccount = "TARGET_ACCOUNT"
	VarTargetRegion  = "TARGET_REGION"
)

// State is an execution state as seen by the monitor.
type State string

const (
	StateInProgress State = "InProgress"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
	StateStopped    State = "Stopped"
)

// Terminal reports whether a state ends polling.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateStopped
}

// PipelineAPI is the slice of the CodePipeline client the starter uses.
type PipelineAPI interface {
	StartPipelineExecution(ctx context.Context, params *codepipeline.StartPipelineExecutionInput, optFns ...func(*codepipeline.Options)) (*codepipeline.StartPipelineExecutionOutput, error)
	GetPipelineExecution(ctx context.Context, params *codepipeline.GetPipelineExecutionInput, optFns ...func(*codepipeline.Options)) (*codepipeline.GetPipelineExecutionOutput, error)
}

// ParameterAPI is the slice of the SSM client used for variable propagation.
type ParameterAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// Starter starts pipeline executions. Construct one per target region and
// credential scope.
type Starter struct {
	pipelines  PipelineAPI
	parameters ParameterAPI
	log        logrus.FieldLogger
}

// NewStarter creates a starter.
func NewStarter(pipelines PipelineAPI, parameters ParameterAPI, log logrus.FieldLogger) *Starter {
	return &Starter{pipelines: pipelines, parameters: parameters, log: log}
}

// prefix is the parameter namespace for one execution.
func prefix(pipelineName, executionID string) string {
	return fmt.Sprintf("/%s/pipeline/%s/%s", config.Product, pipelineName, executionID)
}

// Start writes variables under a token-keyed prefix, starts the execution
// with that token, and returns the execution id. The service may assign an
// execution id different from the request token; the parameters are then
// moved under the real id so the build stage finds them.
func (s *Starter) Start(ctx context.Context, pipelineName string, vars map[string]string) (string, error) {
	if pipelineName == "" {
		return "", &faults.PipelineNotFoundError{Pipeline: "(unnamed)"}
	}

	token := ulid.Make().String()
	if err := s.putVariables(ctx, prefix(pipelineName, token), vars); err != nil {
		return "", err
	}

	out, err := s.pipelines.StartPipelineExecution(ctx, &codepipeline.StartPipelineExecutionInput{
		Name:               aws.String(pipelineName),
		ClientRequestToken: aws.String(token),
	})
	if err != nil {
		var notFound *cptypes.PipelineNotFoundException
		if errors.As(err, &notFound) {
			return "", &faults.PipelineNotFoundError{Pipeline: pipelineName}
		}
		return "", faults.Upstream("pipeline", fmt.Errorf("start %s: %w", pipelineName, err))
	}

	executionID := aws.ToString(out.PipelineExecutionId)
	if executionID != "" && executionID != token {
		s.moveVariables(ctx, prefix(pipelineName, token), prefix(pipelineName, executionID), vars)
	}
	if executionID == "" {
		executionID = token
	}

	s.log.WithFields(logrus.Fields{
		"pipeline":     pipelineName,
		"execution_id": executionID,
		"variables":    len(vars),
	}).Info("pipeline execution started")

	return executionID, nil
}

// Status returns the current state of an execution.
func (s *Starter) Status(ctx context.Context, pipelineName, executionID string) (State, error) {
	out, err := s.pipelines.GetPipelineExecution(ctx, &codepipeline.GetPipelineExecutionInput{
		PipelineName:        aws.String(pipelineName),
		PipelineExecutionId: aws.String(executionID),
	})
	if err != nil {
		var notFound *cptypes.PipelineNotFoundException
		var execNotFound *cptypes.PipelineExecutionNotFoundException
		if errors.As(err, &notFound) || errors.As(err, &execNotFound) {
			return "", &faults.PipelineNotFoundError{Pipeline: fmt.Sprintf("%s/%s", pipelineName, executionID)}
		}
		return "", faults.Upstream("pipeline", fmt.Errorf("status %s/%s: %w", pipelineName, executionID, err))
	}

	if out.PipelineExecution == nil {
		return "", faults.Upstream("pipeline", fmt.Errorf("status %s/%s: empty execution", pipelineName, executionID))
	}
	return mapStatus(out.PipelineExecution.Status), nil
}

// Variables reads back the variable set for one execution. Used by the
// downstream build stage and by operators debugging a stuck execution.
func (s *Starter) Variables(ctx context.Context, pipelineName, executionID string) (map[string]string, error) {
	path := prefix(pipelineName, executionID)
	vars := make(map[string]string)

	var nextToken *string
	for {
		out, err := s.parameters.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:      aws.String(path),
			Recursive: aws.Bool(true),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, faults.Upstream("parameters", fmt.Errorf("read %s: %w", path, err))
		}
		for _, p := range out.Parameters {
			name := aws.ToString(p.Name)
			if i := len(path) + 1; i <= len(name) {
				vars[name[i:]] = aws.ToString(p.Value)
			}
		}
		if out.NextToken == nil {
			return vars, nil
		}
		nextToken = out.NextToken
	}
}

func (s *Starter) putVariables(ctx context.Context, path string, vars map[string]string) error {
	for name, value := range vars {
		if value == "" {
			continue
		}
		_, err := s.parameters.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(path + "/" + name),
			Value:     aws.String(value),
			Type:      ssmtypes.ParameterTypeString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return faults.Upstream("parameters", fmt.Errorf("put %s/%s: %w", path, name, err))
		}
	}
	return nil
}

// moveVariables re-homes parameters after the service assigned its own
// execution id. Best effort: a partial move leaves the build stage short a
// variable, which its own validation reports.
func (s *Starter) moveVariables(ctx context.Context, oldPath, newPath string, vars map[string]string) {
	for name, value := range vars {
		if value == "" {
			continue
		}
		_, err := s.parameters.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(newPath + "/" + name),
			Value:     aws.String(value),
			Type:      ssmtypes.ParameterTypeString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			s.log.WithError(err).WithField("parameter", newPath+"/"+name).Warn("failed to move pipeline variable")
			continue
		}
		if _, err := s.parameters.DeleteParameter(ctx, &ssm.DeleteParameterInput{
			Name: aws.String(oldPath + "/" + name),
		}); err != nil {
			s.log.WithError(err).WithField("parameter", oldPath+"/"+name).Warn("failed to delete stale pipeline variable")
		}
	}
}

func mapStatus(status cptypes.PipelineExecutionStatus) State {
	switch status {
	case cptypes.PipelineExecutionStatusSucceeded:
		return StateSucceeded
	case cptypes.PipelineExecutionStatusFailed:
		return StateFailed
	case cptypes.PipelineExecutionStatusStopped,
		cptypes.PipelineExecutionStatusCancelled,
		cptypes.PipelineExecutionStatusSuperseded:
		return StateStopped
	default:
		// InProgress and Stopping are both still moving.
		return StateInProgress
	}
}
