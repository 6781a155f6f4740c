// Package controller orchestrates the reaction to one registry push event:
// resolve the tag to a digest, find subscribed targets, and fan the update
// out across them.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/events"
	"lambda-publish/internal/fanout"
	"lambda-publish/internal/metrics"
	"lambda-publish/internal/pipeline"
	"lambda-publish/internal/store"
	"lambda-publish/internal/updater"
)

// Resolver resolves a tag to a digest.
type Resolver interface {
	Resolve(ctx context.Context, registryID, repository, tag string) (string, error)
}

// Delegator exchanges a role ARN for scoped credentials.
type Delegator interface {
	Assume(ctx context.Context, roleArn string) (aws.CredentialsProvider, error)
}

// FunctionUpdater applies an image to one deployed function.
type FunctionUpdater interface {
	Apply(ctx context.Context, functionName, aliasName, imageURI, strategy string) (updater.Result, error)
}

// PipelineStarter starts one pipeline execution.
type PipelineStarter interface {
	Start(ctx context.Context, pipelineName string, vars map[string]string) (string, error)
}

// Target operations run against the target's own region under delegated
// credentials, so the concrete updater/starter is built per target.
type (
	UpdaterFactory func(region string, creds aws.CredentialsProvider) FunctionUpdater
	StarterFactory func(region string, creds aws.CredentialsProvider) PipelineStarter
)

// Controller wires the collaborators for one process.
type Controller struct {
	cfg        *config.Config
	resolver   Resolver
	store      store.Store
	delegator  Delegator
	newUpdater UpdaterFactory
	newStarter StarterFactory
	sink       metrics.Sink
	log        logrus.FieldLogger
}

// New creates a controller.
func New(cfg *config.Config, resolver Resolver, st store.Store, delegator Delegator,
	newUpdater UpdaterFactory, newStarter StarterFactory, sink metrics.Sink, log logrus.FieldLogger) *Controller {
	return &Controller{
		cfg:        cfg,
		resolver:   resolver,
		store:      st,
		delegator:  delegator,
		newUpdater: newUpdater,
		newStarter: newStarter,
		sink:       sink,
		log:        log,
	}
}

// Summary is the invocation-level result.
type Summary struct {
	Digest   string
	Targets  int
	Updated  int
	Noops    int
	Started  int
	Failed   int
	Elapsed  time.Duration
	Outcomes []TargetOutcome
}

// TargetOutcome pairs a record with what happened to it.
type TargetOutcome struct {
	Record  store.Record
	Mode    string
	Outcome string
	Err     error
}

// Handle processes one push event end to end. It returns an error only for
// invocation-fatal conditions (invalid event, digest resolution failure);
// per-target failures are folded into the summary.
func (c *Controller) Handle(ctx context.Context, ev *events.PushEvent) (*Summary, error) {
	start := time.Now()

	correlationID := ev.ID
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	log := c.log.WithField("correlation_id", correlationID)

	if err := ev.Validate(); err != nil {
		c.sink.Count(ctx, metrics.InvalidEvents, 1, nil)
		log.WithError(err).Error("rejecting event")
		return nil, err
	}

	registryID := ev.Detail.RegistryID
	repository := ev.Detail.RepositoryName
	tag := ev.Tag()
	log = log.WithFields(logrus.Fields{
		"registry_id": registryID,
		"repository":  repository,
		"tag":         tag,
	})
	dims := map[string]string{"Repository": repository, "Tag": tag}

	digest, err := c.resolver.Resolve(ctx, registryID, repository, tag)
	if err != nil {
		c.sink.Count(ctx, metrics.DigestResolutionFailures, 1, dims)
		log.WithError(err).Error("digest resolution failed")
		return nil, err
	}
	log = log.WithField("digest", digest)

	records, err := c.store.Query(ctx, registryID, repository, tag)
	if err != nil {
		log.WithError(err).Error("subscription query failed")
		return nil, err
	}
	if len(records) == 0 {
		log.Info("no subscribers")
		summary := &Summary{Digest: digest, Elapsed: time.Since(start)}
		c.emit(ctx, summary, dims)
		return summary, nil
	}

	outcomes := fanout.Run(ctx, len(records), func(ctx context.Context, i int) (string, error) {
		return c.processTarget(ctx, log, records[i], registryID, repository, digest)
	}, c.cfg.MaxParallelTargets)

	summary := &Summary{Digest: digest, Targets: len(records), Elapsed: time.Since(start)}
	for i, out := range outcomes {
		rec := records[i]
		to := TargetOutcome{
			Record:  rec,
			Mode:    c.mode(rec),
			Outcome: out.Outcome,
			Err:     out.Err,
		}
		summary.Outcomes = append(summary.Outcomes, to)

		entry := log.WithFields(logrus.Fields{
			"function": rec.Target.FunctionName,
			"account":  rec.Target.AccountID,
			"region":   rec.Target.Region,
			"mode":     to.Mode,
			"outcome":  to.Outcome,
		})
		switch out.Outcome {
		case fanout.OutcomeUpdated:
			summary.Updated++
			entry.Info("target updated")
		case fanout.OutcomeNoop:
			summary.Noops++
			entry.Info("target already at digest")
		case fanout.OutcomeStartedPipeline:
			summary.Started++
			entry.Info("pipeline started for target")
		default:
			summary.Failed++
			entry.WithError(out.Err).Error("target failed")
		}

		c.emitTarget(ctx, to, dims)
	}

	c.emit(ctx, summary, dims)
	log.WithFields(logrus.Fields{
		"targets":    summary.Targets,
		"updated":    summary.Updated,
		"noops":      summary.Noops,
		"started":    summary.Started,
		"failed":     summary.Failed,
		"elapsed_ms": summary.Elapsed.Milliseconds(),
	}).Info("invocation complete")

	return summary, nil
}

// processTarget runs the per-target pipeline: idempotency gate, credential
// delegation, then the direct update or pipeline start. The gate comes
// first so duplicate deliveries never cost a credential exchange.
func (c *Controller) processTarget(ctx context.Context, log logrus.FieldLogger, rec store.Record,
	registryID, repository, digest string) (string, error) {

	won, err := c.store.MarkProcessed(ctx, rec.Key, digest)
	if err != nil {
		return "", err
	}
	if !won {
		return fanout.OutcomeNoop, nil
	}

	outcome, err := c.actOnTarget(ctx, log, rec, registryID, repository, digest)
	if err != nil {
		// The gate was won but the action failed: reopen it so the next
		// event for this digest retries the target.
		if clearErr := c.store.ClearProcessed(ctx, rec.Key, digest); clearErr != nil {
			log.WithError(clearErr).WithField("function", rec.Target.FunctionName).
				Error("failed to reopen idempotency gate")
		}
		return "", err
	}
	return outcome, nil
}

func (c *Controller) actOnTarget(ctx context.Context, log logrus.FieldLogger, rec store.Record,
	registryID, repository, digest string) (string, error) {

	target := rec.Target
	imageURI := fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s@%s", registryID, target.Region, repository, digest)

	creds, err := c.delegator.Assume(ctx, rec.AssumeRoleArn)
	if err != nil {
		return "", err
	}

	if c.mode(rec) == config.ModePipeline {
		return c.startPipeline(ctx, rec, creds, imageURI)
	}

	strategy := rec.UpdateStrategy
	if strategy == "" {
		strategy = c.cfg.DefaultUpdateStrategy
	}

	up := c.newUpdater(target.Region, creds)
	result, err := up.Apply(ctx, target.FunctionName, target.AliasName, imageURI, strategy)
	if err != nil {
		return "", err
	}

	if result.Status == "noop" {
		// Defensive idempotency below the gate: the function was already
		// at this digest. The gate stays marked; the work is done.
		if err := c.store.RecordOutcome(ctx, rec.Key, store.StatusNoop, ""); err != nil {
			log.WithError(err).WithField("function", target.FunctionName).Warn("failed to record noop outcome")
		}
		return fanout.OutcomeNoop, nil
	}

	if err := c.store.RecordOutcome(ctx, rec.Key, store.StatusUpdated, ""); err != nil {
		log.WithError(err).WithField("function", target.FunctionName).Warn("failed to record outcome")
	}
	return fanout.OutcomeUpdated, nil
}

func (c *Controller) startPipeline(ctx context.Context, rec store.Record, creds aws.CredentialsProvider, imageURI string) (string, error) {
	var pipelineName string
	if rec.Pipeline != nil {
		pipelineName = rec.Pipeline.Name
	}

	vars := map[string]string{
		pipeline.VarImageURI:      imageURI,
		pipeline.VarFunctionName:  rec.Target.FunctionName,
		pipeline.VarAliasName:     rec.Target.AliasName,
		pipeline.VarTargetAccount: rec.Target.AccountID,
		pipeline.VarTargetRegion:  rec.Target.Region,
	}
	if cd := rec.CodeDeploy; cd != nil {
		vars[pipeline.VarDeployApp] = cd.ApplicationName
		vars[pipeline.VarDeployGroup] = cd.DeploymentGroupName
		vars[pipeline.VarDeployConfig] = cd.DeploymentConfigName
	}

	starter := c.newStarter(rec.Target.Region, creds)
	executionID, err := starter.Start(ctx, pipelineName, vars)
	if err != nil {
		return "", err
	}

	if err := c.store.RecordOutcome(ctx, rec.Key, store.StatusStarted, executionID); err != nil {
		return "", err
	}
	return fanout.OutcomeStartedPipeline, nil
}

func (c *Controller) mode(rec store.Record) string {
	if rec.Mode != "" {
		return rec.Mode
	}
	return c.cfg.DefaultMode
}

func (c *Controller) emitTarget(ctx context.Context, to TargetOutcome, base map[string]string) {
	dims := map[string]string{
		"Repository": base["Repository"],
		"Tag":        base["Tag"],
		"Mode":       to.Mode,
	}
	switch to.Outcome {
	case fanout.OutcomeUpdated:
		c.sink.Count(ctx, metrics.UpdatedFunctionCount, 1, dims)
	case fanout.OutcomeNoop:
		c.sink.Count(ctx, metrics.NoOpCount, 1, dims)
	case fanout.OutcomeStartedPipeline:
		c.sink.Count(ctx, metrics.PipelineStartCount, 1, dims)
	default:
		c.sink.Count(ctx, metrics.Failures, 1, dims)
		c.sink.Count(ctx, metrics.TargetProcessingErrors, 1, dims)
	}
}

func (c *Controller) emit(ctx context.Context, summary *Summary, dims map[string]string) {
	c.sink.Seconds(ctx, metrics.ProcessingDurationSeconds, summary.Elapsed.Seconds(), dims)
	c.sink.Count(ctx, metrics.TargetsProcessed, float64(summary.Targets), dims)
}
