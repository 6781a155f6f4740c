// Package updater applies a resolved image digest to a deployed Lambda
// function: update code, wait for readiness, optionally publish a version
// and repoint the alias.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/faults"
)

// LambdaAPI is the slice of the Lambda client the updater uses.
type LambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	PublishVersion(ctx context.Context, params *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error)
	UpdateAlias(ctx context.Context, params *lambda.UpdateAliasInput, optFns ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error)
	CreateAlias(ctx context.Context, params *lambda.CreateAliasInput, optFns ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error)
}

// TagResolver resolves a tag-addressed image reference to a digest. The
// deployed function may reference its image by tag; comparisons are
// digest-based, so such references are resolved before comparing.
type TagResolver interface {
	Resolve(ctx context.Context, registryID, repository, tag string) (string, error)
}

// Result describes what an Apply did.
type Result struct {
	Status         string // "updated" or "noop"
	Version        string
	Alias          string
	PreviousDigest string
	NewDigest      string
}

// Updater updates one target's function. Construct one per target region and
// credential scope.
type Updater struct {
	client       LambdaAPI
	tags         TagResolver
	pollInterval time.Duration
	maxPolls     uint64
	log          logrus.FieldLogger
}

// New creates an updater. The readiness poll runs every 2s for at most 150
// attempts (five minutes), matching the function service's slowest container
// image update path.
func New(client LambdaAPI, tags TagResolver, log logrus.FieldLogger) *Updater {
	return &Updater{
		client:       client,
		tags:         tags,
		pollInterval: 2 * time.Second,
		maxPolls:     150,
		log:          log,
	}
}

// CurrentImageDigest returns the digest the function currently runs, or ""
// when the function is not a container-image function (not comparable).
func (u *Updater) CurrentImageDigest(ctx context.Context, functionName string) (string, error) {
	out, err := u.client.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return "", wrapLambdaErr(functionName, err)
	}

	if out.Configuration == nil || out.Configuration.PackageType != lambdatypes.PackageTypeImage {
		return "", nil
	}

	var uri string
	if out.Code != nil {
		uri = aws.ToString(out.Code.ImageUri)
	}
	if uri == "" {
		return "", nil
	}

	if at := strings.IndexByte(uri, '@'); at >= 0 {
		return uri[at+1:], nil
	}

	// Tag-addressed deployment. Resolve through the registry so the
	// comparison stays digest-based.
	registryID, repository, tag, ok := splitTagURI(uri)
	if !ok {
		u.log.WithFields(logrus.Fields{
			"function":  functionName,
			"image_uri": uri,
		}).Warn("unrecognized image reference, treating as not comparable")
		return "", nil
	}
	digest, err := u.tags.Resolve(ctx, registryID, repository, tag)
	if err != nil {
		return "", err
	}
	return digest, nil
}

// Apply updates the function to imageURI under the given strategy. It is
// safe to repeat with an unchanged digest: the digest comparison
// short-circuits to a noop before any mutation.
func (u *Updater) Apply(ctx context.Context, functionName, aliasName, imageURI, strategy string) (Result, error) {
	at := strings.IndexByte(imageURI, '@')
	if at < 0 {
		return Result{}, faults.Upstream("function", fmt.Errorf("image URI %q is not digest-addressed", imageURI))
	}
	newDigest := imageURI[at+1:]

	current, err := u.CurrentImageDigest(ctx, functionName)
	if err != nil {
		return Result{}, err
	}

	if current != "" && current == newDigest {
		u.log.WithFields(logrus.Fields{
			"function": functionName,
			"digest":   newDigest,
		}).Info("function already at digest")
		return Result{Status: "noop", PreviousDigest: current, NewDigest: newDigest}, nil
	}

	log := u.log.WithFields(logrus.Fields{
		"function":        functionName,
		"previous_digest": current,
		"new_digest":      newDigest,
		"strategy":        strategy,
	})
	log.Info("updating function code")

	_, err = u.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(functionName),
		ImageUri:     aws.String(imageURI),
		Publish:      false,
	})
	if err != nil {
		return Result{}, wrapLambdaErr(functionName, err)
	}

	if err := u.waitReady(ctx, functionName); err != nil {
		return Result{}, err
	}

	result := Result{
		Status:         "updated",
		PreviousDigest: current,
		NewDigest:      newDigest,
	}

	if strategy == config.StrategyUpdateOnly {
		return result, nil
	}

	publish, err := u.client.PublishVersion(ctx, &lambda.PublishVersionInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return Result{}, wrapLambdaErr(functionName, err)
	}
	result.Version = aws.ToString(publish.Version)
	log.WithField("version", result.Version).Info("published version")

	if strategy != config.StrategyPublishAndAlias || aliasName == "" {
		return result, nil
	}

	if err := u.upsertAlias(ctx, functionName, aliasName, result.Version); err != nil {
		return Result{}, err
	}
	result.Alias = aliasName
	log.WithFields(logrus.Fields{
		"alias":   aliasName,
		"version": result.Version,
	}).Info("alias repointed")

	return result, nil
}

// waitReady polls the function's update status until it leaves InProgress.
func (u *Updater) waitReady(ctx context.Context, functionName string) error {
	operation := func() error {
		cfg, err := u.client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(functionName),
		})
		if err != nil {
			return backoff.Permanent(wrapLambdaErr(functionName, err))
		}
		switch cfg.LastUpdateStatus {
		case lambdatypes.LastUpdateStatusSuccessful:
			return nil
		case lambdatypes.LastUpdateStatusFailed:
			reason := aws.ToString(cfg.LastUpdateStatusReason)
			return backoff.Permanent(faults.Upstream("function",
				fmt.Errorf("update of %s failed: %s", functionName, reason)))
		default:
			return fmt.Errorf("update of %s still in progress", functionName)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.pollInterval), u.maxPolls-1), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	var upstream *faults.UpstreamError
	if errors.As(err, &upstream) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &faults.TimeoutError{Operation: fmt.Sprintf("update of %s", functionName)}
}

func (u *Updater) upsertAlias(ctx context.Context, functionName, aliasName, version string) error {
	_, err := u.client.UpdateAlias(ctx, &lambda.UpdateAliasInput{
		FunctionName:    aws.String(functionName),
		Name:            aws.String(aliasName),
		FunctionVersion: aws.String(version),
	})
	if err == nil {
		return nil
	}

	var notFound *lambdatypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return wrapLambdaErr(functionName, err)
	}

	_, err = u.client.CreateAlias(ctx, &lambda.CreateAliasInput{
		FunctionName:    aws.String(functionName),
		Name:            aws.String(aliasName),
		FunctionVersion: aws.String(version),
	})
	if err != nil {
		return wrapLambdaErr(functionName, err)
	}
	return nil
}

func wrapLambdaErr(functionName string, err error) error {
	return faults.Upstream("function", fmt.Errorf("%s: %w", functionName, err))
}

// splitTagURI parses a tag-addressed ECR image URI of the form
// {account}.dkr.ecr.{region}.amazonaws.com/{repository}:{tag}.
func splitTagURI(uri string) (registryID, repository, tag string, ok bool) {
	slash := strings.IndexByte(uri, '/')
	if slash < 0 {
		return "", "", "", false
	}
	host, path := uri[:slash], uri[slash+1:]

	dot := strings.IndexByte(host, '.')
	if dot < 0 || !strings.Contains(host, ".dkr.ecr.") {
		return "", "", "", false
	}
	registryID = host[:dot]

	colon := strings.LastIndexByte(path, ':')
	if colon < 0 {
		return "", "", "", false
	}
	return registryID, path[:colon], path[colon+1:], true
}
