// Package registry resolves mutable image tags to immutable content digests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/faults"
)

// ECRAPI is the slice of the ECR client the resolver uses.
type ECRAPI interface {
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// Resolver resolves (registry, repository, tag) to the digest of the most
// recently pushed matching image.
type Resolver struct {
	client      ECRAPI
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
	log         logrus.FieldLogger
}

// NewResolver creates a resolver. Throttled registry calls are retried up to
// four attempts with exponential backoff.
func NewResolver(client ECRAPI, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		client:      client,
		maxAttempts: 4,
		newBackOff:  defaultBackOff,
		log:         log,
	}
}

// Resolve returns the current digest for a tag. Multiple images can match
// one tag during a push; the latest pushed-at wins, and among equal
// timestamps the registry's returned order is preserved so the first entry
// is selected.
func (r *Resolver) Resolve(ctx context.Context, registryID, repository, tag string) (string, error) {
	input := &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	}
	if registryID != "" {
		input.RegistryId = aws.String(registryID)
	}

	var details []ecrtypes.ImageDetail
	operation := func() error {
		out, err := r.client.DescribeImages(ctx, input)
		if err != nil {
			var notFound *ecrtypes.ImageNotFoundException
			var repoNotFound *ecrtypes.RepositoryNotFoundException
			switch {
			case errors.As(err, &notFound), errors.As(err, &repoNotFound):
				return backoff.Permanent(&faults.NotFoundError{
					Resource: fmt.Sprintf("image %s:%s", repository, tag),
				})
			case faults.IsThrottle(err):
				r.log.WithError(err).WithFields(logrus.Fields{
					"repository": repository,
					"tag":        tag,
				}).Warn("registry throttled, backing off")
				return faults.Throttled(err)
			default:
				return backoff.Permanent(faults.Upstream("registry", err))
			}
		}
		details = out.ImageDetails
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}

	if len(details) == 0 {
		return "", &faults.NotFoundError{Resource: fmt.Sprintf("image %s:%s", repository, tag)}
	}

	sort.SliceStable(details, func(i, j int) bool {
		return pushedAt(details[i]).After(pushedAt(details[j]))
	})

	digest := aws.ToString(details[0].ImageDigest)
	if digest == "" {
		return "", faults.Upstream("registry", fmt.Errorf("image %s:%s has no digest", repository, tag))
	}

	r.log.WithFields(logrus.Fields{
		"repository": repository,
		"tag":        tag,
		"digest":     digest,
	}).Debug("resolved tag to digest")

	return digest, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func pushedAt(d ecrtypes.ImageDetail) time.Time {
	if d.ImagePushedAt == nil {
		return time.Time{}
	}
	return *d.ImagePushedAt
}
