// Package identity exchanges delegated-role identifiers for short-lived
// credentials scoped to a target account.
package identity

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/faults"
)

// Delegator assumes target roles. An empty role ARN is the common
// same-account path and returns the ambient credentials unchanged.
type Delegator struct {
	sts               stscreds.AssumeRoleAPIClient
	base              aws.CredentialsProvider
	sessionNamePrefix string
	log               logrus.FieldLogger
}

// NewDelegator creates a delegator over the given STS client. base is the
// process's own credential provider.
func NewDelegator(sts stscreds.AssumeRoleAPIClient, base aws.CredentialsProvider, sessionNamePrefix string, log logrus.FieldLogger) *Delegator {
	return &Delegator{
		sts:               sts,
		base:              base,
		sessionNamePrefix: sessionNamePrefix,
		log:               log,
	}
}

// Assume returns a credential provider for roleArn, or the ambient provider
// when roleArn is empty. The exchange is performed eagerly so a denial
// surfaces here as a DelegationError rather than on first use.
func (d *Delegator) Assume(ctx context.Context, roleArn string) (aws.CredentialsProvider, error) {
	if roleArn == "" {
		return d.base, nil
	}

	sessionName := fmt.Sprintf("%s-%s", d.sessionNamePrefix, ulid.Make().String())
	provider := stscreds.NewAssumeRoleProvider(d.sts, roleArn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
	})

	cache := aws.NewCredentialsCache(provider)
	if _, err := cache.Retrieve(ctx); err != nil {
		return nil, faults.Delegation(roleArn, err)
	}

	d.log.WithFields(logrus.Fields{
		"role_arn":     roleArn,
		"session_name": sessionName,
	}).Debug("assumed delegated role")

	return cache, nil
}
