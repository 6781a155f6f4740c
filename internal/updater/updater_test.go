package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/faults"
)

type fakeLambda struct {
	imageURI    string
	packageType lambdatypes.PackageType

	// statuses is consumed one per GetFunctionConfiguration call; the last
	// entry repeats.
	statuses     []lambdatypes.LastUpdateStatus
	statusCalls  int
	updateCalls  int
	publishCalls int
	updateAlias  int
	createAlias  int
	aliasMissing bool
}

func (f *fakeLambda) GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{PackageType: f.packageType},
		Code:          &lambdatypes.FunctionCodeLocation{ImageUri: aws.String(f.imageURI)},
	}, nil
}

func (f *fakeLambda) GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return &lambda.GetFunctionConfigurationOutput{
		LastUpdateStatus:       f.statuses[i],
		LastUpdateStatusReason: aws.String("because"),
	}, nil
}

func (f *fakeLambda) UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updateCalls++
	f.imageURI = aws.ToString(params.ImageUri)
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *fakeLambda) PublishVersion(ctx context.Context, params *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error) {
	f.publishCalls++
	return &lambda.PublishVersionOutput{Version: aws.String("5")}, nil
}

func (f *fakeLambda) UpdateAlias(ctx context.Context, params *lambda.UpdateAliasInput, optFns ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error) {
	if f.aliasMissing {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("no such alias")}
	}
	f.updateAlias++
	return &lambda.UpdateAliasOutput{}, nil
}

func (f *fakeLambda) CreateAlias(ctx context.Context, params *lambda.CreateAliasInput, optFns ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error) {
	f.createAlias++
	return &lambda.CreateAliasOutput{}, nil
}

type fakeTagResolver struct {
	digest string
	err    error
}

func (f *fakeTagResolver) Resolve(ctx context.Context, registryID, repository, tag string) (string, error) {
	return f.digest, f.err
}

func newTestUpdater(client *fakeLambda, tags TagResolver) *Updater {
	if tags == nil {
		tags = &fakeTagResolver{}
	}
	u := New(client, tags, logrus.New())
	u.pollInterval = time.Millisecond
	u.maxPolls = 5
	return u
}

const (
	uriOld = "111122223333.dkr.ecr.us-east-1.amazonaws.com/orders@sha256:old"
	uriNew = "111122223333.dkr.ecr.us-east-1.amazonaws.com/orders@sha256:new"
)

func ready() []lambdatypes.LastUpdateStatus {
	return []lambdatypes.LastUpdateStatus{lambdatypes.LastUpdateStatusSuccessful}
}

func TestApply_SameDigestIsNoop(t *testing.T) {
	client := &fakeLambda{imageURI: uriNew, packageType: lambdatypes.PackageTypeImage, statuses: ready()}
	u := newTestUpdater(client, nil)

	res, err := u.Apply(context.Background(), "orders-fn", "live", uriNew, config.StrategyPublishAndAlias)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "noop" {
		t.Errorf("status = %q, want noop", res.Status)
	}
	if client.updateCalls != 0 || client.publishCalls != 0 || client.updateAlias != 0 {
		t.Errorf("noop must not mutate: %+v", client)
	}
}

func TestApply_UpdateOnly(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage, statuses: ready()}
	u := newTestUpdater(client, nil)

	res, err := u.Apply(context.Background(), "orders-fn", "live", uriNew, config.StrategyUpdateOnly)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "updated" || res.Version != "" {
		t.Errorf("result = %+v", res)
	}
	if client.updateCalls != 1 {
		t.Errorf("updateCalls = %d, want 1", client.updateCalls)
	}
	if client.publishCalls != 0 || client.updateAlias != 0 || client.createAlias != 0 {
		t.Errorf("update-only must not publish or touch aliases: %+v", client)
	}
}

func TestApply_PublishOnly(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage, statuses: ready()}
	u := newTestUpdater(client, nil)

	res, err := u.Apply(context.Background(), "orders-fn", "live", uriNew, config.StrategyPublishOnly)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Version != "5" {
		t.Errorf("version = %q, want 5", res.Version)
	}
	if res.Alias != "" {
		t.Errorf("alias = %q, publish-only must not touch the alias", res.Alias)
	}
	if client.publishCalls != 1 || client.updateAlias != 0 || client.createAlias != 0 {
		t.Errorf("publish-only call pattern: %+v", client)
	}
}

func TestApply_PublishAndAlias(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage, statuses: ready()}
	u := newTestUpdater(client, nil)

	res, err := u.Apply(context.Background(), "orders-fn", "live", uriNew, config.StrategyPublishAndAlias)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Alias != "live" || res.Version != "5" {
		t.Errorf("result = %+v", res)
	}
	if client.updateAlias != 1 || client.createAlias != 0 {
		t.Errorf("existing alias should be updated, not created: %+v", client)
	}
}

func TestApply_CreatesMissingAlias(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage, statuses: ready(), aliasMissing: true}
	u := newTestUpdater(client, nil)

	res, err := u.Apply(context.Background(), "orders-fn", "live", uriNew, config.StrategyPublishAndAlias)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Alias != "live" {
		t.Errorf("alias = %q, want live", res.Alias)
	}
	if client.createAlias != 1 {
		t.Errorf("createAlias = %d, want 1", client.createAlias)
	}
}

func TestApply_WaitsForReadiness(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage,
		statuses: []lambdatypes.LastUpdateStatus{
			lambdatypes.LastUpdateStatusInProgress,
			lambdatypes.LastUpdateStatusInProgress,
			lambdatypes.LastUpdateStatusSuccessful,
		}}
	u := newTestUpdater(client, nil)

	if _, err := u.Apply(context.Background(), "orders-fn", "", uriNew, config.StrategyUpdateOnly); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if client.statusCalls != 3 {
		t.Errorf("statusCalls = %d, want 3", client.statusCalls)
	}
}

func TestApply_UpdateFailureIsUpstream(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage,
		statuses: []lambdatypes.LastUpdateStatus{lambdatypes.LastUpdateStatusFailed}}
	u := newTestUpdater(client, nil)

	_, err := u.Apply(context.Background(), "orders-fn", "", uriNew, config.StrategyUpdateOnly)
	var upstream *faults.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestApply_ReadinessTimeout(t *testing.T) {
	client := &fakeLambda{imageURI: uriOld, packageType: lambdatypes.PackageTypeImage,
		statuses: []lambdatypes.LastUpdateStatus{lambdatypes.LastUpdateStatusInProgress}}
	u := newTestUpdater(client, nil)

	_, err := u.Apply(context.Background(), "orders-fn", "", uriNew, config.StrategyUpdateOnly)
	var timeout *faults.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if client.updateCalls != 1 {
		t.Errorf("updateCalls = %d, want 1", client.updateCalls)
	}
}

func TestCurrentImageDigest_TagAddressed(t *testing.T) {
	client := &fakeLambda{
		imageURI:    "111122223333.dkr.ecr.us-east-1.amazonaws.com/orders:prod",
		packageType: lambdatypes.PackageTypeImage,
		statuses:    ready(),
	}
	u := newTestUpdater(client, &fakeTagResolver{digest: "sha256:new"})

	// The deployed reference is a tag that currently resolves to the new
	// digest, so the apply is a noop.
	res, err := u.Apply(context.Background(), "orders-fn", "", uriNew, config.StrategyUpdateOnly)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "noop" {
		t.Errorf("status = %q, want noop", res.Status)
	}
	if client.updateCalls != 0 {
		t.Errorf("updateCalls = %d, want 0", client.updateCalls)
	}
}

func TestCurrentImageDigest_NotAnImageFunction(t *testing.T) {
	client := &fakeLambda{imageURI: "", packageType: lambdatypes.PackageTypeZip, statuses: ready()}
	u := newTestUpdater(client, nil)

	digest, err := u.CurrentImageDigest(context.Background(), "orders-fn")
	if err != nil {
		t.Fatalf("current digest: %v", err)
	}
	if digest != "" {
		t.Errorf("digest = %q, want empty for a zip function", digest)
	}
}

func TestSplitTagURI(t *testing.T) {
	registryID, repository, tag, ok := splitTagURI("111122223333.dkr.ecr.eu-west-1.amazonaws.com/team/orders:prod")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if registryID != "111122223333" || repository != "team/orders" || tag != "prod" {
		t.Errorf("got %q %q %q", registryID, repository, tag)
	}

	for _, uri := range []string{"orders:prod", "example.com/orders:prod", "111122223333.dkr.ecr.us-east-1.amazonaws.com/orders"} {
		if _, _, _, ok := splitTagURI(uri); ok {
			t.Errorf("expected parse of %q to fail", uri)
		}
	}
}
