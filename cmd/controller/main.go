// The controller binary handles one registry push event: it reads the event
// payload from a file (or stdin with "-"), propagates the pushed image to
// every subscribed target, and exits.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/controller"
	"lambda-publish/internal/events"
	"lambda-publish/internal/identity"
	"lambda-publish/internal/metrics"
	"lambda-publish/internal/pipeline"
	"lambda-publish/internal/registry"
	"lambda-publish/internal/store"
	"lambda-publish/internal/updater"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if len(os.Args) < 2 {
		logger.Fatal("Usage: controller <event-file | ->")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	payload, err := readPayload(os.Args[1])
	if err != nil {
		logger.WithError(err).Fatal("Failed to read event payload")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load AWS configuration")
	}

	st, closeStore, err := openStore(awsCfg, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open subscription store")
	}
	defer closeStore()

	var sink metrics.Sink = metrics.NewCloudWatchSink(
		cloudwatch.NewFromConfig(awsCfg), cfg.MetricsNamespace, logger.WithField("component", "metrics"))
	if cfg.StoreBackend == config.StoreLocal {
		sink = metrics.Nop{}
	}

	resolver := registry.NewResolver(ecr.NewFromConfig(awsCfg), logger.WithField("component", "registry"))
	delegator := identity.NewDelegator(sts.NewFromConfig(awsCfg), awsCfg.Credentials,
		cfg.SessionNamePrefix, logger.WithField("component", "identity"))

	newUpdater := func(region string, creds aws.CredentialsProvider) controller.FunctionUpdater {
		scoped := awsCfg.Copy()
		scoped.Region = region
		scoped.Credentials = creds
		log := logger.WithField("component", "updater")
		return updater.New(lambda.NewFromConfig(scoped),
			registry.NewResolver(ecr.NewFromConfig(scoped), log), log)
	}
	newStarter := func(region string, creds aws.CredentialsProvider) controller.PipelineStarter {
		scoped := awsCfg.Copy()
		scoped.Region = region
		scoped.Credentials = creds
		return pipeline.NewStarter(codepipeline.NewFromConfig(scoped), ssm.NewFromConfig(scoped),
			logger.WithField("component", "pipeline"))
	}

	ctrl := controller.New(cfg, resolver, st, delegator, newUpdater, newStarter,
		sink, logger.WithField("component", "controller"))

	ev, err := events.Parse(payload)
	if err != nil {
		logger.WithError(err).Error("Rejected event")
		os.Exit(1)
	}

	summary, err := ctrl.Handle(ctx, ev)
	if err != nil {
		logger.WithError(err).Error("Invocation failed")
		os.Exit(1)
	}

	fmt.Printf("digest=%s targets=%d updated=%d noop=%d started=%d failed=%d elapsed=%s\n",
		summary.Digest, summary.Targets, summary.Updated, summary.Noops,
		summary.Started, summary.Failed, summary.Elapsed)

	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func readPayload(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

func openStore(awsCfg aws.Config, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreBackend == config.StoreLocal {
		s, err := store.NewSQLiteStore(cfg.LocalStorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName), func() {}, nil
}
