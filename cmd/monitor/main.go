// The monitor binary runs reconciliation passes on a fixed interval,
// writing the state of in-flight pipeline executions back into the
// subscription store, until signalled to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"

	"lambda-publish/internal/config"
	"lambda-publish/internal/identity"
	"lambda-publish/internal/monitor"
	"lambda-publish/internal/pipeline"
	"lambda-publish/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load AWS configuration")
	}

	var st store.Store
	if cfg.StoreBackend == config.StoreLocal {
		local, err := store.NewSQLiteStore(cfg.LocalStorePath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open subscription store")
		}
		defer local.Close()
		st = local
	} else {
		st = store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName)
	}

	delegator := identity.NewDelegator(sts.NewFromConfig(awsCfg), awsCfg.Credentials,
		cfg.SessionNamePrefix, logger.WithField("component", "identity"))

	newChecker := func(region string, creds aws.CredentialsProvider) monitor.StatusChecker {
		scoped := awsCfg.Copy()
		scoped.Region = region
		scoped.Credentials = creds
		return pipeline.NewStarter(codepipeline.NewFromConfig(scoped), ssm.NewFromConfig(scoped),
			logger.WithField("component", "pipeline"))
	}

	mon := monitor.New(st, delegator, newChecker, logger.WithField("component", "monitor"))

	logger.WithField("interval", cfg.MonitorInterval.String()).Info("monitor started")

	ticker := time.NewTicker(cfg.MonitorInterval)
	defer ticker.Stop()

	runPass(ctx, mon, logger)
	for {
		select {
		case <-ticker.C:
			runPass(ctx, mon, logger)
		case <-ctx.Done():
			logger.Info("monitor stopping")
			return
		}
	}
}

func runPass(ctx context.Context, mon *monitor.Monitor, logger logrus.FieldLogger) {
	if _, err := mon.RunOnce(ctx); err != nil {
		logger.WithError(err).Error("reconciliation pass failed")
	}
}
