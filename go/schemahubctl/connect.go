package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/coinbase"
	"github.com/picklesueat/crypto-data-platform/go/health"
	"github.com/picklesueat/crypto-data-platform/go/locks"
	"github.com/picklesueat/crypto-data-platform/go/metrics"
	"github.com/picklesueat/crypto-data-platform/go/ratelimit"
)

// awsOptions configures the AWS surface shared by the pipeline commands.
type awsOptions struct {
	Bucket      string `long:"bucket" env:"S3_BUCKET" required:"true" description:"S3 bucket holding the data lake"`
	Region      string `long:"region" env:"AWS_REGION" default:"us-east-1" description:"AWS region"`
	HealthTable string `long:"health-table" env:"DYNAMODB_HEALTH_TABLE" default:"schemahub-exchange-health" description:"DynamoDB table for exchange health"`
	LocksTable  string `long:"locks-table" env:"DYNAMODB_LOCKS_TABLE" default:"schemahub-pipeline-locks" description:"DynamoDB table for pipeline locks"`
	NoMetrics   bool   `long:"no-metrics" description:"Disable CloudWatch metric publication"`
}

// logOptions configures logging for all commands.
type logOptions struct {
	Level  string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"log.format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
}

func initLog(opts logOptions) {
	if opts.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(opts.Level); err == nil {
		log.SetLevel(level)
	}
}

// connection bundles the wired AWS clients used by pipeline commands.
type connection struct {
	session *session.Session
	s3      *s3.S3
	metrics *metrics.Client
	locks   *locks.Manager
	tracker *health.Tracker
}

// connect builds an AWS session from the environment's credential chain and
// verifies credentials resolve, so a misconfigured environment fails fast
// with a usage error rather than partway through a run.
func connect(opts awsOptions) (*connection, error) {
	var sess, err = session.NewSession(aws.NewConfig().WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, usageError{fmt.Errorf("resolving aws credentials: %w", err)}
	}

	var db = dynamodb.New(sess)
	return &connection{
		session: sess,
		s3:      s3.New(sess),
		metrics: metrics.NewClient(cloudwatch.New(sess), metrics.DefaultNamespace, !opts.NoMetrics),
		locks:   locks.NewManager(db, opts.LocksTable, locks.DefaultTTL),
		tracker: health.NewTracker(db, opts.HealthTable, healthEnabled()),
	}, nil
}

func (c *connection) athena() *athena.Athena {
	return athena.New(c.session)
}

// exchangeClient wires the Coinbase client with the shared limiter and a
// breaker over this connection's health tracker.
func (c *connection) exchangeClient(baseURL string) *coinbase.Client {
	var breaker = health.NewBreakerFromEnv(c.tracker, c.metrics)
	return coinbase.NewClient(baseURL, ratelimit.For(coinbase.Source), breaker)
}

func healthEnabled() bool {
	return !strings.EqualFold(os.Getenv("HEALTH_CHECK_ENABLED"), "false")
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func (c *connection) close() {
	var ctx, cancel = contextWithTimeout(30 * time.Second)
	defer cancel()
	c.metrics.Close(ctx)
	c.locks.ReleaseAll(ctx)
}
