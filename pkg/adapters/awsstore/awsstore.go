// Package awsstore implements the adapter set on AWS: DynamoDB for events,
// consent, counters, and calibration results; SSM Parameter Store for nonce
// material; S3 for baselines. A custom endpoint switches every client to
// the same host, which covers LocalStack and the OCI S3-compatibility
// layer.
package awsstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// Config names the AWS resources backing the adapter set.
type Config struct {
	Region   string
	Endpoint string // optional; LocalStack or S3-compatible storage

	FPTable           string
	ConsentTable      string
	BlockCounterTable string
	CalibrationTable  string
	NonceParameter    string
	BaselineBucket    string
	BaselinePrefix    string
}

// Open builds the full adapter set against one shared AWS config.
func Open(ctx context.Context, cfg Config) (adapters.Set, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return adapters.Set{}, fmt.Errorf("awsstore: load aws config: %w", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for LocalStack and OCI
		}
	})

	return adapters.Set{
		FPStore:      &FPStore{client: ddb, table: cfg.FPTable},
		BlockCounter: &BlockCounter{client: ddb, table: cfg.BlockCounterTable},
		Consent:      &ConsentStore{client: ddb, table: cfg.ConsentTable},
		Secrets:      &SecretStore{client: ssmClient},
		Baselines:    &BaselineStore{client: s3Client, bucket: cfg.BaselineBucket, prefix: cfg.BaselinePrefix},
		Calibration:  &CalibrationStore{client: ddb, table: cfg.CalibrationTable},
	}, nil
}

// marshalItem maps a struct to a DynamoDB item using its json tags, so the
// wire attribute names match the documented camelCase shapes.
func marshalItem(v any) (map[string]ddbtypes.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(v, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshalItem(item map[string]ddbtypes.AttributeValue, v any) error {
	return attributevalue.UnmarshalMapWithOptions(item, v, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

// withRetry runs fn under a capped fibonacci backoff. Callers mark
// permanent failures by returning them unwrapped; transient ones via
// retry.RetryableError.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, backoff, fn)
}
