package awsstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

var paramVersionSuffix = regexp.MustCompile(`^(.*v)(\d+)$`)

// SecretStore serves nonce material from SSM Parameter Store. Parameters
// are SecureString and versioned by name suffix, e.g.
// /pmd/redaction/nonce/v3.
type SecretStore struct {
	client *ssm.Client
}

func (s *SecretStore) GetNonce(ctx context.Context, paramName string) (string, error) {
	var out *ssm.GetParameterOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(paramName),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", adapters.NewStoreError("ssm-secrets", "GetFailed", err, "param", paramName)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", adapters.NewStoreError("ssm-secrets", "EmptyParameter", nil, "param", paramName)
	}
	return *out.Parameter.Value, nil
}

func (s *SecretStore) RotateNonce(ctx context.Context, paramName, newValue string) (string, error) {
	m := paramVersionSuffix.FindStringSubmatch(paramName)
	if m == nil {
		return "", fmt.Errorf("awsstore: parameter %q has no version suffix", paramName)
	}
	current, err := strconv.Atoi(m[2])
	if err != nil {
		return "", fmt.Errorf("awsstore: parameter %q version: %w", paramName, err)
	}
	next := fmt.Sprintf("%s%d", m[1], current+1)

	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(next),
			Value:     aws.String(newValue),
			Type:      ssmtypes.ParameterTypeSecureString,
			Overwrite: aws.Bool(false),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", adapters.NewStoreError("ssm-secrets", "PutFailed", err, "param", next)
	}
	return next, nil
}

func (s *SecretStore) IsReachable(ctx context.Context) bool {
	_, err := s.client.DescribeParameters(ctx, &ssm.DescribeParametersInput{
		MaxResults: aws.Int32(1),
	})
	return err == nil
}
