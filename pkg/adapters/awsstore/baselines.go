package awsstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// BaselineStore keeps drift baselines as S3 objects. S3 object versioning,
// when enabled on the bucket, provides the version trail.
type BaselineStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *BaselineStore) GetBaseline(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + key),
		})
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			data = nil
			return nil
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, adapters.NewStoreError("s3-baselines", "GetFailed", err, "key", key)
	}
	return data, nil
}

func (s *BaselineStore) PutBaseline(ctx context.Context, key string, data []byte) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.prefix + key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return adapters.NewStoreError("s3-baselines", "PutFailed", err, "key", key)
	}
	return nil
}

func (s *BaselineStore) ListBaselines(ctx context.Context) ([]adapters.BaselineInfo, error) {
	var infos []adapters.BaselineInfo
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := withRetry(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(s.prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, adapters.NewStoreError("s3-baselines", "ListFailed", err)
		}
		for _, obj := range out.Contents {
			info := adapters.BaselineInfo{Key: aws.ToString(obj.Key)[len(s.prefix):]}
			if obj.ETag != nil {
				info.Version = aws.ToString(obj.ETag)
			}
			if obj.LastModified != nil {
				info.ModifiedAt = *obj.LastModified
			}
			infos = append(infos, info)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModifiedAt.After(infos[j].ModifiedAt) })
	return infos, nil
}

func (s *BaselineStore) DeleteBaseline(ctx context.Context, key string) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + key),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return adapters.NewStoreError("s3-baselines", "DeleteFailed", err, "key", key)
	}
	return nil
}
