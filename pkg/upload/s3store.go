package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3-backed StoreOperator.
type S3Config struct {
	// Bucket is the S3 bucket holding stream-set objects.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible
	// services such as MinIO or Localstack).
	Endpoint string

	// KeyPrefix is prepended to every object key. Should end with "/" if
	// non-empty.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for
	// Localstack/MinIO).
	ForcePathStyle bool
}

// S3Store is the S3-backed StoreOperator: each objectID maps to one
// stream-set object key.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3Store wraps an existing S3 client.
func NewS3Store(client *s3.Client, cfg S3Config) *S3Store {
	return &S3Store{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}
}

// NewS3StoreFromConfig builds an S3 client from cfg and wraps it.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return NewS3Store(client, cfg), nil
}

func (s *S3Store) objectKey(objectID uint64) string {
	return fmt.Sprintf("%s%020d.obj", s.keyPrefix, objectID)
}

// PutObject writes the entire object in one call. Stream-set objects are
// produced once per upload of one cache block and never appended to.
func (s *S3Store) PutObject(ctx context.Context, objectID uint64, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(objectID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %d: %w", objectID, err)
	}
	return nil
}

// RangeRead reads [offset, offset+length) of objectID.
func (s *S3Store) RangeRead(ctx context.Context, objectID uint64, offset, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(objectID)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 range read object %d: %w", objectID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object %d body: %w", objectID, err)
	}
	return data, nil
}

var _ StoreOperator = (*S3Store)(nil)
