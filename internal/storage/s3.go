package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/retry"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// S3API is the subset of the S3 client used by S3KV.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3KV stores each key as an object under an optional prefix.
type S3KV struct {
	client  S3API
	bucket  string
	prefix  string
	retryer *retry.Retryer
	logger  *utils.StructuredLogger
}

// OpenS3 builds an S3 client from the default AWS configuration chain.
func OpenS3(ctx context.Context, cfg S3Config, logger *utils.StructuredLogger) (*S3KV, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "s3 bucket name cannot be empty").
			WithComponent("storage")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewS3KV(client, cfg, logger), nil
}

// NewS3KV wraps an existing client. SDK retries are replaced by pkg/retry so
// throttling shows up in the logs.
func NewS3KV(client S3API, cfg S3Config, logger *utils.StructuredLogger) *S3KV {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	rc := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	rc.IsRetryable = isRetryableS3Error
	log := logger.WithComponent("storage").WithField("backend", "s3")
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("retrying s3 request", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}

	return &S3KV{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		retryer: retry.New(rc),
		logger:  log,
	}
}

func (s *S3KV) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3KV) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if isErrorType[*s3types.NoSuchKey](err) {
		return nil, types.ErrKeyNotFound
	}
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}
	return data, nil
}

func (s *S3KV) Set(ctx context.Context, key string, value []byte) error {
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          bytes.NewReader(value),
			ContentLength: aws.Int64(int64(len(value))),
			ContentType:   aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return s.translateError(err, "PutObject", key)
	}
	return nil
}

func (s *S3KV) Delete(ctx context.Context, key string) error {
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		return err
	})
	if err != nil {
		return s.translateError(err, "DeleteObject", key)
	}
	return nil
}

func (s *S3KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	full := s.objectKey(prefix)
	strip := ""
	if s.prefix != "" {
		strip = s.prefix + "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retryer.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, s.translateError(err, "ListObjectsV2", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), strip))
		}
	}
	return keys, nil
}

func (s *S3KV) Close() error {
	return nil
}

func (s *S3KV) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, fmt.Sprintf("bucket not found: %s", s.bucket)).
			WithComponent("storage").WithOperation(operation)
	default:
		return errors.StorageBackend(operation, key, err)
	}
}

// isRetryableS3Error treats throttling and server faults as transient.
func isRetryableS3Error(err error) bool {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return true
	}
	switch apiErr.ErrorCode() {
	case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return true
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
