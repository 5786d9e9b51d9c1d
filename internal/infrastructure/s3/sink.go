// Package s3 stores audit exports and archived events in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
)

// Config holds sink settings. Endpoint and PathStyle target MinIO or other
// S3-compatible servers; static keys fall back to the default credential chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Sink writes objects to one bucket.
type Sink struct {
	client *awss3.Client
	bucket string
	logger *zap.Logger
	tracer trace.Tracer
}

var _ audit.BlobSink = (*Sink)(nil)

// New builds a sink from cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *awss3.Client, bucket string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: client, bucket: bucket, logger: logger, tracer: otel.Tracer("s3-sink")}
}

// Put uploads body under key. Non-seekable bodies are buffered so the
// request can be signed and retried.
func (s *Sink) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	ctx, span := s.tracer.Start(ctx, "s3_put",
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("key", key),
		))
	defer span.End()

	if _, ok := body.(io.ReadSeeker); !ok {
		b, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	input := &awss3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: body}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		return fmt.Errorf("put object %s: %w", key, err)
	}
	s.logger.Debug("object stored", zap.String("bucket", s.bucket), zap.String("key", key))
	return nil
}

// Exists reports whether key is present.
func (s *Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", key, err)
}
