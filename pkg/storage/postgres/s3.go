package postgres

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3Client stores invoice documents in an S3-compatible bucket
type S3Client struct {
	client    *s3.Client
	bucket    string
	publicURL string
	tracer    trace.Tracer
}

// NewS3Client creates the client and makes sure the bucket exists
func NewS3Client(ctx context.Context, cfg storage.Config) (*S3Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// static keys for MinIO or explicit AWS credentials
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return &S3Client{
		client:    client,
		bucket:    cfg.S3Bucket,
		publicURL: strings.TrimSuffix(cfg.S3PublicURL, "/"),
		tracer:    observability.Tracer(),
	}, nil
}

// PutObject uploads content under key with a sha256 checksum in its metadata
func (c *S3Client) PutObject(ctx context.Context, key string, content io.Reader, contentType string) (err error) {
	ctx, span := c.tracer.Start(ctx, "s3.put_object", trace.WithAttributes(
		attribute.String("s3.bucket", c.bucket),
		attribute.String("s3.key", key),
		attribute.String("content.type", contentType),
	))
	defer func() { observability.EndSpan(span, err) }()

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	hash := sha256.Sum256(data)
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	return nil
}

// GetObject streams a stored document. The caller closes the body.
func (c *S3Client) GetObject(ctx context.Context, key string) (body io.ReadCloser, err error) {
	ctx, span := c.tracer.Start(ctx, "s3.get_object", trace.WithAttributes(
		attribute.String("s3.bucket", c.bucket),
		attribute.String("s3.key", key),
	))
	defer func() { observability.EndSpan(span, err) }()

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	if result.ContentLength != nil {
		span.SetAttributes(attribute.Int64("content.size", *result.ContentLength))
	}
	return result.Body, nil
}

// URL returns where a stored key can be fetched from
func (c *S3Client) URL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return "s3://" + c.bucket + "/" + key
}

// HealthCheck verifies S3 connectivity
func (c *S3Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}

	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &exists) || errors.As(err, &owned) {
		return nil
	}
	return fmt.Errorf("failed to create bucket: %w", err)
}
