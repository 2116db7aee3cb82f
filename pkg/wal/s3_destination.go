package wal

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used for uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket and, optionally, endpoint and static
// credentials. Without credentials the default AWS chain is used.
type S3Config struct {
	Bucket    string `yaml:"bucket" validate:"required"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// S3Destination uploads log copies as S3 objects.
type S3Destination struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Destination builds an S3 client from cfg.
func NewS3Destination(ctx context.Context, cfg S3Config) (*S3Destination, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3DestinationWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3DestinationWithClient wraps an existing client.
func NewS3DestinationWithClient(client S3API, bucket, prefix string) *S3Destination {
	return &S3Destination{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads r as prefix/key.
func (d *S3Destination) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(path.Join(d.prefix, key)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", d.bucket, path.Join(d.prefix, key), err)
	}
	return nil
}
