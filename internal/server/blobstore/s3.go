package blobstore

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/convertly/internal/logging"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// Connection identifies the bucket and credentials.
type Connection struct {
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
	Bucket       string
}

// NewS3 builds a Store backed by an S3-compatible endpoint. The SDK's own
// retryer is limited to one attempt so only the store's policies apply.
func NewS3(ctx context.Context, conn Connection, opts Options, log logging.Logger) (*Store, error) {
	if conn.Bucket == "" {
		return nil, errors.New("s3 bucket is not configured")
	}

	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(conn.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			conn.AccessKey,
			conn.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if conn.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(conn.BaseEndpoint)
			o.UsePathStyle = true
		}
		o.RetryMaxAttempts = 1
	})

	return New(client, newS3PresignClient(client), conn.Bucket, opts, log), nil
}
