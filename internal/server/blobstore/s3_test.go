package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3_AppliesConnectionSettings(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origNewPre := newS3PresignClient
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		newS3PresignClient = origNewPre
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		require.NotNil(t, lo.Credentials)
		creds, err := lo.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "minio", creds.AccessKeyID)
		return aws.Config{}, nil
	}

	var captured s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&captured)
		}
		return &s3.Client{}
	}

	presigned := false
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		require.NotNil(t, c)
		presigned = true
		return &s3.PresignClient{}
	}

	st, err := NewS3(context.Background(), Connection{
		Region:       "eu-central-1",
		AccessKey:    "minio",
		SecretKey:    "secret",
		BaseEndpoint: "http://127.0.0.1:9000",
		Bucket:       "convertly",
	}, Options{}, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.True(t, presigned)
	assert.Equal(t, "http://127.0.0.1:9000", aws.ToString(captured.BaseEndpoint))
	assert.True(t, captured.UsePathStyle)
	assert.Equal(t, 1, captured.RetryMaxAttempts)
	assert.Equal(t, DefaultOptions().Put, st.opts.Put)
}

func TestNewS3_Errors(t *testing.T) {
	_, err := NewS3(context.Background(), Connection{}, Options{}, logging.Discard())
	require.Error(t, err)

	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("load-fail")
	}

	_, err = NewS3(context.Background(), Connection{Bucket: "b"}, Options{}, logging.Discard())
	require.EqualError(t, err, "load-fail")
}
