package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/cluso-segrep/pkg/blobstore"
	"github.com/dd0wney/cluso-segrep/pkg/blobstore/minio"
	"github.com/dd0wney/cluso-segrep/pkg/blobstore/s3"
	"github.com/dd0wney/cluso-segrep/pkg/config"
)

// openBlobStore opens the configured remote store, or returns nil when none is configured.
func openBlobStore(ctx context.Context, rc config.RemoteStoreConfig) (blobstore.BlobStore, error) {
	switch rc.Kind {
	case config.RemoteNone:
		return nil, nil
	case config.RemoteLocal:
		return blobstore.NewLocalStore(rc.Path), nil
	case config.RemoteS3:
		if rc.AccessKey == "" {
			return s3.NewFromEnv(ctx, rc.Region, rc.Endpoint, rc.Bucket, rc.Prefix)
		}
		return newStaticS3(ctx, rc)
	case config.RemoteMinio:
		return minio.Dial(ctx, minio.Options{
			Endpoint:  rc.Endpoint,
			AccessKey: rc.AccessKey,
			SecretKey: rc.SecretKey,
			Secure:    rc.Secure,
			Bucket:    rc.Bucket,
			Prefix:    rc.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown remote store kind %q", rc.Kind)
	}
}

// newStaticS3 connects with the configured access key instead of the default chain.
func newStaticS3(ctx context.Context, rc config.RemoteStoreConfig) (*s3.Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(rc.AccessKey, rc.SecretKey, "")),
	}
	if rc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(rc.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if rc.Endpoint != "" {
			o.BaseEndpoint = aws.String(rc.Endpoint)
			o.UsePathStyle = true
		}
	})
	return s3.NewStore(client, rc.Bucket, rc.Prefix), nil
}
