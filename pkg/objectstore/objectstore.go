// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore checks and creates the artifact bucket of the tracking
// server over the S3 API.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

// defaultRegion needs no location constraint when creating buckets.
const defaultRegion = "us-east-1"

// API is the subset of the S3 client used here.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// APIFactory returns an S3 client for the endpoint and credentials of a directive.
type APIFactory func(ctx context.Context, directive synth.EnsureBucket) (API, error)

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger of the Client.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithAPIFactory replaces the S3 client construction, e.g. in tests.
func WithAPIFactory(f APIFactory) Option {
	return func(c *Client) {
		c.newAPI = f
	}
}

// Client implements workload.BucketClient.
type Client struct {
	newAPI APIFactory
	log    logr.Logger
}

var _ workload.BucketClient = &Client{}

// New creates a Client that talks to the endpoint named by each directive.
func New(opts ...Option) *Client {
	c := &Client{
		newAPI: NewS3API,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewS3API builds an S3 client with static credentials and path-style
// addressing, as required by MinIO and most in-cluster object stores. SDK
// retries are disabled because callers apply their own retry policy.
func NewS3API(ctx context.Context, d synth.EnsureBucket) (API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(d.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(d.AccessKeyID, d.SecretAccessKey, "")),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(d.Endpoint)
		o.UsePathStyle = true
	}), nil
}

// EnsureBucket implements workload.BucketClient. A missing bucket is created if
// the directive asks for it; otherwise a *workload.BucketMissingError is returned.
func (c *Client) EnsureBucket(ctx context.Context, d synth.EnsureBucket) error {
	log := c.log.WithValues("bucket", d.Bucket, "endpoint", d.Endpoint)

	api, err := c.newAPI(ctx, d)
	if err != nil {
		return err
	}

	exists, err := BucketExists(ctx, api, d.Bucket)
	if err != nil {
		return err
	}
	if exists {
		log.V(1).Info("bucket exists")
		return nil
	}
	if !d.Create {
		return &workload.BucketMissingError{Ref: d.Ref()}
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(d.Bucket)}
	if d.Region != "" && d.Region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(d.Region),
		}
	}
	if _, err := api.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("creating bucket %q: %w", d.Bucket, err)
	}

	log.Info("bucket created")
	return nil
}

// BucketExists reports whether the bucket exists and is accessible.
func BucketExists(ctx context.Context, api API, bucket string) (bool, error) {
	_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket") {
		return false, nil
	}
	return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
}
