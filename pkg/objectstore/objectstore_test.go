// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package objectstore_test

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.opendefense.cloud/mlflow-operator/pkg/objectstore"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

type fakeAPI struct {
	buckets   map[string]bool
	headErr   error
	createErr error
	created   []*s3.CreateBucketInput
}

func (f *fakeAPI) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		api       *fakeAPI
		client    *objectstore.Client
		directive synth.EnsureBucket
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = &fakeAPI{buckets: map[string]bool{}}
		client = objectstore.New(objectstore.WithAPIFactory(func(context.Context, synth.EnsureBucket) (objectstore.API, error) {
			return api, nil
		}))
		directive = synth.EnsureBucket{
			Bucket:          "mlflow",
			Create:          true,
			Endpoint:        "http://minio.kubeflow:9000",
			Region:          "us-east-1",
			AccessKeyID:     "minio",
			SecretAccessKey: "minio123",
		}
	})

	It("should leave an existing bucket alone", func() {
		api.buckets["mlflow"] = true
		Expect(client.EnsureBucket(ctx, directive)).To(Succeed())
		Expect(api.created).To(BeEmpty())
	})

	It("should create a missing bucket when requested", func() {
		Expect(client.EnsureBucket(ctx, directive)).To(Succeed())
		Expect(api.created).To(HaveLen(1))
		Expect(api.created[0].CreateBucketConfiguration).To(BeNil())
		Expect(api.buckets).To(HaveKey("mlflow"))
	})

	It("should set a location constraint outside the default region", func() {
		directive.Region = "eu-central-1"
		Expect(client.EnsureBucket(ctx, directive)).To(Succeed())
		Expect(api.created[0].CreateBucketConfiguration.LocationConstraint).To(Equal(types.BucketLocationConstraint("eu-central-1")))
	})

	It("should report a missing bucket when creation is not requested", func() {
		directive.Create = false
		err := client.EnsureBucket(ctx, directive)
		Expect(errors.Is(err, workload.ErrBucketMissing)).To(BeTrue())
		var missing *workload.BucketMissingError
		Expect(errors.As(err, &missing)).To(BeTrue())
		Expect(missing.Ref).To(Equal(directive.Ref()))
		Expect(workload.IsTransient(err)).To(BeFalse())
		Expect(api.created).To(BeEmpty())
	})

	It("should accept a bucket created concurrently", func() {
		api.createErr = &types.BucketAlreadyOwnedByYou{}
		Expect(client.EnsureBucket(ctx, directive)).To(Succeed())
	})

	It("should surface access errors as permanent", func() {
		api.headErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
		err := client.EnsureBucket(ctx, directive)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, workload.ErrBucketMissing)).To(BeFalse())
		Expect(workload.IsTransient(err)).To(BeFalse())
	})

	It("should surface throttling as transient", func() {
		api.headErr = &smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"}
		err := client.EnsureBucket(ctx, directive)
		Expect(workload.IsTransient(err)).To(BeTrue())
	})

	It("should build a real S3 client", func() {
		api, err := objectstore.NewS3API(ctx, directive)
		Expect(err).NotTo(HaveOccurred())
		Expect(api).To(BeAssignableToTypeOf(&s3.Client{}))
	})
})
