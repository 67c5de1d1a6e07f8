// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package admin_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.opendefense.cloud/mlflow-operator/pkg/admin"
	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

type fakeEngine struct {
	creds     synth.Credentials
	credsErr  error
	bucketErr error
	buckets   int
	report    *status.Report
	revisions engine.Revisions
}

func (f *fakeEngine) Credentials() (synth.Credentials, error) {
	return f.creds, f.credsErr
}

func (f *fakeEngine) CreateBucket(context.Context) (synth.BucketRef, error) {
	f.buckets++
	if f.bucketErr != nil {
		return synth.BucketRef{}, f.bucketErr
	}
	return synth.BucketRef{Endpoint: "http://minio.kubeflow:9000", Bucket: "mlflow"}, nil
}

func (f *fakeEngine) Revisions() engine.Revisions {
	return f.revisions
}

func (f *fakeEngine) LastReport() (status.Report, bool) {
	if f.report == nil {
		return status.Report{}, false
	}
	return *f.report, true
}

type fakeDispatcher struct {
	accept bool
	events []dispatcher.Event
}

func (f *fakeDispatcher) Dispatch(ev dispatcher.Event) bool {
	if !f.accept {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

var _ = Describe("Server", func() {
	var (
		ctx    context.Context
		eng    *fakeEngine
		disp   *fakeDispatcher
		ts     *httptest.Server
		client *admin.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		eng = &fakeEngine{
			creds: synth.Credentials{
				TrackingURI:  "http://mlflow-server.kubeflow.svc.cluster.local:5000",
				ArtifactRoot: "s3://mlflow/",
				AccessKeyID:  "minio",
			},
			revisions: engine.Revisions{Desired: 3, Applied: 2, Bindings: 9},
		}
		disp = &fakeDispatcher{accept: true}
		srv := admin.NewServer(config.DefaultConfig().Admin, eng, disp)
		ts = httptest.NewServer(srv.Handler())
		DeferCleanup(ts.Close)
		client = admin.NewClient(ts.URL)
	})

	It("should return credentials", func() {
		creds, err := client.Credentials(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(creds).To(Equal(eng.creds))
	})

	It("should report missing bindings as a conflict", func() {
		eng.credsErr = &synth.UnmetRequirement{Kind: synth.UnmetBinding, Binding: "database", Field: "host"}

		resp, err := http.Get(ts.URL + "/v1/credentials")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))

		_, err = client.Credentials(ctx)
		Expect(err).To(MatchError(ContainSubstring("missing database.host")))
	})

	It("should create the bucket and request a pass", func() {
		out, err := client.CreateBucket(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(admin.BucketResponse{Bucket: "mlflow", Endpoint: "http://minio.kubeflow:9000"}))
		Expect(eng.buckets).To(Equal(1))
		Expect(disp.events).To(Equal([]dispatcher.Event{{Kind: dispatcher.Requested}}))
	})

	It("should surface object storage failures", func() {
		eng.bucketErr = errors.New("access denied")

		_, err := client.CreateBucket(ctx)
		Expect(err).To(MatchError(ContainSubstring("access denied")))
		Expect(disp.events).To(BeEmpty())
	})

	It("should schedule a pass on request", func() {
		Expect(client.Reconcile(ctx)).To(Succeed())
		Expect(disp.events).To(HaveLen(1))
	})

	It("should reject rate limited reconcile requests", func() {
		disp.accept = false

		resp, err := http.Post(ts.URL+"/v1/reconcile", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(resp.Header.Get("Retry-After")).To(Equal("1"))

		Expect(client.Reconcile(ctx)).To(MatchError(admin.ErrRateLimited))
	})

	It("should report waiting before the first pass", func() {
		out, err := client.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.State).To(Equal(status.Waiting))
		Expect(out.Revisions).To(Equal(eng.revisions))
	})

	It("should return the last report", func() {
		eng.report = &status.Report{State: status.Blocked, Reason: "missing database.host", Rank: status.RankMissingBinding}

		out, err := client.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.State).To(Equal(status.Blocked))
		Expect(out.Reason).To(Equal("missing database.host"))
		Expect(out.Rank).To(Equal(status.RankMissingBinding))
	})

	It("should return revisions", func() {
		revs, err := client.Revisions(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(revs).To(Equal(eng.revisions))
	})

	It("should reject wrong methods", func() {
		resp, err := http.Get(ts.URL + "/v1/reconcile")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
	})

	It("should stop serving when the context is cancelled", func() {
		cfg := config.DefaultConfig().Admin
		cfg.Port = 0
		cfg.Host = "127.0.0.1"
		srv := admin.NewServer(cfg, eng, disp)

		sctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- srv.Start(sctx) }()

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})

var _ = Describe("NewClient", func() {
	It("should accept a bare address", func() {
		Expect(admin.NewClient("127.0.0.1:8090").BaseURL).To(Equal("http://127.0.0.1:8090"))
		Expect(admin.NewClient("https://operator:8090/").BaseURL).To(Equal("https://operator:8090"))
	})
})
