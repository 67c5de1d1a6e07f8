// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

var _ = Describe("StatusSink", func() {
	var (
		ctx      context.Context
		c        client.Client
		recorder *record.FakeRecorder
		sink     *StatusSink
		now      time.Time
	)

	statusMap := func() *corev1.ConfigMap {
		cm := &corev1.ConfigMap{}
		Expect(c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "mlflow-server-status"}, cm)).To(Succeed())
		return cm
	}

	BeforeEach(func() {
		ctx = context.Background()
		c = newFakeClient()
		recorder = record.NewFakeRecorder(20)
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		sink = &StatusSink{
			Client:    c,
			Recorder:  recorder,
			Namespace: testNamespace,
			App:       "mlflow-server",
			Now:       func() time.Time { return now },
		}
	})

	It("should write the report and revisions", func() {
		revs := engine.Revisions{Desired: 2, Applied: 1, Bindings: 7, Hash: "abc", AppliedAt: now.Add(-time.Minute)}
		Expect(sink.Publish(ctx, status.Report{State: status.Waiting, Reason: "retrying: timeout", Rank: status.RankTransientFailure}, revs)).To(Succeed())

		cm := statusMap()
		Expect(cm.Labels).To(HaveKeyWithValue(workload.LabelManagedBy, workload.ManagedBy))
		Expect(cm.Data).To(HaveKeyWithValue("state", "Waiting"))
		Expect(cm.Data).To(HaveKeyWithValue("reason", "retrying: timeout"))
		Expect(cm.Data).To(HaveKeyWithValue("rank", "2"))
		Expect(cm.Data).To(HaveKeyWithValue("desiredRevision", "2"))
		Expect(cm.Data).To(HaveKeyWithValue("appliedRevision", "1"))
		Expect(cm.Data).To(HaveKeyWithValue("bindingsRevision", "7"))
		Expect(cm.Data).To(HaveKeyWithValue("specHash", "abc"))
		Expect(cm.Data).To(HaveKeyWithValue("appliedAt", "2026-03-01T11:59:00Z"))
		Expect(cm.Data).To(HaveKeyWithValue("updatedAt", "2026-03-01T12:00:00Z"))

		Expect(drainEvents(recorder)).To(ConsistOf("Normal Waiting retrying: timeout"))
	})

	It("should emit an event only when the report changes", func() {
		blocked := status.Report{State: status.Blocked, Reason: "missing database.host", Rank: status.RankMissingBinding}
		Expect(sink.Publish(ctx, blocked, engine.Revisions{})).To(Succeed())

		now = now.Add(time.Minute)
		Expect(sink.Publish(ctx, blocked, engine.Revisions{})).To(Succeed())
		Expect(statusMap().Data).To(HaveKeyWithValue("updatedAt", "2026-03-01T12:00:00Z"))

		Expect(sink.Publish(ctx, status.Report{State: status.Active, Rank: status.RankConverged}, engine.Revisions{Desired: 1, Applied: 1})).To(Succeed())
		Expect(statusMap().Data).To(HaveKeyWithValue("updatedAt", "2026-03-01T12:01:00Z"))
		Expect(statusMap().Data).NotTo(HaveKey("specHash"))

		Expect(drainEvents(recorder)).To(Equal([]string{
			"Warning Blocked missing database.host",
			"Normal Active workload is Active",
		}))
	})
})
