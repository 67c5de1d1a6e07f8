// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package status_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.opendefense.cloud/mlflow-operator/pkg/relation"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

var (
	spec = &synth.DesiredWorkloadSpec{Name: "mlflow-server", Image: "mlflow:2.15.1"}

	missingDatabase = &synth.UnmetRequirement{Kind: synth.UnmetBinding, Binding: "database", Field: "host"}
	missingBucket   = &synth.UnmetRequirement{Kind: synth.UnmetPolicy, Message: "create the bucket"}

	transient = &workload.ApplyFailure{Transient: true, Attempts: 6, Err: errors.New("timeout")}
	permanent = &workload.ApplyFailure{Err: errors.New("forbidden")}

	applied = workload.AppliedState{Spec: spec.Clone(), Revision: 1}
)

var _ = DescribeTable("Evaluate",
	func(res synth.Result, apply status.ApplyOutcome, state status.State, rank int, reason string) {
		report := status.Evaluate(relation.NewSnapshot(), res, apply)
		Expect(report.State).To(Equal(state))
		Expect(report.Rank).To(Equal(rank))
		Expect(report.Reason).To(Equal(reason))
	},
	Entry("permanent failure wins over everything",
		synth.Result{Unmet: missingDatabase}, status.ApplyOutcome{Failure: permanent, Applied: applied},
		status.Error, status.RankPermanentFailure, "forbidden"),
	Entry("transient failure wins over an unmet requirement",
		synth.Result{Unmet: missingDatabase}, status.ApplyOutcome{Failure: transient},
		status.Waiting, status.RankTransientFailure, "retrying: timeout (after 6 attempts)"),
	Entry("missing required binding blocks",
		synth.Result{Unmet: missingDatabase}, status.ApplyOutcome{},
		status.Blocked, status.RankMissingBinding, "missing database.host"),
	Entry("policy decision blocks with guidance",
		synth.Result{Unmet: missingBucket}, status.ApplyOutcome{Applied: applied},
		status.Blocked, status.RankPolicy, "create the bucket"),
	Entry("converged spec is active",
		synth.Result{Spec: spec}, status.ApplyOutcome{Applied: applied},
		status.Active, status.RankConverged, ""),
	Entry("nothing applied yet is waiting",
		synth.Result{Spec: spec}, status.ApplyOutcome{},
		status.Waiting, status.RankConverging, "waiting for the workload to converge"),
	Entry("stale applied spec is waiting",
		synth.Result{Spec: &synth.DesiredWorkloadSpec{Name: "mlflow-server", Image: "mlflow:2.16.0"}}, status.ApplyOutcome{Applied: applied},
		status.Waiting, status.RankConverging, "waiting for the workload to converge"),
)

var _ = Describe("Evaluate", func() {
	It("should treat unmet fields of optional bindings as policy", func() {
		snap := relation.NewSnapshot(relation.Binding{Name: "ingress", Kind: relation.KindIngress})
		report := status.Evaluate(snap, synth.Result{Unmet: &synth.UnmetRequirement{Kind: synth.UnmetBinding, Binding: "ingress", Field: "prefix"}}, status.ApplyOutcome{})
		Expect(report.Rank).To(Equal(status.RankPolicy))
		Expect(report.State).To(Equal(status.Blocked))
	})

	It("should append conflicts and notes to the reason", func() {
		res := synth.Result{
			Spec: spec,
			Conflicts: []synth.Conflict{{
				Setting: "ingress.prefix", KeptFrom: "service-mesh", DiscardedFrom: "ingress",
			}},
			Notes: []string{"ignoring metrics: invalid metrics.scrape-interval"},
		}
		report := status.Evaluate(relation.NewSnapshot(), res, status.ApplyOutcome{Applied: applied})
		Expect(report.State).To(Equal(status.Active))
		Expect(report.Reason).To(Equal("conflict: ingress.prefix: value from service-mesh overrides value from ingress; ignoring metrics: invalid metrics.scrape-interval"))
		Expect(report.String()).To(HavePrefix("Active: conflict"))
	})

	It("should be deterministic", func() {
		res := synth.Result{Unmet: missingDatabase}
		first := status.Evaluate(relation.NewSnapshot(), res, status.ApplyOutcome{})
		for range 10 {
			Expect(status.Evaluate(relation.NewSnapshot(), res, status.ApplyOutcome{})).To(Equal(first))
		}
	})

	It("should order states by severity", func() {
		for i := 1; i < len(status.States); i++ {
			Expect(status.States[i-1].Severity()).To(BeNumerically(">", status.States[i].Severity()))
		}
	})
})
