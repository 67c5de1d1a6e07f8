// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package status derives the externally visible status of the tracking server.
package status

import (
	"fmt"
	"strings"

	"go.opendefense.cloud/mlflow-operator/pkg/relation"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

// State is the externally visible status.
type State string

const (
	Active  State = "Active"
	Waiting State = "Waiting"
	Blocked State = "Blocked"
	Error   State = "Error"
)

// States lists all states, worst first.
var States = []State{Error, Blocked, Waiting, Active}

// Severity orders states so that the worst condition compares highest.
func (s State) Severity() int {
	switch s {
	case Error:
		return 3
	case Blocked:
		return 2
	case Waiting:
		return 1
	default:
		return 0
	}
}

// Decision table rows, highest precedence first.
const (
	RankPermanentFailure = iota + 1
	RankTransientFailure
	RankMissingBinding
	RankPolicy
	RankConverged
	RankConverging
)

// Report is the outcome of one evaluation.
type Report struct {
	State  State
	Reason string
	// Rank is the decision table row that produced the report.
	Rank int
}

func (r Report) String() string {
	if r.Reason == "" {
		return string(r.State)
	}
	return fmt.Sprintf("%s: %s", r.State, r.Reason)
}

// ApplyOutcome is what the evaluator needs to know about the last apply.
type ApplyOutcome struct {
	// Failure is set if the apply of this pass failed.
	Failure *workload.ApplyFailure
	// Applied is the applied state after this pass.
	Applied workload.AppliedState
}

// Evaluate maps the pass results to a Report. It is a pure function; the rows
// are checked in order and the first match wins:
//
//  1. permanent apply failure: Error
//  2. transient apply failure: Waiting
//  3. unmet requirement of a required binding: Blocked
//  4. unmet requirement from configuration policy: Blocked
//  5. applied state matches the desired spec: Active
//  6. otherwise: Waiting
//
// Conflicts and notes of the synthesis are appended to the reason.
func Evaluate(snap relation.Snapshot, res synth.Result, apply ApplyOutcome) Report {
	r := decide(snap, res, apply)

	var extra []string
	for _, c := range res.Conflicts {
		extra = append(extra, "conflict: "+c.String())
	}
	extra = append(extra, res.Notes...)
	if len(extra) > 0 {
		r.Reason = strings.Join(append(nonEmpty(r.Reason), extra...), "; ")
	}
	return r
}

func decide(snap relation.Snapshot, res synth.Result, apply ApplyOutcome) Report {
	if f := apply.Failure; f != nil {
		if !f.Transient {
			return Report{State: Error, Reason: f.Error(), Rank: RankPermanentFailure}
		}
		return Report{State: Waiting, Reason: "retrying: " + f.Error(), Rank: RankTransientFailure}
	}

	if u := res.Unmet; u != nil {
		if u.Kind == synth.UnmetBinding && isRequired(snap, u.Binding) {
			return Report{State: Blocked, Reason: u.Reason(), Rank: RankMissingBinding}
		}
		return Report{State: Blocked, Reason: u.Reason(), Rank: RankPolicy}
	}

	if res.Spec != nil && apply.Applied.Matches(res.Spec) {
		return Report{State: Active, Rank: RankConverged}
	}
	return Report{State: Waiting, Reason: "waiting for the workload to converge", Rank: RankConverging}
}

func isRequired(snap relation.Snapshot, name string) bool {
	if b, ok := snap.Get(name); ok {
		return b.Required
	}
	for _, d := range relation.Declarations {
		if d.Name == name {
			return d.Required
		}
	}
	return false
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
