// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package synth

import (
	"fmt"
	"maps"
	"slices"
)

// DesiredWorkloadSpec is the synthesized target state of the tracking server.
// A new value is produced on every pass and is never mutated afterwards.
type DesiredWorkloadSpec struct {
	Name     string
	Image    string
	Replicas int32
	Command  []string
	Args     []string
	// Env holds plain environment variables.
	Env map[string]string
	// EnvFrom lists secrets whose keys are exposed as environment variables.
	EnvFrom        []string
	Ports          []Port
	Service        Service
	Secrets        []Secret
	PodAnnotations map[string]string
	// Ingress is nil unless an ingress-like binding is present.
	Ingress        *Ingress
	DashboardLinks []DashboardLink
	// PodDefaults is the environment notebooks and pipelines need to reach
	// the tracking server and its artifact store.
	PodDefaults map[string]string
	// Preflight runs before the workload is updated.
	Preflight []EnsureBucket
}

// Port is a named container port.
type Port struct {
	Name          string
	ContainerPort int32
}

// Service types.
const (
	ServiceTypeClusterIP = "ClusterIP"
	ServiceTypeNodePort  = "NodePort"
)

// Service describes how the tracking server is exposed inside the cluster.
type Service struct {
	Type     string
	Port     int32
	NodePort int32
}

// Secret is a generated secret mounted into the workload.
type Secret struct {
	Name string
	Data map[string]string
}

// Ingress routes external traffic to the tracking server.
type Ingress struct {
	Host        string
	Prefix      string
	Rewrite     string
	ServicePort int32
}

// DashboardLink is published for the central dashboard.
type DashboardLink struct {
	Text     string `json:"text"`
	Link     string `json:"link"`
	Type     string `json:"type"`
	Icon     string `json:"icon"`
	Location string `json:"location"`
}

// EnsureBucket makes sure the artifact bucket exists before the workload starts.
type EnsureBucket struct {
	Bucket          string
	Create          bool
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// BucketRef identifies a bucket on a given endpoint.
type BucketRef struct {
	Endpoint string
	Bucket   string
}

// Ref returns the bucket reference of the directive.
func (e EnsureBucket) Ref() BucketRef {
	return BucketRef{Endpoint: e.Endpoint, Bucket: e.Bucket}
}

// Secret returns the generated secret with the given name.
func (s *DesiredWorkloadSpec) Secret(name string) (Secret, bool) {
	for _, sec := range s.Secrets {
		if sec.Name == name {
			return sec, true
		}
	}
	return Secret{}, false
}

// Clone returns a deep copy of the spec.
func (s *DesiredWorkloadSpec) Clone() *DesiredWorkloadSpec {
	if s == nil {
		return nil
	}
	out := *s
	out.Command = slices.Clone(s.Command)
	out.Args = slices.Clone(s.Args)
	out.Env = maps.Clone(s.Env)
	out.EnvFrom = slices.Clone(s.EnvFrom)
	out.Ports = slices.Clone(s.Ports)
	out.PodAnnotations = maps.Clone(s.PodAnnotations)
	out.DashboardLinks = slices.Clone(s.DashboardLinks)
	out.PodDefaults = maps.Clone(s.PodDefaults)
	out.Preflight = slices.Clone(s.Preflight)
	if s.Ingress != nil {
		ing := *s.Ingress
		out.Ingress = &ing
	}
	if s.Secrets != nil {
		out.Secrets = make([]Secret, len(s.Secrets))
		for i, sec := range s.Secrets {
			out.Secrets[i] = Secret{Name: sec.Name, Data: maps.Clone(sec.Data)}
		}
	}
	return &out
}

// UnmetKind distinguishes missing integration data from configuration policy faults.
type UnmetKind int

const (
	// UnmetBinding means a binding lacks a field or carries a malformed value.
	UnmetBinding UnmetKind = iota
	// UnmetPolicy means a configuration decision prevents convergence.
	UnmetPolicy
)

// UnmetRequirement is a typed outcome naming what prevents a spec from being produced.
type UnmetRequirement struct {
	Kind UnmetKind
	// Binding and Field are set for UnmetBinding.
	Binding string
	Field   string
	// Message carries detail or operator guidance.
	Message string
}

// Reason returns the human readable, actionable reason.
func (u UnmetRequirement) Reason() string {
	if u.Kind == UnmetPolicy {
		return u.Message
	}
	if u.Message != "" {
		return fmt.Sprintf("invalid %s.%s: %s", u.Binding, u.Field, u.Message)
	}
	return fmt.Sprintf("missing %s.%s", u.Binding, u.Field)
}

func (u UnmetRequirement) Error() string {
	return u.Reason()
}

// Conflict records a value discarded because another binding supplied the same setting.
type Conflict struct {
	Setting       string
	Kept          string
	KeptFrom      string
	Discarded     string
	DiscardedFrom string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: value from %s overrides value from %s", c.Setting, c.KeptFrom, c.DiscardedFrom)
}

// Result is the outcome of one synthesis. Exactly one of Spec and Unmet is set.
type Result struct {
	Spec      *DesiredWorkloadSpec
	Unmet     *UnmetRequirement
	Conflicts []Conflict
	// Notes are non-fatal observations, e.g. an optional binding that was omitted.
	Notes []string
}

// Ready returns true if a spec was produced.
func (r Result) Ready() bool {
	return r.Spec != nil
}

// Observations carries facts learned by earlier passes.
type Observations struct {
	// AbsentBuckets lists buckets recently confirmed missing.
	AbsentBuckets map[BucketRef]bool
}
