// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs reconciliation passes: it reads the relation store,
// synthesizes the desired workload, applies it and evaluates the status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/observability"
	"go.opendefense.cloud/mlflow-operator/pkg/relation"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

// Revisions summarizes the versions a pass worked with.
type Revisions struct {
	// Desired advances when a synthesized spec differs from the previous one.
	Desired uint64 `json:"desired"`
	// Applied is the revision of the last successfully applied spec.
	Applied   uint64    `json:"applied"`
	AppliedAt time.Time `json:"appliedAt,omitzero"`
	Hash      string    `json:"hash,omitempty"`
	// Bindings is the relation store revision of the last pass.
	Bindings uint64 `json:"bindings"`
}

// Sink publishes the outcome of a pass.
type Sink interface {
	Publish(ctx context.Context, report status.Report, revisions Revisions) error
}

// Recorder observes finished passes.
type Recorder interface {
	ObservePass(trigger string, report status.Report, desired, applied uint64, took time.Duration)
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the logger of the Engine.
func WithLogger(l logr.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithSink sets where reports are published.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithTracer sets the tracer used for pass spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBucketRecheckInterval sets how long a missing bucket is trusted to stay missing.
func WithBucketRecheckInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.recheck = d
	}
}

// Engine owns the state shared by consecutive passes. Passes must not run
// concurrently; the dispatcher guarantees that.
type Engine struct {
	store    *relation.Store
	synth    *synth.Synthesizer
	applier  *workload.Applier
	buckets  workload.BucketClient
	sink     Sink
	recorder Recorder
	tracer   trace.Tracer
	log      logr.Logger
	now      func() time.Time
	recheck  time.Duration

	mu         sync.Mutex
	absent     map[synth.BucketRef]time.Time
	desired    *synth.DesiredWorkloadSpec
	desiredRev uint64
	bindingRev uint64
	applied    workload.AppliedState
	last       *status.Report
}

// New creates an Engine. buckets is used by CreateBucket and may be nil.
func New(store *relation.Store, s *synth.Synthesizer, applier *workload.Applier, buckets workload.BucketClient, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		synth:   s,
		applier: applier,
		buckets: buckets,
		tracer:  noop.NewTracerProvider().Tracer(observability.TracerName),
		log:     logr.Discard(),
		now:     time.Now,
		recheck: time.Minute,
		absent:  map[synth.BucketRef]time.Time{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one pass. It is the dispatcher.PassFunc of the operator.
func (e *Engine) Reconcile(ctx context.Context, trigger dispatcher.Event) status.Report {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("trigger", string(trigger.Kind)),
		attribute.String("binding", trigger.Binding),
	))
	defer span.End()

	log := observability.LoggerWithTraceContext(ctx, e.log).WithValues("trigger", trigger.Kind)
	if trigger.Binding != "" {
		log = log.WithValues("binding", trigger.Binding)
	}

	if trigger.CheckDrift || trigger.Kind == dispatcher.Resync {
		drifted, err := e.applier.CheckDrift(ctx)
		switch {
		case err != nil:
			log.Info("drift check failed", "error", err.Error())
		case drifted:
			log.Info("running workload drifted from the applied spec")
		}
	}

	// The snapshot is taken here, not when the trigger fired, so updates
	// that arrived while the pass was queued are included.
	snap := e.store.Snapshot()
	res := e.synth.Synthesize(snap, e.observations())

	outcome := status.ApplyOutcome{Applied: e.applier.State()}
	if res.Spec != nil {
		e.trackDesired(res.Spec)

		applied, failure := e.applier.Apply(ctx, res.Spec)
		outcome = status.ApplyOutcome{Applied: applied, Failure: failure}

		var missing *workload.BucketMissingError
		if failure != nil && errors.As(failure, &missing) {
			log.Info("artifact bucket is missing", "bucket", missing.Ref.Bucket, "endpoint", missing.Ref.Endpoint)
			e.recordAbsent(missing.Ref)
			res = e.synth.Synthesize(snap, e.observations())
			outcome.Failure = nil
		}
	}

	report := status.Evaluate(snap, res, outcome)
	revs := e.finish(snap, outcome.Applied, report)

	span.SetAttributes(
		attribute.String("state", string(report.State)),
		attribute.Int("rank", report.Rank),
		attribute.Int64("desired_revision", int64(revs.Desired)),
		attribute.Int64("applied_revision", int64(revs.Applied)),
	)
	if report.State == status.Error {
		span.SetStatus(codes.Error, report.Reason)
	}

	if e.recorder != nil {
		e.recorder.ObservePass(string(trigger.Kind), report, revs.Desired, revs.Applied, e.now().Sub(start))
	}
	if e.sink != nil {
		if err := e.sink.Publish(ctx, report, revs); err != nil {
			log.Error(err, "failed to publish status")
		}
	}

	log.V(1).Info("pass completed", "status", report.String(), "desiredRevision", revs.Desired, "appliedRevision", revs.Applied)
	return report
}

// Credentials returns the connection details derived from the current bindings.
func (e *Engine) Credentials() (synth.Credentials, error) {
	return e.synth.Credentials(e.store.Snapshot())
}

// CreateBucket creates the artifact bucket regardless of the auto-create
// setting and forgets any cached absence of it.
func (e *Engine) CreateBucket(ctx context.Context) (synth.BucketRef, error) {
	directive, err := e.synth.BucketDirective(e.store.Snapshot())
	if err != nil {
		return synth.BucketRef{}, err
	}
	if e.buckets == nil {
		return directive.Ref(), errors.New("no object storage client configured")
	}
	if err := e.buckets.EnsureBucket(ctx, directive); err != nil {
		return directive.Ref(), fmt.Errorf("creating bucket %q: %w", directive.Bucket, err)
	}

	e.mu.Lock()
	delete(e.absent, directive.Ref())
	e.mu.Unlock()

	e.log.Info("artifact bucket created", "bucket", directive.Bucket, "endpoint", directive.Endpoint)
	return directive.Ref(), nil
}

// Revisions returns the revisions of the last pass.
func (e *Engine) Revisions() Revisions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revisions()
}

// LastReport returns the report of the last pass, if any.
func (e *Engine) LastReport() (status.Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return status.Report{}, false
	}
	return *e.last, true
}

func (e *Engine) observations() synth.Observations {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := synth.Observations{AbsentBuckets: map[synth.BucketRef]bool{}}
	now := e.now()
	for ref, seen := range e.absent {
		if now.Sub(seen) >= e.recheck {
			delete(e.absent, ref)
			continue
		}
		obs.AbsentBuckets[ref] = true
	}
	return obs
}

func (e *Engine) recordAbsent(ref synth.BucketRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.absent[ref] = e.now()
}

func (e *Engine) trackDesired(spec *synth.DesiredWorkloadSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desired != nil && cmp.Equal(e.desired, spec) {
		return
	}
	e.desired = spec.Clone()
	e.desiredRev++
}

func (e *Engine) finish(snap relation.Snapshot, applied workload.AppliedState, report status.Report) Revisions {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindingRev = snap.Revision()
	e.applied = applied
	e.last = &report
	return e.revisions()
}

func (e *Engine) revisions() Revisions {
	return Revisions{
		Desired:   e.desiredRev,
		Applied:   e.applied.Revision,
		AppliedAt: e.applied.AppliedAt,
		Hash:      e.applied.Hash,
		Bindings:  e.bindingRev,
	}
}
