// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package workload converges the running tracking server to a desired spec.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

// Platform is the orchestration API the workload runs on.
type Platform interface {
	// Apply converges all objects of the workload to spec and stamps them with hash.
	Apply(ctx context.Context, spec *synth.DesiredWorkloadSpec, hash string) error
	// Ready returns true once the workload serves the given spec.
	Ready(ctx context.Context, spec *synth.DesiredWorkloadSpec) (bool, error)
	// SpecHash returns the hash stamped on the running workload, or "" if there is none.
	SpecHash(ctx context.Context, name string) (string, error)
}

// BucketClient is the object storage admin API used by preflight directives.
type BucketClient interface {
	// EnsureBucket checks the bucket and creates it if requested. It returns
	// a *BucketMissingError if the bucket is absent and may not be created.
	EnsureBucket(ctx context.Context, directive synth.EnsureBucket) error
}

// AppliedState is the last spec successfully pushed to the platform.
type AppliedState struct {
	// Spec is nil until the first successful apply or after drift was detected.
	Spec *synth.DesiredWorkloadSpec
	// Revision advances on every successful convergence and never regresses.
	Revision  uint64
	AppliedAt time.Time
	Hash      string
}

// Matches returns true if spec is structurally equal to the applied spec.
func (s AppliedState) Matches(spec *synth.DesiredWorkloadSpec) bool {
	return s.Spec != nil && spec != nil && cmp.Equal(s.Spec, spec)
}

// Option configures the Applier.
type Option func(*Applier)

// WithLogger sets the logger of the Applier.
func WithLogger(l logr.Logger) Option {
	return func(a *Applier) {
		a.log = l
	}
}

// WithReconcileConfig takes retry, timeout and readiness settings from cfg.
func WithReconcileConfig(cfg config.ReconcileConfig) Option {
	return func(a *Applier) {
		a.maxRetries = cfg.MaxRetries
		a.initialInterval = cfg.RetryInitialInterval
		a.maxInterval = cfg.RetryMaxInterval
		a.attemptTimeout = cfg.AttemptTimeout
		a.readinessTimeout = cfg.ReadinessTimeout
		a.pollInterval = cfg.ReadinessPollInterval
	}
}

// WithRetryNotify registers a callback invoked before every retry.
func WithRetryNotify(fn func(op string, err error, next time.Duration)) Option {
	return func(a *Applier) {
		a.onRetry = fn
	}
}

// WithClock replaces the clock used for AppliedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) {
		a.now = now
	}
}

// Applier pushes desired specs to the platform. It short-circuits specs equal
// to the last applied one and retries transient platform errors.
type Applier struct {
	platform Platform
	buckets  BucketClient
	log      logr.Logger
	onRetry  func(op string, err error, next time.Duration)
	now      func() time.Time

	maxRetries       int
	initialInterval  time.Duration
	maxInterval      time.Duration
	attemptTimeout   time.Duration
	readinessTimeout time.Duration
	pollInterval     time.Duration

	mu    sync.Mutex
	state AppliedState
}

// NewApplier creates an Applier. buckets may be nil if specs carry no preflight directives.
func NewApplier(platform Platform, buckets BucketClient, opts ...Option) *Applier {
	rc := config.DefaultConfig().Reconcile
	a := &Applier{
		platform: platform,
		buckets:  buckets,
		log:      logr.Discard(),
		now:      time.Now,
	}
	WithReconcileConfig(rc)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the last applied state.
func (a *Applier) State() AppliedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Apply converges the platform to spec. A spec equal to the applied one is a
// no-op returning the existing state. Once ctx is cancelled, the running
// platform call completes but no further retry is started.
func (a *Applier) Apply(ctx context.Context, spec *synth.DesiredWorkloadSpec) (AppliedState, *ApplyFailure) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.log.WithValues("workload", spec.Name)

	if a.state.Matches(spec) {
		log.V(1).Info("workload already converged", "revision", a.state.Revision)
		return a.state, nil
	}
	if err := ctx.Err(); err != nil {
		return a.state, Classify(fmt.Errorf("apply not started: %w", err), 0)
	}

	if len(spec.Preflight) > 0 && a.buckets == nil {
		return a.state, &ApplyFailure{Err: errors.New("no object storage client configured")}
	}
	for _, directive := range spec.Preflight {
		attempts, err := a.retry(ctx, "preflight", func(ctx context.Context) error {
			return a.buckets.EnsureBucket(ctx, directive)
		})
		if err != nil {
			log.Info("preflight failed", "bucket", directive.Bucket, "error", err.Error())
			return a.state, Classify(fmt.Errorf("ensuring bucket %q: %w", directive.Bucket, err), attempts)
		}
	}

	hash, err := Hash(spec)
	if err != nil {
		return a.state, &ApplyFailure{Err: err}
	}

	log.Info("applying workload", "hash", hash)
	attempts, err := a.retry(ctx, "apply", func(ctx context.Context) error {
		return a.platform.Apply(ctx, spec, hash)
	})
	if err != nil {
		return a.state, Classify(fmt.Errorf("applying workload: %w", err), attempts)
	}

	if err := a.waitReady(ctx, spec); err != nil {
		return a.state, Classify(err, 1)
	}

	a.state = AppliedState{
		Spec:      spec.Clone(),
		Revision:  a.state.Revision + 1,
		AppliedAt: a.now(),
		Hash:      hash,
	}
	log.Info("workload converged", "revision", a.state.Revision)
	return a.state, nil
}

// CheckDrift compares the running workload with the applied state. On a
// mismatch the applied spec is forgotten so the next Apply converges again.
func (a *Applier) CheckDrift(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Spec == nil {
		return false, nil
	}

	actx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
	defer cancel()

	hash, err := a.platform.SpecHash(actx, a.state.Spec.Name)
	if err != nil {
		return false, fmt.Errorf("reading workload hash: %w", err)
	}
	if hash == a.state.Hash {
		return false, nil
	}

	a.log.Info("workload drifted from applied spec", "workload", a.state.Spec.Name, "want", a.state.Hash, "got", hash)
	a.state.Spec = nil
	a.state.Hash = ""
	return true, nil
}

// retry runs fn until it succeeds, fails permanently, exhausts the attempt
// ceiling or ctx is cancelled. Every attempt is bounded by the attempt timeout
// and is not interrupted by ctx.
func (a *Applier) retry(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialInterval
	b.MaxInterval = a.maxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(a.maxRetries, 0))), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.attemptTimeout)
		defer cancel()

		err := fn(actx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		a.log.V(1).Info("retrying after transient error", "op", op, "attempt", attempts, "next", next, "error", err.Error())
		if a.onRetry != nil {
			a.onRetry(op, err, next)
		}
	}

	return attempts, backoff.RetryNotify(operation, policy, notify)
}

func (a *Applier) waitReady(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, a.pollInterval, a.readinessTimeout, true, func(ctx context.Context) (bool, error) {
		actx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
		defer cancel()

		ready, err := a.platform.Ready(actx, spec)
		if err != nil {
			if IsTransient(err) {
				lastErr = err
				return false, nil
			}
			return false, fmt.Errorf("checking readiness: %w", err)
		}
		return ready, nil
	})
	switch {
	case err == nil:
		return nil
	case wait.Interrupted(err) && lastErr != nil:
		return fmt.Errorf("workload not ready: %w", lastErr)
	case wait.Interrupted(err):
		return fmt.Errorf("workload not ready within %s: %w", a.readinessTimeout, context.DeadlineExceeded)
	default:
		return err
	}
}
