// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher serializes reconciliation passes. Events arriving while a
// pass is running are coalesced into exactly one follow-up pass.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"go.opendefense.cloud/mlflow-operator/pkg/status"
)

// Kind classifies what triggered a pass.
type Kind string

const (
	Startup        Kind = "Startup"
	BindingChanged Kind = "BindingChanged"
	BindingRemoved Kind = "BindingRemoved"
	Resync         Kind = "Resync"
	ConfigChanged  Kind = "ConfigChanged"
	Requested      Kind = "Requested"
)

// Event triggers a reconciliation pass.
type Event struct {
	Kind Kind
	// Binding names the binding for BindingChanged and BindingRemoved.
	Binding string
	// CheckDrift asks the pass to compare the running workload with the
	// applied spec. The dispatcher sets it when a Resync was merged into
	// the pass, whatever event was dispatched last.
	CheckDrift bool
}

// State of the dispatcher.
type State string

const (
	Idle        State = "Idle"
	Reconciling State = "Reconciling"
)

// PassFunc runs one reconciliation pass.
type PassFunc func(ctx context.Context, trigger Event) status.Report

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger of the Dispatcher.
func WithLogger(l logr.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithResyncInterval dispatches a Resync event periodically. Zero disables it.
func WithResyncInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.resync = interval
	}
}

// WithRequestLimit rate limits Requested events to the given interval and burst.
func WithRequestLimit(interval time.Duration, burst int) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// WithOnCoalesce registers a callback for events merged into an already scheduled pass.
func WithOnCoalesce(fn func(Event)) Option {
	return func(d *Dispatcher) {
		d.onCoalesce = fn
	}
}

// WithAwaitStartup holds every pass until a Startup event was dispatched.
// Earlier events are merged into the startup pass.
func WithAwaitStartup() Option {
	return func(d *Dispatcher) {
		d.awaitStartup = true
	}
}

// WithOnReport registers a callback receiving the report of every pass.
func WithOnReport(fn func(Event, status.Report)) Option {
	return func(d *Dispatcher) {
		d.onReport = fn
	}
}

// Dispatcher runs at most one pass at a time.
type Dispatcher struct {
	pass       PassFunc
	log        logr.Logger
	resync     time.Duration
	limiter    *rate.Limiter
	onCoalesce func(Event)
	onReport   func(Event, status.Report)
	// awaitStartup holds passes until startupSeen.
	awaitStartup bool

	kick chan struct{}

	mu          sync.Mutex
	state       State
	pending     bool
	next        Event
	drift       bool
	startupSeen bool
	stopped     bool
	passes  uint64
	last    *status.Report
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

// New creates a Dispatcher running pass.
func New(pass PassFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pass:    pass,
		log:     logr.Discard(),
		kick:    make(chan struct{}, 1),
		state:   Idle,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch schedules a pass for ev. If a pass is already scheduled, ev is
// merged into it. It returns false if the event was rejected because the
// dispatcher is shut down or Requested events exceed their rate limit.
func (d *Dispatcher) Dispatch(ev Event) bool {
	if ev.Kind == Requested && d.limiter != nil && !d.limiter.Allow() {
		d.log.V(1).Info("rejecting requested pass, rate limit exceeded")
		return false
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	coalesced := d.pending
	d.pending = true
	d.next = ev
	if ev.Kind == Resync || ev.CheckDrift {
		d.drift = true
	}
	if ev.Kind == Startup {
		d.startupSeen = true
	}
	d.broadcast()
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}

	// Outside the lock, the callback may dispatch again.
	if coalesced {
		d.log.V(1).Info("coalescing event", "kind", ev.Kind, "binding", ev.Binding)
		if d.onCoalesce != nil {
			d.onCoalesce(ev)
		}
	}
	return true
}

// Start runs passes until ctx is cancelled. A pass in flight at cancellation
// is awaited before Start returns; scheduled passes are discarded.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("starting dispatcher", "resyncInterval", d.resync)

	var tick <-chan time.Time
	if d.resync > 0 {
		ticker := time.NewTicker(d.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			d.stop()
			d.log.Info("dispatcher stopped")
			return nil
		case <-tick:
			d.Dispatch(Event{Kind: Resync})
		case <-d.kick:
			d.drain(ctx)
		}
	}
}

// NeedLeaderElection makes the manager run passes on the leader only.
func (d *Dispatcher) NeedLeaderElection() bool {
	return true
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if !d.pending || ctx.Err() != nil || (d.awaitStartup && !d.startupSeen) {
			d.mu.Unlock()
			return
		}
		ev := d.next
		ev.CheckDrift = d.drift
		d.drift = false
		d.pending = false
		d.state = Reconciling
		d.broadcast()
		d.mu.Unlock()

		d.log.V(1).Info("starting pass", "trigger", ev.Kind, "binding", ev.Binding)
		report := d.pass(ctx, ev)
		d.log.Info("pass finished", "trigger", ev.Kind, "state", report.State, "reason", report.Reason)

		d.mu.Lock()
		d.state = Idle
		d.passes++
		d.last = &report
		d.broadcast()
		d.mu.Unlock()

		if d.onReport != nil {
			d.onReport(ev, report)
		}
	}
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	d.drift = false
	d.broadcast()
}

// broadcast wakes up all waiters. The caller must hold the lock.
func (d *Dispatcher) broadcast() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// State returns whether a pass is running.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Passes returns the number of completed passes.
func (d *Dispatcher) Passes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.passes
}

// LastReport returns the report of the last completed pass.
func (d *Dispatcher) LastReport() (status.Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return status.Report{}, false
	}
	return *d.last, true
}

// WaitIdle blocks until no pass is running or scheduled.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.state == Idle && !d.pending {
			d.mu.Unlock()
			return nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
