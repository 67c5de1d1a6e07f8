// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"go.opendefense.cloud/mlflow-operator/pkg/status"
)

const namespace = "mlflow_operator"

// Metrics holds the Prometheus collectors of the reconciliation engine.
type Metrics struct {
	DesiredRevision prometheus.Gauge
	AppliedRevision prometheus.Gauge
	Status          *prometheus.GaugeVec
	Passes          *prometheus.CounterVec
	PassDuration    prometheus.Histogram
	Coalesced       *prometheus.CounterVec
	ApplyRetries    *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// Pass sigs.k8s.io/controller-runtime/pkg/metrics.Registry to serve them on
// the manager's metrics endpoint.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DesiredRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_revision",
			Help:      "Revision of the most recently synthesized workload spec.",
		}),
		AppliedRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "applied_revision",
			Help:      "Revision of the workload spec last applied successfully.",
		}),
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Current workload status; 1 for the active state, 0 otherwise.",
		}, []string{"state"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Reconciliation passes by trigger and resulting state.",
		}, []string{"trigger", "state"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		Coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_events_total",
			Help:      "Events folded into an already pending pass.",
		}, []string{"kind"}),
		ApplyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_retries_total",
			Help:      "Retries of platform and object storage calls.",
		}, []string{"operation"}),
	}

	for _, c := range []prometheus.Collector{
		m.DesiredRevision, m.AppliedRevision, m.Status, m.Passes,
		m.PassDuration, m.Coalesced, m.ApplyRetries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	return m, nil
}

// ObservePass records the outcome of one reconciliation pass.
func (m *Metrics) ObservePass(trigger string, report status.Report, desired, applied uint64, took time.Duration) {
	m.DesiredRevision.Set(float64(desired))
	m.AppliedRevision.Set(float64(applied))
	for _, s := range status.States {
		v := 0.0
		if s == report.State {
			v = 1
		}
		m.Status.WithLabelValues(string(s)).Set(v)
	}
	m.Passes.WithLabelValues(trigger, string(report.State)).Inc()
	m.PassDuration.Observe(took.Seconds())
}

// ObserveCoalesced counts an event merged into a pending pass.
func (m *Metrics) ObserveCoalesced(kind string) {
	m.Coalesced.WithLabelValues(kind).Inc()
}

// ObserveRetry counts a retried call.
func (m *Metrics) ObserveRetry(operation string) {
	m.ApplyRetries.WithLabelValues(operation).Inc()
}

// MeterConfig configures the OTLP metric exporter used for the admin API.
type MeterConfig struct {
	Identity
	Endpoint string
	Insecure bool
	// ExportInterval defaults to 30s.
	ExportInterval time.Duration
}

// InitMeter installs a global MeterProvider pushing over OTLP/gRPC. It
// returns the shutdown function of the provider.
func InitMeter(ctx context.Context, cfg MeterConfig) (func(context.Context) error, error) {
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}

	var opts []otlpmetricgrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Meter returns the operator meter of the global MeterProvider.
func Meter() metric.Meter {
	return otel.Meter(TracerName)
}
