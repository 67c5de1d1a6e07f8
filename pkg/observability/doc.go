// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package observability wires logging, metrics and tracing of the operator.
//
// Logs go through logr backed by zap. Engine metrics are Prometheus
// collectors served by the controller-runtime metrics endpoint:
//
//	m, err := observability.NewMetrics(metrics.Registry)
//
// Reconciliation passes are traced with OpenTelemetry. When telemetry is
// enabled, spans and admin API metrics are exported over OTLP:
//
//	tp, err := observability.InitTracer(ctx, observability.TracerConfig{
//	    Identity: observability.Identity{ServiceName: "mlflow-operator"},
//	    Endpoint: "otel-collector:4317",
//	})
//	if err != nil {
//	    return err
//	}
//	defer tp.Shutdown(ctx)
package observability
