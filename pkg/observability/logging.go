// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
)

// NewLogger creates a logr.Logger backed by zap. An unknown level falls back to info.
func NewLogger(cfg config.LoggingConfig) (logr.Logger, error) {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Format != "" {
		zapCfg.Encoding = cfg.Format
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), err
	}

	return zapr.NewLogger(zapLog), nil
}

// LoggerWithTraceContext returns logger enriched with the trace and span id of ctx.
func LoggerWithTraceContext(ctx context.Context, logger logr.Logger) logr.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.WithValues(
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}

// ContextWithLogger returns a new context with the logger attached.
func ContextWithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// LoggerFromContextOrDefault returns the logger stored in ctx, or fallback if there is none.
func LoggerFromContextOrDefault(ctx context.Context, fallback logr.Logger) logr.Logger {
	if logger, err := logr.FromContext(ctx); err == nil {
		return logger
	}
	return fallback
}
