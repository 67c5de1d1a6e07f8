// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"go.opendefense.cloud/mlflow-operator/pkg/admin"
	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/controller"
	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/objectstore"
	"go.opendefense.cloud/mlflow-operator/pkg/observability"
	"go.opendefense.cloud/mlflow-operator/pkg/relation"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

const leaderElectionID = "mlflow-operator.opendefense.cloud"

func run(ctx context.Context, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	ctrl.SetLogger(log)

	log.Info("starting mlflow-operator",
		"version", version,
		"namespace", cfg.Kubernetes.Namespace,
		"workload", cfg.Workload.Name,
	)

	shutdownTelemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	restCfg, err := restConfig(cfg.Kubernetes.KubeConfig)
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}

	ns := cfg.Kubernetes.Namespace
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                  scheme.Scheme,
		Metrics:                 metricsserver.Options{BindAddress: cfg.Metrics.BindAddress},
		HealthProbeBindAddress:  cfg.Metrics.HealthProbeBindAddress,
		LeaderElection:          cfg.Kubernetes.LeaderElection,
		LeaderElectionID:        leaderElectionID,
		LeaderElectionNamespace: ns,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{ns: {}},
		},
	})
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	metrics, err := observability.NewMetrics(ctrlmetrics.Registry)
	if err != nil {
		return err
	}

	store := relation.NewDeclaredStore()
	buckets := objectstore.New(objectstore.WithLogger(log.WithName("objectstore")))
	applier := workload.NewApplier(
		workload.NewKubePlatform(mgr.GetClient(), ns, log.WithName("platform")),
		buckets,
		workload.WithLogger(log.WithName("applier")),
		workload.WithReconcileConfig(cfg.Reconcile),
		workload.WithRetryNotify(retryNotify(log, metrics)),
	)
	sink := &controller.StatusSink{
		Client:    mgr.GetClient(),
		Recorder:  mgr.GetEventRecorderFor("mlflow-operator"),
		Namespace: ns,
		App:       cfg.Workload.Name,
	}
	eng := engine.New(store, synth.New(cfg.Workload, ns), applier, buckets,
		engine.WithLogger(log.WithName("engine")),
		engine.WithSink(sink),
		engine.WithRecorder(metrics),
		engine.WithTracer(observability.Tracer()),
		engine.WithBucketRecheckInterval(cfg.Reconcile.BucketRecheckInterval),
	)
	disp := dispatcher.New(eng.Reconcile,
		dispatcher.WithLogger(log.WithName("dispatcher")),
		dispatcher.WithResyncInterval(cfg.Reconcile.ResyncInterval),
		dispatcher.WithRequestLimit(cfg.Reconcile.RequestInterval, cfg.Reconcile.RequestBurst),
		dispatcher.WithAwaitStartup(),
		dispatcher.WithOnCoalesce(func(ev dispatcher.Event) {
			metrics.ObserveCoalesced(string(ev.Kind))
		}),
	)

	bindings := &controller.BindingReconciler{
		Client:     mgr.GetClient(),
		Scheme:     mgr.GetScheme(),
		Recorder:   mgr.GetEventRecorderFor("mlflow-operator"),
		Store:      store,
		Dispatcher: disp,
		Namespace:  ns,
	}
	if err := bindings.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up binding controller: %w", err)
	}
	if err := mgr.Add(disp); err != nil {
		return fmt.Errorf("adding dispatcher: %w", err)
	}
	// The first pass runs once this replica holds the leader lease and the
	// bindings in the cache are in the store, so a restart does not publish
	// Blocked for bindings that exist.
	if err := mgr.Add(bindings.StartupRunnable(mgr.GetCache().WaitForCacheSync)); err != nil {
		return fmt.Errorf("adding startup trigger: %w", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("adding health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("adding ready check: %w", err)
	}

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		return mgr.Start(ctx)
	})

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin, eng, disp,
			admin.WithLogger(log.WithName("admin")),
			admin.WithTelemetry(observability.Tracer(), observability.Meter()),
		)
		errGroup.Go(func() error {
			return srv.Start(ctx)
		})
	}

	if err := errGroup.Wait(); err != nil {
		return err
	}

	log.Info("mlflow-operator stopped")
	return nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.Telemetry.Enabled {
		return func() {}, nil
	}

	id := observability.Identity{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Namespace:      cfg.Kubernetes.Namespace,
	}
	tp, err := observability.InitTracer(ctx, observability.TracerConfig{
		Identity:      id,
		Endpoint:      cfg.Telemetry.Endpoint,
		Insecure:      cfg.Telemetry.Insecure,
		SamplingRatio: cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	shutdownMeter, err := observability.InitMeter(ctx, observability.MeterConfig{
		Identity: id,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("initializing metrics export: %w", err)
	}

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
		_ = shutdownMeter(sctx)
	}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		return ctrl.GetConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func retryNotify(log logr.Logger, metrics *observability.Metrics) func(string, error, time.Duration) {
	return func(op string, err error, next time.Duration) {
		metrics.ObserveRetry(op)
		log.V(1).Info("retrying", "operation", op, "error", err.Error(), "backoff", next)
	}
}
