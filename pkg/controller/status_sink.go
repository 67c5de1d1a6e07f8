// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/status"
	"go.opendefense.cloud/mlflow-operator/pkg/workload"
)

// StatusConfigMapName returns the name of the ConfigMap holding the workload status.
func StatusConfigMapName(app string) string {
	return app + "-status"
}

// StatusSink writes reports to the status ConfigMap and emits an Event
// whenever the state or reason changes.
type StatusSink struct {
	Client    client.Client
	Recorder  record.EventRecorder
	Namespace string
	App       string
	Now       func() time.Time

	mu   sync.Mutex
	last *status.Report
}

//+kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete

// Publish implements engine.Sink.
func (s *StatusSink) Publish(ctx context.Context, report status.Report, revs engine.Revisions) error {
	log := ctrl.LoggerFrom(ctx)
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: s.Namespace, Name: StatusConfigMapName(s.App)}}
	_, err := controllerutil.CreateOrUpdate(ctx, s.Client, cm, func() error {
		if cm.Labels == nil {
			cm.Labels = map[string]string{}
		}
		cm.Labels[workload.LabelName] = s.App
		cm.Labels[workload.LabelManagedBy] = workload.ManagedBy

		data := map[string]string{
			"state":            string(report.State),
			"reason":           report.Reason,
			"rank":             strconv.Itoa(report.Rank),
			"desiredRevision":  strconv.FormatUint(revs.Desired, 10),
			"appliedRevision":  strconv.FormatUint(revs.Applied, 10),
			"bindingsRevision": strconv.FormatUint(revs.Bindings, 10),
		}
		if !revs.AppliedAt.IsZero() {
			data["appliedAt"] = revs.AppliedAt.UTC().Format(time.RFC3339)
		}
		if revs.Hash != "" {
			data["specHash"] = revs.Hash
		}
		if changed(cm.Data, data) {
			data["updatedAt"] = now().UTC().Format(time.RFC3339)
			cm.Data = data
		}
		return nil
	})
	if err != nil {
		return errLogAndWrap(log, err, "failed to write status", "configMap", cm.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.State == report.State && s.last.Reason == report.Reason {
		return nil
	}
	s.last = &report

	eventType := corev1.EventTypeNormal
	if report.State == status.Blocked || report.State == status.Error {
		eventType = corev1.EventTypeWarning
	}
	msg := report.Reason
	if msg == "" {
		msg = "workload is " + string(report.State)
	}
	s.Recorder.Event(cm, eventType, string(report.State), msg)

	return nil
}

// changed ignores the timestamp so an unchanged report does not cause a write.
func changed(current, next map[string]string) bool {
	if len(current) != len(next)+1 {
		return true
	}
	for k, v := range next {
		if current[k] != v {
			return true
		}
	}
	return false
}
