// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

const (
	// AnnotationSpecHash carries the hash of the applied spec on the Deployment and its pods.
	AnnotationSpecHash = "mlflow.opendefense.cloud/spec-hash"
	// AnnotationRewriteTarget is set on the Ingress when a rewrite is requested.
	AnnotationRewriteTarget = "nginx.ingress.kubernetes.io/rewrite-target"

	LabelName      = "app.kubernetes.io/name"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedBy      = "mlflow-operator"

	// ContainerName is the name of the tracking server container.
	ContainerName = "mlflow-server"
	// DashboardLinksKey is the key of the dashboard links in their ConfigMap.
	DashboardLinksKey = "links.json"
	// PodDefaultsKey is the key of the pod defaults in their ConfigMap.
	PodDefaultsKey = "pod-defaults.json"
	// LabelPodDefaults marks the ConfigMap consumers read pod defaults from.
	LabelPodDefaults = "mlflow.opendefense.cloud/pod-defaults"
	// PodDefaultsGroup is the name the defaults are published under.
	PodDefaultsGroup = "minio"
)

// DashboardConfigMapName returns the name of the ConfigMap publishing dashboard links.
func DashboardConfigMapName(app string) string {
	return app + "-dashboard-links"
}

// PodDefaultsConfigMapName returns the name of the ConfigMap publishing pod defaults.
func PodDefaultsConfigMapName(app string) string {
	return app + "-pod-defaults"
}

// podDefaultsEntry is one group of the published document, which reads
// {"minio":{"env":{...}}}.
type podDefaultsEntry struct {
	Env map[string]string `json:"env"`
}

// KubePlatform runs the tracking server as a Deployment with its Secrets,
// Service, optional Ingress and optional dashboard ConfigMap.
type KubePlatform struct {
	Client    client.Client
	Namespace string
	Log       logr.Logger
}

// NewKubePlatform creates a KubePlatform managing objects in namespace.
func NewKubePlatform(c client.Client, namespace string, log logr.Logger) *KubePlatform {
	return &KubePlatform{Client: c, Namespace: namespace, Log: log}
}

var _ Platform = &KubePlatform{}

// Apply implements Platform.
func (p *KubePlatform) Apply(ctx context.Context, spec *synth.DesiredWorkloadSpec, hash string) error {
	for _, sec := range spec.Secrets {
		if err := p.applySecret(ctx, spec, sec); err != nil {
			return err
		}
	}
	if err := p.pruneSecrets(ctx, spec); err != nil {
		return err
	}
	if err := p.applyDeployment(ctx, spec, hash); err != nil {
		return err
	}
	if err := p.applyService(ctx, spec); err != nil {
		return err
	}
	if err := p.applyIngress(ctx, spec); err != nil {
		return err
	}
	if err := p.applyDashboardLinks(ctx, spec); err != nil {
		return err
	}
	return p.applyPodDefaults(ctx, spec)
}

// Ready implements Platform.
func (p *KubePlatform) Ready(ctx context.Context, spec *synth.DesiredWorkloadSpec) (bool, error) {
	dep := &appsv1.Deployment{}
	if err := p.Client.Get(ctx, client.ObjectKey{Name: spec.Name, Namespace: p.Namespace}, dep); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	ready := rolledOut(dep)
	p.Log.V(1).Info("deployment readiness", "name", spec.Name, "ready", ready,
		"updatedReplicas", dep.Status.UpdatedReplicas,
		"availableReplicas", dep.Status.AvailableReplicas,
		"replicas", ptr.Deref(dep.Spec.Replicas, 1))
	return ready, nil
}

// rolledOut reports whether every replica runs the current template and is
// available. Pods of an older ReplicaSet never count, even when ready.
func rolledOut(dep *appsv1.Deployment) bool {
	st := dep.Status
	want := ptr.Deref(dep.Spec.Replicas, 1)
	switch {
	case st.ObservedGeneration < dep.Generation:
		return false
	case st.UpdatedReplicas < want:
		return false
	case st.Replicas > st.UpdatedReplicas:
		// old replicas are still terminating
		return false
	case st.AvailableReplicas < st.UpdatedReplicas:
		return false
	}
	return true
}

// SpecHash implements Platform.
func (p *KubePlatform) SpecHash(ctx context.Context, name string) (string, error) {
	dep := &appsv1.Deployment{}
	if err := p.Client.Get(ctx, client.ObjectKey{Name: name, Namespace: p.Namespace}, dep); err != nil {
		if apierrors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return dep.Annotations[AnnotationSpecHash], nil
}

func (p *KubePlatform) labels(spec *synth.DesiredWorkloadSpec) map[string]string {
	return map[string]string{
		LabelName:      spec.Name,
		LabelInstance:  spec.Name,
		LabelManagedBy: ManagedBy,
	}
}

func (p *KubePlatform) selector(spec *synth.DesiredWorkloadSpec) map[string]string {
	return map[string]string{
		LabelName:     spec.Name,
		LabelInstance: spec.Name,
	}
}

func (p *KubePlatform) meta(name string, spec *synth.DesiredWorkloadSpec) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: p.Namespace, Labels: p.labels(spec)}
}

func mergeLabels(obj metav1.Object, labels map[string]string) {
	l := obj.GetLabels()
	if l == nil {
		l = map[string]string{}
	}
	maps.Copy(l, labels)
	obj.SetLabels(l)
}

func (p *KubePlatform) applySecret(ctx context.Context, spec *synth.DesiredWorkloadSpec, sec synth.Secret) error {
	obj := &corev1.Secret{ObjectMeta: p.meta(sec.Name, spec)}
	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, obj, func() error {
		mergeLabels(obj, p.labels(spec))
		obj.Type = corev1.SecretTypeOpaque
		obj.Data = make(map[string][]byte, len(sec.Data))
		for k, v := range sec.Data {
			obj.Data[k] = []byte(v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply secret %s: %w", sec.Name, err)
	}
	p.Log.V(1).Info("secret applied", "name", sec.Name, "operation", op)
	return nil
}

// pruneSecrets deletes generated secrets the spec no longer contains.
func (p *KubePlatform) pruneSecrets(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	list := &corev1.SecretList{}
	if err := p.Client.List(ctx, list, client.InNamespace(p.Namespace), client.MatchingLabels(p.labels(spec))); err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}
	for i := range list.Items {
		sec := &list.Items[i]
		if _, ok := spec.Secret(sec.Name); ok {
			continue
		}
		p.Log.V(1).Info("deleting stale secret", "name", sec.Name)
		if err := p.Client.Delete(ctx, sec); client.IgnoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete secret %s: %w", sec.Name, err)
		}
	}
	return nil
}

func (p *KubePlatform) applyDeployment(ctx context.Context, spec *synth.DesiredWorkloadSpec, hash string) error {
	dep := &appsv1.Deployment{ObjectMeta: p.meta(spec.Name, spec)}
	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, dep, func() error {
		mergeLabels(dep, p.labels(spec))
		if dep.Annotations == nil {
			dep.Annotations = map[string]string{}
		}
		dep.Annotations[AnnotationSpecHash] = hash

		dep.Spec.Replicas = ptr.To(spec.Replicas)
		if dep.Spec.Selector == nil {
			dep.Spec.Selector = &metav1.LabelSelector{MatchLabels: p.selector(spec)}
		}

		tmpl := &dep.Spec.Template
		tmpl.Labels = p.labels(spec)
		tmpl.Annotations = maps.Clone(spec.PodAnnotations)
		if tmpl.Annotations == nil {
			tmpl.Annotations = map[string]string{}
		}
		tmpl.Annotations[AnnotationSpecHash] = hash

		idx := slices.IndexFunc(tmpl.Spec.Containers, func(c corev1.Container) bool {
			return c.Name == ContainerName
		})
		if idx < 0 {
			tmpl.Spec.Containers = append(tmpl.Spec.Containers, corev1.Container{Name: ContainerName})
			idx = len(tmpl.Spec.Containers) - 1
		}
		mutateContainer(&tmpl.Spec.Containers[idx], spec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply deployment %s: %w", spec.Name, err)
	}
	p.Log.V(1).Info("deployment applied", "name", spec.Name, "operation", op)
	return nil
}

func mutateContainer(c *corev1.Container, spec *synth.DesiredWorkloadSpec) {
	c.Image = spec.Image
	c.Command = slices.Clone(spec.Command)
	c.Args = slices.Clone(spec.Args)

	c.Ports = nil
	for _, port := range spec.Ports {
		c.Ports = append(c.Ports, corev1.ContainerPort{
			Name:          port.Name,
			ContainerPort: port.ContainerPort,
			Protocol:      corev1.ProtocolTCP,
		})
	}

	c.Env = nil
	for _, key := range slices.Sorted(maps.Keys(spec.Env)) {
		c.Env = append(c.Env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	c.EnvFrom = nil
	for _, name := range spec.EnvFrom {
		c.EnvFrom = append(c.EnvFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
		})
	}

	if len(spec.Ports) > 0 {
		c.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path:   "/health",
					Port:   intstr.FromInt32(spec.Ports[0].ContainerPort),
					Scheme: corev1.URISchemeHTTP,
				},
			},
			InitialDelaySeconds: 5,
			TimeoutSeconds:      5,
			PeriodSeconds:       10,
			SuccessThreshold:    1,
			FailureThreshold:    3,
		}
	}
}

func (p *KubePlatform) applyService(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	svc := &corev1.Service{ObjectMeta: p.meta(spec.Name, spec)}
	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, svc, func() error {
		mergeLabels(svc, p.labels(spec))
		svc.Spec.Type = corev1.ServiceType(spec.Service.Type)
		svc.Spec.Selector = p.selector(spec)
		svc.Spec.Ports = []corev1.ServicePort{{
			Name:       "http",
			Protocol:   corev1.ProtocolTCP,
			Port:       spec.Service.Port,
			TargetPort: intstr.FromInt32(spec.Service.Port),
			NodePort:   spec.Service.NodePort,
		}}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply service %s: %w", spec.Name, err)
	}
	p.Log.V(1).Info("service applied", "name", spec.Name, "operation", op)
	return nil
}

func (p *KubePlatform) applyIngress(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	ing := &networkingv1.Ingress{ObjectMeta: p.meta(spec.Name, spec)}
	if spec.Ingress == nil {
		return p.deleteIfExists(ctx, ing)
	}

	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, ing, func() error {
		mergeLabels(ing, p.labels(spec))
		if ing.Annotations == nil {
			ing.Annotations = map[string]string{}
		}
		if spec.Ingress.Rewrite != "" {
			ing.Annotations[AnnotationRewriteTarget] = spec.Ingress.Rewrite
		} else {
			delete(ing.Annotations, AnnotationRewriteTarget)
		}
		ing.Spec.Rules = []networkingv1.IngressRule{{
			Host: spec.Ingress.Host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     spec.Ingress.Prefix,
						PathType: ptr.To(networkingv1.PathTypePrefix),
						Backend: networkingv1.IngressBackend{
							Service: &networkingv1.IngressServiceBackend{
								Name: spec.Name,
								Port: networkingv1.ServiceBackendPort{Number: spec.Ingress.ServicePort},
							},
						},
					}},
				},
			},
		}}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply ingress %s: %w", spec.Name, err)
	}
	p.Log.V(1).Info("ingress applied", "name", spec.Name, "operation", op)
	return nil
}

func (p *KubePlatform) applyDashboardLinks(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	cm := &corev1.ConfigMap{ObjectMeta: p.meta(DashboardConfigMapName(spec.Name), spec)}
	if len(spec.DashboardLinks) == 0 {
		return p.deleteIfExists(ctx, cm)
	}

	data, err := json.Marshal(spec.DashboardLinks)
	if err != nil {
		return fmt.Errorf("failed to encode dashboard links: %w", err)
	}
	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, cm, func() error {
		mergeLabels(cm, p.labels(spec))
		cm.Data = map[string]string{DashboardLinksKey: string(data)}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply configmap %s: %w", cm.Name, err)
	}
	p.Log.V(1).Info("dashboard links applied", "name", cm.Name, "operation", op)
	return nil
}

func (p *KubePlatform) applyPodDefaults(ctx context.Context, spec *synth.DesiredWorkloadSpec) error {
	cm := &corev1.ConfigMap{ObjectMeta: p.meta(PodDefaultsConfigMapName(spec.Name), spec)}
	if len(spec.PodDefaults) == 0 {
		return p.deleteIfExists(ctx, cm)
	}

	data, err := json.Marshal(map[string]podDefaultsEntry{PodDefaultsGroup: {Env: spec.PodDefaults}})
	if err != nil {
		return fmt.Errorf("failed to encode pod defaults: %w", err)
	}
	op, err := controllerutil.CreateOrUpdate(ctx, p.Client, cm, func() error {
		mergeLabels(cm, p.labels(spec))
		cm.Labels[LabelPodDefaults] = PodDefaultsGroup
		cm.Data = map[string]string{PodDefaultsKey: string(data)}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply configmap %s: %w", cm.Name, err)
	}
	p.Log.V(1).Info("pod defaults applied", "name", cm.Name, "operation", op)
	return nil
}

func (p *KubePlatform) deleteIfExists(ctx context.Context, obj client.Object) error {
	if err := p.Client.Delete(ctx, obj); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete %s: %w", obj.GetName(), err)
	}
	return nil
}
