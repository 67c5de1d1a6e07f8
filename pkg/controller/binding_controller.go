// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"go.opendefense.cloud/mlflow-operator/pkg/dispatcher"
	"go.opendefense.cloud/mlflow-operator/pkg/relation"
)

const (
	// LabelBinding marks a Secret as the payload of the named binding.
	LabelBinding = "mlflow.opendefense.cloud/binding"
	// AnnotationSchemaVersion selects the payload schema, v1 if unset.
	AnnotationSchemaVersion = "mlflow.opendefense.cloud/schema-version"
	// annotationBoundAs remembers the binding a Secret was stored under,
	// so the entry can be cleared after the label was removed or changed.
	annotationBoundAs = "mlflow.opendefense.cloud/bound-as"

	bindingFinalizer = "mlflow.opendefense.cloud/binding-finalizer"
)

// EventDispatcher schedules reconciliation passes.
type EventDispatcher interface {
	Dispatch(ev dispatcher.Event) bool
}

// BindingReconciler feeds labelled Secrets into the relation store.
type BindingReconciler struct {
	client.Client
	Scheme     *runtime.Scheme
	Recorder   record.EventRecorder
	Store      *relation.Store
	Dispatcher EventDispatcher
	// Namespace restricts bindings to the operator namespace if set.
	Namespace string
}

//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;update;patch
//+kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

// Reconcile mirrors one binding Secret into the relation store.
func (r *BindingReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)
	ctrlResult := ctrl.Result{}

	res := &corev1.Secret{}
	if err := r.Get(ctx, req.NamespacedName, res); err != nil {
		if apierrors.IsNotFound(err) {
			// Bound Secrets carry a finalizer, so their removal was handled already.
			return ctrlResult, nil
		}
		return ctrlResult, errLogAndWrap(log, err, "failed to get object")
	}

	name := res.Labels[LabelBinding]
	boundAs := res.Annotations[annotationBoundAs]

	// Handle deletion and unlabelling: clear the binding, then remove the finalizer
	if !res.DeletionTimestamp.IsZero() || name == "" {
		if boundAs != "" {
			r.clear(ctx, res, boundAs)
		}
		if slices.Contains(res.Finalizers, bindingFinalizer) {
			log.V(1).Info("removing finalizer from binding secret")
			res.Finalizers = slices.DeleteFunc(res.Finalizers, func(f string) bool {
				return f == bindingFinalizer
			})
			delete(res.Annotations, annotationBoundAs)
			if err := r.Update(ctx, res); err != nil {
				return ctrlResult, errLogAndWrap(log, err, "failed to remove finalizer")
			}
		}
		return ctrlResult, nil
	}

	if !relation.IsDeclared(name) {
		log.Info("secret names an undeclared binding, storing it as optional", "binding", name)
	}

	// The label moved to another binding: release the old one first
	if boundAs != "" && boundAs != name {
		r.clear(ctx, res, boundAs)
	}

	if !slices.Contains(res.Finalizers, bindingFinalizer) || boundAs != name {
		log.V(1).Info("adding finalizer to binding secret", "binding", name)
		if !slices.Contains(res.Finalizers, bindingFinalizer) {
			res.Finalizers = append(res.Finalizers, bindingFinalizer)
		}
		if res.Annotations == nil {
			res.Annotations = map[string]string{}
		}
		res.Annotations[annotationBoundAs] = name
		if err := r.Update(ctx, res); err != nil {
			return ctrlResult, errLogAndWrap(log, err, "failed to add finalizer")
		}
		// Return without requeue; the Update event will trigger reconciliation again
		return ctrlResult, nil
	}

	version, changed := r.store(res, name)
	if !changed {
		log.V(1).Info("binding unchanged", "binding", name)
		return ctrlResult, nil
	}

	r.Dispatcher.Dispatch(dispatcher.Event{Kind: dispatcher.BindingChanged, Binding: name})
	r.Recorder.Eventf(res, corev1.EventTypeNormal, "BindingUpdated", "Binding %s updated (schema %s)", name, version)
	log.Info("binding updated", "binding", name, "schemaVersion", version)

	return ctrlResult, nil
}

// store writes the payload of res into the store under name. It reports
// whether the stored binding changed.
func (r *BindingReconciler) store(res *corev1.Secret, name string) (string, bool) {
	version := res.Annotations[AnnotationSchemaVersion]
	if version == "" {
		version = relation.DefaultSchemaVersion
	}
	payload := make(map[string]string, len(res.Data))
	for k, v := range res.Data {
		payload[k] = string(v)
	}

	if current, ok := r.Store.Get(name); ok && current.SchemaVersion == version && maps.Equal(current.Payload, payload) {
		return version, false
	}
	r.Store.SetVersioned(name, version, payload)
	return version, true
}

// Prime loads every labelled binding Secret into the store without
// dispatching. Finalizers are left to Reconcile.
func (r *BindingReconciler) Prime(ctx context.Context) error {
	list := &corev1.SecretList{}
	opts := []client.ListOption{client.HasLabels{LabelBinding}}
	if r.Namespace != "" {
		opts = append(opts, client.InNamespace(r.Namespace))
	}
	if err := r.List(ctx, list, opts...); err != nil {
		return fmt.Errorf("listing binding secrets: %w", err)
	}

	primed := 0
	for i := range list.Items {
		res := &list.Items[i]
		name := res.Labels[LabelBinding]
		if name == "" || !res.DeletionTimestamp.IsZero() {
			continue
		}
		if _, changed := r.store(res, name); changed {
			primed++
		}
	}
	ctrl.LoggerFrom(ctx).Info("primed binding store", "bindings", primed)
	return nil
}

// StartupRunnable returns a runnable that dispatches the Startup pass once
// waitForSync reports a synced cache and the store is primed from it. Run
// by the manager, it starts on the leader only.
func (r *BindingReconciler) StartupRunnable(waitForSync func(context.Context) bool) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		if !waitForSync(ctx) {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("binding cache did not sync")
		}
		if err := r.Prime(ctx); err != nil {
			return err
		}
		r.Dispatcher.Dispatch(dispatcher.Event{Kind: dispatcher.Startup})
		return nil
	})
}

func (r *BindingReconciler) clear(ctx context.Context, res *corev1.Secret, name string) {
	if _, ok := r.Store.Get(name); !ok {
		return
	}
	r.Store.Clear(name)
	r.Dispatcher.Dispatch(dispatcher.Event{Kind: dispatcher.BindingRemoved, Binding: name})
	r.Recorder.Eventf(res, corev1.EventTypeNormal, "BindingRemoved", "Binding %s removed", name)
	ctrl.LoggerFrom(ctx).Info("binding removed", "binding", name)
}

func (r *BindingReconciler) isBindingSecret(obj client.Object) bool {
	if r.Namespace != "" && obj.GetNamespace() != r.Namespace {
		return false
	}
	if _, ok := obj.GetLabels()[LabelBinding]; ok {
		return true
	}
	return slices.Contains(obj.GetFinalizers(), bindingFinalizer)
}

// SetupWithManager sets up the controller with the Manager.
func (r *BindingReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("binding").
		For(&corev1.Secret{}, builder.WithPredicates(predicate.NewPredicateFuncs(r.isBindingSecret))).
		Complete(r)
}
