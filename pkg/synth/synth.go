// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package synth maps the bindings of the tracking server and its static
// options to a desired workload specification. Synthesis is a pure function of
// its inputs; it never talks to the platform.
package synth

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
	"go.opendefense.cloud/mlflow-operator/pkg/relation"
)

// Dashboard link locations accepted from the dashboard-links binding.
var dashboardLocations = []string{"sidebar", "sidebar_external", "quick", "documentation"}

// Synthesizer produces desired workload specs for one tracking server.
type Synthesizer struct {
	cfg       config.WorkloadConfig
	namespace string
}

// New returns a Synthesizer for the workload configured by cfg, running in namespace.
func New(cfg config.WorkloadConfig, namespace string) *Synthesizer {
	return &Synthesizer{cfg: cfg, namespace: namespace}
}

// Synthesize computes the desired workload spec from a binding snapshot. It
// returns an UnmetRequirement instead of a spec if a required binding is
// incomplete or a configuration decision prevents convergence.
func (s *Synthesizer) Synthesize(snap relation.Snapshot, obs Observations) Result {
	var res Result

	if unmet := checkRequired(snap); unmet != nil {
		res.Unmet = unmet
		return res
	}
	if unmet := s.checkPolicy(); unmet != nil {
		res.Unmet = unmet
		return res
	}

	dbBinding, _ := snap.Get(relation.Database)
	osBinding, _ := snap.Get(relation.ObjectStorage)
	db := databaseFrom(dbBinding)
	store := objectStorageFrom(osBinding)

	bucket := EnsureBucket{
		Bucket:          s.cfg.DefaultArtifactRoot,
		Create:          s.cfg.CreateArtifactRootIfMissing,
		Endpoint:        store.endpoint(),
		Region:          store.regionOr(s.cfg.Region),
		AccessKeyID:     store.accessKey,
		SecretAccessKey: store.secretKey,
	}
	if !bucket.Create && obs.AbsentBuckets[bucket.Ref()] {
		res.Unmet = &UnmetRequirement{
			Kind: UnmetPolicy,
			Message: fmt.Sprintf("bucket %q does not exist at %s and createArtifactRootIfMissing is disabled: "+
				"create the bucket or enable createArtifactRootIfMissing", bucket.Bucket, bucket.Endpoint),
		}
		return res
	}

	name := s.cfg.Name
	spec := &DesiredWorkloadSpec{
		Name:     name,
		Image:    s.cfg.Image,
		Replicas: int32(s.cfg.Replicas),
		Command:  []string{"mlflow", "server"},
		Args: []string{
			"--host", "0.0.0.0",
			"--port", strconv.Itoa(s.cfg.Port),
			"--backend-store-uri", "$(MLFLOW_TRACKING_URI)",
			"--default-artifact-root", fmt.Sprintf("s3://%s/", s.cfg.DefaultArtifactRoot),
			"--expose-prometheus", s.cfg.MetricsPath,
		},
		Ports:     []Port{{Name: "http", ContainerPort: int32(s.cfg.Port)}},
		Service:   s.service(),
		Preflight: []EnsureBucket{bucket},
	}

	// Keys of the db and minio secrets share one namespace with the container
	// env, so every source goes through the same merge and each key ends up in
	// exactly one place.
	dbEnv := map[string]string{
		"MLFLOW_TRACKING_URI": db.dsn(),
		"DB_PASSWORD":         db.password,
	}
	storeEnv := map[string]string{
		"AWS_ENDPOINT_URL":      store.endpoint(),
		"AWS_ACCESS_KEY_ID":     store.accessKey,
		"AWS_SECRET_ACCESS_KEY": store.secretKey,
		"USE_SSL":               strconv.FormatBool(store.secure),
	}

	env := newMerger("env.")
	env.static("AWS_DEFAULT_REGION", s.cfg.Region)
	for _, key := range sortedKeys(s.cfg.ExtraEnv) {
		env.static(key, s.cfg.ExtraEnv[key])
	}
	for _, key := range sortedKeys(dbEnv) {
		env.bind(key, dbEnv[key], dbBinding)
	}
	for _, key := range sortedKeys(storeEnv) {
		env.bind(key, storeEnv[key], osBinding)
	}
	env.bind("MLFLOW_S3_ENDPOINT_URL", store.endpoint(), osBinding)
	if store.region != "" {
		env.bind("AWS_DEFAULT_REGION", store.region, osBinding)
	}
	for _, b := range s.optional(snap, relation.KindSecrets, &res) {
		for _, key := range sortedKeys(b.Payload) {
			env.bind(key, b.Payload[key], b)
		}
	}

	spec.Secrets = []Secret{
		{Name: DBSecretName(name), Data: env.take(sortedKeys(dbEnv))},
		{Name: ObjectStorageSecretName(name), Data: env.take(sortedKeys(storeEnv))},
		{Name: SeldonSecretName(name), Data: map[string]string{
			"RCLONE_CONFIG_S3_TYPE":              "s3",
			"RCLONE_CONFIG_S3_PROVIDER":          "minio",
			"RCLONE_CONFIG_S3_ACCESS_KEY_ID":     store.accessKey,
			"RCLONE_CONFIG_S3_SECRET_ACCESS_KEY": store.secretKey,
			"RCLONE_CONFIG_S3_ENDPOINT":          store.endpoint(),
			"RCLONE_CONFIG_S3_ENV_AUTH":          "false",
		}},
	}
	spec.EnvFrom = []string{DBSecretName(name), ObjectStorageSecretName(name)}

	secretEnv, plainEnv := env.split(relation.KindSecrets)
	spec.Env = plainEnv
	if len(secretEnv) > 0 {
		spec.Secrets = append(spec.Secrets, Secret{Name: SecretsBindingSecretName(name), Data: secretEnv})
		spec.EnvFrom = append(spec.EnvFrom, SecretsBindingSecretName(name))
	}

	ingress := newMerger("ingress.")
	ingress.static("prefix", s.cfg.IngressPrefix)
	ingressBindings := s.optional(snap, relation.KindIngress, &res)
	for _, b := range ingressBindings {
		for _, key := range []string{"prefix", "host", "rewrite"} {
			if v := b.Payload[key]; v != "" {
				ingress.bind(key, v, b)
			}
		}
	}
	if len(ingressBindings) > 0 {
		spec.Ingress = &Ingress{
			Host:        ingress.get("host"),
			Prefix:      ingress.get("prefix"),
			Rewrite:     ingress.get("rewrite"),
			ServicePort: int32(s.cfg.Port),
		}
	}

	metrics := newMerger("metrics.")
	metricsBindings := s.optional(snap, relation.KindMetrics, &res)
	for _, b := range metricsBindings {
		for _, key := range []string{"scrape-interval", "scrape-timeout"} {
			if v := b.Payload[key]; v != "" {
				metrics.bind(key, v, b)
			}
		}
	}
	if len(metricsBindings) > 0 {
		spec.PodAnnotations = map[string]string{
			"prometheus.io/scrape": "true",
			"prometheus.io/port":   strconv.Itoa(s.cfg.Port),
			"prometheus.io/path":   s.cfg.MetricsPath,
		}
		for key, value := range metrics.values {
			spec.PodAnnotations["prometheus.io/"+key] = value
		}
	}

	for _, b := range s.optional(snap, relation.KindDashboard, &res) {
		link := DashboardLink{
			Text:     "MLflow",
			Link:     s.cfg.IngressPrefix,
			Type:     "item",
			Icon:     "check",
			Location: "sidebar",
		}
		if v := b.Payload["text"]; v != "" {
			link.Text = v
		}
		if v := b.Payload["icon"]; v != "" {
			link.Icon = v
		}
		if v := b.Payload["location"]; v != "" {
			if !slices.Contains(dashboardLocations, v) {
				res.Notes = append(res.Notes, fmt.Sprintf("ignoring %s: location %q is not one of %v", b.Name, v, dashboardLocations))
				continue
			}
			link.Location = v
		}
		spec.DashboardLinks = append(spec.DashboardLinks, link)
	}

	spec.PodDefaults = map[string]string{
		"MLFLOW_S3_ENDPOINT_URL": store.endpoint(),
		"MLFLOW_TRACKING_URI":    s.trackingURI(),
	}

	res.Conflicts = slices.Concat(env.conflicts, ingress.conflicts, metrics.conflicts)
	res.Spec = spec
	return res
}

// checkRequired returns the first unmet requirement of the required bindings,
// declared bindings first in declaration order.
func checkRequired(snap relation.Snapshot) *UnmetRequirement {
	seen := map[string]bool{}
	var required []relation.Binding

	for _, d := range relation.Declarations {
		if !d.Required {
			continue
		}
		seen[d.Name] = true
		b, ok := snap.Get(d.Name)
		if !ok {
			b = relation.Binding{Name: d.Name, Kind: d.Kind, Required: true, SchemaVersion: relation.DefaultSchemaVersion}
		}
		if b.Required {
			required = append(required, b)
		}
	}
	for _, name := range snap.Names() {
		if b, _ := snap.Get(name); b.Required && !seen[name] {
			required = append(required, b)
		}
	}

	for _, b := range required {
		if unmet := validate(b); unmet != nil {
			return unmet
		}
	}
	return nil
}

// checkPolicy validates the static options that end up in the spec.
func (s *Synthesizer) checkPolicy() *UnmetRequirement {
	v := config.NewValidator()
	v.Port("workload.port", s.cfg.Port)
	if s.cfg.EnableNodePort {
		v.Port("workload.nodePort", s.cfg.NodePort)
	}
	v.BucketName("workload.defaultArtifactRoot", s.cfg.DefaultArtifactRoot)

	if err := v.Validate(); err != nil {
		return &UnmetRequirement{Kind: UnmetPolicy, Message: "invalid configuration: " + err.Error()}
	}
	return nil
}

// optional returns the present, well-formed optional bindings of a kind.
// Malformed ones are left out and noted in res.
func (s *Synthesizer) optional(snap relation.Snapshot, kind string, res *Result) []relation.Binding {
	var out []relation.Binding
	for _, b := range snap.OfKind(kind) {
		if !b.Present() {
			continue
		}
		if unmet := validate(b); unmet != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("ignoring %s: %s", b.Name, unmet.Reason()))
			continue
		}
		out = append(out, b)
	}
	return out
}

// trackingURI is the in-cluster address of the tracking server.
func (s *Synthesizer) trackingURI() string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", s.cfg.Name, s.namespace, s.cfg.Port)
}

func (s *Synthesizer) service() Service {
	svc := Service{Type: ServiceTypeClusterIP, Port: int32(s.cfg.Port)}
	if s.cfg.EnableNodePort {
		svc.Type = ServiceTypeNodePort
		svc.NodePort = int32(s.cfg.NodePort)
	}
	return svc
}

// DBSecretName is the secret holding the backend store URI.
func DBSecretName(app string) string {
	return app + "-db-secret"
}

// ObjectStorageSecretName is the secret holding the artifact store credentials.
func ObjectStorageSecretName(app string) string {
	return app + "-minio-secret"
}

// SeldonSecretName is the rclone secret consumed by model serving init containers.
func SeldonSecretName(app string) string {
	return app + "-seldon-init-container-s3-credentials"
}

// SecretsBindingSecretName is the secret holding values of the secrets binding.
func SecretsBindingSecretName(app string) string {
	return app + "-secrets"
}

type database struct {
	host, port, name, user, password string
}

func databaseFrom(b relation.Binding) database {
	p := b.Payload
	db := database{host: p["host"], port: p["port"], name: p["database"]}
	if b.SchemaVersion == "v0" {
		db.user = "root"
		db.password = p["root_password"]
	} else {
		db.user = p["username"]
		db.password = p["password"]
	}
	return db
}

func (d database) dsn() string {
	u := url.URL{
		Scheme: "mysql+pymysql",
		User:   url.UserPassword(d.user, d.password),
		Host:   net.JoinHostPort(d.host, d.port),
		Path:   "/" + d.name,
	}
	return u.String()
}

type objectStorage struct {
	accessKey, secretKey string
	service, namespace   string
	port                 string
	secure               bool
	region               string
}

func objectStorageFrom(b relation.Binding) objectStorage {
	p := b.Payload
	secure, _ := strconv.ParseBool(p["secure"])
	return objectStorage{
		accessKey: p["access-key"],
		secretKey: p["secret-key"],
		service:   p["service"],
		namespace: p["namespace"],
		port:      p["port"],
		secure:    secure,
		region:    p["region"],
	}
}

func (o objectStorage) endpoint() string {
	scheme := "http"
	if o.secure {
		scheme = "https"
	}
	host := o.service
	if o.namespace != "" {
		host += "." + o.namespace
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, o.port))
}

func (o objectStorage) regionOr(fallback string) string {
	if o.region != "" {
		return o.region
	}
	return fallback
}
