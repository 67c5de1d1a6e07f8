// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading and validation for the
// mlflow-operator. Values are read from an optional YAML file, completed with
// struct defaults and finally overridden from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment overrides, e.g. MLFLOW_OPERATOR_LOG_LEVEL.
const EnvPrefix = "MLFLOW_OPERATOR"

// Config is the complete operator configuration.
type Config struct {
	// ServiceName is the name of the service for observability.
	ServiceName string `yaml:"serviceName" default:"mlflow-operator"`
	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"serviceVersion" default:"dev"`

	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Admin      ServerConfig     `yaml:"admin"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Workload   WorkloadConfig   `yaml:"workload"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" default:"info"`
	// Format is the log format (json, console).
	Format string `yaml:"format" default:"json"`
	// Development enables development mode.
	Development bool `yaml:"development"`
}

// TelemetryConfig contains OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	// Enabled enables trace export.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint" default:"localhost:4317"`
	// Insecure disables TLS for the telemetry connection.
	Insecure bool `yaml:"insecure" default:"true"`
	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `yaml:"sampleRate" default:"1.0"`
}

// ServerConfig configures the admin action server.
type ServerConfig struct {
	// Enabled starts the admin server.
	Enabled bool `yaml:"enabled" default:"true"`
	// Host is the server bind address.
	Host string `yaml:"host" default:"127.0.0.1"`
	// Port is the server port.
	Port int `yaml:"port" default:"8090"`
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"readTimeout" default:"30s"`
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"writeTimeout" default:"2m"`
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`
}

// MetricsConfig configures the Prometheus endpoint served by the manager.
type MetricsConfig struct {
	// BindAddress is the metrics listen address, "0" disables it.
	BindAddress string `yaml:"bindAddress" default:":8080"`
	// HealthProbeBindAddress is the health probe listen address.
	HealthProbeBindAddress string `yaml:"healthProbeBindAddress" default:":8081"`
}

// KubernetesConfig contains Kubernetes client configuration.
type KubernetesConfig struct {
	// KubeConfig is the path to a kubeconfig file, empty means in-cluster or default loading rules.
	KubeConfig string `yaml:"kubeConfig"`
	// Namespace is the namespace the workload and its bindings live in.
	Namespace string `yaml:"namespace" default:"default"`
	// LeaderElection enables leader election for the manager.
	LeaderElection bool `yaml:"leaderElection"`
}

// WorkloadConfig holds the static options of the tracking server.
type WorkloadConfig struct {
	// Name is the application name used for all managed objects.
	Name string `yaml:"name" default:"mlflow-server"`
	// Image is the tracking server container image.
	Image string `yaml:"image" default:"docker.io/charmedkubeflow/mlflow:2.15.1"`
	// Replicas is the number of tracking server pods.
	Replicas int `yaml:"replicas" default:"1"`
	// Port is the port the tracking server listens on.
	Port int `yaml:"port" default:"5000"`
	// EnableNodePort exposes the tracking server via a NodePort service.
	EnableNodePort bool `yaml:"enableNodePort"`
	// NodePort is the node port used when EnableNodePort is set.
	NodePort int `yaml:"nodePort" default:"31380"`
	// DefaultArtifactRoot is the bucket used as default artifact store.
	DefaultArtifactRoot string `yaml:"defaultArtifactRoot" default:"mlflow"`
	// CreateArtifactRootIfMissing creates the default bucket when it does not exist.
	CreateArtifactRootIfMissing bool `yaml:"createArtifactRootIfMissing" default:"true"`
	// Region is the default AWS region handed to the tracking server.
	Region string `yaml:"region" default:"us-east-1"`
	// MetricsPath is the path the tracking server exposes Prometheus metrics on.
	MetricsPath string `yaml:"metricsPath" default:"/metrics"`
	// IngressPrefix is the default route prefix when an ingress binding omits it.
	IngressPrefix string `yaml:"ingressPrefix" default:"/mlflow/"`
	// ExtraEnv is added to the container environment, binding values take precedence.
	ExtraEnv map[string]string `yaml:"extraEnv"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	// ResyncInterval triggers a periodic pass, 0 disables it.
	ResyncInterval time.Duration `yaml:"resyncInterval" default:"5m"`
	// MaxRetries is the attempt ceiling for transient platform errors.
	MaxRetries int `yaml:"maxRetries" default:"5"`
	// RetryInitialInterval is the first backoff interval.
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval" default:"500ms"`
	// RetryMaxInterval caps the backoff interval.
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval" default:"10s"`
	// AttemptTimeout bounds a single platform call.
	AttemptTimeout time.Duration `yaml:"attemptTimeout" default:"30s"`
	// ReadinessTimeout bounds the wait for the workload to report ready.
	ReadinessTimeout time.Duration `yaml:"readinessTimeout" default:"2m"`
	// ReadinessPollInterval is the readiness polling period.
	ReadinessPollInterval time.Duration `yaml:"readinessPollInterval" default:"2s"`
	// BucketRecheckInterval is how long a missing bucket is remembered.
	BucketRecheckInterval time.Duration `yaml:"bucketRecheckInterval" default:"60s"`
	// RequestInterval rate limits explicitly requested passes.
	RequestInterval time.Duration `yaml:"requestInterval" default:"1s"`
	// RequestBurst is the burst of explicitly requested passes.
	RequestBurst int `yaml:"requestBurst" default:"3"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.MustSet(cfg)
	return cfg
}

// LoadConfig loads configuration from a file and applies environment overrides.
// An empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		cfg, err = ParseConfig(data)
		if err != nil {
			return nil, err
		}
	}

	ApplyEnv(cfg, NewEnvLoader(EnvPrefix))
	return cfg, nil
}

// ParseConfig parses configuration from YAML data on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with values found by the loader.
func ApplyEnv(cfg *Config, loader *EnvLoader) {
	cfg.ServiceName = loader.GetString("SERVICE_NAME", cfg.ServiceName)
	cfg.ServiceVersion = loader.GetString("SERVICE_VERSION", cfg.ServiceVersion)

	cfg.Logging.Level = loader.GetString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = loader.GetString("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Development = loader.GetBool("LOG_DEVELOPMENT", cfg.Logging.Development)

	cfg.Telemetry.Enabled = loader.GetBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = loader.GetString("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = loader.GetBool("TELEMETRY_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.SampleRate = loader.GetFloat("TELEMETRY_SAMPLE_RATE", cfg.Telemetry.SampleRate)

	cfg.Admin.Enabled = loader.GetBool("ADMIN_ENABLED", cfg.Admin.Enabled)
	cfg.Admin.Host = loader.GetString("ADMIN_HOST", cfg.Admin.Host)
	cfg.Admin.Port = loader.GetInt("ADMIN_PORT", cfg.Admin.Port)

	cfg.Metrics.BindAddress = loader.GetString("METRICS_BIND_ADDRESS", cfg.Metrics.BindAddress)

	cfg.Kubernetes.KubeConfig = loader.GetString("KUBECONFIG", cfg.Kubernetes.KubeConfig)
	cfg.Kubernetes.Namespace = loader.GetString("NAMESPACE", cfg.Kubernetes.Namespace)

	cfg.Workload.Name = loader.GetString("WORKLOAD_NAME", cfg.Workload.Name)
	cfg.Workload.Image = loader.GetString("WORKLOAD_IMAGE", cfg.Workload.Image)
	cfg.Workload.Port = loader.GetInt("WORKLOAD_PORT", cfg.Workload.Port)
	cfg.Workload.EnableNodePort = loader.GetBool("WORKLOAD_ENABLE_NODE_PORT", cfg.Workload.EnableNodePort)
	cfg.Workload.NodePort = loader.GetInt("WORKLOAD_NODE_PORT", cfg.Workload.NodePort)
	cfg.Workload.DefaultArtifactRoot = loader.GetString("DEFAULT_ARTIFACT_ROOT", cfg.Workload.DefaultArtifactRoot)
	cfg.Workload.CreateArtifactRootIfMissing = loader.GetBool("CREATE_ARTIFACT_ROOT_IF_MISSING", cfg.Workload.CreateArtifactRootIfMissing)

	cfg.Reconcile.ResyncInterval = loader.GetDuration("RESYNC_INTERVAL", cfg.Reconcile.ResyncInterval)
	cfg.Reconcile.MaxRetries = loader.GetInt("MAX_RETRIES", cfg.Reconcile.MaxRetries)
	cfg.Reconcile.BucketRecheckInterval = loader.GetDuration("BUCKET_RECHECK_INTERVAL", cfg.Reconcile.BucketRecheckInterval)
}

// EnvLoader loads configuration values from environment variables.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a new EnvLoader with the given prefix.
// Environment variables will be looked up as PREFIX_KEY (e.g., MLFLOW_OPERATOR_LOG_LEVEL).
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: strings.ToUpper(prefix), lookup: os.LookupEnv}
}

// GetString returns the string value for the given key, or the default if not set.
func (l *EnvLoader) GetString(key, defaultValue string) string {
	if value, ok := l.lookup(l.envKey(key)); ok && value != "" {
		return value
	}
	return defaultValue
}

// GetInt returns the int value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetInt(key string, defaultValue int) int {
	if value, ok := l.lookup(l.envKey(key)); ok && value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetBool returns the bool value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if value, ok := l.lookup(l.envKey(key)); ok && value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// GetFloat returns the float64 value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetFloat(key string, defaultValue float64) float64 {
	if value, ok := l.lookup(l.envKey(key)); ok && value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GetDuration returns the duration value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := l.lookup(l.envKey(key)); ok && value != "" {
		if durVal, err := time.ParseDuration(value); err == nil {
			return durVal
		}
	}
	return defaultValue
}

func (l *EnvLoader) envKey(key string) string {
	key = strings.ToUpper(key)
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if l.prefix != "" {
		return l.prefix + "_" + key
	}
	return key
}
