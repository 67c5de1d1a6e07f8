// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Port bounds of TCP transport.
const (
	MinPort = 1
	MaxPort = 65535
)

var (
	bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	ipAddressRe  = regexp.MustCompile(`^(\d+\.)+\d+$`)
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator provides configuration validation.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Required validates that a string field is not empty.
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
	return v
}

// InRange validates that an integer is within the specified range.
func (v *Validator) InRange(field string, value, min, max int) *Validator {
	if value < min || value > max {
		v.add(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return v
}

// Port validates that value is a usable TCP port.
func (v *Validator) Port(field string, value int) *Validator {
	return v.InRange(field, value, MinPort, MaxPort)
}

// Positive validates that an integer is positive.
func (v *Validator) Positive(field string, value int) *Validator {
	if value <= 0 {
		v.add(field, "must be positive")
	}
	return v
}

// PositiveDuration validates that a duration is greater than zero.
func (v *Validator) PositiveDuration(field string, value time.Duration) *Validator {
	if value <= 0 {
		v.add(field, "must be a positive duration")
	}
	return v
}

// FloatInRange validates that a float is within the specified range.
func (v *Validator) FloatInRange(field string, value, min, max float64) *Validator {
	if value < min || value > max {
		v.add(field, fmt.Sprintf("must be between %f and %f", min, max))
	}
	return v
}

// OneOf validates that a string is one of the allowed values.
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
	return v
}

// BucketName validates that value is a valid S3 bucket name.
func (v *Validator) BucketName(field, value string) *Validator {
	if !IsValidBucketName(value) {
		v.add(field, fmt.Sprintf("%q must be a valid S3 bucket name", value))
	}
	return v
}

// FileExists validates that a file exists at the given path.
func (v *Validator) FileExists(field, path string) *Validator {
	if path == "" {
		return v
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		v.add(field, fmt.Sprintf("file does not exist: %s", path))
	}
	return v
}

// Custom runs a custom validation function.
func (v *Validator) Custom(field string, validate func() error) *Validator {
	if err := validate(); err != nil {
		v.add(field, err.Error())
	}
	return v
}

// Errors returns all validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Validate returns an error if there are any validation errors, nil otherwise.
func (v *Validator) Validate() error {
	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// IsValidBucketName reports whether name follows the S3 bucket naming rules:
// 3 to 63 characters of lowercase letters, digits, dots and hyphens, starting
// and ending with a letter or digit, with no empty labels, not formatted as an IP address.
func IsValidBucketName(name string) bool {
	if !bucketNameRe.MatchString(name) || ipAddressRe.MatchString(name) {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}

// Validate validates the operator process configuration. Workload options are
// deliberately not checked here: they are validated on every reconciliation
// pass and reported through the workload status instead of failing startup.
func (c *Config) Validate() error {
	v := NewValidator()

	v.Required("serviceName", c.ServiceName)
	v.OneOf("logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"})
	v.OneOf("logging.format", c.Logging.Format, []string{"json", "console"})

	if c.Telemetry.Enabled {
		v.Required("telemetry.endpoint", c.Telemetry.Endpoint)
		v.FloatInRange("telemetry.sampleRate", c.Telemetry.SampleRate, 0.0, 1.0)
	}

	if c.Admin.Enabled {
		v.Port("admin.port", c.Admin.Port)
		v.PositiveDuration("admin.readTimeout", c.Admin.ReadTimeout)
		v.PositiveDuration("admin.writeTimeout", c.Admin.WriteTimeout)
	}

	v.FileExists("kubernetes.kubeConfig", c.Kubernetes.KubeConfig)
	v.Required("kubernetes.namespace", c.Kubernetes.Namespace)

	v.Required("workload.name", c.Workload.Name)
	v.Required("workload.image", c.Workload.Image)
	v.Positive("workload.replicas", c.Workload.Replicas)

	v.InRange("reconcile.maxRetries", c.Reconcile.MaxRetries, 0, 100)
	v.PositiveDuration("reconcile.retryInitialInterval", c.Reconcile.RetryInitialInterval)
	v.PositiveDuration("reconcile.retryMaxInterval", c.Reconcile.RetryMaxInterval)
	v.PositiveDuration("reconcile.attemptTimeout", c.Reconcile.AttemptTimeout)
	v.PositiveDuration("reconcile.readinessTimeout", c.Reconcile.ReadinessTimeout)
	v.PositiveDuration("reconcile.readinessPollInterval", c.Reconcile.ReadinessPollInterval)
	v.PositiveDuration("reconcile.requestInterval", c.Reconcile.RequestInterval)
	v.Positive("reconcile.requestBurst", c.Reconcile.RequestBurst)

	return v.Validate()
}
