// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package workload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

// ErrBucketMissing is returned by a BucketClient when a bucket does not exist
// and creating it was not requested. It is neither retried nor treated as a
// platform failure: the caller records the observation instead.
var ErrBucketMissing = errors.New("bucket does not exist")

// BucketMissingError names the bucket that was found absent.
type BucketMissingError struct {
	Ref synth.BucketRef
}

func (e *BucketMissingError) Error() string {
	return fmt.Sprintf("%v: %q at %s", ErrBucketMissing, e.Ref.Bucket, e.Ref.Endpoint)
}

func (e *BucketMissingError) Is(target error) bool {
	return target == ErrBucketMissing
}

// ApplyFailure is the typed outcome of an apply that did not converge.
type ApplyFailure struct {
	// Transient failures are expected to clear on a later pass.
	Transient bool
	// Attempts is the number of platform calls made for the failing step.
	Attempts int
	Err      error
}

func (f *ApplyFailure) Error() string {
	if f.Attempts > 1 {
		return fmt.Sprintf("%v (after %d attempts)", f.Err, f.Attempts)
	}
	return f.Err.Error()
}

func (f *ApplyFailure) Unwrap() error {
	return f.Err
}

// Classify wraps err into an ApplyFailure.
func Classify(err error, attempts int) *ApplyFailure {
	if err == nil {
		return nil
	}
	return &ApplyFailure{Transient: IsTransient(err), Attempts: attempts, Err: err}
}

var (
	permanentS3Codes = map[string]bool{
		"AccessDenied":          true,
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"InvalidBucketName":     true,
		"AllAccessDisabled":     true,
	}
	transientS3Codes = map[string]bool{
		"SlowDown":           true,
		"Throttling":         true,
		"RequestTimeout":     true,
		"ServiceUnavailable": true,
		"InternalError":      true,
	}
)

// IsTransient reports whether err is worth retrying. Errors that carry no
// status at all are treated as transient: they are retried within the attempt
// ceiling and surface as waiting rather than as a hard error.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrBucketMissing):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return true
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsConflict(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return true
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err), apierrors.IsMethodNotSupported(err):
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if permanentS3Codes[code] {
			return false
		}
		if transientS3Codes[code] {
			return true
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Any other answer from the API server is a verdict on the request.
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return false
	}

	return true
}
