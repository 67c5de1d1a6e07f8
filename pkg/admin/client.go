// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opendefense.cloud/mlflow-operator/pkg/engine"
	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

// ErrRateLimited is returned by Client.Reconcile when the operator rejected the request.
var ErrRateLimited = errors.New("reconcile request rate limited, try again later")

// Client calls the admin API of a running operator.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for addr, given as host:port or URL.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL: strings.TrimSuffix(addr, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// Credentials runs the get-credentials action.
func (c *Client) Credentials(ctx context.Context) (synth.Credentials, error) {
	var out synth.Credentials
	_, err := c.do(ctx, http.MethodGet, "/v1/credentials", &out)
	return out, err
}

// CreateBucket runs the create-bucket action.
func (c *Client) CreateBucket(ctx context.Context) (BucketResponse, error) {
	var out BucketResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/bucket", &out)
	return out, err
}

// Reconcile requests a reconciliation pass.
func (c *Client) Reconcile(ctx context.Context) error {
	var out ReconcileResponse
	code, err := c.do(ctx, http.MethodPost, "/v1/reconcile", &out)
	if code == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return err
}

// Status returns the last status report.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/v1/status", &out)
	return out, err
}

// Revisions returns the desired and applied revisions.
func (c *Client) Revisions(ctx context.Context) (engine.Revisions, error) {
	var out engine.Revisions
	_, err := c.do(ctx, http.MethodGet, "/v1/revisions", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}
