// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"go.opendefense.cloud/mlflow-operator/pkg/admin"
	"go.opendefense.cloud/mlflow-operator/pkg/config"
)

func newActionCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "action",
		Short: "Run an action against a running operator",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", config.DefaultConfig().Admin.Address(), "Address of the operator admin API")

	action := func(use, short string, call func(ctx context.Context, c *admin.Client) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := call(cmd.Context(), admin.NewClient(addr))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			},
		}
	}

	cmd.AddCommand(
		action("get-credentials", "Print the tracking server and object storage credentials",
			func(ctx context.Context, c *admin.Client) (any, error) {
				return c.Credentials(ctx)
			}),
		action("create-bucket", "Create the default artifact bucket",
			func(ctx context.Context, c *admin.Client) (any, error) {
				return c.CreateBucket(ctx)
			}),
		action("reconcile", "Request a reconciliation pass",
			func(ctx context.Context, c *admin.Client) (any, error) {
				if err := c.Reconcile(ctx); err != nil {
					return nil, err
				}
				return admin.ReconcileResponse{Scheduled: true}, nil
			}),
		action("status", "Print the current status and revisions",
			func(ctx context.Context, c *admin.Client) (any, error) {
				st, err := c.Status(ctx)
				if err != nil {
					return nil, fmt.Errorf("reading status: %w", err)
				}
				return st, nil
			}),
	)

	return cmd
}
