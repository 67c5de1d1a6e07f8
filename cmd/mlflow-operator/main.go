// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entrypoint of mlflow-operator, which runs an MLflow
// tracking server and keeps it converged with its bindings.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"go.opendefense.cloud/mlflow-operator/pkg/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "mlflow-operator",
		Short: "MLflow operator - runs an MLflow tracking server on Kubernetes",
		Long: `mlflow-operator runs an MLflow tracking server and converges it with
its bindings: the database, object storage, ingress, secrets, dashboard
and metrics integrations declared as labelled Secrets.

Without a subcommand the operator is started.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newActionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mlflow-operator %s\n", version)
			fmt.Fprintf(out, "  commit:  %s\n", commit)
			fmt.Fprintf(out, "  built:   %s\n", buildTime)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Namespace: %s\n", cfg.Kubernetes.Namespace)
			fmt.Fprintf(out, "  Workload: %s (%s)\n", cfg.Workload.Name, cfg.Workload.Image)
			fmt.Fprintf(out, "  Resync interval: %s\n", cfg.Reconcile.ResyncInterval)
			fmt.Fprintf(out, "  Max retries: %d\n", cfg.Reconcile.MaxRetries)

			return nil
		},
	}
}
