package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"coursesync/server/internal/reconcile"
)

type runOptions struct {
	*rootOptions
	JSON bool
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, reconcile.KindSync, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the report as JSON instead of YAML")
	return cmd
}

func newDownloadCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "download-assets",
		Short: "Re-download every chapter asset and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, reconcile.KindDownload, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the report as JSON instead of YAML")
	return cmd
}

func runOnce(ctx context.Context, opts *runOptions, kind reconcile.Kind, out io.Writer) error {
	a, err := newApp(opts.rootOptions)
	if err != nil {
		return err
	}
	report, err := a.coordinator.Execute(ctx, kind, "cli")
	if err != nil {
		return err
	}
	if err := writeReport(out, report, opts.JSON); err != nil {
		return err
	}
	if report.Outcome == reconcile.OutcomeFailed {
		return fmt.Errorf("%s run %s failed", kind, report.ID)
	}
	return nil
}

func writeReport(out io.Writer, report reconcile.RunReport, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(report); err != nil {
		return err
	}
	return encoder.Close()
}
