package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/report"
	"github.com/spf13/cobra"
)

func newReportCmd(e *env) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the learning report and save it under the report directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withSession(cmd.Context(), func(o *healing.Orchestrator) error {
				r := e.store.GenerateReport(cmd.Context())

				path, err := report.NewExporter(e.fs).Save(r, e.cfg.Report.Dir, format)
				if err != nil {
					return err
				}
				e.status(color.New(color.FgGreen), "report saved to %s", path)
				return e.printJSON(r)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", report.FormatJSON, "saved report format (json or csv)")
	return cmd
}

func newInitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the learning database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e.status(color.New(color.FgGreen), "✓ learning database initialized")
			return e.printJSON(map[string]any{
				"initialized": true,
				"dsn":         e.cfg.Learning.DSN,
				"dialect":     learning.DialectFor(e.cfg.Learning.DSN),
			})
		},
	}
}

func newCleanupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [days]",
		Short: "Delete learning data older than the retention window",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days := e.cfg.Learning.DaysToKeep
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid days %q: must be a positive integer", args[0])
				}
				days = n
			}
			if days <= 0 {
				days = learning.DefaultDaysToKeep
			}

			result, err := e.store.CleanupOldData(cmd.Context(), days)
			if err != nil {
				return err
			}
			e.status(color.New(color.FgGreen), "removed %d errors and %d metrics older than %d days",
				result.ErrorsDeleted, result.MetricsDeleted, days)
			return e.printJSON(result)
		},
	}
}

func newInsightsCmd(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Show per error type resolution statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.printJSON(e.store.GetLearningInsights(cmd.Context(), limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", learning.DefaultInsightsLimit, "maximum number of error types")
	return cmd
}
