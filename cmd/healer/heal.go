package main

import (
	"context"
	"errors"

	"github.com/fatih/color"
	"github.com/nadmax/cihealer/internal/config"
	"github.com/nadmax/cihealer/internal/healing"
	"github.com/spf13/cobra"
)

const defaultErrorLog = "YAML parsing error"

func workflowArgs(args []string) (workflowPath, errorLog string) {
	workflowPath, errorLog = config.DefaultWorkflowPath, defaultErrorLog
	if len(args) > 0 && args[0] != "" {
		workflowPath = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		errorLog = args[1]
	}
	return workflowPath, errorLog
}

// withSession runs fn inside a learning session and always closes it.
func (e *env) withSession(ctx context.Context, fn func(*healing.Orchestrator) error) error {
	o, err := e.orchestrator(ctx)
	if err != nil {
		return err
	}
	runErr := fn(o)
	return errors.Join(runErr, o.End(ctx))
}

func newAnalyzeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [workflowPath] [errorLog]",
		Short: "Classify a workflow failure and show what history knows about it",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowPath, errorLog := workflowArgs(args)
			return e.withSession(cmd.Context(), func(o *healing.Orchestrator) error {
				a, err := o.Analyze(cmd.Context(), workflowPath, errorLog)
				if err != nil {
					return err
				}
				e.status(color.New(color.FgCyan), "%s: %s (similar: %d, known solution: %t)",
					a.Workflow, a.ErrorType, len(a.SimilarErrors), a.HasSolution)
				return e.printJSON(a)
			})
		},
	}
}

func newFixCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "fix [workflowPath] [errorLog]",
		Short: "Analyze a workflow failure, apply the selected fix and record the outcome",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowPath, errorLog := workflowArgs(args)
			return e.withSession(cmd.Context(), func(o *healing.Orchestrator) error {
				_, res, err := o.Heal(cmd.Context(), workflowPath, errorLog)
				if err != nil {
					return err
				}
				if res.Success {
					e.status(color.New(color.FgGreen), "✓ %s applied via %s (confidence %.2f)", res.Fix.Kind, res.Fix.Path, res.Fix.Confidence)
				} else {
					e.status(color.New(color.FgYellow), "✗ %s: %s", res.Outcome, res.Error)
				}
				return e.printJSON(res)
			})
		},
	}
}

func newOptimizeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize [workflowPath]",
		Short: "Ask the suggestion service to review a workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowPath, _ := workflowArgs(args)
			return e.withSession(cmd.Context(), func(o *healing.Orchestrator) error {
				result, err := o.Optimize(cmd.Context(), workflowPath)
				if err != nil {
					return err
				}
				return e.printJSON(result)
			})
		},
	}
}
