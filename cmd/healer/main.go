package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/nadmax/cihealer/internal/config"
	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/suggest"
	"github.com/nadmax/cihealer/internal/vcs"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// env carries what every command needs. Tests swap the filesystem and the
// store opener.
type env struct {
	fs        afero.Fs
	stdout    io.Writer
	stderr    io.Writer
	openStore func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (learning.Store, error)
	advisor   healing.Advisor
	committer healing.Committer

	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	store      learning.Store
}

func openSQLStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (learning.Store, error) {
	return learning.Open(ctx, cfg.Learning.DSN, learning.WithLogger(logger))
}

func main() {
	e := &env{
		fs:        afero.NewOsFs(),
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		openStore: openSQLStore,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		stop()
		os.Exit(1)
	}
}

// run executes one command line and closes the store whatever the outcome.
func (e *env) run(ctx context.Context, args []string) error {
	root := newRootCmd(e)
	root.SetArgs(args)
	return errors.Join(root.ExecuteContext(ctx), e.close())
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "healer",
		Short: "Diagnose and repair failing CI workflows",
		Long: `healer repairs failing CI workflow files and records every outcome in the
learning database, so a repeated failure is healed from history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd.Context())
		},
	}
	root.SetOut(e.stdout)
	root.SetErr(e.stderr)
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "YAML config file (default $HEALER_CONFIG)")

	root.AddCommand(
		newAnalyzeCmd(e),
		newFixCmd(e),
		newOptimizeCmd(e),
		newReportCmd(e),
		newInitCmd(e),
		newCleanupCmd(e),
		newInsightsCmd(e),
	)
	return root
}

func (e *env) setup(ctx context.Context) error {
	cfg, err := config.Load(e.fs, e.configPath)
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.logger = slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	store, err := e.openStore(ctx, cfg, e.logger)
	if err != nil {
		return err
	}
	e.store = store
	return nil
}

func (e *env) close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

// orchestrator builds a healing session bound to the opened store.
func (e *env) orchestrator(ctx context.Context) (*healing.Orchestrator, error) {
	opts := []healing.Option{
		healing.WithFs(e.fs),
		healing.WithLogger(e.logger),
	}

	advisor := e.advisor
	if advisor == nil && e.cfg.Suggest.Enabled() {
		clientOpts := []suggest.Option{suggest.WithLogger(e.logger)}
		if e.cfg.Suggest.Timeout > 0 {
			clientOpts = append(clientOpts, suggest.WithTimeout(e.cfg.Suggest.Timeout))
		}
		advisor = suggest.New(e.cfg.Suggest.BaseURL, e.cfg.Suggest.APIKey, clientOpts...)
	}
	if advisor != nil {
		opts = append(opts, healing.WithAdvisor(advisor))
	}

	committer := e.committer
	if committer == nil {
		committer = vcs.New(".", vcs.WithLogger(e.logger))
	}
	opts = append(opts, healing.WithCommitter(committer))

	o := healing.New(e.store, e.cfg.Healing, opts...)
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *env) status(c *color.Color, format string, args ...any) {
	_, _ = c.Fprintf(e.stderr, format+"\n", args...)
}
