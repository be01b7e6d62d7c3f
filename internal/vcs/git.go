// Package vcs commits healed workflow files with the git CLI.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const (
	DefaultAuthorName  = "CI Self-Healing Bot"
	DefaultAuthorEmail = "ci-healer@users.noreply.github.com"
	DefaultRemote      = "origin"
)

// Runner executes one git command in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

type Git struct {
	dir         string
	remote      string
	authorName  string
	authorEmail string
	run         Runner
	logger      *slog.Logger
}

type Option func(*Git)

func WithRunner(r Runner) Option {
	return func(g *Git) { g.run = r }
}

func WithAuthor(name, email string) Option {
	return func(g *Git) {
		g.authorName = name
		g.authorEmail = email
	}
}

func WithRemote(remote string) Option {
	return func(g *Git) { g.remote = remote }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Git) { g.logger = logger }
}

// New returns a Git bound to the working tree at dir.
func New(dir string, opts ...Option) *Git {
	g := &Git{
		dir:         dir,
		remote:      DefaultRemote,
		authorName:  DefaultAuthorName,
		authorEmail: DefaultAuthorEmail,
		run:         execRunner,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	out, err := g.run(ctx, g.dir, args...)
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w (output: %s)", subcommand(args), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// subcommand skips leading -c key=value pairs.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// Commit stages path and commits it under the bot identity. The identity is
// passed per command so the repository config is left untouched.
func (g *Git) Commit(ctx context.Context, path, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("commit message cannot be empty")
	}

	if _, err := g.git(ctx, "add", "--", path); err != nil {
		return err
	}

	_, err := g.git(ctx,
		"-c", "user.name="+g.authorName,
		"-c", "user.email="+g.authorEmail,
		"commit", "-m", message, "--", path,
	)
	if err != nil {
		return err
	}

	if sha, err := g.Head(ctx); err == nil {
		g.logger.Info("committed workflow fix", "path", path, "commit", sha)
	}
	return nil
}

// Push pushes the current HEAD to the configured remote.
func (g *Git) Push(ctx context.Context) error {
	_, err := g.git(ctx, "push", g.remote, "HEAD")
	return err
}

func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
