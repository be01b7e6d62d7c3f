package vcs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls [][]string
	fail  map[string]error
}

func (r *recorder) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	if err, ok := r.fail[subcommand(args)]; ok {
		return []byte("fatal: " + subcommand(args)), err
	}
	if subcommand(args) == "rev-parse" {
		return []byte("abc1234\n"), nil
	}
	return nil, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommit(t *testing.T) {
	rec := &recorder{}
	g := New("/repo", WithRunner(rec.run), WithLogger(quietLogger()), WithAuthor("bot", "bot@example.com"))

	require.NoError(t, g.Commit(context.Background(), ".github/workflows/ci.yml", "Auto-healed CI workflow"))

	require.Len(t, rec.calls, 3)
	assert.Equal(t, []string{"add", "--", ".github/workflows/ci.yml"}, rec.calls[0])
	assert.Equal(t, []string{
		"-c", "user.name=bot",
		"-c", "user.email=bot@example.com",
		"commit", "-m", "Auto-healed CI workflow", "--", ".github/workflows/ci.yml",
	}, rec.calls[1])
	assert.Equal(t, []string{"rev-parse", "--short", "HEAD"}, rec.calls[2])
}

func TestCommitFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("empty message", func(t *testing.T) {
		rec := &recorder{}
		g := New("/repo", WithRunner(rec.run))
		assert.Error(t, g.Commit(ctx, "ci.yml", "  "))
		assert.Empty(t, rec.calls)
	})

	t.Run("nothing to commit", func(t *testing.T) {
		rec := &recorder{fail: map[string]error{"commit": errors.New("exit status 1")}}
		g := New("/repo", WithRunner(rec.run), WithLogger(quietLogger()))

		err := g.Commit(ctx, "ci.yml", "msg")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "git commit failed")
		assert.Contains(t, err.Error(), "fatal: commit")
	})
}

func TestPush(t *testing.T) {
	rec := &recorder{}
	g := New("/repo", WithRunner(rec.run), WithRemote("upstream"))

	require.NoError(t, g.Push(context.Background()))
	assert.Equal(t, [][]string{{"push", "upstream", "HEAD"}}, rec.calls)

	rec.fail = map[string]error{"push": errors.New("exit status 128")}
	assert.Error(t, g.Push(context.Background()))
}

func TestSubcommand(t *testing.T) {
	assert.Equal(t, "commit", subcommand([]string{"-c", "a=b", "-c", "c=d", "commit", "-m", "x"}))
	assert.Equal(t, "push", subcommand([]string{"push"}))
	assert.Equal(t, "", subcommand([]string{"-c", "a=b"}))
}

func TestCommitWithRealGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	ctx := context.Background()
	g := New(dir, WithLogger(quietLogger()))

	_, err := g.git(ctx, "init", "-q")
	require.NoError(t, err)

	path := filepath.Join(".github", "workflows", "ci.yml")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".github", "workflows"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, path), []byte("name: CI\n"), 0o644))

	require.NoError(t, g.Commit(ctx, path, "Auto-healed CI workflow"))

	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, head)

	log, err := g.git(ctx, "log", "-1", "--format=%an|%s")
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthorName+"|Auto-healed CI workflow", strings.TrimSpace(log))
}
