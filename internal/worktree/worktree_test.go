package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func TestCreateAndDeleteWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	repo := initTestRepo(t)
	worktreesDir := t.TempDir()
	wtPath := filepath.Join(worktreesDir, "fix-login-ab12")

	svc := New(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, repo, wtPath, "fix-login-ab12")
	require.NoError(t, err)

	info, err := os.Stat(wtPath)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.NoError(t, svc.Delete(ctx, repo, wtPath))
	_, err = os.Stat(wtPath)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteToleratesMissingWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	repo := initTestRepo(t)
	svc := New(nil)
	err := svc.Delete(context.Background(), repo, filepath.Join(repo, "..", "never-existed"))
	require.NoError(t, err)
}

func TestParentGitDirForWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	repo := initTestRepo(t)
	worktreesDir := t.TempDir()
	wtPath := filepath.Join(worktreesDir, "fix-login-ab12")

	svc := New(nil)
	_, err := svc.Create(context.Background(), repo, wtPath, "fix-login-ab12")
	require.NoError(t, err)

	gitDir, err := svc.ParentGitDir(wtPath)
	require.NoError(t, err)
	require.NotEmpty(t, gitDir)

	_, err = os.Stat(filepath.Join(gitDir, "HEAD"))
	require.NoError(t, err)
}

func TestParentGitDirForOrdinaryRepoIsEmpty(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	repo := initTestRepo(t)
	svc := New(nil)

	gitDir, err := svc.ParentGitDir(repo)
	require.NoError(t, err)
	require.Empty(t, gitDir)
}

func TestParentGitDirMalformedPointerFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("not a gitdir pointer"), 0o644))

	svc := New(nil)
	gitDir, err := svc.ParentGitDir(dir)
	require.NoError(t, err)
	require.Empty(t, gitDir)
}
