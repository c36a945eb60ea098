// Package worktree creates and destroys per-session git worktrees and
// detects a worktree's parent repository git directory, as described in
// spec.md §4.6.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/logging"
)

// Service creates and removes git worktrees via the local git binary.
type Service struct {
	log *logging.Logger
}

// New builds a worktree Service.
func New(log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{log: log}
}

// CreateResult is the outcome of Create: the worktree was created, and an
// optional warning the caller should surface to the user (e.g. a
// post-checkout hook that failed without preventing worktree creation).
type CreateResult struct {
	Warning string
}

// Create runs `git worktree add -b <branchName> <worktreePath> HEAD` against
// repoPath, creating a new branch at the repository's current HEAD.
func (s *Service) Create(ctx context.Context, repoPath, worktreePath, branchName string) (CreateResult, error) {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("create worktree parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, worktreePath, "HEAD")
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.log.WithError(err).Warn("git worktree add failed",
			zap.String("repo_path", repoPath),
			zap.String("worktree_path", worktreePath),
			zap.String("stderr", stderr.String()))
		return CreateResult{}, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	result := CreateResult{}
	if warn := strings.TrimSpace(stderr.String()); warn != "" {
		// git worktree add can succeed (exit 0) while still printing
		// warnings to stderr, e.g. a post-checkout hook failure.
		result.Warning = warn
	}

	s.log.Info("created worktree",
		zap.String("repo_path", repoPath),
		zap.String("worktree_path", worktreePath),
		zap.String("branch", branchName))

	return result, nil
}

// Delete removes a worktree directory and prunes git's bookkeeping for it.
// Missing worktrees are tolerated: deleting a worktree that is already gone
// is not an error.
func (s *Service) Delete(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		s.pruneBestEffort(ctx, repoPath)
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.log.Debug("git worktree remove failed, falling back to rm -rf",
			zap.String("worktree_path", worktreePath),
			zap.String("stderr", stderr.String()))
		if err := os.RemoveAll(worktreePath); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
	}

	s.pruneBestEffort(ctx, repoPath)
	return nil
}

func (s *Service) pruneBestEffort(ctx context.Context, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		s.log.Debug("git worktree prune failed", zap.String("repo_path", repoPath), zap.Error(err))
	}
}

// ParentGitDir determines whether path is a git worktree and, if so,
// returns the parent repository's .git directory by following the
// `gitdir:` pointer in path's .git file. Returns ("", nil) when path is not
// a worktree (e.g. it is an ordinary repository, or has no .git file at
// all). Malformed pointer files are a non-fatal skip: ("", nil) plus a
// logged warning, never an error, matching spec.md §4.6.
func (s *Service) ParentGitDir(path string) (string, error) {
	gitFile := filepath.Join(path, ".git")
	info, err := os.Stat(gitFile)
	if err != nil {
		return "", nil
	}
	if info.IsDir() {
		// An ordinary repository, not a worktree.
		return "", nil
	}

	content, err := os.ReadFile(gitFile)
	if err != nil {
		s.log.Warn("could not read .git pointer file", zap.String("path", gitFile), zap.Error(err))
		return "", nil
	}

	text := strings.TrimSpace(string(content))
	const prefix = "gitdir:"
	if !strings.HasPrefix(text, prefix) {
		s.log.Warn("malformed .git pointer file", zap.String("path", gitFile))
		return "", nil
	}

	gitDir := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(path, gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
		s.log.Warn("worktree gitdir missing HEAD file", zap.String("gitdir", gitDir))
		return "", nil
	}

	// The pointer names the per-worktree admin directory
	// (<repo>/.git/worktrees/<name>); its commondir file leads back to the
	// parent repository's .git directory.
	if data, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		common := strings.TrimSpace(string(data))
		if !filepath.IsAbs(common) {
			common = filepath.Join(gitDir, common)
		}
		gitDir = filepath.Clean(common)
	}

	return gitDir, nil
}
