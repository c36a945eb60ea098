package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/session"
)

// RecentRepo is one (repo_path, subdirectory) entry of the recently-opened
// repository list, keyed by their composite primary key.
type RecentRepo struct {
	RepoPath     string
	Subdirectory string
	LastUsed     string
}

// AddRecentRepo records (or bumps the last_used timestamp of) a repository.
// The path is canonicalized first to collapse "./", "~", and symlink
// variants into one entry; if canonicalization fails the raw path is used.
func (s *Store) AddRecentRepo(repoPath, subdirectory string) error {
	canon := canonicalize(repoPath)
	_, err := s.writer.Exec(`
		INSERT INTO recent_repos (repo_path, subdirectory, last_used) VALUES (?, ?, ?)
		ON CONFLICT(repo_path, subdirectory) DO UPDATE SET last_used = excluded.last_used
	`, canon, subdirectory, now().Format(timeLayout))
	if err != nil {
		return apperror.Internal("add recent repo", err)
	}
	return nil
}

// GetRecentRepos returns recent repositories ordered by recency, lazily
// deleting any whose repo_path no longer exists on disk.
func (s *Store) GetRecentRepos() ([]RecentRepo, error) {
	var rows []struct {
		RepoPath     string `db:"repo_path"`
		Subdirectory string `db:"subdirectory"`
		LastUsed     string `db:"last_used"`
	}
	if err := s.reader.Select(&rows, `SELECT repo_path, subdirectory, last_used FROM recent_repos ORDER BY last_used DESC`); err != nil {
		return nil, apperror.Internal("get recent repos", err)
	}

	result := make([]RecentRepo, 0, len(rows))
	var stale []RecentRepo
	for _, row := range rows {
		if _, err := os.Stat(row.RepoPath); err != nil {
			stale = append(stale, RecentRepo{RepoPath: row.RepoPath, Subdirectory: row.Subdirectory})
			continue
		}
		result = append(result, RecentRepo{RepoPath: row.RepoPath, Subdirectory: row.Subdirectory, LastUsed: row.LastUsed})
	}
	for _, s2 := range stale {
		_, _ = s.writer.Exec(`DELETE FROM recent_repos WHERE repo_path = ? AND subdirectory = ?`, s2.RepoPath, s2.Subdirectory)
	}
	return result, nil
}

// canonicalize resolves "~", "./" segments, and symlinks so that
// AddRecentRepo deduplicates paths differing only in those respects.
func canonicalize(path string) string {
	expanded := expandHome(path)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// GetSessionRepositories returns the junction-table rows for a session,
// reconstructing a single-element primary-repo list from the session's
// legacy columns when the junction table has no rows for it.
func (s *Store) GetSessionRepositories(sessionID string) ([]session.Repository, error) {
	var rows []session.Repository
	err := s.reader.Select(&rows, `
		SELECT repo_path, subdirectory, worktree_path, branch_name, mount_name, is_primary, display_order
		FROM session_repositories WHERE session_id = ? ORDER BY display_order ASC
	`, sessionID)
	if err != nil {
		return nil, apperror.Internal("get session repositories", err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	var row sessionRow
	err = s.reader.Get(&row, `SELECT repo_path, subdirectory, worktree_path, branch_name FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return nil, nil
	}
	return []session.Repository{{
		RepoPath:     row.RepoPath,
		Subdirectory: row.Subdirectory,
		WorktreePath: row.WorktreePath,
		BranchName:   row.BranchName,
		MountName:    "primary",
		IsPrimary:    true,
		DisplayOrder: 0,
	}}, nil
}

// SaveSessionRepositories transactionally replaces a session's repository list.
func (s *Store) SaveSessionRepositories(sessionID string, repos []session.Repository) error {
	tx, err := s.writer.Beginx()
	if err != nil {
		return apperror.Internal("save session repositories", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_repositories WHERE session_id = ?`, sessionID); err != nil {
		return apperror.Internal("save session repositories", err)
	}
	for _, r := range repos {
		_, err := tx.Exec(`
			INSERT INTO session_repositories
				(session_id, repo_path, subdirectory, worktree_path, branch_name, mount_name, is_primary, display_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionID, r.RepoPath, r.Subdirectory, r.WorktreePath, r.BranchName, r.MountName, r.IsPrimary, r.DisplayOrder)
		if err != nil {
			return apperror.Internal("save session repositories", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperror.Internal("save session repositories", err)
	}
	return nil
}
