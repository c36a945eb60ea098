package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one sequential, idempotent schema step. version must be
// applied in order; migrate() tracks progress in the schema_version table.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, now().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// addColumnIfMissing issues an idempotent ALTER TABLE, tolerating the
// "duplicate column name" error SQLite raises on a rerun, matching the
// style used throughout the teacher's repository-layer migrations.
func addColumnIfMissing(tx *sql.Tx, stmt string) error {
	if _, err := tx.Exec(stmt); err != nil {
		// SQLite has no IF NOT EXISTS for ADD COLUMN; treat the duplicate
		// error as success since the column is already present.
		if isDuplicateColumnErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return len(msg) > 0 && (contains(msg, "duplicate column name") || contains(msg, "already exists"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

var migrations = []migration{
	{1, "initial schema", migrateV1},
	{2, "recent repositories", migrateV2},
	{3, "claude working status", migrateV3},
	{4, "merge conflict tracking", migrateV4},
	{5, "title and description", migrateV5},
	{6, "history file path", migrateV6},
	{7, "reconciliation diagnostics", migrateV7},
	{8, "passkey authentication", migrateV8},
	{9, "session subdirectory", migrateV9},
	{10, "recent_repos subdirectory key", migrateV10},
	{11, "multi-repository sessions", migrateV11},
}

func migrateV1(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			backend TEXT NOT NULL,
			agent TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			backend_id TEXT,
			initial_prompt TEXT NOT NULL,
			dangerous_skip_checks INTEGER NOT NULL,
			pr_url TEXT,
			pr_check_status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id)`)
	return err
}

func migrateV2(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS recent_repos (
			repo_path TEXT PRIMARY KEY,
			last_used TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_recent_repos_last_used ON recent_repos(last_used DESC)`); err != nil {
		return err
	}
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN access_mode TEXT NOT NULL DEFAULT 'read_write'`); err != nil {
		return err
	}
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN proxy_port INTEGER`)
}

func migrateV3(tx *sql.Tx) error {
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN claude_status TEXT NOT NULL DEFAULT 'unknown'`); err != nil {
		return err
	}
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN claude_status_updated_at TEXT`)
}

func migrateV4(tx *sql.Tx) error {
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN merge_conflict INTEGER NOT NULL DEFAULT 0`)
}

func migrateV5(tx *sql.Tx) error {
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN title TEXT`); err != nil {
		return err
	}
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN description TEXT`)
}

func migrateV6(tx *sql.Tx) error {
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN history_file_path TEXT`)
}

func migrateV7(tx *sql.Tx) error {
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN reconcile_attempts INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN last_reconcile_error TEXT`); err != nil {
		return err
	}
	if err := addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN last_reconcile_at TEXT`); err != nil {
		return err
	}
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN error_message TEXT`)
}

func migrateV8(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS passkeys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			credential_id BLOB NOT NULL UNIQUE,
			public_key BLOB NOT NULL,
			counter INTEGER NOT NULL,
			transports TEXT NOT NULL,
			device_name TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passkeys_user_id ON passkeys(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_passkeys_credential_id ON passkeys(credential_id)`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_user_id ON auth_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires_at ON auth_sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS webauthn_challenges (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			challenge_json TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webauthn_challenges_username ON webauthn_challenges(username)`,
		`CREATE INDEX IF NOT EXISTS idx_webauthn_challenges_expires_at ON webauthn_challenges(expires_at)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrateV9(tx *sql.Tx) error {
	return addColumnIfMissing(tx, `ALTER TABLE sessions ADD COLUMN subdirectory TEXT NOT NULL DEFAULT ''`)
}

// migrateV10 rebuilds recent_repos with a composite (repo_path, subdirectory)
// primary key. SQLite cannot alter a primary key in place, so this is a
// full-table copy; any partial artifact from an interrupted previous attempt
// is cleaned up first.
func migrateV10(tx *sql.Tx) error {
	if _, err := tx.Exec(`DROP TABLE IF EXISTS recent_repos_v10_temp`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE recent_repos_v10_temp (
			repo_path TEXT NOT NULL,
			last_used TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO recent_repos_v10_temp (repo_path, last_used) SELECT repo_path, last_used FROM recent_repos`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DROP INDEX IF EXISTS idx_recent_repos_last_used`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DROP TABLE recent_repos`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE recent_repos (
			repo_path TEXT NOT NULL,
			subdirectory TEXT NOT NULL DEFAULT '',
			last_used TEXT NOT NULL,
			PRIMARY KEY (repo_path, subdirectory)
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO recent_repos (repo_path, subdirectory, last_used) SELECT repo_path, '', last_used FROM recent_repos_v10_temp`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DROP TABLE IF EXISTS recent_repos_v10_temp`); err != nil {
		return err
	}
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_recent_repos_last_used ON recent_repos(last_used DESC)`)
	return err
}

// migrateV11 adds the session_repositories junction table and back-fills it
// from the legacy single-repo columns, marking each existing session's
// repository primary with mount_name "primary".
func migrateV11(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS session_repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			subdirectory TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			mount_name TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			display_order INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			UNIQUE (session_id, mount_name)
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_session_repositories_session_id ON session_repositories(session_id)`); err != nil {
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO session_repositories (session_id, repo_path, subdirectory, worktree_path, branch_name, mount_name, is_primary, display_order)
		SELECT id, repo_path, subdirectory, worktree_path, branch_name, 'primary', 1, 0 FROM sessions
	`)
	return err
}
