package learn

import (
	"database/sql"
	"fmt"
)

// A migration moves the schema from version-1 to version. Every step is
// idempotent: tables guard with IF NOT EXISTS and column adds check
// PRAGMA table_info first, so re-running against a half-migrated
// database is safe.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, "base schema", migrateBaseSchema},
	{2, "outcome columns", migrateOutcomeColumns},
	{3, "ssh observations", migrateSSHObservations},
	{4, "manopt cache", migrateManoptCache},
}

// migrate applies every migration newer than the database's
// user_version, bumping the version as each lands.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func migrateBaseSchema(tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		template TEXT,
		preview TEXT,
		exit_code INTEGER,
		duration_ms INTEGER,
		timed_out INTEGER DEFAULT 0,
		stdout_snippet TEXT,
		stderr_snippet TEXT,
		weight REAL DEFAULT 1.0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obs_fingerprint ON observations(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_obs_template ON observations(template);
	CREATE INDEX IF NOT EXISTS idx_obs_created_at ON observations(created_at);

	CREATE TABLE IF NOT EXISTS recent_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		template TEXT,
		preview TEXT,
		recorded_at REAL NOT NULL,
		duration_ms INTEGER,
		exit_code INTEGER,
		timed_out INTEGER DEFAULT 0,
		success INTEGER DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_recent_session ON recent_commands(session_id, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_recent_fingerprint ON recent_commands(fingerprint, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_recent_template ON recent_commands(template, recorded_at DESC);

	CREATE TABLE IF NOT EXISTS streaks (
		template TEXT PRIMARY KEY,
		current INTEGER DEFAULT 0,
		longest_success INTEGER DEFAULT 0,
		longest_fail INTEGER DEFAULT 0,
		last_result INTEGER,
		updated_at REAL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := tx.Exec(schema)
	return err
}

// migrateOutcomeColumns adds outcome classification to observations and
// recent_commands. Rows written before this version keep NULL here and
// readers derive the outcome from exit_code and timed_out.
func migrateOutcomeColumns(tx *sql.Tx) error {
	adds := []struct {
		table, column, def string
	}{
		{"observations", "outcome_type", "TEXT"},
		{"observations", "kill_elapsed_ms", "INTEGER"},
		{"recent_commands", "outcome_type", "TEXT"},
	}
	for _, a := range adds {
		ok, err := columnExists(tx, a.table, a.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, a.table, a.column, a.def)
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("add %s.%s: %w", a.table, a.column, err)
		}
	}
	return nil
}

func migrateSSHObservations(tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ssh_observations (
		id TEXT PRIMARY KEY,
		observation_id TEXT,
		host TEXT NOT NULL,
		user TEXT,
		port TEXT,
		remote_template TEXT,
		exit_class TEXT,
		exit_code INTEGER,
		timed_out INTEGER DEFAULT 0,
		weight REAL DEFAULT 1.0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ssh_host ON ssh_observations(host);
	CREATE INDEX IF NOT EXISTS idx_ssh_remote_template ON ssh_observations(remote_template);
	`
	_, err := tx.Exec(schema)
	return err
}

func migrateManoptCache(tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS manopt_cache (
		base_command TEXT PRIMARY KEY,
		options_text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := tx.Exec(schema)
	return err
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
