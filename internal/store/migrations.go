package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE import_batches (
					id TEXT PRIMARY KEY,
					input_dir TEXT NOT NULL,
					status TEXT DEFAULT 'running',
					experiments_total INTEGER DEFAULT 0,
					experiments_imported INTEGER DEFAULT 0,
					runs_total INTEGER DEFAULT 0,
					runs_imported INTEGER DEFAULT 0,
					models_total INTEGER DEFAULT 0,
					models_imported INTEGER DEFAULT 0,
					exceptions INTEGER DEFAULT 0,
					report_path TEXT,
					error_message TEXT,
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);

				CREATE TABLE import_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					batch_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					source_id TEXT NOT NULL,
					dest_id TEXT,
					status TEXT NOT NULL,
					error TEXT,
					FOREIGN KEY(batch_id) REFERENCES import_batches(id)
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE INDEX idx_import_items_batch ON import_items(batch_id, kind);
				CREATE INDEX idx_import_batches_start ON import_batches(start_time);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
