package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed import history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Batch Operations
// ============================================================================

// CreateBatch inserts a new Batch. The caller assigns the ID.
func (s *Store) CreateBatch(b *Batch) error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}

	const query = `
		INSERT INTO import_batches (
			id, input_dir, status, experiments_total, experiments_imported,
			runs_total, runs_imported, models_total, models_imported,
			exceptions, report_path, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		b.ID, b.InputDir, b.Status, b.ExperimentsTotal, b.ExperimentsImported,
		b.RunsTotal, b.RunsImported, b.ModelsTotal, b.ModelsImported,
		b.Exceptions, b.ReportPath, b.ErrorMessage, b.StartTime, b.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// UpdateBatch updates an existing Batch by ID
func (s *Store) UpdateBatch(b *Batch) error {
	const query = `
		UPDATE import_batches SET
			input_dir = ?, status = ?, experiments_total = ?, experiments_imported = ?,
			runs_total = ?, runs_imported = ?, models_total = ?, models_imported = ?,
			exceptions = ?, report_path = ?, error_message = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		b.InputDir, b.Status, b.ExperimentsTotal, b.ExperimentsImported,
		b.RunsTotal, b.RunsImported, b.ModelsTotal, b.ModelsImported,
		b.Exceptions, b.ReportPath, b.ErrorMessage, b.StartTime, b.EndTime, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("batch not found: %s", b.ID)
	}

	return nil
}

const batchColumns = `
	id, input_dir, status, experiments_total, experiments_imported,
	runs_total, runs_imported, models_total, models_imported,
	exceptions, report_path, error_message, start_time, end_time
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	b := &Batch{}
	var reportPath, errMsg sql.NullString
	err := row.Scan(
		&b.ID, &b.InputDir, &b.Status, &b.ExperimentsTotal, &b.ExperimentsImported,
		&b.RunsTotal, &b.RunsImported, &b.ModelsTotal, &b.ModelsImported,
		&b.Exceptions, &reportPath, &errMsg, &b.StartTime, &b.EndTime,
	)
	if err != nil {
		return nil, err
	}
	b.ReportPath = reportPath.String
	b.ErrorMessage = errMsg.String
	return b, nil
}

// GetBatch retrieves a Batch by ID
func (s *Store) GetBatch(id string) (*Batch, error) {
	query := "SELECT " + batchColumns + " FROM import_batches WHERE id = ?"

	b, err := scanBatch(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("batch not found: %s", id)
		}
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	return b, nil
}

// ListBatches retrieves Batches, most recent first, optionally limited
func (s *Store) ListBatches(limit int) ([]Batch, error) {
	query := "SELECT " + batchColumns + " FROM import_batches ORDER BY start_time DESC"
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	return batches, nil
}

// ============================================================================
// Item Operations
// ============================================================================

// RecordItems inserts item outcomes for a batch in a single transaction
func (s *Store) RecordItems(batchID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO import_items (batch_id, kind, source_id, dest_id, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i := range items {
		it := &items[i]
		it.BatchID = batchID
		result, err := stmt.Exec(batchID, it.Kind, it.SourceID, it.DestID, it.Status, it.Error)
		if err != nil {
			return fmt.Errorf("failed to insert item %s/%s: %w", it.Kind, it.SourceID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			it.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

// ListItems retrieves items for a batch, optionally filtered by kind and
// restricted to failures
func (s *Store) ListItems(batchID, kind string, failedOnly bool) ([]Item, error) {
	query := `
		SELECT id, batch_id, kind, source_id, dest_id, status, error
		FROM import_items WHERE batch_id = ?
	`
	args := []interface{}{batchID}

	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	if failedOnly {
		query += " AND status = ?"
		args = append(args, StatusFailed)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it := Item{}
		var destID, errMsg sql.NullString
		if err := rows.Scan(&it.ID, &it.BatchID, &it.Kind, &it.SourceID, &destID, &it.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.DestID = destID.String
		it.Error = errMsg.String
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}
