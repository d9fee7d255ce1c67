package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// BulkInserter inserts rows into a report table in batched transactions.
type BulkInserter struct {
	db        *Database
	batchSize int
}

// BulkInsertOptions configures bulk insertion behavior
type BulkInsertOptions struct {
	// BatchSize determines how many rows to insert per transaction
	BatchSize int
}

// DefaultBulkInsertOptions returns sensible defaults for bulk insertion
func DefaultBulkInsertOptions() *BulkInsertOptions {
	return &BulkInsertOptions{
		BatchSize: 1000,
	}
}

// NewBulkInserter creates a new bulk inserter with the given database and options
func NewBulkInserter(db *Database, options *BulkInsertOptions) *BulkInserter {
	if options == nil {
		options = DefaultBulkInsertOptions()
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBulkInsertOptions().BatchSize
	}
	return &BulkInserter{db: db, batchSize: batchSize}
}

// generateInsertSQL builds the INSERT statement for t's non-id columns.
func generateInsertSQL(t *Table) string {
	columns := t.ColumnNames()
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteSQLIdentifier(c)
	}
	placeholders := strings.Repeat("?, ", len(columns))
	placeholders = placeholders[:len(placeholders)-2]

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteSQLIdentifier(t.Name), strings.Join(quoted, ", "), placeholders)
}

// Insert writes rows into t. Each row holds one value per column in
// ColumnNames order.
func (bi *BulkInserter) Insert(ctx context.Context, t *Table, rows [][]any) error {
	if len(rows) == 0 {
		slog.Debug("No rows to insert", "table", t.Name)
		return nil
	}

	insertSQL := generateInsertSQL(t)
	width := len(t.ColumnNames())

	for i := 0; i < len(rows); i += bi.batchSize {
		end := min(i+bi.batchSize, len(rows))
		if err := bi.insertBatch(ctx, insertSQL, width, rows[i:end]); err != nil {
			return fmt.Errorf("inserting batch %d-%d for table %s: %w", i, end-1, t.Name, err)
		}
	}

	slog.Debug("Inserted rows", "table", t.Name, "rows", len(rows))
	return nil
}

// insertBatch inserts one batch of rows in its own transaction.
func (bi *BulkInserter) insertBatch(ctx context.Context, insertSQL string, width int, batch [][]any) error {
	return bi.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("preparing insert statement: %w", err)
		}
		defer stmt.Close()

		for i, values := range batch {
			if len(values) != width {
				return fmt.Errorf("row %d has %d values, expected %d", i, len(values), width)
			}
			if _, err := stmt.ExecContext(ctx, values...); err != nil {
				return fmt.Errorf("inserting row %d: %w", i, err)
			}
		}
		return nil
	})
}
