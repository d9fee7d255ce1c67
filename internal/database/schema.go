package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// Column is one column of a report table.
type Column struct {
	Name string
	Type string
	// Constraint is appended verbatim, e.g. "NOT NULL".
	Constraint string
}

// Table describes a report table and its foreign keys.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []string
	Indexes     [][]string
}

// ColumnNames returns the column names in declaration order, skipping the
// autoincrement id.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "id" {
			continue
		}
		names = append(names, c.Name)
	}
	return names
}

var (
	runsTable = &Table{
		Name: "runs",
		Columns: []Column{
			{"id", "INTEGER", "PRIMARY KEY AUTOINCREMENT"},
			{"command", "TEXT", "NOT NULL"},
			{"started_at", "TEXT", "NOT NULL"},
			{"processed", "INTEGER", ""},
			{"failed", "INTEGER", ""},
			{"mismatches", "INTEGER", ""},
		},
	}

	packagesTable = &Table{
		Name: "packages",
		Columns: []Column{
			{"id", "INTEGER", "PRIMARY KEY AUTOINCREMENT"},
			{"run_id", "INTEGER", "NOT NULL"},
			{"path", "TEXT", "NOT NULL"},
			{"version", "INTEGER", ""},
			{"entries", "INTEGER", ""},
			{"signed", "INTEGER", ""},
			{"state", "TEXT", ""},
			{"method", "TEXT", ""},
			{"error", "TEXT", ""},
		},
		ForeignKeys: []string{"FOREIGN KEY (run_id) REFERENCES runs(id)"},
	}

	entriesTable = &Table{
		Name: "entries",
		Columns: []Column{
			{"package_id", "INTEGER", "NOT NULL"},
			{"path", "TEXT", "NOT NULL"},
			{"extension", "TEXT", ""},
			{"crc32", "INTEGER", ""},
			{"size", "INTEGER", ""},
			{"preload_size", "INTEGER", ""},
			{"archive_index", "INTEGER", ""},
		},
		ForeignKeys: []string{"FOREIGN KEY (package_id) REFERENCES packages(id)"},
		Indexes:     [][]string{{"package_id", "path"}, {"extension"}},
	}

	verifyFailuresTable = &Table{
		Name: "verify_failures",
		Columns: []Column{
			{"package_id", "INTEGER", "NOT NULL"},
			{"path", "TEXT", "NOT NULL"},
			{"error", "TEXT", ""},
		},
		ForeignKeys: []string{"FOREIGN KEY (package_id) REFERENCES packages(id)"},
		Indexes:     [][]string{{"package_id"}},
	}

	exceptionsTable = &Table{
		Name: "exceptions",
		Columns: []Column{
			{"run_id", "INTEGER", "NOT NULL"},
			{"path", "TEXT", "NOT NULL"},
			{"parent", "TEXT", ""},
			{"error", "TEXT", ""},
		},
		ForeignKeys: []string{"FOREIGN KEY (run_id) REFERENCES runs(id)"},
		Indexes:     [][]string{{"run_id"}},
	}

	reportTables = []*Table{runsTable, packagesTable, entriesTable, verifyFailuresTable, exceptionsTable}
)

// GenerateTableDDL generates CREATE TABLE SQL for t.
func GenerateTableDDL(t *Table) (string, error) {
	if t == nil || t.Name == "" {
		return "", fmt.Errorf("table name cannot be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	lines := make([]string, 0, len(t.Columns)+len(t.ForeignKeys))
	for _, c := range t.Columns {
		line := quoteSQLIdentifier(c.Name) + " " + c.Type
		if c.Constraint != "" {
			line += " " + c.Constraint
		}
		lines = append(lines, line)
	}
	lines = append(lines, t.ForeignKeys...)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		quoteSQLIdentifier(t.Name),
		strings.Join(lines, ",\n    ")), nil
}

func generateIndexDDL(t *Table) []string {
	var ddl []string
	for _, cols := range t.Indexes {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteSQLIdentifier(c)
		}
		name := fmt.Sprintf("idx_%s_%s", t.Name, strings.Join(cols, "_"))
		ddl = append(ddl, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteSQLIdentifier(name), quoteSQLIdentifier(t.Name), strings.Join(quoted, ", ")))
	}
	return ddl
}

// CreateSchema creates every report table and index in one transaction.
func CreateSchema(ctx context.Context, db *Database) error {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range reportTables {
			ddl, err := GenerateTableDDL(t)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("creating table %s: %w", t.Name, err)
			}
			for _, idx := range generateIndexDDL(t) {
				if _, err := tx.ExecContext(ctx, idx); err != nil {
					return fmt.Errorf("creating index on %s: %w", t.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Debug("Created report schema", "tables", len(reportTables))
	return nil
}

func quoteSQLIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
