package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/database"
	"github.com/jchantrell/valveres/internal/utils"
)

var reportPackage int64

var reportCmd = &cobra.Command{
	Use:   "report [sql]",
	Short: "Query the run report database",
	Long: `Report reads the SQLite database written by batch commands when
--report-db is set. It lists tables, shows a table schema, lists recent
runs, totals a package's entries by extension, or runs arbitrary SQL.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.ReportDB == "" {
			return fmt.Errorf("no report database configured, set --report-db or report_db")
		}

		listTables, err := cmd.Flags().GetBool("tables")
		if err != nil {
			return fmt.Errorf("failed to get tables flag: %w", err)
		}
		schemaTable, err := cmd.Flags().GetString("schema")
		if err != nil {
			return fmt.Errorf("failed to get schema flag: %w", err)
		}
		listRuns, err := cmd.Flags().GetBool("runs")
		if err != nil {
			return fmt.Errorf("failed to get runs flag: %w", err)
		}

		slog.Debug("Report parameters",
			"database", cfg.ReportDB,
			"tables", listTables,
			"schema", schemaTable,
			"runs", listRuns)

		opts := database.DefaultDatabaseOptions(cfg.ReportDB)
		opts.ReadOnly = true
		db, err := database.NewDatabase(opts)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		switch {
		case listTables:
			return printRows(ctx, db, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
		case schemaTable != "":
			return printRows(ctx, db, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?)`, schemaTable)
		case listRuns:
			return printRows(ctx, db, `SELECT id, command, started_at, processed, failed, mismatches FROM runs ORDER BY id DESC LIMIT 20`)
		case cmd.Flags().Changed("package"):
			store, err := database.NewReportStore(ctx, db, nil)
			if err != nil {
				return err
			}
			counts, err := store.CountByExtension(ctx, reportPackage)
			if err != nil {
				return fmt.Errorf("counting entries: %w", err)
			}
			for _, c := range counts {
				fmt.Printf("%-16s %10s entries %12s\n", c.Extension, utils.Number(int64(c.Entries)), utils.Bytes(c.Bytes))
			}
			return nil
		case len(args) > 0:
			return printRows(ctx, db, args[0])
		}

		return fmt.Errorf("no query provided, use --tables, --schema <table>, --runs, --package <id> or pass SQL")
	},
}

// printRows writes a query result as tab separated columns under a header.
func printRows(ctx context.Context, db *database.Database, query string, args ...any) error {
	slog.Debug("Executing SQL query", "query", query)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("getting column names: %w", err)
	}

	fmt.Println(strings.Join(columns, "\t"))
	sep := make([]string, len(columns))
	for i, col := range columns {
		sep[i] = strings.Repeat("-", len(col))
	}
	fmt.Println(strings.Join(sep, "\t"))

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	cells := make([]string, len(columns))

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	return rows.Err()
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().Bool("tables", false, "list available tables")
	reportCmd.Flags().String("schema", "", "show schema for the given table")
	reportCmd.Flags().Bool("runs", false, "list the most recent runs")
	reportCmd.Flags().Int64Var(&reportPackage, "package", 0, "total a recorded package's entries by extension")
}
