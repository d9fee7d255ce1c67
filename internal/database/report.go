package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/vpk"
)

// ReportStore persists listings, verification results and batch exceptions.
type ReportStore struct {
	db       *Database
	inserter *BulkInserter
}

// NewReportStore creates the report schema if needed. A read-only database
// is used as is.
func NewReportStore(ctx context.Context, db *Database, options *BulkInsertOptions) (*ReportStore, error) {
	if db.ReadOnly() {
		return &ReportStore{db: db}, nil
	}
	if err := CreateSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("creating report schema: %w", err)
	}
	return &ReportStore{db: db, inserter: NewBulkInserter(db, options)}, nil
}

// StartRun records the start of a command and returns its run id.
func (s *ReportStore) StartRun(ctx context.Context, command string) (int64, error) {
	res, err := s.db.Exec(ctx,
		`INSERT INTO runs (command, started_at) VALUES (?, ?)`,
		command, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("starting run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun stores the run's summary and exceptions.
func (s *ReportStore) FinishRun(ctx context.Context, runID int64, log *batch.Log) error {
	summary := log.Summary()
	if _, err := s.db.Exec(ctx,
		`UPDATE runs SET processed = ?, failed = ?, mismatches = ? WHERE id = ?`,
		summary.Processed, summary.Failed, summary.Mismatches, runID); err != nil {
		return fmt.Errorf("finishing run %d: %w", runID, err)
	}

	exceptions := log.Exceptions()
	rows := make([][]any, len(exceptions))
	for i, e := range exceptions {
		rows[i] = []any{runID, e.Path, e.Parent, e.Err.Error()}
	}
	return s.inserter.Insert(ctx, exceptionsTable, rows)
}

// AddPackage records a package and, when report is non-nil, its
// verification outcome. It returns the package id.
func (s *ReportStore) AddPackage(ctx context.Context, runID int64, p *vpk.Package, report *vpk.Report) (int64, error) {
	var state, method, errText any
	if report != nil {
		state, method = report.State.String(), report.Method.String()
		if report.Err != nil {
			errText = report.Err.Error()
		}
	}

	res, err := s.db.Exec(ctx,
		`INSERT INTO packages (run_id, path, version, entries, signed, state, method, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.FileName, p.Header.Version, p.Len(), p.Signed(), state, method, errText)
	if err != nil {
		return 0, fmt.Errorf("recording package %s: %w", p.FileName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if report != nil {
		rows := make([][]any, len(report.Failures))
		for i, f := range report.Failures {
			rows[i] = []any{id, f.Path, f.Err.Error()}
		}
		if err := s.inserter.Insert(ctx, verifyFailuresTable, rows); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AddEntries records the directory listing of a package.
func (s *ReportStore) AddEntries(ctx context.Context, packageID int64, entries []*vpk.Entry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{packageID, e.FullPath(), e.TypeName, int64(e.CRC32), e.TotalLength(), len(e.SmallData), int(e.ArchiveIndex)}
	}
	return s.inserter.Insert(ctx, entriesTable, rows)
}

// ExtensionCount is one row of CountByExtension.
type ExtensionCount struct {
	Extension string
	Entries   int
	Bytes     int64
}

// CountByExtension totals the recorded entries of a package by extension.
func (s *ReportStore) CountByExtension(ctx context.Context, packageID int64) ([]ExtensionCount, error) {
	rows, err := s.db.Query(ctx,
		`SELECT extension, COUNT(*), SUM(size) FROM entries WHERE package_id = ? GROUP BY extension ORDER BY COUNT(*) DESC, extension`,
		packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ExtensionCount
	for rows.Next() {
		var c ExtensionCount
		if err := rows.Scan(&c.Extension, &c.Entries, &c.Bytes); err != nil {
			return nil, fmt.Errorf("scanning extension count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
