package database

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/vpk"
)

func openStore(t *testing.T) (*Database, *ReportStore) {
	t.Helper()
	db, err := NewDatabase(DefaultDatabaseOptions(filepath.Join(t.TempDir(), "reports", "report.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewReportStore(context.Background(), db, &BulkInsertOptions{BatchSize: 2})
	require.NoError(t, err)
	return db, store
}

func testPackage(t *testing.T) *vpk.Package {
	t.Helper()
	w := vpk.NewWriter(nil)
	w.Put("materials/a.vmat_c", []byte("aaaa"))
	w.Put("materials/b.vmat_c", []byte("bb"))
	w.Put("sounds/c.vsnd_c", []byte("c"))
	data, err := w.Bytes()
	require.NoError(t, err)

	p, err := vpk.Read(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	p.FileName = "pak01_dir.vpk"
	return p
}

func TestGenerateTableDDL(t *testing.T) {
	ddl, err := GenerateTableDDL(verifyFailuresTable)
	require.NoError(t, err)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "verify_failures"`)
	assert.Contains(t, ddl, `"package_id" INTEGER NOT NULL`)
	assert.Contains(t, ddl, "FOREIGN KEY (package_id) REFERENCES packages(id)")

	_, err = GenerateTableDDL(&Table{Name: "empty"})
	assert.Error(t, err)

	assert.Equal(t, `INSERT INTO "exceptions" ("run_id", "path", "parent", "error") VALUES (?, ?, ?, ?)`,
		generateInsertSQL(exceptionsTable))
}

func TestReportStore(t *testing.T) {
	ctx := context.Background()
	db, store := openStore(t)

	runID, err := store.StartRun(ctx, "vpk verify")
	require.NoError(t, err)

	p := testPackage(t)
	report := &vpk.Report{
		State:  vpk.FileChecksumsVerified,
		Method: vpk.MethodFileChecksums,
		Failures: []vpk.Failure{
			{Path: "materials/a.vmat_c", Err: vpk.ErrChecksumMismatch},
		},
	}
	pkgID, err := store.AddPackage(ctx, runID, p, report)
	require.NoError(t, err)

	var entries []*vpk.Entry
	for e := range p.Entries() {
		entries = append(entries, e)
	}
	require.NoError(t, store.AddEntries(ctx, pkgID, entries))

	counts, err := store.CountByExtension(ctx, pkgID)
	require.NoError(t, err)
	assert.Equal(t, []ExtensionCount{
		{Extension: "vmat_c", Entries: 2, Bytes: 6},
		{Extension: "vsnd_c", Entries: 1, Bytes: 1},
	}, counts)

	log := batch.NewLog()
	log.Done()
	log.Done()
	log.Exception("models/x.vmdl_c", "pak01_dir.vpk", errors.New("corrupt"))
	require.NoError(t, store.FinishRun(ctx, runID, log))

	var state, method string
	require.NoError(t, db.QueryRow(ctx, `SELECT state, method FROM packages WHERE id = ?`, pkgID).Scan(&state, &method))
	assert.Equal(t, "file checksums verified", state)
	assert.Equal(t, "file checksums", method)

	var failures int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM verify_failures WHERE package_id = ?`, pkgID).Scan(&failures))
	assert.Equal(t, 1, failures)

	var processed, failed int
	require.NoError(t, db.QueryRow(ctx, `SELECT processed, failed FROM runs WHERE id = ?`, runID).Scan(&processed, &failed))
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, failed)

	var parent string
	require.NoError(t, db.QueryRow(ctx, `SELECT parent FROM exceptions WHERE run_id = ?`, runID).Scan(&parent))
	assert.Equal(t, "pak01_dir.vpk", parent)
}

func TestInsertRejectsWrongWidth(t *testing.T) {
	_, store := openStore(t)
	err := store.inserter.Insert(context.Background(), verifyFailuresTable, [][]any{{1, "path"}})
	assert.Error(t, err)
}

func TestReadOnlyReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.db")

	db, err := NewDatabase(DefaultDatabaseOptions(path))
	require.NoError(t, err)
	store, err := NewReportStore(ctx, db, nil)
	require.NoError(t, err)
	runID, err := store.StartRun(ctx, "stats")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Exec(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrClosed)

	opts := DefaultDatabaseOptions(path)
	opts.ReadOnly = true
	ro, err := NewDatabase(opts)
	require.NoError(t, err)
	defer ro.Close()

	_, err = NewReportStore(ctx, ro, nil)
	require.NoError(t, err)

	var command string
	require.NoError(t, ro.QueryRow(ctx, `SELECT command FROM runs WHERE id = ?`, runID).Scan(&command))
	assert.Equal(t, "stats", command)

	_, err = ro.Exec(ctx, `INSERT INTO runs (command, started_at) VALUES ('x', 'y')`)
	assert.Error(t, err)
}

func TestReadOnlyMissingFile(t *testing.T) {
	opts := DefaultDatabaseOptions(filepath.Join(t.TempDir(), "missing", "report.db"))
	opts.ReadOnly = true
	_, err := NewDatabase(opts)
	assert.Error(t, err)
}

func TestConnectionString(t *testing.T) {
	dsn := connectionString(DefaultDatabaseOptions("out/report.db"))
	assert.Equal(t, "file:out/report.db?_busy_timeout=30000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", dsn)

	opts := DefaultDatabaseOptions("report.db")
	opts.ReadOnly = true
	assert.Equal(t, "file:report.db?_busy_timeout=30000&_foreign_keys=on&mode=ro", connectionString(opts))
}
