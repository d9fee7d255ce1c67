package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/database"
	"github.com/jchantrell/valveres/internal/utils"
)

// appendFile opens its file on the first write, so runs without failures
// leave no exceptions file behind.
type appendFile struct {
	path string
	once sync.Once
	f    *os.File
	err  error
}

func (a *appendFile) Write(p []byte) (int, error) {
	a.once.Do(func() {
		a.f, a.err = os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	})
	if a.err != nil {
		return 0, a.err
	}
	return a.f.Write(p)
}

func (a *appendFile) Close() error {
	if a.f == nil {
		return nil
	}
	return a.f.Close()
}

// run bundles the state shared by batch commands: the log, the optional
// report store and the worker settings.
type run struct {
	log    *batch.Log
	store  *database.ReportStore
	db     *database.Database
	runID  int64
	out    *appendFile
	filter batch.Filter
}

func startRun(ctx context.Context, command string) (*run, error) {
	r := &run{filter: batch.NewFilter(cfg.Extensions, cfg.Paths)}

	var opts []batch.LogOption
	if cfg.ExceptionsFile != "" {
		r.out = &appendFile{path: cfg.ExceptionsFile}
		opts = append(opts, batch.WithExceptionsWriter(r.out))
	}
	r.log = batch.NewLog(opts...)

	if cfg.ReportDB == "" {
		return r, nil
	}

	db, err := database.NewDatabase(database.DefaultDatabaseOptions(cfg.ReportDB))
	if err != nil {
		return nil, fmt.Errorf("opening report database: %w", err)
	}
	store, err := database.NewReportStore(ctx, db, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	runID, err := store.StartRun(ctx, command)
	if err != nil {
		db.Close()
		return nil, err
	}

	r.db, r.store, r.runID = db, store, runID
	slog.Debug("Recording run", "database", cfg.ReportDB, "run", runID)
	return r, nil
}

func (r *run) runner(progress *utils.Progress) batch.Runner {
	return batch.Runner{
		Workers: cfg.Threads,
		Progress: func(done, total int, name string) {
			progress.Update(done, name)
		},
	}
}

// finish stores the run in the report database and prints the summary.
func (r *run) finish(ctx context.Context) error {
	defer func() {
		if r.out != nil {
			r.out.Close()
		}
		if r.db != nil {
			r.db.Close()
		}
	}()

	if r.store != nil {
		// the run is recorded even when the command was cancelled
		if err := r.store.FinishRun(context.WithoutCancel(ctx), r.runID, r.log); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
	}

	fmt.Print(r.log.Summary())
	if n := len(r.log.Exceptions()); n > 0 && cfg.ExceptionsFile != "" {
		fmt.Printf("Failures written to %s\n", cfg.ExceptionsFile)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return utils.Number(int64(n)) + " " + many
}
