package batch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jchantrell/valveres/internal/utils"
	"github.com/jchantrell/valveres/internal/vpk"
)

// Exception is one item that failed during a run.
type Exception struct {
	Path string
	// Parent is the archive or file Path was read from, empty for loose files.
	Parent string
	Err    error
}

func (e Exception) String() string {
	if e.Parent == "" {
		return fmt.Sprintf("File: %s\nException: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("Parent file: %s\nFile: %s\nException: %v", e.Parent, e.Path, e.Err)
}

// Log collects exceptions and counters for one batch run. It is safe for
// concurrent use and is handed to every worker.
type Log struct {
	mu         sync.Mutex
	start      time.Time
	processed  int
	exceptions []Exception
	mismatches int
	counts     map[string]int
	out        io.Writer
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithExceptionsWriter appends every exception to w as it is recorded.
func WithExceptionsWriter(w io.Writer) LogOption {
	return func(l *Log) {
		l.out = w
	}
}

// NewLog starts an empty log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		start:  time.Now(),
		counts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Done marks one item as processed, whether it failed or not.
func (l *Log) Done() {
	l.mu.Lock()
	l.processed++
	l.mu.Unlock()
}

// Count increments the named counter by n.
func (l *Log) Count(kind string, n int) {
	l.mu.Lock()
	l.counts[kind] += n
	l.mu.Unlock()
}

// Mismatch tallies checksum mismatches. They are reported in the summary
// rather than as exceptions.
func (l *Log) Mismatch(n int) {
	l.mu.Lock()
	l.mismatches += n
	l.mu.Unlock()
}

// Exception records a failed item. Checksum mismatches only bump the tally.
func (l *Log) Exception(path, parent string, err error) {
	if errors.Is(err, vpk.ErrChecksumMismatch) {
		l.Mismatch(1)
		slog.Debug("Checksum mismatch", "path", path, "parent", parent, "error", err)
		return
	}

	e := Exception{Path: path, Parent: parent, Err: err}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions = append(l.exceptions, e)

	slog.Warn("Failed to process file", "path", path, "parent", parent, "error", err)

	if l.out != nil {
		if _, werr := fmt.Fprintf(l.out, "---------------\n%s\n\n", e); werr != nil {
			slog.Debug("Failed to write exception", "error", werr)
		}
	}
}

// Exceptions returns a copy of the recorded exceptions.
func (l *Log) Exceptions() []Exception {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.exceptions)
}

// Summary is a snapshot of a Log.
type Summary struct {
	Processed  int
	Failed     int
	Mismatches int
	Counts     map[string]int
	Elapsed    time.Duration
}

// Summary snapshots the counters.
func (l *Log) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Summary{
		Processed:  l.processed,
		Failed:     len(l.exceptions),
		Mismatches: l.mismatches,
		Counts:     maps.Clone(l.counts),
		Elapsed:    time.Since(l.start),
	}
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %s files in %s", utils.Number(int64(s.Processed)), utils.Duration(s.Elapsed))
	if s.Elapsed > 0 && s.Processed > 0 {
		fmt.Fprintf(&b, " (%s files/sec)", utils.Rate(float64(s.Processed)/s.Elapsed.Seconds()))
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Failed: %s\n", utils.Number(int64(s.Failed)))
	fmt.Fprintf(&b, "Checksum mismatches: %s\n", utils.Number(int64(s.Mismatches)))

	kinds := slices.Sorted(maps.Keys(s.Counts))
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-24s %s\n", k, utils.Number(int64(s.Counts[k])))
	}
	return b.String()
}
