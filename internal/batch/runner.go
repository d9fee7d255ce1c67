package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jchantrell/valveres/internal/vpk"
)

// Item is one unit of work: a loose file or an entry inside a package.
type Item struct {
	Path string
	// Parent is the package the entry came from, empty for loose files.
	Parent string
	// Entry is set for package entries.
	Entry *vpk.Entry
}

// Func processes one item. Its error is logged against the item and the run
// moves on.
type Func func(ctx context.Context, item Item) error

// ProgressFunc reports completed items. Calls are serialized.
type ProgressFunc func(done, total int, name string)

// Runner drains a queue of items with a fixed number of workers.
type Runner struct {
	// Workers is the number of concurrent workers. Zero or less uses GOMAXPROCS.
	Workers  int
	Progress ProgressFunc
}

func (r Runner) workers(n int) int {
	w := r.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	return max(1, min(w, n))
}

// Run processes items until the queue is empty or ctx is cancelled.
// Cancellation is checked between items, so an item that has started always
// finishes. The returned error is only ever the context's.
func (r Runner) Run(ctx context.Context, items []Item, fn Func, log *Log) error {
	if len(items) == 0 {
		return ctx.Err()
	}

	workers := r.workers(len(items))
	slog.Debug("Starting batch", "items", len(items), "workers", workers)

	queue := make(chan Item)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, item := range items {
			select {
			case queue <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var (
		mu   sync.Mutex
		done int
	)
	for range workers {
		g.Go(func() error {
			for item := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := runOne(gctx, fn, item); err != nil {
					log.Exception(item.Path, item.Parent, err)
				}
				log.Done()

				if r.Progress != nil {
					mu.Lock()
					done++
					r.Progress(done, len(items), item.Path)
					mu.Unlock()
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func runOne(ctx context.Context, fn Func, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", item.Path, r)
		}
	}()
	return fn(ctx, item)
}

// PackageItems queues every entry of p, optionally filtered by keep.
func PackageItems(p *vpk.Package, keep func(*vpk.Entry) bool) []Item {
	var items []Item
	for e := range p.Entries() {
		if keep != nil && !keep(e) {
			continue
		}
		items = append(items, Item{Path: e.FullPath(), Parent: p.FileName, Entry: e})
	}
	return items
}
