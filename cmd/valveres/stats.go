package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/resource"
	"github.com/jchantrell/valveres/internal/utils"
	"github.com/jchantrell/valveres/internal/vpk"
)

// collector decodes every queued resource to shake out failures and counts
// what it saw.
type collector struct {
	packages map[string]*vpk.Package
	log      *batch.Log
}

func (c *collector) read(item batch.Item) ([]byte, error) {
	if item.Entry == nil {
		return os.ReadFile(item.Path)
	}
	p, ok := c.packages[item.Parent]
	if !ok {
		return nil, fmt.Errorf("package %s is not open", item.Parent)
	}
	return p.ReadEntry(item.Entry)
}

func (c *collector) process(ctx context.Context, item batch.Item) error {
	data, err := c.read(item)
	if err != nil {
		return err
	}

	if !strings.HasSuffix(item.Path, "_c") {
		c.log.Count("other files", 1)
		return nil
	}

	res, err := resource.ReadBytes(data, resource.WithFileName(item.Path))
	if err != nil {
		return err
	}
	c.log.Count("type "+res.Type.String(), 1)
	for _, b := range res.Blocks {
		c.log.Count("block "+string(b.Type), 1)
	}

	refs, err := res.ExternalReferences()
	if err != nil {
		return fmt.Errorf("reading external references: %w", err)
	}
	c.log.Count("external references", len(refs))

	if _, err := res.DataAsTree(); err != nil {
		if errors.Is(err, resource.ErrBlockNotFound) || errors.Is(err, resource.ErrUnsupportedBlockType) {
			c.log.Count("opaque DATA", 1)
			return nil
		}
		return fmt.Errorf("decoding DATA: %w", err)
	}
	return nil
}

// collectItems expands the arguments into loose files and package entries.
// Directories are walked; "_dir.vpk" files are opened and their entries
// queued with the package as parent.
func (c *collector) collectItems(args []string, filter batch.Filter) ([]batch.Item, error) {
	var items []batch.Item

	// rel is what the path filter sees, relative to the walked directory
	addFile := func(path, rel string) error {
		if strings.HasSuffix(path, "_dir.vpk") {
			p, err := vpk.Open(path)
			if err != nil {
				c.log.Exception(path, "", err)
				return nil
			}
			c.packages[path] = p
			items = append(items, batch.PackageItems(p, filter.MatchEntry)...)
			return nil
		}
		// chunk archives are read through their directory
		if strings.HasSuffix(path, ".vpk") {
			return nil
		}
		if filter.Match(rel) {
			items = append(items, batch.Item{Path: path})
		}
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := addFile(arg, arg); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(arg, path)
			if err != nil {
				return err
			}
			return addFile(path, filepath.ToSlash(rel))
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", arg, err)
		}
	}
	return items, nil
}

func (c *collector) close() {
	for _, p := range c.packages {
		p.Close()
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats <path>...",
	Short: "Decode every resource under the given paths and summarise",
	Long: `Stats runs every compiled resource under the given files, directories
and packages through the decoders. Failures are collected with the file and
parent package that caused them, and the run always continues to the end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		r, err := startRun(ctx, "stats")
		if err != nil {
			return err
		}

		c := &collector{packages: make(map[string]*vpk.Package), log: r.log}
		defer c.close()

		items, err := c.collectItems(args, r.filter)
		if err != nil {
			return err
		}
		slog.Info("Processing files", "files", utils.Number(int64(len(items))), "packages", len(c.packages), "threads", cfg.Threads)

		if r.store != nil {
			for _, p := range c.packages {
				if _, err := r.store.AddPackage(ctx, r.runID, p, nil); err != nil {
					return err
				}
			}
		}

		progress := utils.NewProgress(len(items), showProgress())
		runErr := r.runner(progress).Run(ctx, items, c.process, r.log)
		progress.Finish()

		if err := r.finish(ctx); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
