package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/batch"
	"github.com/jchantrell/valveres/internal/cache"
	"github.com/jchantrell/valveres/internal/export"
	"github.com/jchantrell/valveres/internal/utils"
	"github.com/jchantrell/valveres/internal/vpk"
)

var (
	verifyMode  string
	outputDir   string
	decompile   bool
	useManifest bool
	signKey     string
)

var vpkCmd = &cobra.Command{
	Use:   "vpk",
	Short: "List, verify, extract and build VPK packages",
}

var vpkListCmd = &cobra.Command{
	Use:   "list <package_dir.vpk>",
	Short: "List package entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, err := vpk.Open(args[0])
		if err != nil {
			return err
		}
		defer p.Close()

		r, err := startRun(ctx, "vpk list")
		if err != nil {
			return err
		}

		var listed []*vpk.Entry
		for e := range p.Entries() {
			if !r.filter.MatchEntry(e) {
				continue
			}
			listed = append(listed, e)
			fmt.Printf("%s crc=%08x size=%d\n", e.FullPath(), e.CRC32, e.TotalLength())
		}
		r.log.Count("entries", len(listed))

		if r.store != nil {
			pkgID, err := r.store.AddPackage(ctx, r.runID, p, nil)
			if err != nil {
				return err
			}
			if err := r.store.AddEntries(ctx, pkgID, listed); err != nil {
				return err
			}
		}

		fmt.Printf("\n%s of %s in %s, version %d\n", plural(len(listed), "entry", "entries"), utils.Number(int64(p.Len())), args[0], p.Header.Version)
		return r.finish(ctx)
	},
}

var vpkVerifyCmd = &cobra.Command{
	Use:   "verify <package_dir.vpk>...",
	Short: "Verify package signatures and checksums",
	Long: `Verify checks the directory signature first; a bad signature stops
verification of that package. Content is then checked with chunk hashes
when the package carries them, or with per-file CRC32s otherwise.
Mismatches are collected and summarised rather than failing the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if !cmd.Flags().Changed("mode") {
			verifyMode = cfg.VerifyMode
		}
		mode, err := vpk.ParseMode(verifyMode)
		if err != nil {
			return err
		}

		r, err := startRun(ctx, "vpk verify")
		if err != nil {
			return err
		}

		for _, path := range args {
			if err := ctx.Err(); err != nil {
				break
			}
			verifyPackage(cmd, r, path, mode)
			r.log.Done()
		}

		return r.finish(ctx)
	},
}

func verifyPackage(cmd *cobra.Command, r *run, path string, mode vpk.Mode) {
	ctx := cmd.Context()

	p, err := vpk.Open(path)
	if err != nil {
		r.log.Exception(path, "", err)
		return
	}
	defer p.Close()

	progress := utils.NewProgress(p.Len(), showProgress())
	sized := false
	report := p.Verify(ctx, mode, func(done, total int, name string) {
		if !sized {
			progress.SetTotal(total)
			sized = true
		}
		progress.Update(done, filepath.Base(name))
	})
	progress.Finish()

	if report.Err != nil {
		r.log.Exception(path, "", report.Err)
	}
	r.log.Mismatch(len(report.Failures))
	r.log.Count("checked "+report.Method.String(), report.Checked)

	for _, f := range report.Failures {
		slog.Warn("Verification failure", "package", path, "path", f.Path, "error", f.Err)
	}
	slog.Info("Verified package",
		"path", path,
		"signed", report.Signed,
		"state", report.State,
		"method", report.Method,
		"failures", len(report.Failures))

	if r.store != nil {
		if _, err := r.store.AddPackage(ctx, r.runID, p, report); err != nil {
			slog.Error("Failed to record verification", "path", path, "error", err)
		}
	}
}

var vpkExtractCmd = &cobra.Command{
	Use:   "extract <package_dir.vpk>",
	Short: "Extract package entries to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, err := vpk.Open(args[0])
		if err != nil {
			return err
		}
		defer p.Close()

		r, err := startRun(ctx, "vpk extract")
		if err != nil {
			return err
		}

		opts := []export.Option{export.WithDecompile(decompile), export.WithLog(r.log)}

		var manifestPath string
		if useManifest {
			manifestPath = cache.CacheManager(cfg.CacheDir).ManifestPath(args[0])
			manifest, err := vpk.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			slog.Debug("Loaded extract manifest", "path", manifestPath, "entries", len(manifest))
			opts = append(opts, export.WithManifest(manifest))
		}

		items := batch.PackageItems(p, r.filter.MatchEntry)
		exporter := export.NewExporter(p, outputDir, opts...)

		progress := utils.NewProgress(len(items), showProgress())
		runErr := r.runner(progress).Run(ctx, items, exporter.ExportEntry, r.log)
		progress.Finish()

		// only a complete, clean run may mark entries as extracted
		if useManifest && runErr == nil && len(r.log.Exceptions()) == 0 {
			if err := vpk.NewManifest(p).Save(manifestPath); err != nil {
				return err
			}
		}

		if err := r.finish(ctx); err != nil {
			return err
		}
		return runErr
	},
}

var vpkPackCmd = &cobra.Command{
	Use:   "pack <dir> <output_dir.vpk>",
	Short: "Build a single-file package from a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, output := args[0], args[1]

		w := vpk.NewWriter(nil)
		var files int
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			w.Put(filepath.ToSlash(rel), data)
			files++
			return nil
		})
		if err != nil {
			return fmt.Errorf("reading %s: %w", root, err)
		}

		if signKey != "" {
			key, err := loadPrivateKey(signKey)
			if err != nil {
				return err
			}
			w.Sign(key)
		}

		if err := w.Commit(output); err != nil {
			return err
		}
		fmt.Printf("Packed %s into %s\n", plural(files, "file", "files"), output)
		return nil
	},
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s is not PEM encoded", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s holds a %T, not an RSA key", path, parsed)
	}
	return key, nil
}

var vpkExtensionsCmd = &cobra.Command{
	Use:   "extensions <package_dir.vpk>",
	Short: "Count entries by extension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := vpk.Open(args[0])
		if err != nil {
			return err
		}
		defer p.Close()

		byExt := p.EntriesByExtension()
		exts := p.Extensions()
		slices.SortStableFunc(exts, func(a, b string) int {
			return len(byExt[b]) - len(byExt[a])
		})
		for _, ext := range exts {
			var size int64
			for _, e := range byExt[ext] {
				size += int64(e.TotalLength())
			}
			fmt.Printf("%-16s %10s entries %12s\n", ext, utils.Number(int64(len(byExt[ext]))), utils.Bytes(size))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vpkCmd)
	vpkCmd.AddCommand(vpkListCmd, vpkVerifyCmd, vpkExtractCmd, vpkPackCmd, vpkExtensionsCmd)

	vpkVerifyCmd.Flags().StringVar(&verifyMode, "mode", "auto", "content check: auto, chunks or files")

	vpkExtractCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory")
	vpkExtractCmd.Flags().BoolVarP(&decompile, "decompile", "d", false, "write compiled resources as KV3 text")
	vpkExtractCmd.Flags().BoolVar(&useManifest, "cache", false, "skip entries unchanged since the last extract")

	vpkPackCmd.Flags().StringVar(&signKey, "sign", "", "PEM RSA private key to sign the package with")
}
