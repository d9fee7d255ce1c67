package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/config"
)

var (
	cfg     *config.Config
	cfgFile string

	threads        int
	extensions     []string
	paths          []string
	reportDB       string
	cacheDir       string
	exceptionsFile string
	logLevel       string
	logFormat      string
	noProgress     bool
)

var rootCmd = &cobra.Command{
	Use:   "valveres",
	Short: "Source 2 resource and package inspection tool",
	Long: `valveres reads Source 2 game files: compiled resources, binary KV3 blocks,
VPK packages and block-compressed textures.

It can list, verify and extract packages, dump resources as KV3 text and
decode textures to PNG. Batch commands run on a worker pool and collect
per-file failures instead of stopping at the first one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if cmd.Flags().Changed("threads") {
			cfg.Threads = threads
		}
		if cmd.Flags().Changed("extensions") {
			cfg.Extensions = extensions
		}
		if cmd.Flags().Changed("paths") {
			cfg.Paths = paths
		}
		if cmd.Flags().Changed("report-db") {
			cfg.ReportDB = reportDB
		}
		if cmd.Flags().Changed("cache-dir") {
			cfg.CacheDir = cacheDir
		}
		if cmd.Flags().Changed("exceptions-file") {
			cfg.ExceptionsFile = exceptionsFile
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		var handler slog.Handler
		if cfg.LogFormat == "json" {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.Level(),
			})
		} else {
			handler = tint.NewHandler(os.Stderr, &tint.Options{
				Level: cfg.Level(),
			})
		}
		slog.SetDefault(slog.New(handler))

		slog.Debug("Configuration",
			"threads", cfg.Threads,
			"extensions", cfg.Extensions,
			"paths", cfg.Paths,
			"report_db", cfg.ReportDB,
			"cache_dir", cfg.CacheDir,
			"log_level", cfg.LogLevel,
			"log_format", cfg.LogFormat)

		return nil
	},
}

// showProgress reports whether progress bars should be drawn. They would
// interleave with debug or JSON log lines.
func showProgress() bool {
	return !(noProgress || cfg.LogFormat == "json" || cfg.LogLevel == "debug")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is valveres.yaml in home or pwd)")
	rootCmd.PersistentFlags().IntVarP(&threads, "threads", "t", 1, "number of worker threads")
	rootCmd.PersistentFlags().StringSliceVarP(&extensions, "extensions", "e", nil, "comma-separated list of extensions to process, e.g. vmat_c,vtex_c")
	rootCmd.PersistentFlags().StringSliceVarP(&paths, "paths", "f", nil, `comma-separated list of path prefixes, e.g. "panorama/,sounds/"`)
	rootCmd.PersistentFlags().StringVar(&reportDB, "report-db", "", "write results to this SQLite report database")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "cache directory (default ~/.valveres/cache)")
	rootCmd.PersistentFlags().StringVar(&exceptionsFile, "exceptions-file", "", "append per-file failures to this file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress bar")
}
