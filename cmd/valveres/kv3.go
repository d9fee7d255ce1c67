package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/resource"
)

var (
	kv3Package     string
	kv3Output      string
	kv3Compression string
)

func parseCompression(name string) (kv3.Compression, error) {
	switch strings.ToLower(name) {
	case "none":
		return kv3.CompressionNone, nil
	case "lz4":
		return kv3.CompressionLZ4, nil
	case "zstd":
		return kv3.CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q (valid: none, lz4, zstd)", name)
}

var kv3Cmd = &cobra.Command{
	Use:   "kv3 <file>",
	Short: "Print a binary KV3 file as text, or re-encode it",
	Long: `Kv3 decodes a standalone binary KV3 file, or the DATA block of a compiled
resource, and prints it as KV3 text. With --output the tree is encoded
again, optionally with a different --compression.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(kv3Package, args[0])
		if err != nil {
			return err
		}

		var f *kv3.File
		if kv3.IsKV3(data) {
			f, err = kv3.Decode(data)
		} else {
			var res *resource.Resource
			res, err = resource.ReadBytes(data, resource.WithFileName(args[0]))
			if err == nil {
				f, err = res.KeyValues(resource.BlockDATA)
			}
		}
		if err != nil {
			return err
		}

		slog.Debug("Decoded KV3",
			"version", f.Header.Version,
			"compression", f.Header.Compression,
			"format", kv3.GUIDString(f.Header.Format))

		if kv3Output == "" {
			return f.WriteText(os.Stdout)
		}

		if kv3Compression != "" {
			if f.Header.Compression, err = parseCompression(kv3Compression); err != nil {
				return err
			}
		}
		encoded, err := kv3.Encode(f)
		if err != nil {
			return fmt.Errorf("encoding: %w", err)
		}
		if err := os.WriteFile(kv3Output, encoded, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", kv3Output, err)
		}
		fmt.Printf("Wrote %d bytes (%s, %s) to %s\n", len(encoded), f.Header.Version, f.Header.Compression, kv3Output)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(kv3Cmd)
	kv3Cmd.Flags().StringVar(&kv3Package, "vpk", "", "read the file from this package")
	kv3Cmd.Flags().StringVarP(&kv3Output, "output", "o", "", "re-encode to this file instead of printing")
	kv3Cmd.Flags().StringVar(&kv3Compression, "compression", "", "compression for --output: none, lz4 or zstd")
}
