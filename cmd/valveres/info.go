package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/export"
	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/resource"
	"github.com/jchantrell/valveres/internal/vpk"
)

var (
	infoPackage string
	infoBlock   string
	infoDump    bool
)

// readInput loads path from disk, or from the package given with --vpk.
func readInput(pkgPath, path string) ([]byte, error) {
	if pkgPath == "" {
		return os.ReadFile(path)
	}

	p, err := vpk.Open(pkgPath)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	e, ok := p.FindEntry(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", vpk.ErrEntryNotFound, path, pkgPath)
	}
	return p.ReadEntry(e)
}

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show the block layout of a compiled resource",
	Long: `Info prints a compiled resource's header, inferred type, blocks and
external references. With --dump it also prints DATA (or the block named
by --block) as KV3 text, whether it is stored as KV3 or as introspected
struct data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(infoPackage, args[0])
		if err != nil {
			return err
		}

		res, err := resource.ReadBytes(data, resource.WithFileName(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("File:           %s\n", args[0])
		fmt.Printf("Type:           %s\n", res.Type)
		fmt.Printf("Size:           %d\n", res.FileSize)
		fmt.Printf("Header version: %d\n", res.HeaderVersion)
		fmt.Printf("Version:        %d\n", res.Version)
		fmt.Printf("Blocks:\n")
		for _, b := range res.Blocks {
			fmt.Printf("  %-4s offset=%-8d size=%d\n", b.Type, b.Offset, b.Size)
		}

		refs, err := res.ExternalReferences()
		if err != nil {
			fmt.Printf("External references: %v\n", err)
		} else if len(refs) > 0 {
			fmt.Printf("External references:\n")
			for _, ref := range refs {
				fmt.Printf("  %016x %s\n", ref.ID, ref.Name)
			}
		}

		if !infoDump && infoBlock == "" {
			return nil
		}

		fmt.Println()
		if infoBlock == "" {
			return export.Decompile(os.Stdout, data, args[0])
		}

		root, err := res.BlockAsTree(resource.BlockType(strings.ToUpper(infoBlock)))
		if err != nil {
			return err
		}
		return (&kv3.File{Root: root}).WriteText(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVar(&infoPackage, "vpk", "", "read the file from this package")
	infoCmd.Flags().StringVarP(&infoBlock, "block", "b", "", "print this block as KV3 text, e.g. RERL or DATA")
	infoCmd.Flags().BoolVar(&infoDump, "dump", false, "print the DATA block as KV3 text")
}
