package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jchantrell/valveres/internal/export"
	"github.com/jchantrell/valveres/internal/texture"
)

var (
	texPackage string
	texFormat  string
	texWidth   int
	texHeight  int
	texOffset  int
	texSink    string
	texOutput  string
	texMaxSize int
	texCrop    string
)

func parseCrop(s string) (*export.CropParams, error) {
	if s == "" {
		return nil, nil
	}
	var c export.CropParams
	if _, err := fmt.Sscanf(s, "%dx%d+%d+%d", &c.Width, &c.Height, &c.Left, &c.Top); err != nil {
		return nil, fmt.Errorf("crop %q is not WxH+X+Y: %w", s, err)
	}
	return &c, nil
}

var textureCmd = &cobra.Command{
	Use:   "texture <file>",
	Short: "Decode raw block-compressed texels to PNG",
	Long: `Texture decodes the top mip of raw BC1, BC4 or BC6H block data starting
at --offset and writes it as PNG. BC6H decodes to 8-bit BGRA by default,
or to half-float RGBA with --sink hdr.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := texture.ParseFormat(texFormat)
		if err != nil {
			return err
		}
		crop, err := parseCrop(texCrop)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("sink") {
			texSink = cfg.TextureSink
		}

		decoder, err := texture.NewDecoder(format, texWidth, texHeight)
		if err != nil {
			return err
		}

		data, err := readInput(texPackage, args[0])
		if err != nil {
			return err
		}
		if texOffset < 0 || texOffset > len(data) {
			return fmt.Errorf("offset %d outside the %d byte file", texOffset, len(data))
		}

		need := texture.DataSize(format, texWidth, texHeight)
		if len(data)-texOffset < need {
			return fmt.Errorf("%s %dx%d needs %d bytes, %d available", format, texWidth, texHeight, need, len(data)-texOffset)
		}

		bpp := texture.LDRBytesPerPixel
		if texSink == "hdr" {
			bpp = texture.HDRBytesPerPixel
		}
		bitmap := texture.NewBitmap(texWidth, texHeight, bpp)

		err = decoder.Decode(bitmap, data[texOffset:texOffset+need])
		switch {
		case errors.Is(err, texture.ErrReservedMode):
			slog.Warn("Texture has reserved blocks, written as black", "path", args[0])
		case err != nil:
			return err
		}

		if err := export.WriteBitmapPNG(bitmap, crop, texMaxSize, texOutput); err != nil {
			return err
		}
		fmt.Printf("Wrote %dx%d %s to %s\n", texWidth, texHeight, format, texOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(textureCmd)
	textureCmd.Flags().StringVar(&texPackage, "vpk", "", "read the file from this package")
	textureCmd.Flags().StringVar(&texFormat, "format", "bc6h", "block format: bc1, bc4 or bc6h")
	textureCmd.Flags().IntVar(&texWidth, "width", 0, "texture width in pixels")
	textureCmd.Flags().IntVar(&texHeight, "height", 0, "texture height in pixels")
	textureCmd.Flags().IntVar(&texOffset, "offset", 0, "byte offset of the first block")
	textureCmd.Flags().StringVar(&texSink, "sink", "ldr", "pixel sink: ldr or hdr")
	textureCmd.Flags().StringVarP(&texOutput, "output", "o", "texture.png", "output PNG path")
	textureCmd.Flags().IntVar(&texMaxSize, "max-size", 0, "scale down so neither side exceeds this")
	textureCmd.Flags().StringVar(&texCrop, "crop", "", "crop region as WxH+X+Y")
	textureCmd.MarkFlagRequired("width")
	textureCmd.MarkFlagRequired("height")
}
