// Command imagetablectl inspects and exercises an on-disk image table.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to imagetable.Open via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vedon/imagetable/internal/host"
	"github.com/vedon/imagetable/internal/imagefmt"
	"github.com/vedon/imagetable/internal/imagetable"
	"github.com/vedon/imagetable/internal/logging"
)

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "imagetablectl",
		Short: "Inspect and exercise an image table cache",
	}
	rootCmd.PersistentFlags().String("dir", ".", "cache directory")
	rootCmd.PersistentFlags().String("name", "demo", "format name (backing file stem)")
	rootCmd.PersistentFlags().Int("width", 128, "image width in pixels")
	rootCmd.PersistentFlags().Int("height", 128, "image height in pixels")
	rootCmd.PersistentFlags().Int("bpp", 4, "bytes per pixel")
	rootCmd.PersistentFlags().Int("max", 2, "configured maximum entry count")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	rootCmd.AddCommand(newStatCmd(logger), newDemoCmd(logger), newResetCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openFromFlags(cmd *cobra.Command, logger *slog.Logger) (*imagetable.Table, error) {
	dir, _ := cmd.Flags().GetString("dir")
	name, _ := cmd.Flags().GetString("name")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	bpp, _ := cmd.Flags().GetInt("bpp")
	maxCount, _ := cmd.Flags().GetInt("max")

	desc := imagefmt.Static{
		W: width, H: height, BPP: bpp,
		BitsPerComponent_: 8,
		FormatName:        name,
		MaxCount:          maxCount,
	}
	return imagetable.Open(imagetable.Config{
		Dir:    dir,
		Format: desc,
		Host:   host.Default{},
		Logger: logger,
	})
}

func newStatCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print occupancy statistics for a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer t.Close()

			stats := t.Stats()
			format, _ := cmd.Flags().GetString("output")
			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Printf("entries   %d\n", stats.EntryCount)
			fmt.Printf("chunks    %d\n", stats.ChunkCount)
			fmt.Printf("occupied  %d\n", stats.Occupied)
			fmt.Printf("in-use    %d\n", stats.InUse)
			fmt.Printf("fileLen   %d\n", stats.FileLength)
			return nil
		},
	}
}

func newResetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear a table's contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer t.Close()
			return t.Reset()
		},
	}
}

func newDemoCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Set and fetch a handful of synthetic entities to exercise the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer t.Close()

			entities := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
			source := uuid.New()
			for i, id := range entities {
				shade := byte(32 * (i + 1))
				err := t.Set(id, source, func(buf imagetable.PixelBuffer) {
					for row := 0; row < buf.Height; row++ {
						rowStart := row * buf.RowStride
						for col := 0; col < buf.Width*4; col++ {
							buf.Bytes[rowStart+col] = shade
						}
					}
				})
				if err != nil {
					return fmt.Errorf("set %s: %w", id, err)
				}
				fmt.Printf("set entity=%s source=%s shade=%d\n", id, source, shade)
			}

			for _, id := range entities {
				img, err := t.Get(id, source, false)
				if err != nil {
					return fmt.Errorf("get %s: %w", id, err)
				}
				if img == nil {
					fmt.Printf("get entity=%s -> miss (evicted)\n", id)
					continue
				}
				fmt.Printf("get entity=%s -> hit\n", id)
				img.Release()
			}

			stats := t.Stats()
			fmt.Printf("final occupancy: %d/%d\n", stats.Occupied, stats.EntryCount)
			return nil
		},
	}
}
