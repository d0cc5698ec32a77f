package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfelinto/blender-cloud-addon/pkg/cache"
	"github.com/dfelinto/blender-cloud-addon/pkg/projector"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local caches",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and textures directory usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		hs, err := s.HTTPCache().Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		thumbs, err := cache.DirStats(s.ThumbnailDir())
		if err != nil {
			return err
		}
		textures, err := cache.DirStats(s.Projector().Root(), projector.MetaDirName)
		if err != nil {
			return err
		}

		fmt.Printf("User:        %s\n", s.UserID())
		if hs.Disabled {
			fmt.Printf("HTTP cache:  disabled\n")
		} else {
			fmt.Printf("HTTP cache:  %d responses, %s (%s)\n", hs.Entries, formatBytes(hs.Bytes), hs.Path)
		}
		fmt.Printf("Thumbnails:  %d files, %s\n", thumbs.Files, formatBytes(thumbs.Bytes))
		fmt.Printf("Textures:    %d files, %s", textures.Files, formatBytes(textures.Bytes))
		if textures.Partial > 0 {
			fmt.Printf(", %d partial", textures.Partial)
		}
		fmt.Printf(" (%s)\n", s.Projector().Root())
		fmt.Printf("Mapped:      %d entities\n", s.Projector().Index().Len())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached API responses and thumbnails",
	Long:  `Drop cached API responses and thumbnails. Synced textures are left alone.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.HTTPCache().Clear(context.Background()); err != nil {
			return fmt.Errorf("clear http cache: %w", err)
		}
		if err := os.RemoveAll(s.ThumbnailDir()); err != nil {
			return fmt.Errorf("clear thumbnails: %w", err)
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
