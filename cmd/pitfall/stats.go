package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/discochess/pitfall/internal/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the analysis cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics about the disk analysis cache",
	Long: `Display statistics about the disk analysis cache including:
- Number of cached game analyses
- Total size on disk`,
	Args: cobra.NoArgs,
	RunE: runCacheStats,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	if cfg.Cache.Driver != config.DriverDisk {
		return fmt.Errorf("cache stats needs the disk driver, configured driver is %q", cfg.Cache.Driver)
	}
	objectsDir := filepath.Join(cfg.Cache.Path, "objects")

	// Check if objects directory exists.
	if _, err := os.Stat(objectsDir); os.IsNotExist(err) {
		fmt.Printf("No cache at %s yet.\n", cfg.Cache.Path)
		fmt.Println("Run 'pitfall analyze' to populate it.")
		return nil
	}

	var entries int
	var totalSize int64
	err := filepath.WalkDir(objectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".tmp-") || strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries++
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking cache directory: %w", err)
	}

	fmt.Printf("Cache directory: %s\n", cfg.Cache.Path)
	fmt.Printf("Codec:           %s\n", cfg.Cache.Codec)
	fmt.Printf("Entries:         %d\n", entries)
	fmt.Printf("Total size:      %s\n", formatBytes(totalSize))
	if entries > 0 {
		fmt.Printf("Average entry:   %s\n", formatBytes(totalSize/int64(entries)))
	}
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
