package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentienceapi/sentience-go/pkg/artifacts"
	"github.com/sentienceapi/sentience-go/pkg/config"
)

func newUploadCmd() *cobra.Command {
	var (
		dir        string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a persisted artifact run directory",
		Long: `Upload a persisted run directory to the remote artifact store using
the two-phase presigned-URL protocol.

The run id is derived from the directory name (<runId>-<epochMs>).

Example:
  sentience upload --dir .sentience/artifacts/run-1a2b3c4d-1760000000000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Upload.APIKey == "" {
				return fmt.Errorf("upload.apiKey is not configured (set SENTIENCE_API_KEY)")
			}

			runID := runIDFromDir(dir)
			logger := newLogger()
			uploader := artifacts.NewUploader(cfg.Upload.APIKey, cfg.Upload.APIURL, logger)
			key := uploader.Upload(context.Background(), runID, dir)
			if key == "" {
				return fmt.Errorf("upload failed for %s", dir)
			}
			fmt.Printf("Uploaded. Artifact index key: %s\n", key)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Persisted run directory (required)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")

	return cmd
}

// runIDFromDir strips the trailing -<epochMs> suffix from a run directory
// name, falling back to the whole name.
func runIDFromDir(dir string) string {
	name := filepath.Base(dir)
	if idx := strings.LastIndex(name, "-"); idx > 0 {
		suffix := name[idx+1:]
		numeric := len(suffix) > 0
		for _, r := range suffix {
			if r < '0' || r > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			return name[:idx]
		}
	}
	return name
}
