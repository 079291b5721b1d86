package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/flowsync/internal/cache"
	"github.com/hyperengineering/flowsync/internal/config"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the active board as JSON Lines",
	Long:  "Write every active task and connection from the local cache as one JSON object per line.",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output file (default: stdout)")
}

// openCacheOnly loads config and opens the local cache without touching
// the remote. Export and import work fully offline.
func openCacheOnly() (*cache.Cache, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	identity := cfg.Agent.Identity
	if identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, nil, fmt.Errorf("derive identity from hostname: %w", err)
		}
		identity = host
	}

	local, err := cache.Open(cfg.Agent.DataRoot, identity, logger)
	if err != nil {
		return nil, nil, err
	}
	return local, cfg, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	local, _, err := openCacheOnly()
	if err != nil {
		return err
	}
	defer local.Close()

	out := cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := local.Export(out); err != nil {
		return err
	}
	if exportOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", exportOutput)
	}
	return nil
}
