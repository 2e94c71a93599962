package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/fetch"
)

func newMirrorCmd() *cobra.Command {
	var blobPath string
	cmd := &cobra.Command{
		Use:   "mirror SCRIPT",
		Short: "Upload a widget script to blob storage and print its azblob:// location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Fetch.BlobConnectionString == "" {
				return fmt.Errorf("ADORN_BLOB_CONNECTION_STRING is not set")
			}
			script, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			if blobPath == "" {
				blobPath = filepath.Base(args[0])
			}

			blobs, err := fetch.NewBlobFetcher(cfg.Fetch.BlobConnectionString, cfg.Fetch.BlobContainer, logger)
			if err != nil {
				return err
			}
			location, err := blobs.Mirror(cmd.Context(), blobPath, script, map[string]string{"source": filepath.Base(args[0])})
			if err != nil {
				return err
			}
			logger.Debug("Script mirrored", zap.String("location", location))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), location)
			return err
		},
	}
	cmd.Flags().StringVar(&blobPath, "path", "", "Blob path (default: the script's file name)")
	return cmd
}
