package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docchat/src/core/ingest"
	"docchat/src/log"
)

var (
	ingestDir      string
	ingestCategory string
	ingestTags     []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents from a directory",
	Long: `The ingest command reads every .txt and .md file under a directory,
chunks and indexes the contents, and publishes them for retrieval.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	settingDefaultConfig()

	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory to ingest (required)")
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "", "category applied to every document")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tags", nil, "tags applied to every document")
	ingestCmd.MarkFlagRequired("dir")
}

func runIngest(cmd *cobra.Command, args []string) error {
	svcs, err := buildServices()
	if err != nil {
		return err
	}
	defer svcs.close()

	ctx := context.Background()
	if err := svcs.vectors.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := svcs.keywords.EnsureIndex(ctx); err != nil {
		return err
	}
	if err := svcs.objects.EnsureBucketExists(ctx, ingest.RawBucket); err != nil {
		return err
	}

	var paths []string
	err = filepath.Walk(ingestDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".txt" || ext == ".md" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", ingestDir, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no .txt or .md files found under %s", ingestDir)
	}

	bar := progressbar.Default(int64(len(paths)), "ingesting")
	failed := 0
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			log.Error(err, "failed to read file", "path", path)
			failed++
			bar.Add(1)
			continue
		}

		_, err = svcs.ingest.Ingest(ctx, filepath.Base(path), ingestCategory, ingestTags, string(content))
		if err != nil {
			log.Error(err, "failed to ingest file", "path", path)
			failed++
		}
		bar.Add(1)
	}

	fmt.Printf("ingested %d documents, %d failed\n", len(paths)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d documents failed to ingest", failed)
	}
	return nil
}
