package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docchat",
	Short: "Document question answering over your own files",
	Long: `docchat ingests plain-text documents, indexes them for hybrid
semantic and keyword search, and answers questions about them with
cited sources over an HTTP API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
