package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pdf2md",
	Short: "Convert PDF attachments in a Feishu Bitable table to Markdown",
	Long: `pdf2md finds table rows that have a PDF in the origin column and empty
target columns, converts each PDF to Markdown through Doc2X, and writes the
Markdown text and the converted archive back to the row.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $APP_CONFIG_PATH or ./config.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, recordCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
