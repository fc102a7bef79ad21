// Command mentorchat is the terminal client for the English mentor.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mentorchat/internal/app"
	"mentorchat/internal/config"
)

// terminalClient labels the client record that owns keys saved from the CLI.
const terminalClient = "terminal"

var (
	configPath string
	dbType     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mentorchat",
	Short: "Practice English with an AI mentor",
	Long: `mentorchat talks to Gemini as a friendly English mentor.

Run "mentorchat chat" to start a conversation. The API key is read from
the key saved with "mentorchat key set", then from the config file, then
from GEMINI_API_KEY.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(nopWriter{})
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MENTORCHAT_CONFIG"), "path to config.json")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("MENTORCHAT_DB", "sqlite3"), "database type (sqlite3 or mysql)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print service logs")

	rootCmd.AddCommand(chatCmd, keyCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(cfg, dbType)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
