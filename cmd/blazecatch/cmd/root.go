// Package cmd contains the CLI commands for blazecatch.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/good-yellow-bee/blazecatch/internal/storage"
)

var (
	// Used for flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blazecatch",
	Short: "BlazeCatch - per-tab error capture and grouping service",
	Long: `BlazeCatch receives raw error captures from browser tabs, normalizes
them into fingerprinted events, filters them through user rules, throttles
error storms and groups repeats, then streams the results to subscribers.

Examples:
  # Run the server
  blazecatch serve -c config.yaml

  # Check a rules or settings file before deploying it
  blazecatch rules validate settings.yaml

  # Back up persisted settings
  blazecatch settings export -c config.yaml > settings.json`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the --config file, or returns defaults without one.
func loadConfig() (*Config, error) {
	var cfg *Config
	if configFile != "" {
		var err error
		cfg, err = LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = DefaultConfig()
	}
	cfg.Verbose = verbose
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openDatabase opens and migrates the SQLite store, creating its directory.
func openDatabase(path string) (*storage.SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store := storage.NewSQLiteStorage(path)
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// writeJSON encodes v to w, indented when w is a terminal.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if isTerminal(w) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// PrintVerbose prints a message to stderr only if verbose mode is enabled.
func PrintVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
