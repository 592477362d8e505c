package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazecatch/internal/settings"
	"github.com/good-yellow-bee/blazecatch/internal/storage"
)

var settingsOutput string

// settingsCmd represents the settings command group
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Settings import and export",
	Long: `Commands for moving settings in and out of the database.

These commands operate directly on the database file. Run them while the
server is stopped, or restart it afterwards: a running server only picks
up settings changes made through its API or its watched settings file.

Examples:
  # Back up settings and rules
  blazecatch settings export -c config.yaml -o settings.json

  # Restore them, skipping invalid rules
  blazecatch settings import -c config.yaml settings.json

  # Check a settings document without touching the database
  blazecatch settings validate settings.yaml`,
}

var settingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export settings and rules as one JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openDatabase(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := store.Settings().Load(context.Background())
		if errors.Is(err, storage.ErrNotFound) {
			PrintVerbose("no persisted settings, exporting defaults")
			s = settings.Default()
		} else if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}

		data, err := settings.Export(s)
		if err != nil {
			return err
		}

		if settingsOutput == "" || settingsOutput == "-" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		if err := os.WriteFile(settingsOutput, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", settingsOutput, err)
		}
		PrintVerbose("wrote %s", settingsOutput)
		return nil
	},
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a settings document into the database",
	Long: `Import a settings document (JSON export, or YAML with the same
structure) and store it as the current settings.

A malformed document is rejected as a whole. Individual rules that fail
validation are skipped and listed in the report.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, report, err := settings.LoadFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openDatabase(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Settings().Save(context.Background(), s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		return printReport(cmd.OutOrStdout(), report)
	},
}

var settingsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a settings document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, report, err := settings.LoadFile(args[0])
		if err != nil {
			return err
		}
		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if len(report.Skipped) > 0 {
			return fmt.Errorf("%d rule(s) would be skipped", len(report.Skipped))
		}
		return nil
	},
}

func init() {
	settingsExportCmd.Flags().StringVarP(&settingsOutput, "output", "o", "", "write to file instead of stdout")
	settingsCmd.AddCommand(settingsExportCmd)
	settingsCmd.AddCommand(settingsImportCmd)
	settingsCmd.AddCommand(settingsValidateCmd)
	rootCmd.AddCommand(settingsCmd)
}

func printReport(w io.Writer, report settings.ImportReport) error {
	if isTerminal(w) {
		fmt.Fprintf(w, "Imported %d rule(s)\n", report.Imported)
		for _, s := range report.Skipped {
			fmt.Fprintf(w, "  skipped #%d %s: %s\n", s.Index, s.ID, s.Reason)
		}
		return nil
	}
	return writeJSON(w, report)
}
