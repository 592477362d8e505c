package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazecatch/internal/rules"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
	"github.com/good-yellow-bee/blazecatch/internal/storage"
)

var rulesJSON bool

// rulesCmd represents the rules command group
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule management commands",
	Long: `Commands for checking and inspecting filter rules.

Examples:
  # Validate a rules file (top-level "rules:" list)
  blazecatch rules validate rules.yaml

  # Show the rules persisted in the database
  blazecatch rules list -c config.yaml`,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rules file",
	Long: `Validate a YAML rules file.

Structural errors (missing id or pattern, unknown match kind, field, action
or scope, duplicate ids) fail validation. Rules whose regex or expression
does not compile are reported as disabled, since the server loads them
that way.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := rules.LoadRulesFromFile(args[0])
		if err != nil {
			return err
		}
		if rulesJSON {
			return writeJSON(cmd.OutOrStdout(), ruleViews(loaded))
		}
		printRules(cmd.OutOrStdout(), loaded)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rules",
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
			s = settings.Default()
		} else if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}

		// Stored rules are compiled so disabled ones show up as such.
		compiled := make([]rules.Rule, 0, len(s.Rules))
		for _, r := range s.Rules {
			if err := r.Compile(); err != nil {
				PrintVerbose("skipping stored rule %q: %v", r.ID, err)
				continue
			}
			compiled = append(compiled, r)
		}

		if rulesJSON {
			return writeJSON(cmd.OutOrStdout(), ruleViews(compiled))
		}
		printRules(cmd.OutOrStdout(), compiled)
		return nil
	},
}

func init() {
	rulesCmd.PersistentFlags().BoolVar(&rulesJSON, "json", false, "print rules as JSON")
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}

// ruleView is a rule plus its load-time status.
type ruleView struct {
	rules.Rule
	Active         bool   `json:"active"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

func ruleViews(rs []rules.Rule) []ruleView {
	views := make([]ruleView, len(rs))
	for i := range rs {
		views[i] = ruleView{Rule: rs[i], Active: rs[i].Active(), DisabledReason: rs[i].DisabledReason()}
	}
	return views
}

func printRules(w io.Writer, rs []rules.Rule) {
	if len(rs) == 0 {
		fmt.Fprintln(w, "No rules.")
		return
	}

	fmt.Fprintf(w, "\n%-24s  %-10s  %-8s  %-10s  %-9s  %s\n",
		"ID", "MATCH", "FIELD", "ACTION", "STATUS", "PATTERN")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	disabled := 0
	for i := range rs {
		r := &rs[i]
		status := "active"
		switch {
		case r.Disabled():
			status = "disabled"
			disabled++
		case !r.IsEnabled():
			status = "off"
		}
		fmt.Fprintf(w, "%-24s  %-10s  %-8s  %-10s  %-9s  %s\n",
			r.ID, r.MatchKind, r.Field, r.Action, status, r.Pattern)
		if r.Disabled() {
			fmt.Fprintf(w, "  -> %s\n", r.DisabledReason())
		}
	}
	fmt.Fprintf(w, "\nTotal: %d rule(s), %d disabled\n", len(rs), disabled)
}
