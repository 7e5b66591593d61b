package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/logging"
	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/state"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the recipes directory and a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := rootOpts.ConfigPath
			if configPath == "" {
				configPath = "tablewatch.yaml"
			}
			cfg := config.Defaults()
			if rootOpts.RecipesDir != "" {
				config.OverrideRecipesDir(cfg, rootOpts.RecipesDir)
			}

			if err := os.MkdirAll(cfg.Recipes.Dir, 0700); err != nil {
				return fmt.Errorf("creating recipes directory: %w", err)
			}
			if err := os.Chmod(cfg.Recipes.Dir, 0700); err != nil {
				return fmt.Errorf("setting recipes directory permissions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recipes directory: %s\n", cfg.Recipes.Dir)

			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Config %s already exists\n", configPath)
				return nil
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", configPath)
			return nil
		},
	}
}

type recipeSummary struct {
	Name          string `json:"name"`
	Trigger       string `json:"trigger"`
	Action        string `json:"action"`
	Source        string `json:"source"`
	Table         string `json:"table"`
	LastExecution string `json:"last_execution,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recipes in the recipes directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			configs, failed, err := config.LoadRecipesDir(cfg.Recipes.Dir)
			if err != nil {
				return err
			}
			for file, ferr := range failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", file, ferr)
			}

			var out []recipeSummary
			for _, c := range configs {
				r, err := recipe.New(c)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", c.Name, err)
					continue
				}
				s := recipeSummary{
					Name:    r.Name,
					Trigger: string(r.Trigger.Kind),
					Action:  string(r.Action.Kind),
					Source:  r.Connection.Source,
					Table:   r.Connection.TableName,
				}
				if !r.LastExecution.IsZero() {
					s.LastExecution = recipe.FormatTime(r.LastExecution)
				}
				out = append(out, s)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(cmd.OutOrStdout(), out)
			}
			if len(out) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recipes found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRIGGER\tACTION\tSOURCE\tTABLE")
			for _, s := range out {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Trigger, s.Action, s.Source, s.Table)
			}
			return tw.Flush()
		},
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [recipe]",
		Short: "Validate one recipe or every recipe",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				c, err := config.LoadRecipe(config.RecipePath(cfg.Recipes.Dir, args[0]))
				if err != nil {
					return fmt.Errorf("invalid recipe %s: %w", args[0], err)
				}
				if _, err := recipe.New(c); err != nil {
					return fmt.Errorf("invalid recipe %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recipe '%s' is valid\n", args[0])
				return nil
			}

			configs, failed, err := config.LoadRecipesDir(cfg.Recipes.Dir)
			if err != nil {
				return err
			}
			var problems []string
			for file, ferr := range failed {
				problems = append(problems, fmt.Sprintf("%s: %v", file, ferr))
			}
			for _, c := range configs {
				if _, err := recipe.New(c); err != nil {
					problems = append(problems, err.Error())
				}
			}
			sort.Strings(problems)
			for _, p := range problems {
				fmt.Fprintln(cmd.ErrOrStderr(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validated %d recipes, %d invalid\n", len(configs)+len(failed), len(problems))
			if len(problems) > 0 {
				return errors.New("some recipes are invalid")
			}
			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [recipe]",
		Short: "Show recent dispatches from the state database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.State.Path); err != nil {
				return fmt.Errorf("no history at %s: %w", cfg.State.Path, err)
			}
			db, err := state.Open(cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			var name string
			if len(args) == 1 {
				name = args[0]
			}
			records, err := db.GetHistory(cmd.Context(), name, limit)
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dispatches recorded")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tRECIPE\tRECORD\tSTATUS\tCODE\tERROR")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.DispatchedAt.Format(time.DateTime), r.Recipe, r.RecordID, r.Status, r.StatusCode, r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of dispatches")
	return cmd
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Logging.File == "" {
				return errors.New("logging.file is not set")
			}
			out, err := logging.Tail(cfg.Logging.File, lines)
			if err != nil {
				return err
			}
			if len(out) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, "\n"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines, 0 for all")
	return cmd
}
