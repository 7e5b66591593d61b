// Package cli implements the tablewatch command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/colebrumley/tablewatch/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	RecipesDir string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tablewatch CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tablewatch",
		Short: "tablewatch - watch tables and notify on changes",
		Long: `Poll Airtable, SQLite or MySQL tables and send a webhook or NATS message
when a record is updated or a field contains given text.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("TABLEWATCH_CONFIG"), "config file (env TABLEWATCH_CONFIG)")
	cmd.PersistentFlags().StringVarP(&opts.RecipesDir, "recipes-dir", "d", os.Getenv("TABLEWATCH_RECIPES_DIR"), "recipes directory, overrides recipes.dir")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))

	return cmd
}

// loadConfig reads the config file if one was given, otherwise defaults
// plus environment overrides.
func (o *RootOptions) loadConfig() (*config.Global, error) {
	cfg, err := config.LoadGlobal(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.RecipesDir != "" {
		config.OverrideRecipesDir(cfg, o.RecipesDir)
	}
	return cfg, nil
}

func (o *RootOptions) writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
