package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/colebrumley/tablewatch/internal/daemon"
	"github.com/colebrumley/tablewatch/internal/logging"
	"github.com/colebrumley/tablewatch/internal/shell"
)

// NewShellCommand creates the shell command. Recipes started from the shell
// run in this process and stop when the shell exits.
func NewShellCommand(rootOpts *RootOptions) *cobra.Command {
	var logLines int
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt to create, start and inspect recipes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			// Logs go to the file only so they do not interleave with the prompt.
			var logOut io.Writer = io.Discard
			if cfg.Logging.File != "" {
				maxSize := cfg.Logging.MaxSizeMB
				if maxSize <= 0 {
					maxSize = 50
				}
				rw, err := logging.NewRotatingWriter(cfg.Logging.File, int64(maxSize)*1024*1024)
				if err != nil {
					return err
				}
				defer rw.Close()
				logOut = rw
			}
			logger := logging.NewLogger(cfg.Logging.Format, cfg.Daemon.LogLevel, logOut)

			engine, err := daemon.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			if _, err := engine.LoadRecipes(); err != nil {
				logger.Warn("loading recipes", "error", err)
			}

			sh := shell.New(shell.Options{
				In:       cmd.InOrStdin(),
				Out:      cmd.OutOrStdout(),
				Recipes:  engine.Manager,
				Save:     engine.SaveRecipe,
				LogPath:  cfg.Logging.File,
				LogLines: logLines,
				Logger:   logger,
			})
			return sh.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&logLines, "log-lines", "n", 0, "lines shown by the logs command, 0 for all")
	return cmd
}
