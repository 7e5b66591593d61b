package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/runner"
)

// client talks to a running tablewatchd over its HTTP API.
type client struct {
	base string
	http *http.Client
}

func (o *RootOptions) newClient() (*client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	host := cfg.Daemon.ListenAddress
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Daemon.ListenPort)),
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recipe status from the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			var snaps []runner.Snapshot
			if err := c.do(cmd.Context(), http.MethodGet, "/api/recipes", &snaps); err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(cmd.OutOrStdout(), snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recipes registered")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tSEEN\tCYCLES\tWATERMARK\tLAST ERROR")
			for _, s := range snaps {
				wm := "-"
				if !s.Watermark.IsZero() {
					wm = recipe.FormatTime(s.Watermark)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", s.Name, s.Status, s.Seen, s.Cycles, wm, s.LastError)
			}
			return tw.Flush()
		},
	}
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start [recipe]",
		Short: "Start one recipe or every registered recipe on the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var resp struct {
					Name    string `json:"name"`
					Started bool   `json:"started"`
				}
				path := "/api/recipes/" + url.PathEscape(args[0]) + "/start"
				if err := c.do(cmd.Context(), http.MethodPost, path, &resp); err != nil {
					return err
				}
				if resp.Started {
					fmt.Fprintf(out, "Started recipe: %s\n", resp.Name)
				} else {
					fmt.Fprintf(out, "Recipe %s is already running.\n", resp.Name)
				}
				return nil
			}

			var report manager.StartReport
			if err := c.do(cmd.Context(), http.MethodPost, "/api/recipes/start", &report); err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(out, report)
			}
			for _, name := range report.Started {
				fmt.Fprintf(out, "Started recipe: %s\n", name)
			}
			if len(report.Started) == 0 {
				fmt.Fprintln(out, "All recipes are already running.")
			}
			return nil
		},
	}
}

// NewStopCommand creates the stop command.
func NewStopCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <recipe>",
		Short: "Stop a running recipe on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			path := "/api/recipes/" + url.PathEscape(args[0]) + "/stop"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped recipe: %s\n", args[0])
			return nil
		},
	}
}
