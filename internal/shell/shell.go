// Package shell is the interactive prompt for creating and starting recipes.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/logging"
	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/recipe"
)

// Recipes is the part of the manager the shell drives.
type Recipes interface {
	StartAll(ctx context.Context) manager.StartReport
	Status() []manager.Entry
}

// SaveFunc persists and registers a new recipe.
type SaveFunc func(c *config.Recipe) (recipe.Recipe, error)

// Options configures a Shell.
type Options struct {
	In       io.Reader
	Out      io.Writer
	Recipes  Recipes
	Save     SaveFunc
	LogPath  string
	LogLines int // 0 prints the whole file
	Logger   *slog.Logger
}

// Shell reads commands until exit or end of input.
type Shell struct {
	in       *bufio.Scanner
	out      io.Writer
	recipes  Recipes
	save     SaveFunc
	logPath  string
	logLines int
	logger   *slog.Logger
}

type option struct {
	value       string
	description string
}

var triggerOptions = []option{
	{string(recipe.RecordUpdated), "Triggered when a record is created or updated"},
	{string(recipe.FieldContainsText), "Find a record containing given text in a field"},
}

var actionOptions = []option{
	{string(recipe.Webhook), "Send a webhook to a URL"},
	{string(recipe.NATS), "Publish to a NATS subject"},
}

// errQuit ends the session when input runs out mid-command.
var errQuit = errors.New("input closed")

// New creates a shell.
func New(opts Options) *Shell {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Shell{
		in:       bufio.NewScanner(opts.In),
		out:      opts.Out,
		recipes:  opts.Recipes,
		save:     opts.Save,
		logPath:  opts.LogPath,
		logLines: opts.LogLines,
		logger:   opts.Logger,
	}
}

// Run prints the menu and dispatches commands. Runners started here are
// bound to ctx. A failing command is reported and the prompt continues.
func (s *Shell) Run(ctx context.Context) error {
	s.menu()
	for {
		cmd, err := s.prompt("Enter a command: ")
		if err != nil {
			return nil
		}

		switch strings.TrimSpace(cmd) {
		case "create":
			if err := s.create(); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				s.printf("Could not create recipe: %v\n", err)
			}
		case "start":
			s.start(ctx)
		case "status":
			s.status()
		case "logs":
			s.logs()
		case "exit":
			return nil
		case "":
		default:
			s.printf("Unknown command. Please try again.\n")
			s.menu()
		}
	}
}

func (s *Shell) menu() {
	s.printf("Available commands:\n")
	s.printf("  create - Create a new recipe\n")
	s.printf("  start  - Start all recipes\n")
	s.printf("  status - View status of all recipes\n")
	s.printf("  logs   - View the logs\n")
	s.printf("  exit   - Exit\n")
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) prompt(label string) (string, error) {
	s.printf("%s", label)
	if !s.in.Scan() {
		return "", errQuit
	}
	return strings.TrimSpace(s.in.Text()), nil
}

func (s *Shell) choose(options []option) (string, error) {
	for i, o := range options {
		s.printf("%d: %s\n", i+1, o.description)
	}
	for {
		answer, err := s.prompt("Choose an option by entering the corresponding number: ")
		if err != nil {
			return "", err
		}
		n, err := strconv.Atoi(answer)
		if err != nil {
			s.printf("Please enter a valid number.\n")
			continue
		}
		if n < 1 || n > len(options) {
			s.printf("Invalid choice. Please choose a valid option.\n")
			continue
		}
		return options[n-1].value, nil
	}
}

func (s *Shell) create() error {
	s.printf("Creating a new recipe...\n")
	c := &config.Recipe{}
	var err error

	s.printf("Step 1: Choose a trigger\n")
	if c.Trigger, err = s.choose(triggerOptions); err != nil {
		return err
	}
	s.printf("\nStep 2: Choose an action\n")
	if c.Action, err = s.choose(actionOptions); err != nil {
		return err
	}

	var answer string
	if c.Action == string(recipe.NATS) {
		if c.NATSSubject, err = s.prompt("\nStep 3: Enter the NATS subject: "); err != nil {
			return err
		}
	} else {
		if answer, err = s.prompt("\nStep 3: Enter the webhook URL: "); err != nil {
			return err
		}
		c.WebhookURL = config.StringPtr(answer)
	}

	if c.BaseKey, err = s.prompt("Step 4: Enter the Airtable base key: "); err != nil {
		return err
	}
	if c.TableName, err = s.prompt("Step 5: Enter the Airtable table name: "); err != nil {
		return err
	}
	if c.APIKey, err = s.prompt("Step 6: Enter the Airtable API key: "); err != nil {
		return err
	}

	if c.Trigger == string(recipe.FieldContainsText) {
		if answer, err = s.prompt("Step 7: Enter the field name to search in: "); err != nil {
			return err
		}
		c.FieldName = config.StringPtr(answer)
		if answer, err = s.prompt("Step 8: Enter the text to find in the field: "); err != nil {
			return err
		}
		c.TextToFind = config.StringPtr(answer)
	}

	if c.Name, err = s.prompt("Step 9: Enter a name for this recipe: "); err != nil {
		return err
	}

	r, err := s.save(c)
	if err != nil {
		return err
	}
	s.logger.Info("recipe created", "recipe", r.Name)
	s.printf("Recipe '%s' created.\n", r.Name)
	return nil
}

func (s *Shell) start(ctx context.Context) {
	report := s.recipes.StartAll(ctx)
	switch {
	case len(report.Started) == 0 && len(report.AlreadyActive) == 0:
		s.printf("No recipes to start.\n")
	case len(report.Started) == 0:
		s.printf("All recipes are already running.\n")
	default:
		for _, name := range report.Started {
			s.printf("Recipe %s started.\n", name)
		}
		for _, name := range report.AlreadyActive {
			s.printf("Recipe %s is already running.\n", name)
		}
	}
}

func (s *Shell) status() {
	entries := s.recipes.Status()
	if len(entries) == 0 {
		s.printf("No recipes loaded.\n")
		return
	}
	for _, e := range entries {
		s.printf("Recipe %s is %s\n", e.Name, e.Status)
		s.logger.Info("recipe status", "recipe", e.Name, "status", e.Status)
	}
}

func (s *Shell) logs() {
	if s.logPath == "" {
		s.printf("No log file configured.\n")
		return
	}
	lines, err := logging.Tail(s.logPath, s.logLines)
	if err != nil {
		s.printf("Could not read logs: %v\n", err)
		return
	}
	for _, line := range lines {
		s.printf("%s\n", line)
	}
}
