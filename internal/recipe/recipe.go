// Package recipe defines the immutable trigger/action binding a runner
// executes, and the conversion to and from its persisted form.
package recipe

import (
	"net/url"
	"strings"
	"time"

	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/template"
)

// TriggerKind selects how records are evaluated.
type TriggerKind string

const (
	RecordUpdated     TriggerKind = "record_updated"
	FieldContainsText TriggerKind = "field_contains_text"
)

// ActionKind selects where a notification goes.
type ActionKind string

const (
	Webhook ActionKind = "webhook"
	NATS    ActionKind = "nats"
)

// Source kinds understood by the source registry.
const (
	SourceAirtable = "airtable"
	SourceSQLite   = "sqlite"
	SourceMySQL    = "mysql"
)

var triggerAliases = map[string]TriggerKind{
	"record_updated":          RecordUpdated,
	"record-updated":          RecordUpdated,
	"airtable_record_updated": RecordUpdated,
	"field_contains_text":     FieldContainsText,
	"field-contains-text":     FieldContainsText,
	"find_record":             FieldContainsText,
}

var actionAliases = map[string]ActionKind{
	"webhook":      Webhook,
	"send_webhook": Webhook,
	"nats":         NATS,
}

// Trigger carries only the parameters its kind needs.
type Trigger struct {
	Kind       TriggerKind
	FieldName  string // FieldContainsText only
	TextToFind string // FieldContainsText only
}

// Action is a notification target: a webhook URL or a NATS subject.
type Action struct {
	Kind     ActionKind
	Endpoint string
}

// Connection is handed to the data source untouched.
type Connection struct {
	Source            string
	BaseKey           string
	TableName         string
	APIKey            string
	DSN               string
	IDColumn          string
	LastModifiedField string
}

// Recipe is a named trigger/action binding to one table. Values are copied
// into runners, so a Recipe never changes after New returns it.
type Recipe struct {
	Name       string
	Trigger    Trigger
	Action     Action
	Connection Connection
	Schedule   string

	// LastExecution is the persisted watermark floor; zero when never run.
	LastExecution time.Time
}

// New validates a persisted recipe and builds the runtime value. Every
// failure is a *ConfigurationError.
func New(c *config.Recipe) (Recipe, error) {
	r := Recipe{Name: strings.TrimSpace(c.Name), Schedule: c.Schedule}
	if r.Name == "" {
		return Recipe{}, configErr("", "name", c.Name, "name is required")
	}

	kind, ok := triggerAliases[c.Trigger]
	if !ok {
		return Recipe{}, configErr(r.Name, "trigger", c.Trigger, "unknown trigger kind")
	}
	r.Trigger = Trigger{Kind: kind}
	if kind == FieldContainsText {
		r.Trigger.FieldName = config.Deref(c.FieldName)
		r.Trigger.TextToFind = config.Deref(c.TextToFind)
		if r.Trigger.FieldName == "" {
			return Recipe{}, configErr(r.Name, "field_name", "", "field_contains_text requires field_name")
		}
		if r.Trigger.TextToFind == "" {
			return Recipe{}, configErr(r.Name, "text_to_find", "", "field_contains_text requires text_to_find")
		}
	}

	action, ok := actionAliases[c.Action]
	if !ok {
		return Recipe{}, configErr(r.Name, "action", c.Action, "unknown action kind")
	}
	r.Action = Action{Kind: action}
	switch action {
	case Webhook:
		endpoint := config.Deref(c.WebhookURL)
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Recipe{}, configErr(r.Name, "webhook_url", endpoint, "webhook requires an http(s) URL")
		}
		r.Action.Endpoint = endpoint
	case NATS:
		if c.NATSSubject == "" {
			return Recipe{}, configErr(r.Name, "nats_subject", "", "nats action requires nats_subject")
		}
		if unknown := template.Unknown(c.NATSSubject, "recipe", "record_id"); len(unknown) > 0 {
			return Recipe{}, configErr(r.Name, "nats_subject", c.NATSSubject, "unknown placeholder {{"+unknown[0]+"}}")
		}
		r.Action.Endpoint = c.NATSSubject
	}

	r.Connection = Connection{
		Source:            c.Source,
		BaseKey:           c.BaseKey,
		TableName:         c.TableName,
		APIKey:            c.APIKey,
		DSN:               c.DSN,
		IDColumn:          c.IDColumn,
		LastModifiedField: c.LastModifiedField,
	}
	if r.Connection.Source == "" {
		r.Connection.Source = SourceAirtable
	}
	if err := validateConnection(r.Name, r.Connection); err != nil {
		return Recipe{}, err
	}

	if ts := config.Deref(c.LastExecutionTime); ts != "" {
		t, err := ParseTime(ts)
		if err != nil {
			return Recipe{}, configErr(r.Name, "last_execution_time", ts, "unparseable timestamp")
		}
		r.LastExecution = t
	}

	return r, nil
}

func validateConnection(name string, c Connection) error {
	switch c.Source {
	case SourceAirtable:
		if c.BaseKey == "" {
			return configErr(name, "base_key", "", "airtable source requires base_key")
		}
	case SourceSQLite, SourceMySQL:
		if c.DSN == "" {
			return configErr(name, "dsn", "", c.Source+" source requires dsn")
		}
	default:
		return configErr(name, "source", c.Source, "unknown source kind")
	}
	if c.TableName == "" {
		return configErr(name, "table_name", "", "table_name is required")
	}
	return nil
}

// Config converts r back to its persisted form.
func (r Recipe) Config() *config.Recipe {
	c := &config.Recipe{
		Name:              r.Name,
		Trigger:           string(r.Trigger.Kind),
		Action:            string(r.Action.Kind),
		BaseKey:           r.Connection.BaseKey,
		TableName:         r.Connection.TableName,
		APIKey:            r.Connection.APIKey,
		FieldName:         config.StringPtr(r.Trigger.FieldName),
		TextToFind:        config.StringPtr(r.Trigger.TextToFind),
		DSN:               r.Connection.DSN,
		IDColumn:          r.Connection.IDColumn,
		LastModifiedField: r.Connection.LastModifiedField,
		Schedule:          r.Schedule,
	}
	if r.Connection.Source != SourceAirtable {
		c.Source = r.Connection.Source
	}
	switch r.Action.Kind {
	case Webhook:
		c.WebhookURL = config.StringPtr(r.Action.Endpoint)
	case NATS:
		c.NATSSubject = r.Action.Endpoint
	}
	if !r.LastExecution.IsZero() {
		c.LastExecutionTime = config.StringPtr(FormatTime(r.LastExecution))
	}
	return c
}

// WithLastExecution returns a copy of r carrying a new watermark floor.
func (r Recipe) WithLastExecution(t time.Time) Recipe {
	r.LastExecution = Normalize(t)
	return r
}
