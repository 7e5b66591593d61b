// internal/config/types.go
package config

// Global configuration loaded from config.yaml
type Global struct {
	Daemon  DaemonConfig  `yaml:"daemon" mapstructure:"daemon"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Recipes RecipesConfig `yaml:"recipes" mapstructure:"recipes"`
	State   StateConfig   `yaml:"state" mapstructure:"state"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	NATS    NATSConfig    `yaml:"nats" mapstructure:"nats"`
	Sources SourcesConfig `yaml:"sources" mapstructure:"sources"`
}

type DaemonConfig struct {
	LogLevel      string `yaml:"log_level" mapstructure:"log_level"`
	ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`
	ListenPort    int    `yaml:"listen_port" mapstructure:"listen_port"`
	Autostart     bool   `yaml:"autostart" mapstructure:"autostart"` // start loaded recipes without waiting for a start command
}

type LoggingConfig struct {
	Format    string `yaml:"format" mapstructure:"format"`
	File      string `yaml:"file" mapstructure:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
}

type RecipesConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval"` // e.g. "10s"
	Schedule     string `yaml:"schedule" mapstructure:"schedule"`           // cron expression, overrides poll_interval
}

type StateConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
}

type NotifyConfig struct {
	TimeoutSeconds   int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	SigningSecretEnv string `yaml:"signing_secret_env" mapstructure:"signing_secret_env"` // env var holding a whsec_ secret
}

type NATSConfig struct {
	URL                  string `yaml:"url" mapstructure:"url"`
	MaxReconnects        int    `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWaitSeconds int    `yaml:"reconnect_wait_seconds" mapstructure:"reconnect_wait_seconds"`
}

type SourcesConfig struct {
	AirtableBaseURL   string `yaml:"airtable_base_url" mapstructure:"airtable_base_url"`
	LastModifiedField string `yaml:"last_modified_field" mapstructure:"last_modified_field"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Recipe is the persisted representation of a recipe, one JSON file per
// recipe. Optional fields of the legacy format are pointers so that absent
// values round-trip as null.
type Recipe struct {
	Trigger           string  `json:"trigger"`
	Action            string  `json:"action"`
	WebhookURL        *string `json:"webhook_url"`
	BaseKey           string  `json:"base_key"`
	TableName         string  `json:"table_name"`
	APIKey            string  `json:"api_key"`
	FieldName         *string `json:"field_name"`
	TextToFind        *string `json:"text_to_find"`
	Name              string  `json:"name"`
	LastExecutionTime *string `json:"last_execution_time"`

	Source            string `json:"source,omitempty"` // airtable (default), sqlite, mysql
	DSN               string `json:"dsn,omitempty"`
	IDColumn          string `json:"id_column,omitempty"`
	LastModifiedField string `json:"last_modified_field,omitempty"`
	NATSSubject       string `json:"nats_subject,omitempty"`
	Schedule          string `json:"schedule,omitempty"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
