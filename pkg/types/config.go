package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the turnstream configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Session SessionConfig `json:"session" yaml:"session"`
	Persist PersistConfig `json:"persist" yaml:"persist"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Model   ModelConfig   `json:"model" yaml:"model"`
	Tools   ToolsConfig   `json:"tools" yaml:"tools"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string   `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int      `json:"port,omitempty" yaml:"port,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty"`
	// Heartbeat is the keep-alive interval for SSE and WebSocket subscribers.
	Heartbeat Duration `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"` // debug|info|warn|error
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// SessionConfig bounds the lifetime of a session and its event stream.
type SessionConfig struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// DrainGrace is how long to wait for stray elements after the model stream ends.
	DrainGrace Duration `json:"drainGrace,omitempty" yaml:"drainGrace,omitempty"`
	// CheckpointEvery writes a checkpoint after this many fragments. Zero disables it.
	CheckpointEvery int `json:"checkpointEvery,omitempty" yaml:"checkpointEvery,omitempty"`
	// Retention keeps finished event streams around for late subscribers.
	Retention  Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
	MaxPending int      `json:"maxPending,omitempty" yaml:"maxPending,omitempty"`
}

// PersistConfig configures the persistence synchronizer.
type PersistConfig struct {
	Attempts        int      `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	InitialInterval Duration `json:"initialInterval,omitempty" yaml:"initialInterval,omitempty"`
	WriteTimeout    Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	FinalizeTimeout Duration `json:"finalizeTimeout,omitempty" yaml:"finalizeTimeout,omitempty"`
}

// StoreConfig selects the durable store driver.
type StoreConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // file|sqlite|postgres|mysql|redis
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Path is the base directory of the file driver.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Prefix namespaces redis keys.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// TTL expires redis turn records. Zero keeps them forever.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"` // anthropic|openai|ark|script
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	// MaxRounds bounds the number of tool round trips per session.
	MaxRounds int    `json:"maxRounds,omitempty" yaml:"maxRounds,omitempty"`
	System    string `json:"system,omitempty" yaml:"system,omitempty"`
	// Script is the YAML script file used by the script provider.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
	// RateLimit is the number of streams opened per second. Zero disables limiting.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Burst     int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// ToolsConfig configures tool invocation.
type ToolsConfig struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Fatal marks tools whose failure ends the session with an error.
	Fatal    map[string]bool `json:"fatal,omitempty" yaml:"fatal,omitempty"`
	Disabled []string        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	WebFetch WebFetchConfig  `json:"webfetch,omitempty" yaml:"webfetch,omitempty"`
}

// WebFetchConfig configures the webfetch tool.
type WebFetchConfig struct {
	MaxBytes  int64  `json:"maxBytes,omitempty" yaml:"maxBytes,omitempty"`
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}

// MetricsConfig configures OpenTelemetry metric export. Recorded values are
// always readable from GET /metrics.
type MetricsConfig struct {
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty"` // none|stdout
	// Interval is the export period of a push exporter.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Duration is a time.Duration written as a string ("30s") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
