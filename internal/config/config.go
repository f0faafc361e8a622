package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// Default returns the built-in configuration.
func Default() *types.Config {
	return &types.Config{
		Server: types.ServerConfig{
			Host:      "127.0.0.1",
			Port:      8420,
			Heartbeat: types.Duration(30 * time.Second),
		},
		Log: types.LogConfig{Level: "info"},
		Session: types.SessionConfig{
			Timeout:    types.Duration(5 * time.Minute),
			DrainGrace: types.Duration(50 * time.Millisecond),
			Retention:  types.Duration(2 * time.Minute),
			MaxPending: 4096,
		},
		Persist: types.PersistConfig{
			Attempts:        3,
			InitialInterval: types.Duration(100 * time.Millisecond),
			WriteTimeout:    types.Duration(5 * time.Second),
			FinalizeTimeout: types.Duration(30 * time.Second),
		},
		Store: types.StoreConfig{
			Driver: "file",
			Path:   GetPaths().StoragePath(),
			Prefix: "turnstream",
		},
		Model: types.ModelConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
			MaxRounds: 8,
		},
		Tools: types.ToolsConfig{
			Timeout: types.Duration(30 * time.Second),
			WebFetch: types.WebFetchConfig{
				MaxBytes:  5 << 20,
				UserAgent: "turnstream/1.0",
			},
		},
		Metrics: types.MetricsConfig{
			Exporter: "none",
			Interval: types.Duration(time.Minute),
		},
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/turnstream/)
// 3. Project config (turnstream.* and .turnstream/)
// 4. TURNSTREAM_CONFIG file
// 5. TURNSTREAM_CONFIG_CONTENT inline JSON
// 6. Environment variables
//
// Each source is decoded on top of the previous result, so a file only needs
// to carry the keys it changes.
func Load(directory string) (*types.Config, error) {
	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var candidates []string
	for _, name := range configFileNames {
		candidates = append(candidates, filepath.Join(GetPaths().Config, name))
	}
	if directory != "" {
		for _, name := range configFileNames {
			candidates = append(candidates, filepath.Join(directory, name))
		}
		for _, name := range configFileNames {
			candidates = append(candidates, filepath.Join(directory, ".turnstream", name))
		}
	}
	if configPath := os.Getenv("TURNSTREAM_CONFIG"); configPath != "" {
		candidates = append(candidates, configPath)
	}

	for _, path := range candidates {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("TURNSTREAM_CONFIG_CONTENT"); content != "" {
		data := interpolate([]byte(content), directory)
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("TURNSTREAM_CONFIG_CONTENT: %w", err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

var configFileNames = []string{
	"turnstream.json",
	"turnstream.jsonc",
	"turnstream.yaml",
	"turnstream.yml",
}

// loadConfigFile decodes one config file on top of config.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data, filepath.Dir(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), config)
	}
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for a quoted string
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// providerKeyEnv maps model providers to their API key variables.
var providerKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"ark":       "ARK_API_KEY",
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	if v := os.Getenv("TURNSTREAM_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("TURNSTREAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TURNSTREAM_PORT: %w", err)
		}
		config.Server.Port = port
	}
	if v := os.Getenv("TURNSTREAM_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("TURNSTREAM_STORE_DRIVER"); v != "" {
		config.Store.Driver = v
	}
	if v := os.Getenv("TURNSTREAM_STORE_DSN"); v != "" {
		config.Store.DSN = v
	}
	if v := os.Getenv("TURNSTREAM_PROVIDER"); v != "" {
		config.Model.Provider = v
	}
	if v := os.Getenv("TURNSTREAM_MODEL"); v != "" {
		config.Model.Model = v
	}
	if config.Model.APIKey == "" {
		if envVar, ok := providerKeyEnv[config.Model.Provider]; ok {
			config.Model.APIKey = os.Getenv(envVar)
		}
	}
	return nil
}

var (
	storeDrivers   = []string{"file", "sqlite", "postgres", "mysql", "redis"}
	modelProviders = []string{"anthropic", "openai", "ark", "script"}
	exporters      = []string{"", "none", "stdout"}
)

// Validate checks a loaded configuration for values the server cannot run with.
func Validate(config *types.Config) error {
	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", config.Server.Port)
	}
	if !slices.Contains(storeDrivers, config.Store.Driver) {
		return fmt.Errorf("unknown store.driver %q", config.Store.Driver)
	}
	if !slices.Contains(modelProviders, config.Model.Provider) {
		return fmt.Errorf("unknown model.provider %q", config.Model.Provider)
	}
	if !slices.Contains(exporters, config.Metrics.Exporter) {
		return fmt.Errorf("unknown metrics.exporter %q", config.Metrics.Exporter)
	}
	if config.Persist.Attempts < 1 {
		return fmt.Errorf("persist.attempts must be at least 1")
	}
	if config.Session.MaxPending < 0 {
		return fmt.Errorf("session.maxPending must not be negative")
	}
	return nil
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
