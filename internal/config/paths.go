package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for turnstream data.
type Paths struct {
	Data   string // ~/.local/share/turnstream
	Config string // ~/.config/turnstream
	State  string // ~/.local/state/turnstream
}

// GetPaths returns the standard paths for turnstream data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "turnstream"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "turnstream"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "turnstream"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath returns the directory used by the file store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// DatabasePath returns the default sqlite database file.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "turnstream.db")
}

// LogPath returns the default log file.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "turnstream.log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "turnstream.json")
}
