package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the server-level configuration. Values come from an
// optional YAML file with environment variables taking precedence.
type Settings struct {
	Listen    string `yaml:"listen"`
	Workspace string `yaml:"workspace"`
	DataDir   string `yaml:"data_dir"`
	GraphPath string `yaml:"graph_path"`
	SoulPath  string `yaml:"soul_path"`

	SessionMaxLen int `yaml:"session_max_len"`

	Provider ProviderSettings `yaml:"provider"`

	ReflectionInterval time.Duration `yaml:"reflection_interval"`
	ActiveHoursStart   int           `yaml:"active_hours_start"`
	ActiveHoursEnd     int           `yaml:"active_hours_end"`
}

// ProviderSettings is the process-wide default provider; agents may
// override per-node in the graph.
type ProviderSettings struct {
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// DefaultSettings returns the built-in defaults before any file or
// environment override is applied.
func DefaultSettings() Settings {
	return Settings{
		Listen:             ":8787",
		Workspace:          ".",
		DataDir:            "data",
		GraphPath:          "system.json",
		SessionMaxLen:      80,
		Provider:           ProviderSettings{Kind: "anthropic"},
		ReflectionInterval: time.Hour,
		ActiveHoursStart:   8,
		ActiveHoursEnd:     23,
	}
}

// LoadSettings reads the YAML settings file, if present, and applies
// environment overrides. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return s, fmt.Errorf("read settings: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parse settings: %w", err)
			}
		}
	}

	applyEnv(&s)

	if s.SessionMaxLen <= 0 {
		s.SessionMaxLen = 80
	}
	if s.ReflectionInterval <= 0 {
		s.ReflectionInterval = time.Hour
	}
	if s.GraphPath != "" && !filepath.IsAbs(s.GraphPath) {
		s.GraphPath = filepath.Join(s.DataDir, s.GraphPath)
	}
	return s, nil
}

func applyEnv(s *Settings) {
	setString(&s.Listen, "LOOM_LISTEN")
	setString(&s.Workspace, "LOOM_WORKSPACE")
	setString(&s.DataDir, "LOOM_DATA_DIR")
	setString(&s.SoulPath, "LOOM_SOUL_PATH")
	setString(&s.Provider.Kind, "LOOM_PROVIDER")
	setString(&s.Provider.Model, "LOOM_MODEL")
	setString(&s.Provider.BaseURL, "LOOM_BASE_URL")
	setString(&s.Provider.APIKey, "LOOM_API_KEY")

	// Fall back to the conventional provider key variables.
	if s.Provider.APIKey == "" {
		switch s.Provider.Kind {
		case "openai":
			s.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			s.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
