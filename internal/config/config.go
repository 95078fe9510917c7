// Package config loads hub settings from the environment, optionally
// overlaid by a YAML file. A .env file in the working directory is
// honored for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is everything the hub needs to start.
type Config struct {
	// TransportToken identifies the chat-transport identity. Required.
	TransportToken string `yaml:"transport_token"`
	// AllowedUsers are the identities permitted to command the hub.
	// Required, comma-separated in the environment.
	AllowedUsers []string `yaml:"allowed_users"`

	MemoryServiceURL string `yaml:"memory_service_url"`
	MemoryAPIKey     string `yaml:"memory_api_key"`
	MemoryDocID      string `yaml:"memory_doc_id"`

	ClaudePath string `yaml:"claude_path"`
	GeminiPath string `yaml:"gemini_path"`
	GPTPath    string `yaml:"gpt_path"`

	NotifyURL   string `yaml:"notify_url"`
	NotifyToken string `yaml:"notify_token"`

	// ProjectDir anchors the work-state journal. Defaults to the
	// working directory.
	ProjectDir string `yaml:"project_dir"`
	// ProjectGuide is free text injected into the system context.
	ProjectGuide string `yaml:"project_guide"`
}

// Environment variable names.
const (
	EnvTransportToken = "AIHUB_TRANSPORT_TOKEN"
	EnvAllowedUsers   = "AIHUB_ALLOWED_USERS"
	EnvMemoryURL      = "AIHUB_MEMORY_URL"
	EnvMemoryAPIKey   = "AIHUB_MEMORY_API_KEY"
	EnvMemoryDocID    = "AIHUB_MEMORY_DOC_ID"
	EnvClaudePath     = "AIHUB_CLAUDE_PATH"
	EnvGeminiPath     = "AIHUB_GEMINI_PATH"
	EnvGPTPath        = "AIHUB_GPT_PATH"
	EnvNotifyURL      = "AIHUB_NOTIFY_URL"
	EnvNotifyToken    = "AIHUB_NOTIFY_TOKEN"
	EnvProjectDir     = "AIHUB_PROJECT_DIR"
	EnvConfigFile     = "AIHUB_CONFIG"
)

// Load reads configuration: .env (if present), then the YAML file named
// by AIHUB_CONFIG (if any), then environment variables, which win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlay := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.TransportToken, EnvTransportToken)
	overlay(&cfg.MemoryServiceURL, EnvMemoryURL)
	overlay(&cfg.MemoryAPIKey, EnvMemoryAPIKey)
	overlay(&cfg.MemoryDocID, EnvMemoryDocID)
	overlay(&cfg.ClaudePath, EnvClaudePath)
	overlay(&cfg.GeminiPath, EnvGeminiPath)
	overlay(&cfg.GPTPath, EnvGPTPath)
	overlay(&cfg.NotifyURL, EnvNotifyURL)
	overlay(&cfg.NotifyToken, EnvNotifyToken)
	overlay(&cfg.ProjectDir, EnvProjectDir)
	if v := os.Getenv(EnvAllowedUsers); v != "" {
		cfg.AllowedUsers = splitUsers(v)
	}

	if cfg.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: resolve working directory: %w", err)
		}
		cfg.ProjectDir = wd
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.TransportToken) == "" {
		return errors.New("config: transport token missing (" + EnvTransportToken + ")")
	}
	if len(c.AllowedUsers) == 0 {
		return errors.New("config: allowed users missing (" + EnvAllowedUsers + ")")
	}
	return nil
}

// Allowed reports whether userID may command the hub.
func (c *Config) Allowed(userID string) bool {
	for _, u := range c.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

func splitUsers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
