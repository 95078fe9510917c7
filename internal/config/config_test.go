package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvTransportToken, EnvAllowedUsers, EnvMemoryURL, EnvMemoryAPIKey,
		EnvMemoryDocID, EnvClaudePath, EnvGeminiPath, EnvGPTPath,
		EnvNotifyURL, EnvNotifyToken, EnvProjectDir, EnvConfigFile,
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvTransportToken, "tok-123")
	t.Setenv(EnvAllowedUsers, "alice, bob ,")
	t.Setenv(EnvClaudePath, "/opt/bin/claude")
	t.Setenv(EnvProjectDir, "/srv/hub")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TransportToken != "tok-123" || cfg.ClaudePath != "/opt/bin/claude" {
		t.Fatalf("cfg: %+v", cfg)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[0] != "alice" || cfg.AllowedUsers[1] != "bob" {
		t.Fatalf("users: %v", cfg.AllowedUsers)
	}
	if cfg.ProjectDir != "/srv/hub" {
		t.Fatalf("project dir: %q", cfg.ProjectDir)
	}
}

func TestLoad_MissingTokenFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAllowedUsers, "alice")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "transport token") {
		t.Fatalf("err: %v", err)
	}
}

func TestLoad_MissingUsersFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvTransportToken, "tok")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "allowed users") {
		t.Fatalf("err: %v", err)
	}
}

func TestLoad_YamlOverlaidByEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	doc := `transport_token: from-yaml
allowed_users: [alice]
memory_service_url: http://yaml:8080
gemini_path: /yaml/gemini
project_dir: /yaml/project
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvMemoryURL, "http://env:9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TransportToken != "from-yaml" || cfg.GeminiPath != "/yaml/gemini" {
		t.Fatalf("yaml values lost: %+v", cfg)
	}
	if cfg.MemoryServiceURL != "http://env:9090" {
		t.Fatalf("env did not win: %q", cfg.MemoryServiceURL)
	}
}

func TestAllowed(t *testing.T) {
	cfg := &Config{AllowedUsers: []string{"alice"}}
	if !cfg.Allowed("alice") || cfg.Allowed("mallory") {
		t.Fatalf("allow list broken")
	}
}
