// Package config provides configuration loading for gatewayd.
//
// Configuration is loaded from:
// 1. A JSON file (if GATEWAYD_CONFIG_FILE or the default path exists)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - GATEWAYD_LISTEN_ADDR: HTTP/WebSocket listen address
//   - GATEWAYD_DEFAULT_SHELL: shell used when a spawn request omits one
//   - GATEWAYD_DEFAULT_CWD: working directory used when a spawn request omits one
//   - GATEWAYD_ALLOWED_SHELLS: comma-separated glob patterns
//   - GATEWAYD_ALLOWED_PATHS: comma-separated directories (a cwd is
//     allowed when it is one of them or lies beneath one)
//   - GATEWAYD_MAX_SESSIONS_PER_CLIENT: session cap per client
//   - GATEWAYD_MAX_SESSIONS_TOTAL: session cap process-wide
//   - GATEWAYD_MAX_CLIENTS_PER_SESSION: attached-client cap per session
//   - GATEWAYD_IDLE_TIMEOUT: seconds of inactivity before a session is reaped
//   - GATEWAYD_ORPHAN_TIMEOUT: seconds an orphaned session is kept before closing
//   - GATEWAYD_HISTORY_SIZE: bytes of scrollback retained per session
//   - GATEWAYD_HISTORY_ENABLED: "false" disables scrollback retention
//   - GATEWAYD_ALLOW_CONTAINER_EXEC: "true" enables container exec/attach
//   - GATEWAYD_ALLOWED_CONTAINER_PATTERNS: comma-separated regexes (each
//     falls back to an exact-or-prefix string match if it fails to compile)
//   - GATEWAYD_DEFAULT_CONTAINER_SHELL: shell used for container exec
//   - GATEWAYD_CONTAINER_RUNTIME_PATH: path to the docker-compatible binary
//   - GATEWAYD_AUTH_PROVIDER: "none", "table", "token", or "cookie"
//   - GATEWAYD_REQUIRE_AUTH: "false" allows unauthenticated connections
//   - GATEWAYD_ALLOW_ANONYMOUS: "true" allows connections with no client identity
//   - GATEWAYD_CONFIG_DIR: override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for gatewayd.
type Config struct {
	ListenAddr string `json:"listen_addr"`

	DefaultShell string   `json:"default_shell"`
	DefaultCwd   string   `json:"default_cwd"`
	AllowedShells []string `json:"allowed_shells"`
	AllowedPaths  []string `json:"allowed_paths"`

	MaxSessionsPerClient int `json:"max_sessions_per_client"`
	MaxSessionsTotal     int `json:"max_sessions_total"`
	MaxClientsPerSession int `json:"max_clients_per_session"`

	IdleTimeout   time.Duration `json:"idle_timeout"`
	OrphanTimeout time.Duration `json:"orphan_timeout"`

	HistorySize    int  `json:"history_size"`
	HistoryEnabled bool `json:"history_enabled"`

	AllowContainerExec       bool     `json:"allow_container_exec"`
	AllowedContainerPatterns []string `json:"allowed_container_patterns"`
	DefaultContainerShell    string   `json:"default_container_shell"`
	ContainerRuntimePath     string   `json:"container_runtime_path"`

	AuthProvider   string `json:"auth_provider"`
	RequireAuth    bool   `json:"require_auth"`
	AllowAnonymous bool   `json:"allow_anonymous"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":7717",

		DefaultShell:  "/bin/bash",
		DefaultCwd:    "",
		AllowedShells: []string{"/bin/bash", "/bin/sh", "/bin/zsh"},
		AllowedPaths:  nil,

		MaxSessionsPerClient: 8,
		MaxSessionsTotal:     256,
		MaxClientsPerSession: 8,

		IdleTimeout:   30 * time.Minute,
		OrphanTimeout: 5 * time.Minute,

		HistorySize:    256 * 1024,
		HistoryEnabled: true,

		AllowContainerExec:       false,
		AllowedContainerPatterns: nil,
		DefaultContainerShell:    "/bin/sh",
		ContainerRuntimePath:     "docker",

		AuthProvider:   "none",
		RequireAuth:    false,
		AllowAnonymous: true,
	}
}

// Dir returns the configuration directory, creating it if necessary.
// Respects GATEWAYD_CONFIG_DIR for testing.
func Dir() (string, error) {
	if dir := os.Getenv("GATEWAYD_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("config: create config dir: %w", err)
		}
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: determine home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".gatewayd")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("config: create config dir: %w", err)
	}
	return dir, nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from the config file (if present) and
// applies environment variable overrides. Priority: env > file > defaults.
func Load() (*Config, error) {
	cfg := Default()

	path, err := Path()
	if err == nil {
		if data, readErr := os.ReadFile(path); readErr == nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, jsonErr)
			}
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAYD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("GATEWAYD_DEFAULT_SHELL"); v != "" {
		c.DefaultShell = v
	}
	if v := os.Getenv("GATEWAYD_DEFAULT_CWD"); v != "" {
		c.DefaultCwd = v
	}
	if v := os.Getenv("GATEWAYD_ALLOWED_SHELLS"); v != "" {
		c.AllowedShells = splitCSV(v)
	}
	if v := os.Getenv("GATEWAYD_ALLOWED_PATHS"); v != "" {
		c.AllowedPaths = splitCSV(v)
	}
	if v := os.Getenv("GATEWAYD_MAX_SESSIONS_PER_CLIENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessionsPerClient = n
		}
	}
	if v := os.Getenv("GATEWAYD_MAX_SESSIONS_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessionsTotal = n
		}
	}
	if v := os.Getenv("GATEWAYD_MAX_CLIENTS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxClientsPerSession = n
		}
	}
	if v := os.Getenv("GATEWAYD_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GATEWAYD_ORPHAN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OrphanTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GATEWAYD_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HistorySize = n
		}
	}
	if v := os.Getenv("GATEWAYD_HISTORY_ENABLED"); v != "" {
		c.HistoryEnabled = parseBool(v, c.HistoryEnabled)
	}
	if v := os.Getenv("GATEWAYD_ALLOW_CONTAINER_EXEC"); v != "" {
		c.AllowContainerExec = parseBool(v, c.AllowContainerExec)
	}
	if v := os.Getenv("GATEWAYD_ALLOWED_CONTAINER_PATTERNS"); v != "" {
		c.AllowedContainerPatterns = splitCSV(v)
	}
	if v := os.Getenv("GATEWAYD_DEFAULT_CONTAINER_SHELL"); v != "" {
		c.DefaultContainerShell = v
	}
	if v := os.Getenv("GATEWAYD_CONTAINER_RUNTIME_PATH"); v != "" {
		c.ContainerRuntimePath = v
	}
	if v := os.Getenv("GATEWAYD_AUTH_PROVIDER"); v != "" {
		c.AuthProvider = v
	}
	if v := os.Getenv("GATEWAYD_REQUIRE_AUTH"); v != "" {
		c.RequireAuth = parseBool(v, c.RequireAuth)
	}
	if v := os.Getenv("GATEWAYD_ALLOW_ANONYMOUS"); v != "" {
		c.AllowAnonymous = parseBool(v, c.AllowAnonymous)
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Save writes the configuration to the config file.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
