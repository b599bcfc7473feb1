// ABOUTME: Configuration loading for the qai-chat client
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Chat    ChatConfig    `toml:"chat"`
}

type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type ChatConfig struct {
	Language string `toml:"language"`
	Locale   string `toml:"locale"`
	Color    bool   `toml:"color"`
}

func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{URL: "ws://localhost:8765/ws"},
		Chat:    ChatConfig{Color: true},
	}
}

// configPath returns QAI_CHAT_CONFIG, else $XDG_CONFIG_HOME/qai/chat.toml.
func configPath() string {
	if p := os.Getenv("QAI_CHAT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "chat.toml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "qai", "chat.toml")
}

// Load reads config from the given path, expanding environment variables.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss scheme")
	}
	return nil
}
