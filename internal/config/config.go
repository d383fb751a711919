// Package config provides YAML-based configuration loading for Agora.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvToken        = "AGORA_TOKEN"
	EnvDiscordToken = "AGORA_DISCORD_TOKEN"
	EnvSlackToken   = "AGORA_SLACK_TOKEN"
)

// Config is the top-level Agora configuration, loaded from agora.yaml. The
// server section is used by `agora serve`, the client section by the viewer
// commands.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures the discussion hub.
type ServerConfig struct {
	Addr         string          `yaml:"addr"`
	Database     DatabaseConfig  `yaml:"database"`
	Tokens       []TokenConfig   `yaml:"tokens"`
	SendRate     float64         `yaml:"send_rate"` // messages per second per connection
	SendBurst    int             `yaml:"send_burst"`
	MaxContent   int             `yaml:"max_content"` // characters
	HistoryLimit int             `yaml:"history_limit"`
	Retention    RetentionConfig `yaml:"retention"`
	Relay        RelayConfig     `yaml:"relay"`
}

// DatabaseConfig selects and locates the message store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// TokenConfig maps a bearer token to the identity it authenticates.
type TokenConfig struct {
	Token    string `yaml:"token"`
	UserID   string `yaml:"user_id"`
	Name     string `yaml:"name"`
	Avatar   string `yaml:"avatar"`
	Role     string `yaml:"role"`
	Verified bool   `yaml:"verified"`
}

// RetentionConfig controls pruning of old messages.
type RetentionConfig struct {
	Schedule   string `yaml:"schedule"` // cron expression
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RelayConfig mirrors confirmed messages of selected feeds to chat platforms.
type RelayConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord relay settings. Channels maps feed to channel ID.
type DiscordConfig struct {
	BotToken string            `yaml:"bot_token"`
	Channels map[string]string `yaml:"channels"`
}

// SlackConfig holds Slack relay settings. Channels maps feed to channel ID.
type SlackConfig struct {
	BotToken string            `yaml:"bot_token"`
	Channels map[string]string `yaml:"channels"`
}

// ClientConfig configures the live feed client.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Viewer         ViewerConfig  `yaml:"viewer"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
}

// ViewerConfig is the signed-in identity shown on optimistic messages.
type ViewerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Secrets set in the
// environment take precedence over the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvToken); v != "" {
		c.Client.Token = v
	}
	if v := getenv(EnvDiscordToken); v != "" {
		c.Server.Relay.Discord.BotToken = v
	}
	if v := getenv(EnvSlackToken); v != "" {
		c.Server.Relay.Slack.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	s := &c.Server
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.Database.Driver == "" {
		s.Database.Driver = "sqlite"
	}
	if s.Database.Driver == "sqlite" && s.Database.Path == "" {
		s.Database.Path = "agora.db"
	}
	if s.Database.Driver == "mysql" {
		if s.Database.Host == "" {
			s.Database.Host = "127.0.0.1"
		}
		if s.Database.Port == 0 {
			s.Database.Port = 3306
		}
		if s.Database.User == "" {
			s.Database.User = "root"
		}
		if s.Database.Name == "" {
			s.Database.Name = "agora"
		}
	}
	if s.SendRate == 0 {
		s.SendRate = 1
	}
	if s.SendBurst == 0 {
		s.SendBurst = 5
	}
	if s.MaxContent == 0 {
		s.MaxContent = 500
	}
	if s.HistoryLimit == 0 {
		s.HistoryLimit = 200
	}
	if s.Retention.Schedule == "" {
		s.Retention.Schedule = "0 3 * * *"
	}

	cl := &c.Client
	if cl.RetryDelay == 0 {
		cl.RetryDelay = 4 * time.Second
	}
	if cl.PendingTimeout == 0 {
		cl.PendingTimeout = 30 * time.Second
	}
	if cl.HistoryLimit == 0 {
		cl.HistoryLimit = 50
	}
}

// validate checks that all present sections are consistent.
func (c *Config) validate() error {
	var errs []string
	s := c.Server
	switch s.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("server.database.driver %q is not supported (sqlite, mysql)", s.Database.Driver))
	}
	if s.SendRate < 0 {
		errs = append(errs, "server.send_rate must not be negative")
	}
	if s.Retention.MaxAgeDays < 0 {
		errs = append(errs, "server.retention.max_age_days must not be negative")
	}
	seen := make(map[string]bool)
	for i, t := range s.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Sprintf("server.tokens[%d].token is required", i))
		} else if seen[t.Token] {
			errs = append(errs, fmt.Sprintf("server.tokens[%d].token is duplicated", i))
		}
		seen[t.Token] = true
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("server.tokens[%d].name is required", i))
		}
	}

	cl := c.Client
	if cl.BaseURL != "" {
		if u, err := url.Parse(cl.BaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("client.base_url %q is not an absolute URL", cl.BaseURL))
		}
	}
	if cl.RetryDelay < 0 || cl.MaxRetryDelay < 0 || cl.PendingTimeout < 0 {
		errs = append(errs, "client durations must not be negative")
	}
	if cl.HistoryLimit < 0 {
		errs = append(errs, "client.history_limit must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireClient reports what the client section is missing for a live
// connection.
func (c *Config) RequireClient() error {
	var errs []string
	if c.Client.BaseURL == "" {
		errs = append(errs, "client.base_url is required")
	}
	if c.Client.Token == "" {
		errs = append(errs, fmt.Sprintf("client.token is required (or set %s)", EnvToken))
	}
	if c.Client.Viewer.ID == "" && c.Client.Viewer.Name == "" {
		errs = append(errs, "client.viewer.name is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
