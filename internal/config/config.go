// Package config loads server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Command-line flags are applied last by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// WorkspaceBase holds one directory per project.
	WorkspaceBase string `yaml:"workspace_base"`

	// PublicURL is the externally visible origin used in preview URLs.
	PublicURL string `yaml:"public_url"`

	// DatabasePath is the SQLite file for access lookups and the file
	// metadata mirror. ":memory:" keeps everything in process.
	DatabasePath string `yaml:"database_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Auth      AuthConfig      `yaml:"auth"`
	Ports     PortsConfig     `yaml:"ports"`
	Process   ProcessConfig   `yaml:"process"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Stream    StreamConfig    `yaml:"stream"`
	Templates TemplatesConfig `yaml:"templates"`
}

// AuthConfig configures identity verification.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued by the identity provider.
	JWTSecret string `yaml:"jwt_secret"`
	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string `yaml:"jwt_issuer"`
	// InternalToken authenticates collaborator service calls.
	InternalToken string `yaml:"internal_token"`
	// AllowedOrigins is the websocket Origin allow-list.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PortsConfig bounds the dev server port pool.
type PortsConfig struct {
	RangeStart int `yaml:"range_start"`
	RangeEnd   int `yaml:"range_end"`
}

// ProcessConfig configures spawned processes.
type ProcessConfig struct {
	StopGrace      time.Duration `yaml:"stop_grace"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// TerminalConfig configures interactive sessions.
type TerminalConfig struct {
	Shell        string        `yaml:"shell"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// GatewayConfig configures realtime connections.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// StreamConfig configures the server-sent event stream.
type StreamConfig struct {
	// ReplayTTL is how long events stay available for Last-Event-ID resume.
	ReplayTTL time.Duration `yaml:"replay_ttl"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// TemplatesConfig points at extra scaffold templates on disk.
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":8080",
		WorkspaceBase: "/workspace",
		DatabasePath:  "/var/lib/devspace/devspace.db",
		LogLevel:      "info",
		LogFormat:     "text",
		Ports: PortsConfig{
			RangeStart: 3100,
			RangeEnd:   3199,
		},
		Process: ProcessConfig{
			StopGrace:      5 * time.Second,
			CommandTimeout: 5 * time.Minute,
		},
		Terminal: TerminalConfig{
			IdleTimeout:  30 * time.Minute,
			ReapInterval: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       5 * time.Minute,
			SendBuffer:        256,
		},
		Stream: StreamConfig{
			ReplayTTL: 5 * time.Minute,
			KeepAlive: 15 * time.Second,
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		c.Addr = ":" + port
	}
	c.WorkspaceBase = getString("WORKSPACE_BASE", c.WorkspaceBase)
	c.DatabasePath = getString("DATABASE_PATH", c.DatabasePath)
	c.PublicURL = getString("PUBLIC_URL", c.PublicURL)
	c.LogLevel = getString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getString("LOG_FORMAT", c.LogFormat)
	c.Auth.JWTSecret = getString("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTIssuer = getString("AUTH_JWT_ISSUER", c.Auth.JWTIssuer)
	c.Auth.InternalToken = getString("SANDBOX_INTERNAL_TOKEN", c.Auth.InternalToken)
	if origins, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.Auth.AllowedOrigins = splitList(origins)
	}
	c.Ports.RangeStart = getInt("PORT_RANGE_START", c.Ports.RangeStart)
	c.Ports.RangeEnd = getInt("PORT_RANGE_END", c.Ports.RangeEnd)
	c.Terminal.Shell = getString("SHELL", c.Terminal.Shell)
	c.Templates.Dir = getString("TEMPLATES_DIR", c.Templates.Dir)
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.WorkspaceBase == "" {
		errs = append(errs, errors.New("workspace_base is required"))
	}
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	if c.Process.StopGrace <= 0 {
		errs = append(errs, errors.New("process.stop_grace must be positive"))
	}
	if c.Process.CommandTimeout <= 0 {
		errs = append(errs, errors.New("process.command_timeout must be positive"))
	}
	if c.Terminal.IdleTimeout <= 0 || c.Terminal.ReapInterval <= 0 {
		errs = append(errs, errors.New("terminal idle_timeout and reap_interval must be positive"))
	}
	if c.Gateway.HeartbeatInterval <= 0 || c.Gateway.IdleTimeout <= 0 {
		errs = append(errs, errors.New("gateway heartbeat_interval and idle_timeout must be positive"))
	}
	if c.Stream.ReplayTTL <= 0 || c.Stream.KeepAlive <= 0 {
		errs = append(errs, errors.New("stream replay_ttl and keep_alive must be positive"))
	}
	if c.Gateway.SendBuffer <= 0 {
		errs = append(errs, errors.New("gateway.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

func getString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
