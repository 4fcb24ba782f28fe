package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. PREP_AUTH_TOKEN.
const EnvPrefix = "PREP"

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envconfig:"SERVER"`
	API       APIConfig       `yaml:"api" toml:"api" envconfig:"API"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envconfig:"AUTH"`
	TestRun   TestRunConfig   `yaml:"test_run" toml:"test_run" envconfig:"TEST_RUN"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat" envconfig:"CHAT"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" envconfig:"TELEMETRY"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envconfig:"LOGGING"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics" envconfig:"METRICS"`
}

// ServerConfig is used by the mock backend.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	// Tokens accepted by the mock backend. Empty accepts any token.
	Tokens []string `yaml:"tokens" toml:"tokens"`
	// ChatQuota is the number of chat replies per token per day.
	ChatQuota    int           `yaml:"chat_quota" toml:"chat_quota" split_words:"true"`
	TickInterval time.Duration `yaml:"tick_interval" toml:"tick_interval" split_words:"true"`
	// StepDelay paces scripted test run checks, ChunkDelay chat chunks.
	StepDelay  time.Duration `yaml:"step_delay" toml:"step_delay" split_words:"true"`
	ChunkDelay time.Duration `yaml:"chunk_delay" toml:"chunk_delay" split_words:"true"`
	// AllowedOrigins restricts browser origins on the sockets.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" split_words:"true"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type APIConfig struct {
	// BaseURL is the HTTP origin of the portal API. Socket URLs are derived
	// from it by switching the scheme.
	BaseURL         string `yaml:"base_url" toml:"base_url" split_words:"true"`
	TestRunPath     string `yaml:"test_run_path" toml:"test_run_path" split_words:"true"`
	ChatPath        string `yaml:"chat_path" toml:"chat_path" split_words:"true"`
	TelemetryPath   string `yaml:"telemetry_path" toml:"telemetry_path" split_words:"true"`
	EntitlementPath string `yaml:"entitlement_path" toml:"entitlement_path" split_words:"true"`
}

type AuthConfig struct {
	Token string `yaml:"token" toml:"token"`
}

type TestRunConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" split_words:"true"`
}

type ChatConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval" toml:"flush_interval" split_words:"true"`
	RevealInterval time.Duration `yaml:"reveal_interval" toml:"reveal_interval" split_words:"true"`
	RevealStep     int           `yaml:"reveal_step" toml:"reveal_step" split_words:"true"`
}

type TelemetryConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" split_words:"true"`
	BaseDelay      time.Duration `yaml:"base_delay" toml:"base_delay" split_words:"true"`
	MaxDelay       time.Duration `yaml:"max_delay" toml:"max_delay" split_words:"true"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts" split_words:"true"`
	PingInterval   time.Duration `yaml:"ping_interval" toml:"ping_interval" split_words:"true"`
}

// Policy returns the reconnect policy for the feed.
func (t TelemetryConfig) Policy() transport.Policy {
	return transport.Policy{BaseDelay: t.BaseDelay, MaxDelay: t.MaxDelay, MaxAttempts: t.MaxAttempts}
}

type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Zap converts to the logger constructor's config.
func (l LoggingConfig) Zap() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Development = l.Development
	return cfg
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9102".
	Addr string `yaml:"addr" toml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			ChatQuota:    20,
			TickInterval: time.Second,
			StepDelay:    600 * time.Millisecond,
			ChunkDelay:   40 * time.Millisecond,
		},
		API: APIConfig{
			BaseURL:         "http://127.0.0.1:8787",
			TestRunPath:     "/ws/test-run",
			ChatPath:        "/api/chat/stream",
			TelemetryPath:   "/ws/vpn/traffic",
			EntitlementPath: "/api/vpn/config",
		},
		TestRun: TestRunConfig{
			ConnectTimeout: transport.DefaultConnectTimeout,
		},
		Chat: ChatConfig{
			FlushInterval:  400 * time.Millisecond,
			RevealInterval: 24 * time.Millisecond,
			RevealStep:     3,
		},
		Telemetry: TelemetryConfig{
			ConnectTimeout: transport.DefaultConnectTimeout,
			BaseDelay:      transport.DefaultBaseDelay,
			MaxDelay:       transport.DefaultMaxDelay,
			MaxAttempts:    transport.DefaultMaxAttempts,
			PingInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, then the file at path (YAML
// or TOML by extension, skipped when path is empty), then PREP_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.httpBase(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.StepDelay < 0 || c.Server.ChunkDelay < 0 {
		errs = append(errs, errors.New("server delays must not be negative"))
	}
	if c.Server.ChatQuota < 0 {
		errs = append(errs, errors.New("server.chat_quota must not be negative"))
	}
	positive := map[string]time.Duration{
		"server.tick_interval":      c.Server.TickInterval,
		"test_run.connect_timeout":  c.TestRun.ConnectTimeout,
		"chat.flush_interval":       c.Chat.FlushInterval,
		"chat.reveal_interval":      c.Chat.RevealInterval,
		"telemetry.connect_timeout": c.Telemetry.ConnectTimeout,
		"telemetry.base_delay":      c.Telemetry.BaseDelay,
		"telemetry.max_delay":       c.Telemetry.MaxDelay,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Telemetry.MaxDelay < c.Telemetry.BaseDelay {
		errs = append(errs, errors.New("telemetry.max_delay must not be below base_delay"))
	}
	if c.Telemetry.MaxAttempts < 0 {
		errs = append(errs, errors.New("telemetry.max_attempts must not be negative"))
	}
	if c.Telemetry.PingInterval < 0 {
		errs = append(errs, errors.New("telemetry.ping_interval must not be negative"))
	}
	if c.Chat.RevealStep < 1 {
		errs = append(errs, errors.New("chat.reveal_step must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TestRunURL is the runner socket URL.
func (c *Config) TestRunURL() string { return c.socketURL(c.API.TestRunPath) }

// TelemetryURL is the traffic feed socket URL, without the token.
func (c *Config) TelemetryURL() string { return c.socketURL(c.API.TelemetryPath) }

// ChatURL is the streaming chat endpoint.
func (c *Config) ChatURL() string { return c.httpURL(c.API.ChatPath) }

// EntitlementURL is the VPN config endpoint used as the feed prerequisite.
func (c *Config) EntitlementURL() string { return c.httpURL(c.API.EntitlementPath) }

func (c *Config) httpBase() (*url.URL, error) {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("api.base_url %q must be an http(s) origin", c.API.BaseURL)
	}
	return u, nil
}

func (c *Config) httpURL(path string) string {
	u, err := c.httpBase()
	if err != nil {
		return ""
	}
	return u.JoinPath(path).String()
}

func (c *Config) socketURL(path string) string {
	u, err := c.httpBase()
	if err != nil {
		return ""
	}
	u = u.JoinPath(path)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}
