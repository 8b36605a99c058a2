package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the control-plane port used when nothing else is configured.
const DefaultPort = 8080

// Config represents the daemon configuration file. Files ending in .toml are
// read as TOML, anything else as YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Emulator EmulatorConfig `yaml:"emulator" toml:"emulator"`
	Logging  LogConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig contains settings for the HTTP listener and dispatcher.
type ServerConfig struct {
	Host              string   `yaml:"host" toml:"host"`
	Port              int      `yaml:"port" toml:"port"`
	DrainTimeout      Duration `yaml:"drain_timeout" toml:"drain_timeout"`
	CallTimeout       Duration `yaml:"call_timeout" toml:"call_timeout"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	MaxConnections    int      `yaml:"max_connections" toml:"max_connections"`
	RateLimit         float64  `yaml:"rate_limit" toml:"rate_limit"` // requests per second, 0 disables
	RateBurst         int      `yaml:"rate_burst" toml:"rate_burst"`
	ValidateRequests  bool     `yaml:"validate_requests" toml:"validate_requests"`
}

// AuthConfig enables bearer-token authentication when TokenHash is set.
type AuthConfig struct {
	TokenHash string `yaml:"token_hash" toml:"token_hash"` // argon2id encoded, see `mnrestd hash-token`
}

// EmulatorConfig selects the emulator backend.
type EmulatorConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // memory or sqlite
	Path    string `yaml:"path" toml:"path"`       // sqlite database file
}

// LogConfig contains settings for logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`                 // empty logs to stderr
	MaxSize    int    `yaml:"max_size_mb" toml:"max_size_mb"`   // maximum size in megabytes before rotation
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`   // rotated files to keep
	MaxAge     int    `yaml:"max_age_days" toml:"max_age_days"` // days to keep rotated files
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Duration is a time.Duration that reads from YAML as "5s", "250ms", etc.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadDefault returns a configuration with default values.
func LoadDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              DefaultPort,
			DrainTimeout:      Duration(10 * time.Second),
			CallTimeout:       Duration(5 * time.Second),
			ReadHeaderTimeout: Duration(5 * time.Second),
			MaxConnections:    256,
			RateBurst:         20,
		},
		Emulator: EmulatorConfig{
			Backend: "memory",
			Path:    "/var/lib/mnrestd/inventory.db",
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads the configuration from path on top of the defaults. A missing
// file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := LoadDefault()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnv honours the PORT override.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be within 1..65535, got %d", c.Server.Port))
	}
	if c.Server.DrainTimeout <= 0 {
		errs = append(errs, errors.New("server.drain_timeout must be positive"))
	}
	if c.Server.CallTimeout <= 0 {
		errs = append(errs, errors.New("server.call_timeout must be positive"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must be >= 0"))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst < 1) {
		errs = append(errs, errors.New("server.rate_limit must be >= 0 with rate_burst >= 1"))
	}
	switch c.Emulator.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Emulator.Path) == "" {
			errs = append(errs, errors.New("emulator.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown emulator.backend %q", c.Emulator.Backend))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}
