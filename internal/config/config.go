// Package config loads and validates the leafsync YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/leafsync/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the GreenLeaf service (e.g. "https://greenleaf.example.com").
	APIURL string `yaml:"api_url"`

	// APIToken is a bearer access token. With Email and Password set the
	// token is obtained on first use instead. A config with neither is signed
	// out: records are kept locally and pushed after the next sign-in.
	APIToken string `yaml:"api_token,omitempty"`

	// RefreshToken is stored by the setup wizard alongside APIToken.
	RefreshToken string `yaml:"refresh_token,omitempty"`

	Email    string `yaml:"email,omitempty"`
	Password string `yaml:"password,omitempty"`

	// DBPath overrides the record database location.
	// Defaults to ~/.local/share/leafsync/records.db.
	DBPath string `yaml:"db_path,omitempty"`

	Sync SyncConfig `yaml:"sync"`
	Log  LogConfig  `yaml:"log,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SyncConfig controls the background scheduler and the HTTP client.
type SyncConfig struct {
	// Interval between periodic sync passes. Minimum 30s, maximum 24h.
	// Defaults to 15m.
	Interval time.Duration `yaml:"interval"`

	// MinBackoff and MaxBackoff bound the retry delay after a failed pass.
	// Default 5s and 10m.
	MinBackoff time.Duration `yaml:"min_backoff,omitempty"`
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty"`

	// Workers is the number of records pushed concurrently per kind. Default 4.
	Workers int `yaml:"workers,omitempty"`

	// RequestTimeout applies to every HTTP request. Default 30s.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// RateLimit caps outgoing requests per second. Default 10.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Entities lists the kinds to sync, e.g. ["plants", "observations"].
	// Defaults to every kind.
	Entities []string `yaml:"entities,omitempty"`
}

// LogConfig configures the daemon's log file. Logs go to stderr when File
// is empty.
type LogConfig struct {
	File string `yaml:"file,omitempty"`

	// MaxSizeMB is the size at which the file is rotated. Default 10.
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`

	// MaxBackups is the number of rotated files kept. Default 3.
	MaxBackups int `yaml:"max_backups,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "leafsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/leafsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "leafsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates cfg and writes it to path with owner-only permissions,
// creating the parent directory if needed.
func Write(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Kinds returns the entity kinds selected for sync.
func (c *Config) Kinds() []model.Kind {
	if len(c.Sync.Entities) == 0 {
		return model.Kinds
	}
	out := make([]model.Kind, 0, len(c.Sync.Entities))
	for _, name := range c.Sync.Entities {
		k, err := model.ParseKind(name)
		if err != nil {
			continue // rejected by validate
		}
		out = append(out, k)
	}
	return out
}

// HasCredentials reports whether an email/password login is configured.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// SignedIn reports whether the config holds a token or credentials.
func (c *Config) SignedIn() bool {
	return c.APIToken != "" || c.HasCredentials()
}

// SignOut drops the stored tokens and password. The email is kept so the
// next sign-in can offer it.
func (c *Config) SignOut() {
	c.APIToken, c.RefreshToken, c.Password = "", "", ""
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.Password != "" && c.Email == "" {
		return fmt.Errorf("password is set without email")
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 10
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 3
		}
		if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
			return fmt.Errorf("log.max_size_mb and log.max_backups must not be negative")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval == 0 {
		s.Interval = 15 * time.Minute
	}
	if s.Interval < 30*time.Second {
		return fmt.Errorf("sync.interval %v is too short (minimum 30s)", s.Interval)
	}
	if s.Interval > 24*time.Hour {
		return fmt.Errorf("sync.interval %v is too long (maximum 24h)", s.Interval)
	}

	if s.MinBackoff == 0 {
		s.MinBackoff = 5 * time.Second
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = 10 * time.Minute
	}
	if s.MinBackoff < 0 || s.MaxBackoff < s.MinBackoff {
		return fmt.Errorf("sync.min_backoff %v must be positive and not above sync.max_backoff %v", s.MinBackoff, s.MaxBackoff)
	}

	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.Workers < 1 || s.Workers > 32 {
		return fmt.Errorf("sync.workers %d must be between 1 and 32", s.Workers)
	}

	if s.RequestTimeout == 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.RequestTimeout < time.Second {
		return fmt.Errorf("sync.request_timeout %v is too short (minimum 1s)", s.RequestTimeout)
	}

	if s.RateLimit == 0 {
		s.RateLimit = 10
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("sync.rate_limit must not be negative")
	}

	seen := make(map[model.Kind]bool)
	for _, name := range s.Entities {
		k, err := model.ParseKind(name)
		if err != nil {
			return fmt.Errorf("sync.entities: %w", err)
		}
		if seen[k] {
			return fmt.Errorf("sync.entities lists %s twice", k)
		}
		seen[k] = true
	}
	return nil
}
