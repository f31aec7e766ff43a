package notesd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for notesd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Database       DatabaseConfig  `yaml:"database"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	ReadTimeout    Duration        `yaml:"read_timeout"`
	WriteTimeout   Duration        `yaml:"write_timeout"`
	WriteAuth      WriteAuthConfig `yaml:"write_auth"`
}

// WriteAuthConfig requires HMAC-signed POST/PUT/DELETE requests when keys are listed.
type WriteAuthConfig struct {
	Keys       []WriteKey `yaml:"keys"`
	NonceStore string     `yaml:"nonce_store"`
	ClockSkew  Duration   `yaml:"clock_skew"`
}

// WriteKey is one client allowed to write. The secret is read from SecretEnv.
type WriteKey struct {
	ID        string `yaml:"id"`
	SecretEnv string `yaml:"secret_env"`
	Secret    string `yaml:"-"`
}

// Enabled reports whether writes must be signed.
func (w WriteAuthConfig) Enabled() bool {
	return len(w.Keys) > 0
}

// Secrets maps key ids to their secrets.
func (w WriteAuthConfig) Secrets() map[string]string {
	out := make(map[string]string, len(w.Keys))
	for _, key := range w.Keys {
		out[key.ID] = key.Secret
	}
	return out
}

// DatabaseConfig selects the gorm dialect. The DSN may be given inline, through an
// environment variable or through a file.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env"`
	DSNFile string `yaml:"dsn_file"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	for i := range cfg.WriteAuth.Keys {
		key := &cfg.WriteAuth.Keys[i]
		key.ID = strings.TrimSpace(key.ID)
		key.Secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(key.SecretEnv)))
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":5000"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.DSN == "" && cfg.Database.DSNEnv == "" && cfg.Database.DSNFile == "" {
		cfg.Database.DSN = "notes.db"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	if cfg.ReadTimeout.Duration == 0 {
		cfg.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.WriteTimeout.Duration == 0 {
		cfg.WriteTimeout.Duration = 30 * time.Second
	}
	if len(cfg.WriteAuth.Keys) > 0 && cfg.WriteAuth.NonceStore == "" {
		cfg.WriteAuth.NonceStore = "notesd-nonces"
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.WriteAuth.Keys))
	for _, key := range cfg.WriteAuth.Keys {
		if key.ID == "" {
			return fmt.Errorf("write_auth key id must be set")
		}
		if _, dup := seen[key.ID]; dup {
			return fmt.Errorf("write_auth key %q listed twice", key.ID)
		}
		seen[key.ID] = struct{}{}
		if key.Secret == "" {
			return fmt.Errorf("write_auth key %q has no secret (secret_env %q)", key.ID, key.SecretEnv)
		}
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	d.DSNEnv = strings.TrimSpace(d.DSNEnv)
	d.DSNFile = strings.TrimSpace(d.DSNFile)
	if d.DSN != "" {
		return nil
	}
	switch {
	case d.DSNEnv != "":
		value := strings.TrimSpace(os.Getenv(d.DSNEnv))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
		d.DSN = value
	case d.DSNFile != "":
		contents, err := os.ReadFile(d.DSNFile)
		if err != nil {
			return fmt.Errorf("read dsn_file: %w", err)
		}
		d.DSN = strings.TrimSpace(string(contents))
	}
	return nil
}
