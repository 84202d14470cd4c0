// Package config loads authcore settings from YAML with AUTHCORE_* environment
// overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "AUTHCORE_"

// Config is the root configuration structure.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the SQL driver and connection.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"` // pgx, sqlite3 or memory
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
	AutoMigrate  bool          `yaml:"auto_migrate"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LoginBurst     int           `yaml:"login_burst"`
	LoginPerSecond float64       `yaml:"login_per_second"`
	// TrustedProxies lists peer addresses or CIDRs whose X-Forwarded-For
	// and X-Real-IP headers are honoured. Empty means none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// GRPCConfig contains the gRPC listener used for health and gated tools.
// Systems maps a service or full method name to the system it is
// authorized against; Skip lists services or methods left ungated.
type GRPCConfig struct {
	Addr    string            `yaml:"addr"`
	Systems map[string]string `yaml:"systems"`
	Skip    []string          `yaml:"skip"`
}

// AuthConfig contains session token settings.
type AuthConfig struct {
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	MaxSessions int           `yaml:"max_sessions"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field populated.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:       "pgx",
			MaxOpenConns: 50,
			MaxIdleConns: 25,
			ConnLifetime: 15 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxBodyBytes:   1 << 20,
			LoginBurst:     10,
			LoginPerSecond: 1,
		},
		GRPC: GRPCConfig{Addr: ":9091"},
		Auth: AuthConfig{
			Issuer:      "authcore",
			SessionTTL:  12 * time.Hour,
			MaxSessions: 10000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. A missing file is an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("DB_DRIVER"); ok {
		cfg.Database.Driver = v
	}
	if v, ok := lookup("DB_DSN"); ok {
		cfg.Database.DSN = v
	}
	if v, ok := lookup("DB_AUTO_MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDB_AUTO_MIGRATE: %w", envPrefix, err)
		}
		cfg.Database.AutoMigrate = b
	}
	if v, ok := lookup("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookup("HTTP_TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	if v, ok := lookup("GRPC_ADDR"); ok {
		cfg.GRPC.Addr = v
	}
	if v, ok := lookup("AUTH_SECRET"); ok {
		cfg.Auth.Secret = v
	}
	if v, ok := lookup("SESSION_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSESSION_TTL: %w", envPrefix, err)
		}
		cfg.Auth.SessionTTL = d
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// TrustedProxyPrefixes parses http.trusted_proxies. Bare addresses become
// single-host prefixes.
func (h HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "pgx", "sqlite3":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if len(c.Auth.Secret) < 32 {
		return errors.New("auth.secret must be at least 32 bytes")
	}
	if c.Auth.SessionTTL <= 0 {
		return errors.New("auth.session_ttl must be positive")
	}
	if c.Auth.MaxSessions <= 0 {
		return errors.New("auth.max_sessions must be positive")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if _, err := c.HTTP.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}
