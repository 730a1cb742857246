package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Security SecurityPolicy `yaml:"security"`
	Limits   LimitsConfig   `yaml:"limits"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig holds app-specific configuration
type AppConfig struct {
	Name string `yaml:"name"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`
}

// AuthConfig holds key material configuration
type AuthConfig struct {
	KeysPath  string `yaml:"keys_path"`
	ActiveKID string `yaml:"active_kid"`
}

// SecurityPolicy enumerates every knob of session and token lifecycle
// behavior. It is built once at startup and injected into the services that
// need it; security-critical code never branches on the deploy environment.
type SecurityPolicy struct {
	AccessTokenTTL    Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   Duration `yaml:"refresh_token_ttl"`
	SessionTTL        Duration `yaml:"session_ttl"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	LockLease         Duration `yaml:"lock_lease"`
	LockGraceWindow   Duration `yaml:"lock_grace_window"`
	RevokedRecordTTL  Duration `yaml:"revoked_record_ttl"`
	StorageRetryDelay Duration `yaml:"storage_retry_delay"`
}

// DefaultSecurityPolicy returns the policy used when the security section is
// absent from the config file.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AccessTokenTTL:    Duration(15 * time.Minute),
		RefreshTokenTTL:   Duration(7 * 24 * time.Hour),
		SessionTTL:        Duration(30 * 24 * time.Hour),
		IdleTimeout:       Duration(12 * time.Hour),
		LockLease:         Duration(30 * time.Second),
		LockGraceWindow:   Duration(8 * time.Second),
		RevokedRecordTTL:  Duration(1 * time.Hour),
		StorageRetryDelay: Duration(50 * time.Millisecond),
	}
}

// LimitsConfig holds one rate-limit configuration per endpoint class.
type LimitsConfig struct {
	Login      ClassLimitConfig `yaml:"login"`
	Refresh    ClassLimitConfig `yaml:"refresh"`
	Generation ClassLimitConfig `yaml:"generation"`
	API        ClassLimitConfig `yaml:"api"`
}

// ClassLimitConfig enumerates the recognized limiter options for a single
// endpoint class: token bucket, sliding window, and pattern detector.
type ClassLimitConfig struct {
	BucketCapacity     float64  `yaml:"bucket_capacity"`
	RefillPerSecond    float64  `yaml:"refill_per_second"`
	WindowSize         Duration `yaml:"window_size"`
	WindowLimit        int      `yaml:"window_limit"`
	SuspicionThreshold float64  `yaml:"suspicion_threshold"`
	BlockTTL           Duration `yaml:"block_ttl"`
}

// DefaultLimits returns the per-class limits used when the limits section is
// absent from the config file.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		Login: ClassLimitConfig{
			BucketCapacity:     10,
			RefillPerSecond:    1.0 / 6.0,
			WindowSize:         Duration(time.Hour),
			WindowLimit:        100,
			SuspicionThreshold: 10,
			BlockTTL:           Duration(15 * time.Minute),
		},
		Refresh: ClassLimitConfig{
			BucketCapacity:     20,
			RefillPerSecond:    0.5,
			WindowSize:         Duration(time.Hour),
			WindowLimit:        500,
			SuspicionThreshold: 10,
			BlockTTL:           Duration(15 * time.Minute),
		},
		Generation: ClassLimitConfig{
			BucketCapacity:     5,
			RefillPerSecond:    0.1,
			WindowSize:         Duration(time.Hour),
			WindowLimit:        60,
			SuspicionThreshold: 8,
			BlockTTL:           Duration(30 * time.Minute),
		},
		API: ClassLimitConfig{
			BucketCapacity:     60,
			RefillPerSecond:    5,
			WindowSize:         Duration(time.Hour),
			WindowLimit:        1000,
			SuspicionThreshold: 20,
			BlockTTL:           Duration(10 * time.Minute),
		},
	}
}

// RedisConfig holds the persistent store connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Address returns the Redis address in the format "host:port"
func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig holds the credential-store database settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(d.Host),
		d.Port,
		quoteDSNValue(d.User),
		quoteDSNValue(d.Password),
		quoteDSNValue(d.DBName),
		quoteDSNValue(d.SSLMode),
	)
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Duration is a time.Duration that unmarshals from YAML strings such as "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler
func (d *Duration) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.BytesMarshaler
func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{
		Security: DefaultSecurityPolicy(),
		Limits:   DefaultLimits(),
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Address returns the server address in the format "host:port"
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// quoteDSNValue quotes a DSN value if it contains spaces or special characters.
// Single quotes inside the value are escaped by doubling them.
func quoteDSNValue(value string) string {
	needsQuoting := false
	for _, r := range value {
		if r == ' ' || r == '\'' || r == '\\' || r == '=' {
			needsQuoting = true
			break
		}
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '-' || r == '_' || r == '/' || r == '@' || r == ':') {
			needsQuoting = true
			break
		}
	}

	if !needsQuoting {
		return value
	}

	escaped := ""
	for _, r := range value {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}

	return "'" + escaped + "'"
}
