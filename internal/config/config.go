package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/careportal/careportal/pkg/password"
)

// envPrefix scopes every environment variable this service reads.
const envPrefix = "CAREPORTAL"

// Config is the whole configuration surface. Nothing else in the process
// reads the environment.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AccessTokenSecret    string `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret   string `mapstructure:"REFRESH_TOKEN_SECRET"`
	MedicalTokenSecret   string `mapstructure:"MEDICAL_TOKEN_SECRET"`
	ResetTokenSecret     string `mapstructure:"RESET_TOKEN_SECRET"`
	AccessTokenFallback  string `mapstructure:"ACCESS_TOKEN_SECRET_SECONDARY"`
	RefreshTokenFallback string `mapstructure:"REFRESH_TOKEN_SECRET_SECONDARY"`
	MedicalTokenFallback string `mapstructure:"MEDICAL_TOKEN_SECRET_SECONDARY"`
	ResetTokenFallback   string `mapstructure:"RESET_TOKEN_SECRET_SECONDARY"`

	AccessTTLSeconds  int `mapstructure:"ACCESS_TTL_SECONDS"`
	RefreshTTLSeconds int `mapstructure:"REFRESH_TTL_SECONDS"`
	MedicalTTLSeconds int `mapstructure:"MEDICAL_TTL_SECONDS"`
	ResetTTLSeconds   int `mapstructure:"RESET_TTL_SECONDS"`
	ClockSkewSeconds  int `mapstructure:"CLOCK_SKEW_SECONDS"`

	PasswordKDFParams string `mapstructure:"PASSWORD_KDF_PARAMS"`
	RateLimitStore    string `mapstructure:"RATE_LIMIT_STORE"`
	AuditSink         string `mapstructure:"AUDIT_SINK"`

	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	ResetURL              string   `mapstructure:"RESET_URL"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
}

// knownKeys enumerates every recognized key. A CAREPORTAL_-prefixed
// environment variable outside this list fails startup: a mis-typed key
// must never be silently ignored.
var knownKeys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"ACCESS_TOKEN_SECRET",
	"REFRESH_TOKEN_SECRET",
	"MEDICAL_TOKEN_SECRET",
	"RESET_TOKEN_SECRET",
	"ACCESS_TOKEN_SECRET_SECONDARY",
	"REFRESH_TOKEN_SECRET_SECONDARY",
	"MEDICAL_TOKEN_SECRET_SECONDARY",
	"RESET_TOKEN_SECRET_SECONDARY",
	"ACCESS_TTL_SECONDS",
	"REFRESH_TTL_SECONDS",
	"MEDICAL_TTL_SECONDS",
	"RESET_TTL_SECONDS",
	"CLOCK_SKEW_SECONDS",
	"PASSWORD_KDF_PARAMS",
	"RATE_LIMIT_STORE",
	"AUDIT_SINK",
	"CORS_ORIGINS",
	"RESET_URL",
	"BODY_LIMIT",
	"REQUEST_TIMEOUT_SECONDS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	setDefaults(v)

	// Bind each key explicitly so Unmarshal picks up env-only values.
	for _, key := range knownKeys {
		_ = v.BindEnv(key)
	}

	// A .env file is optional.
	_ = v.ReadInConfig()

	if err := rejectUnknownKeys(os.Environ()); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves comma-separated env lists as a single string.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ACCESS_TTL_SECONDS", 900)
	v.SetDefault("REFRESH_TTL_SECONDS", 1209600)
	v.SetDefault("MEDICAL_TTL_SECONDS", 1800)
	v.SetDefault("RESET_TTL_SECONDS", 1800)
	v.SetDefault("CLOCK_SKEW_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_STORE", "memory")
	v.SetDefault("AUDIT_SINK", "postgres")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RESET_URL", "http://localhost:3000/reset-password")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 5)
}

// rejectUnknownKeys scans the process environment for CAREPORTAL_-prefixed
// variables that are not part of the configuration surface.
func rejectUnknownKeys(environ []string) error {
	known := make(map[string]struct{}, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = struct{}{}
	}

	var bad []string
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix+"_") {
			continue
		}
		key := strings.SplitN(strings.TrimPrefix(kv, envPrefix+"_"), "=", 2)[0]
		if _, ok := known[key]; !ok {
			bad = append(bad, envPrefix+"_"+key)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("unrecognized configuration keys: %s", strings.Join(bad, ", "))
	}
	return nil
}

// minSecretLen is the minimum length for an HMAC signing secret.
const minSecretLen = 32

// Validate checks that the configuration is safe to run with. Every
// failure here is a startup error; the server never limps along on a
// partially valid configuration.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	seen := make(map[string]string, 4)
	for _, s := range []struct{ name, value string }{
		{"ACCESS_TOKEN_SECRET", c.AccessTokenSecret},
		{"REFRESH_TOKEN_SECRET", c.RefreshTokenSecret},
		{"MEDICAL_TOKEN_SECRET", c.MedicalTokenSecret},
		{"RESET_TOKEN_SECRET", c.ResetTokenSecret},
	} {
		if s.value == "" {
			return fmt.Errorf("%s is required", s.name)
		}
		if len(s.value) < minSecretLen {
			return fmt.Errorf("%s must be at least %d bytes, got %d", s.name, minSecretLen, len(s.value))
		}
		// Token variants must not share keys.
		if other, dup := seen[s.value]; dup {
			return fmt.Errorf("%s and %s must be distinct signing keys", other, s.name)
		}
		seen[s.value] = s.name
	}

	for _, ttl := range []struct {
		name  string
		value int
	}{
		{"ACCESS_TTL_SECONDS", c.AccessTTLSeconds},
		{"REFRESH_TTL_SECONDS", c.RefreshTTLSeconds},
		{"MEDICAL_TTL_SECONDS", c.MedicalTTLSeconds},
		{"RESET_TTL_SECONDS", c.ResetTTLSeconds},
	} {
		if ttl.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", ttl.name, ttl.value)
		}
	}
	if c.AccessTTLSeconds >= c.RefreshTTLSeconds {
		return fmt.Errorf("ACCESS_TTL_SECONDS (%d) must be shorter than REFRESH_TTL_SECONDS (%d)",
			c.AccessTTLSeconds, c.RefreshTTLSeconds)
	}
	if c.ClockSkewSeconds < 0 {
		return fmt.Errorf("CLOCK_SKEW_SECONDS must not be negative, got %d", c.ClockSkewSeconds)
	}

	if _, err := password.ParseParams(c.PasswordKDFParams); err != nil {
		return fmt.Errorf("PASSWORD_KDF_PARAMS: %w", err)
	}

	switch c.RateLimitStore {
	case "memory":
	case "external":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_STORE is \"external\"")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be \"memory\" or \"external\", got %q", c.RateLimitStore)
	}

	switch c.AuditSink {
	case "postgres", "log":
	default:
		return fmt.Errorf("AUDIT_SINK must be \"postgres\" or \"log\", got %q", c.AuditSink)
	}

	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the server is configured for production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) AccessTTL() time.Duration  { return time.Duration(c.AccessTTLSeconds) * time.Second }
func (c *Config) RefreshTTL() time.Duration { return time.Duration(c.RefreshTTLSeconds) * time.Second }
func (c *Config) MedicalTTL() time.Duration { return time.Duration(c.MedicalTTLSeconds) * time.Second }
func (c *Config) ResetTTL() time.Duration   { return time.Duration(c.ResetTTLSeconds) * time.Second }
func (c *Config) ClockSkew() time.Duration  { return time.Duration(c.ClockSkewSeconds) * time.Second }

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// KDFParams returns the parsed Argon2id cost parameters. Validate has
// already established they parse.
func (c *Config) KDFParams() password.Params {
	p, _ := password.ParseParams(c.PasswordKDFParams)
	return p
}
