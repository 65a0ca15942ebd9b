// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config holds runtime configuration sourced from CRM_* variables.
type Config struct {
	HTTPAddr      string `validate:"required"`
	DatabaseURL   string `validate:"required"`
	EncryptionKey string `validate:"required,hexadecimal,len=64"`
	RedisURL      string `validate:"omitempty,url"`
	LogLevel      string `validate:"oneof=debug info warn error"`
	Version       string

	SessionTTL    time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`
	CookieName    string        `validate:"required,excludesall=0x2C ;="`
	CookieSecure  bool
	TrustProxy    bool
	BcryptCost    int    `validate:"min=10,max=16"`
	TOTPIssuer    string `validate:"required"`

	LoginRatePerMinute int   `validate:"gt=0"`
	LoginRateBurst     int   `validate:"gt=0"`
	MaxBodyBytes       int64 `validate:"gt=0"`

	DBMaxOpenConns  int           `validate:"gte=0"`
	DBMaxIdleConns  int           `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// LoadDotenv reads the given .env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		HTTPAddr:      fallback(os.Getenv("CRM_HTTP_ADDR"), ":8080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("CRM_DATABASE_URL")),
		EncryptionKey: strings.TrimSpace(os.Getenv("CRM_ENCRYPTION_KEY")),
		RedisURL:      strings.TrimSpace(os.Getenv("CRM_REDIS_URL")),
		LogLevel:      strings.ToLower(fallback(os.Getenv("CRM_LOG_LEVEL"), "info")),
		Version:       fallback(os.Getenv("CRM_VERSION"), "dev"),
		CookieName:    fallback(os.Getenv("CRM_COOKIE_NAME"), "crm_session"),
		TOTPIssuer:    fallback(os.Getenv("CRM_TOTP_ISSUER"), "CRM"),
	}
	cfg.SessionTTL = duration("CRM_SESSION_TTL", 24*time.Hour, &errs)
	cfg.SweepInterval = duration("CRM_SESSION_SWEEP_INTERVAL", 15*time.Minute, &errs)
	cfg.ShutdownTimeout = duration("CRM_SHUTDOWN_TIMEOUT", 10*time.Second, &errs)
	cfg.CookieSecure = boolean("CRM_COOKIE_SECURE", true, &errs)
	cfg.TrustProxy = boolean("CRM_TRUST_PROXY", false, &errs)
	cfg.BcryptCost = integer("CRM_BCRYPT_COST", 12, &errs)
	cfg.LoginRatePerMinute = integer("CRM_LOGIN_RATE_PER_MINUTE", 10, &errs)
	cfg.LoginRateBurst = integer("CRM_LOGIN_RATE_BURST", 5, &errs)
	cfg.MaxBodyBytes = int64(integer("CRM_MAX_BODY_BYTES", 1<<20, &errs))
	cfg.DBMaxOpenConns = integer("CRM_DB_MAX_OPEN_CONNS", 0, &errs)
	cfg.DBMaxIdleConns = integer("CRM_DB_MAX_IDLE_CONNS", 0, &errs)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every violation by its
// environment variable.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", envName(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

var envNames = map[string]string{
	"HTTPAddr":           "CRM_HTTP_ADDR",
	"DatabaseURL":        "CRM_DATABASE_URL",
	"EncryptionKey":      "CRM_ENCRYPTION_KEY",
	"RedisURL":           "CRM_REDIS_URL",
	"LogLevel":           "CRM_LOG_LEVEL",
	"SessionTTL":         "CRM_SESSION_TTL",
	"SweepInterval":      "CRM_SESSION_SWEEP_INTERVAL",
	"CookieName":         "CRM_COOKIE_NAME",
	"BcryptCost":         "CRM_BCRYPT_COST",
	"TOTPIssuer":         "CRM_TOTP_ISSUER",
	"LoginRatePerMinute": "CRM_LOGIN_RATE_PER_MINUTE",
	"LoginRateBurst":     "CRM_LOGIN_RATE_BURST",
	"MaxBodyBytes":       "CRM_MAX_BODY_BYTES",
	"DBMaxOpenConns":     "CRM_DB_MAX_OPEN_CONNS",
	"DBMaxIdleConns":     "CRM_DB_MAX_IDLE_CONNS",
	"ShutdownTimeout":    "CRM_SHUTDOWN_TIMEOUT",
}

func envName(field string) string {
	if n, ok := envNames[field]; ok {
		return n
	}
	return field
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func integer(key string, def int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func boolean(key string, def bool, errs *[]error) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
