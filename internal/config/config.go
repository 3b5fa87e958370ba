// Package config loads the Broski's Kitchen service configuration from a
// YAML file, an optional .env file, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/broskis-kitchen/broskis/internal/rewards"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Auth modes.
const (
	AuthFirebase = "firebase"
	AuthLocal    = "local"
)

// Rate limit backends.
const (
	LimitMemory = "memory"
	LimitRedis  = "redis"
)

// KnownPaymentMethods are the checkout methods the payment layer understands.
var KnownPaymentMethods = []string{"card", "cashapp", "wallet"}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	SecureCookies   bool          `yaml:"secure_cookies"`
	LogRequests     bool          `yaml:"log_requests"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects and configures the storage driver.
type StoreConfig struct {
	Driver           string `yaml:"driver"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	FirestoreProject string `yaml:"firestore_project"`
	CredentialsFile  string `yaml:"credentials_file"`
	SeedFile         string `yaml:"seed_file"`
}

// AuthConfig configures session verification.
type AuthConfig struct {
	Mode        string        `yaml:"mode"`
	CookieName  string        `yaml:"cookie_name"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	LocalSecret string        `yaml:"local_secret"`
	AdminEmails []string      `yaml:"admin_emails"`
}

// CSRFConfig configures double-submit CSRF protection.
type CSRFConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Key            string   `yaml:"key"`
	TrustedOrigins []string `yaml:"trusted_origins"`
}

// RateLimitConfig configures request throttling.
type RateLimitConfig struct {
	Backend       string  `yaml:"backend"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	AuthRPM       int     `yaml:"auth_rpm"`
	CheckoutRPM   int     `yaml:"checkout_rpm"`
}

// CacheConfig sizes the menu cache.
type CacheConfig struct {
	MenuTTL  time.Duration `yaml:"menu_ttl"`
	MenuSize int           `yaml:"menu_size"`
}

// CheckoutConfig holds pricing and cart limits.
type CheckoutConfig struct {
	TaxRateBps  int64         `yaml:"tax_rate_bps"`
	MaxTipCents int64         `yaml:"max_tip_cents"`
	MaxLines    int           `yaml:"max_lines"`
	MaxQuantity int           `yaml:"max_quantity"`
	Currency    string        `yaml:"currency"`
	PendingTTL  time.Duration `yaml:"pending_ttl"`
}

// PaymentsConfig configures Stripe.
type PaymentsConfig struct {
	StripeSecretKey     string        `yaml:"stripe_secret_key"`
	StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
	StripeAPIURL        string        `yaml:"stripe_api_url"`
	Methods             []string      `yaml:"methods"`
	WebhookTolerance    time.Duration `yaml:"webhook_tolerance"`
}

// NotifyConfig configures outbound order notifications.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	Secret      string `yaml:"secret"`
	AutoDeliver bool   `yaml:"auto_deliver"`
}

// Track is one entry of the music player playlist.
type Track struct {
	Title           string `yaml:"title" json:"title"`
	Artist          string `yaml:"artist" json:"artist"`
	Src             string `yaml:"src" json:"src"`
	DurationSeconds int    `yaml:"duration_seconds" json:"duration_seconds"`
}

// PlaylistConfig lists the tracks served to the music player widget.
type PlaylistConfig struct {
	Tracks []Track `yaml:"tracks"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Rewards   rewards.Config  `yaml:"rewards"`
	Checkout  CheckoutConfig  `yaml:"checkout"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Notify    NotifyConfig    `yaml:"notify"`
	Playlist  PlaylistConfig  `yaml:"playlist"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SecureCookies:   true,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Driver: DriverMemory},
		Auth: AuthConfig{
			Mode:       AuthFirebase,
			CookieName: "__session",
			SessionTTL: 120 * time.Hour,
		},
		CSRF: CSRFConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			Backend:     LimitMemory,
			RPS:         10,
			Burst:       20,
			AuthRPM:     10,
			CheckoutRPM: 20,
		},
		Cache:   CacheConfig{MenuTTL: 30 * time.Second, MenuSize: 256},
		Rewards: rewards.DefaultConfig(),
		Checkout: CheckoutConfig{
			TaxRateBps:  875,
			MaxTipCents: 10000,
			MaxLines:    50,
			MaxQuantity: 20,
			Currency:    "usd",
			PendingTTL:  15 * time.Minute,
		},
		Payments: PaymentsConfig{
			Methods:          slices.Clone(KnownPaymentMethods),
			WebhookTolerance: 5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Addr, "BROSKIS_ADDR")
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q", port)
		}
		c.Server.Addr = ":" + port
	}
	setString(&c.Store.Driver, "BROSKIS_STORE_DRIVER")
	setString(&c.Store.PostgresDSN, "DATABASE_URL")
	setString(&c.Store.FirestoreProject, "FIRESTORE_PROJECT")
	setString(&c.Store.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&c.Auth.Mode, "BROSKIS_AUTH_MODE")
	setString(&c.Auth.LocalSecret, "BROSKIS_LOCAL_SECRET")
	setString(&c.CSRF.Key, "BROSKIS_CSRF_KEY")
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
		c.RateLimit.Backend = LimitRedis
	}
	setString(&c.Payments.StripeSecretKey, "STRIPE_SECRET_KEY")
	setString(&c.Payments.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Payments.StripeAPIURL, "STRIPE_API_URL")
	setString(&c.Notify.WebhookURL, "BROSKIS_NOTIFY_URL")
	setString(&c.Notify.Secret, "BROSKIS_NOTIFY_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	return nil
}

// Validate reports every configuration problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			add("store.postgres_dsn is required for the postgres driver")
		}
	case DriverFirestore:
		if c.Store.FirestoreProject == "" {
			add("store.firestore_project is required for the firestore driver")
		}
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Auth.Mode {
	case AuthFirebase:
	case AuthLocal:
		if len(c.Auth.LocalSecret) < 32 {
			add("auth.local_secret must be at least 32 bytes in local mode")
		}
	default:
		add("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Auth.CookieName == "" {
		add("auth.cookie_name is required")
	}
	if c.Auth.SessionTTL < 5*time.Minute || c.Auth.SessionTTL > 336*time.Hour {
		add("auth.session_ttl must be between 5m and 336h, got %s", c.Auth.SessionTTL)
	}

	if c.CSRF.Enabled && len(c.CSRF.Key) != 32 {
		add("csrf.key must be exactly 32 bytes when csrf is enabled")
	}

	switch c.RateLimit.Backend {
	case LimitMemory:
	case LimitRedis:
		if c.RateLimit.RedisAddr == "" {
			add("rate_limit.redis_addr is required for the redis backend")
		}
	default:
		add("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 || c.RateLimit.AuthRPM <= 0 || c.RateLimit.CheckoutRPM <= 0 {
		add("rate_limit values must be positive")
	}

	if c.Cache.MenuSize <= 0 {
		add("cache.menu_size must be positive")
	}

	if err := c.Rewards.Validate(); err != nil {
		add("rewards: %w", err)
	}

	if c.Checkout.TaxRateBps < 0 || c.Checkout.TaxRateBps > 10000 {
		add("checkout.tax_rate_bps must be within [0, 10000]")
	}
	if c.Checkout.MaxTipCents < 0 {
		add("checkout.max_tip_cents must not be negative")
	}
	if c.Checkout.MaxLines <= 0 || c.Checkout.MaxQuantity <= 0 {
		add("checkout.max_lines and checkout.max_quantity must be positive")
	}
	if c.Checkout.PendingTTL <= 0 {
		add("checkout.pending_ttl must be positive")
	}

	if len(c.Payments.Methods) == 0 {
		add("payments.methods must not be empty")
	}
	for _, m := range c.Payments.Methods {
		if !slices.Contains(KnownPaymentMethods, m) {
			add("unknown payment method %q", m)
		}
	}

	return errors.Join(errs...)
}

// IsAdminEmail reports whether email is on the admin allowlist.
func (c *AuthConfig) IsAdminEmail(email string) bool {
	return slices.ContainsFunc(c.AdminEmails, func(e string) bool {
		return strings.EqualFold(e, email)
	})
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
