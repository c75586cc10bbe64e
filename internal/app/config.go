package app

import (
	"io/fs"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/oolio-pos/internal/messaging/rabbitmq"
	"github.com/xenking/oolio-pos/internal/outbox"
	"github.com/xenking/oolio-pos/pkg/health"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), a .env file, flags, or YAML config
// files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (POS_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
	Health       HealthConfig
	// Rabbit is optional. Without a URL kitchen tickets stay in the outbox.
	Rabbit rabbitmq.Config
	Relay  outbox.RelayConfig
}

// RateLimitConfig controls the per-operator sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// HealthConfig controls the /livez and /readyz checks.
type HealthConfig struct {
	Interval      time.Duration `default:"10s"   usage:"Health check interval" flag:"health-interval"`
	MaxGoroutines int           `default:"10000" usage:"Goroutine count that fails liveness"`
	// Outbox limits apply only while a broker is configured.
	Outbox health.BacklogLimits
}

// LoadConfig loads configuration from a .env file, environment variables and
// YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set POS_DATABASE_URL or DATABASE_URL")
	}
	if cfg.APIKeyPepper == "" {
		return nil, errors.New("API key pepper is required: set POS_API_KEY_PEPPER")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (DATABASE_URL, PORT, RABBITMQ_URL) onto the POS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Rabbit.URL == "" {
		c.Rabbit.URL = os.Getenv("RABBITMQ_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
