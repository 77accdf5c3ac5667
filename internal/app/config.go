package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Config holds the complete service configuration, loadable from environment
// variables (OMNICART_ prefix), flags, or YAML config files.
type Config struct {
	Addr              string        `default:"0.0.0.0:8080" usage:"Ops server listen address (liveness and readiness)"`
	DatabaseURL       string        `usage:"PostgreSQL connection URL (OMNICART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	PostCommitTimeout time.Duration `default:"5s" usage:"Time limit for best-effort work after commit" flag:"post-commit-timeout"`
	Tx                TxConfig
	Idempotency       IdempotencyConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
	Graceful          GracefulConfig
}

// TxConfig bounds tenant transactions.
type TxConfig struct {
	LockTimeout      time.Duration `default:"5s"  usage:"Maximum wait for a row lock" flag:"lock-timeout"`
	StatementTimeout time.Duration `default:"15s" usage:"Maximum duration of a single statement" flag:"statement-timeout"`
}

// IdempotencyConfig controls idempotency record lifetime and collection.
type IdempotencyConfig struct {
	TTL           time.Duration `default:"24h" usage:"How long a key guards its operation"`
	SweepInterval time.Duration `default:"1h"  usage:"How often expired records are collected" flag:"sweep-interval"`
	Retention     time.Duration `default:"24h" usage:"How long expired records are kept before collection"`
}

// RedisConfig enables the replay cache when Addr is set.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address for the replay cache; empty disables it"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	Timeout  time.Duration `default:"200ms" usage:"Redis read and write timeout"`
}

// KafkaConfig enables event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers           []string      `usage:"Kafka brokers for audit and notification events; empty logs events instead"`
	AuditTopic        string        `default:"omnicart.audit" usage:"Topic for audit entries" flag:"audit-topic"`
	NotificationTopic string        `default:"omnicart.notifications" usage:"Topic for customer notifications" flag:"notification-topic"`
	WriteTimeout      time.Duration `default:"2s" usage:"Kafka write timeout" flag:"kafka-write-timeout"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from a .env file, environment variables,
// YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

func loadConfig(skipFlags bool) (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: skipFlags,
		EnvPrefix: "OMNICART",
		Files:     []string{"config.yaml", "/etc/omnicart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set OMNICART_DATABASE_URL or DATABASE_URL")
	}
	if c.Idempotency.TTL <= 0 {
		return errors.Errorf("idempotency TTL must be positive, got %s", c.Idempotency.TTL)
	}
	if c.Idempotency.SweepInterval <= 0 {
		return errors.Errorf("sweep interval must be positive, got %s", c.Idempotency.SweepInterval)
	}
	if len(c.Kafka.Brokers) > 0 && (c.Kafka.AuditTopic == "" || c.Kafka.NotificationTopic == "") {
		return errors.New("kafka topics are required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the OMNICART_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
