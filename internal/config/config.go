package config

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env        string           `yaml:"env" env:"APP_ENV" env-default:"development"`
	HTTPServer HTTPServerConfig `yaml:"http_server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Orders     OrdersConfig     `yaml:"orders"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Migrations MigrationsConfig `yaml:"migrations"`
}

type HTTPServerConfig struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-required:"true"`
	Password string `yaml:"-" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-required:"true"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type JWTConfig struct {
	Secret   string        `yaml:"-" env:"JWT_SECRET" env-required:"true"`
	TokenTTL time.Duration `yaml:"token_ttl" env-default:"72h"`
}

// PaymentsConfig points at the external escrow processor and carries the
// shared secret used to verify webhook signatures.
type PaymentsConfig struct {
	APIURL        string        `yaml:"api_url" env:"PAYMENTS_API_URL" env-default:"https://api.payvault.test/v1"`
	APIKey        string        `yaml:"-" env:"PAYMENTS_API_KEY"`
	WebhookSecret string        `yaml:"-" env:"PAYMENTS_WEBHOOK_SECRET"`
	Timeout       time.Duration `yaml:"timeout" env-default:"10s"`
	MaxRetries    int           `yaml:"max_retries" env-default:"3"`
}

type OrdersConfig struct {
	// CommissionRate is the platform cut snapshotted onto each order at
	// creation time.
	CommissionRate float64 `yaml:"commission_rate" env:"COMMISSION_RATE" env-default:"0.20"`
	// HoldTimeout is how long a pending order may wait for a payment webhook
	// before the reaper cancels it.
	HoldTimeout time.Duration `yaml:"hold_timeout" env-default:"24h"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env-default:"2s"`
	BatchSize    int           `yaml:"batch_size" env-default:"50"`
	Workers      int           `yaml:"workers" env-default:"4"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env-default:"5m"`
}

type MigrationsConfig struct {
	Path string `yaml:"path" env-default:"./migrations"`
}

// MustLoad reads configuration or exits. A local .env file is applied first so
// development secrets do not need to live in the shell profile.
func MustLoad() *Config {
	_ = godotenv.Load()

	configPath := fetchConfigPath()
	if configPath == "" {
		var cfg Config
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			log.Fatalf("can't read config from environment: %v", err)
		}
		return &cfg
	}
	return MustLoadByPath(configPath)
}

func fetchConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return path
}

func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file not found: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("can't read config file %s: %v", configPath, err)
	}

	return &cfg
}
