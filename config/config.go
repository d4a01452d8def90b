package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Broker     BrokerConfig     `yaml:"broker"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Fiskaly    FiskalyConfig    `yaml:"fiskaly"`
	Redis      RedisConfig      `yaml:"redis"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `yaml:"auto_migrate"`
}

// AuthConfig configures bearer verification and role lookups.
type AuthConfig struct {
	JWTSecret           string `yaml:"jwt_secret"`
	RoleCacheTTLSeconds int    `yaml:"role_cache_ttl_seconds"`
	SchedulerToken      string `yaml:"scheduler_token"`
}

// BrokerConfig describes the MQTT broker the stations listen on.
type BrokerConfig struct {
	URL            string        `yaml:"url"`
	Transport      string        `yaml:"transport"` // websocket or tcp
	Namespace      string        `yaml:"namespace"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
	Heartbeats     bool          `yaml:"subscribe_heartbeats"`
}

// WatchdogConfig holds the heartbeat watchdog schedule.
type WatchdogConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IntervalSeconds  int           `yaml:"interval_seconds"`
	Interval         time.Duration `yaml:"-"`
	ThresholdSeconds int           `yaml:"threshold_seconds"`
	Threshold        time.Duration `yaml:"-"`
}

// FiskalyConfig holds the fiscal API credentials.
type FiskalyConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	SoftwareName    string `yaml:"software_name"`
	SoftwareVersion string `yaml:"software_version"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	HTTPProxy       string `yaml:"http_proxy"`
}

// RedisConfig enables the per-partner provisioning lock. Empty address disables it.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig selects the logrus level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path. A .env file next to the
// process is loaded first so secrets can stay out of the YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"DATABASE_DSN":       &cfg.Database.DSN,
		"JWT_SECRET":         &cfg.Auth.JWTSecret,
		"SCHEDULER_TOKEN":    &cfg.Auth.SchedulerToken,
		"MQTT_URL":           &cfg.Broker.URL,
		"MQTT_USERNAME":      &cfg.Broker.Username,
		"MQTT_PASSWORD":      &cfg.Broker.Password,
		"FISKALY_API_KEY":    &cfg.Fiskaly.APIKey,
		"FISKALY_API_SECRET": &cfg.Fiskaly.APISecret,
		"REDIS_ADDRESS":      &cfg.Redis.Address,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Auth.RoleCacheTTLSeconds <= 0 {
		cfg.Auth.RoleCacheTTLSeconds = 60
	}

	if cfg.Broker.Transport == "" {
		cfg.Broker.Transport = "websocket"
	}
	if cfg.Broker.Namespace == "" {
		cfg.Broker.Namespace = "petwash"
	}
	if cfg.Broker.ClientIDPrefix == "" {
		cfg.Broker.ClientIDPrefix = "station-control"
	}
	if cfg.Broker.TimeoutSeconds <= 0 {
		cfg.Broker.TimeoutSeconds = 10
	}
	cfg.Broker.Timeout = time.Duration(cfg.Broker.TimeoutSeconds) * time.Second

	if cfg.Watchdog.IntervalSeconds <= 0 {
		cfg.Watchdog.IntervalSeconds = 60
	}
	cfg.Watchdog.Interval = time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second
	if cfg.Watchdog.ThresholdSeconds <= 0 {
		cfg.Watchdog.ThresholdSeconds = 120
	}
	cfg.Watchdog.Threshold = time.Duration(cfg.Watchdog.ThresholdSeconds) * time.Second

	if cfg.Fiskaly.BaseURL == "" {
		cfg.Fiskaly.BaseURL = "https://api.fiskaly.com/v1"
	}
	if cfg.Fiskaly.SoftwareName == "" {
		cfg.Fiskaly.SoftwareName = "petwash-console"
	}
	if cfg.Fiskaly.SoftwareVersion == "" {
		cfg.Fiskaly.SoftwareVersion = "1.0.0"
	}
	if cfg.Fiskaly.TimeoutSeconds <= 0 {
		cfg.Fiskaly.TimeoutSeconds = 30
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		logrus.Warn("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
