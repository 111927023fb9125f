package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Status   StatusConfig   `mapstructure:"status"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Workers     int    `mapstructure:"workers"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"`
}

type StorageConfig struct {
	JobsDir string `mapstructure:"jobs_dir"`
	// Mode is "shared" when every worker sees JobsDir, "embedded" when input
	// and output bytes travel through the database instead.
	Mode string `mapstructure:"mode"`
}

type QueueConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	LeaseTimeout         time.Duration `mapstructure:"lease_timeout"`
	MaxStalled           int           `mapstructure:"max_stalled"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StuckThreshold       time.Duration `mapstructure:"stuck_threshold"`
	WorkerTimeout        time.Duration `mapstructure:"worker_timeout"`
	RetainCompleted      time.Duration `mapstructure:"retain_completed"`
	RetainCompletedCount int           `mapstructure:"retain_completed_count"`
	RetainFailed         time.Duration `mapstructure:"retain_failed"`
	PendingMaxAge        time.Duration `mapstructure:"pending_max_age"`
	JobRetention         time.Duration `mapstructure:"job_retention"`
	SweepSchedule        string        `mapstructure:"sweep_schedule"`
}

type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	Runtime           string        `mapstructure:"runtime"`
	Image             string        `mapstructure:"image"`
	Binary            string        `mapstructure:"binary"`
	Network           string        `mapstructure:"network"`
	HostJobsDir       string        `mapstructure:"host_jobs_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// DrainTimeout bounds how long a stopping worker waits for its current
	// job. Zero waits for the job to finish.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type StatusConfig struct {
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	LogPreview int           `mapstructure:"log_preview"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
	Channel  string `mapstructure:"channel"`
}

type AdminConfig struct {
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

const (
	StorageShared   = "shared"
	StorageEmbedded = "embedded"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.max_upload_mb", 100)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "storf.db")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.jobs_dir", "./jobs")
	v.SetDefault("storage.mode", StorageShared)

	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.lease_timeout", "30s")
	v.SetDefault("queue.max_stalled", 1)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.stuck_threshold", "60s")
	v.SetDefault("queue.worker_timeout", "2m")
	v.SetDefault("queue.retain_completed", "24h")
	v.SetDefault("queue.retain_completed_count", 1000)
	v.SetDefault("queue.retain_failed", "168h")
	v.SetDefault("queue.pending_max_age", "24h")
	v.SetDefault("queue.job_retention", "168h")
	v.SetDefault("queue.sweep_schedule", "@every 1m")

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.runtime", "docker")
	v.SetDefault("worker.image", "jamesdimonaco/storf-reporter:latest")
	v.SetDefault("worker.binary", "storf-reporter")
	v.SetDefault("worker.network", "host")
	v.SetDefault("worker.host_jobs_dir", "")
	v.SetDefault("worker.timeout", "2h")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.drain_timeout", "0s")

	v.SetDefault("status.cache_ttl", "5s")
	v.SetDefault("status.log_preview", 5000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.channel", "storf:job-events")

	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "12h")
}

// Load reads configuration from an optional YAML file, a .env file and the
// environment. Variables prefixed with STORF_ override file values.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("storf")
		v.AddConfigPath(".")
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".storf"))
	}

	setDefaults(v)

	v.SetEnvPrefix("STORF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDeploymentEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDeploymentEnv honours the variable names the compose deployment
// already sets.
func applyDeploymentEnv(v *viper.Viper) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("database.driver", "postgres")
		v.Set("database.dsn", dsn)
	}
	host := os.Getenv("REDIS_HOST")
	if host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		v.Set("redis.enabled", true)
		v.Set("redis.addr", host+":"+port)
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		v.Set("redis.password", pw)
	}
	if tls := os.Getenv("REDIS_TLS"); tls == "true" || tls == "1" {
		v.Set("redis.tls", true)
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	switch c.Storage.Mode {
	case StorageShared, StorageEmbedded:
	default:
		return fmt.Errorf("config: unknown storage mode %q", c.Storage.Mode)
	}
	if c.Storage.JobsDir == "" {
		return fmt.Errorf("config: storage.jobs_dir is required")
	}
	switch c.Worker.Runtime {
	case "docker", "podman", "local":
	default:
		return fmt.Errorf("config: unknown worker runtime %q", c.Worker.Runtime)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.max_attempts must be at least 1")
	}
	if c.Queue.LeaseTimeout <= 0 || c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config: queue.lease_timeout and queue.poll_interval must be positive")
	}
	if c.Queue.BackoffBase < 0 {
		return fmt.Errorf("config: queue.backoff_base must not be negative")
	}
	if c.Worker.Count < 0 || c.Server.Workers < 0 {
		return fmt.Errorf("config: worker counts must not be negative")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("config: server.max_upload_mb must be positive")
	}
	return nil
}

// MaxUploadBytes is the largest accepted genome upload.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}
