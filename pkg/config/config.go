package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL     string        `mapstructure:"DATABASE_URL" validate:"required,url|uri"`
	DBMaxOpenConns  int           `mapstructure:"DB_MAX_OPEN_CONNS" validate:"gte=1"`
	DBMaxIdleConns  int           `mapstructure:"DB_MAX_IDLE_CONNS" validate:"gte=0"`
	DBConnectTries  int           `mapstructure:"DB_CONNECT_TRIES" validate:"gte=1"`
	DBSlowThreshold time.Duration `mapstructure:"DB_SLOW_THRESHOLD"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0,lte=15"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	// Marathon
	MarathonServers   []string      `mapstructure:"MARATHON_SERVERS" validate:"required,min=1,dive,url"`
	MarathonUsername  string        `mapstructure:"MARATHON_USERNAME"`
	MarathonPassword  string        `mapstructure:"MARATHON_PASSWORD"`
	MarathonRateLimit float64       `mapstructure:"MARATHON_RATE_LIMIT" validate:"gt=0"`
	MarathonTimeout   time.Duration `mapstructure:"MARATHON_TIMEOUT" validate:"required"`
	ImageRegistry     string        `mapstructure:"IMAGE_REGISTRY" validate:"required"`
	AppConstraints    []string      `mapstructure:"APP_CONSTRAINTS"`
	AppURIs           []string      `mapstructure:"APP_URIS"`

	// Block storage
	StorageDriver       string `mapstructure:"STORAGE_DRIVER" validate:"required,oneof=ebs hcloud memory"`
	AWSRegion           string `mapstructure:"AWS_REGION" validate:"required_if=StorageDriver ebs"`
	AWSAvailabilityZone string `mapstructure:"AWS_AVAILABILITY_ZONE" validate:"required_if=StorageDriver ebs"`
	AWSVolumeType       string `mapstructure:"AWS_VOLUME_TYPE" validate:"omitempty,oneof=gp2 gp3 io1 io2 st1 sc1 standard"`
	AWSAccessKeyID      string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey  string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	AWSEndpoint         string `mapstructure:"AWS_ENDPOINT" validate:"omitempty,url"`
	HCloudToken         string `mapstructure:"HCLOUD_TOKEN" validate:"required_if=StorageDriver hcloud"`
	HCloudLocation      string `mapstructure:"HCLOUD_LOCATION" validate:"required_if=StorageDriver hcloud"`

	// Orchestration policy
	StatusTimeout     time.Duration `mapstructure:"STATUS_TIMEOUT" validate:"required"`
	VolumeTimeout     time.Duration `mapstructure:"VOLUME_TIMEOUT" validate:"required"`
	SuspendTimeout    time.Duration `mapstructure:"SUSPEND_TIMEOUT" validate:"required"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL" validate:"required"`
	MinHealthCapacity float64       `mapstructure:"MIN_HEALTH_CAPACITY" validate:"gt=0,lte=1"`
	DeployRetries     int           `mapstructure:"DEPLOY_RETRIES" validate:"gte=0,lte=50"`
	RestoreRetries    int           `mapstructure:"RESTORE_RETRIES" validate:"gte=1,lte=50"`
	LockTTL           time.Duration `mapstructure:"LOCK_TTL" validate:"required"`
	AppDomain         string        `mapstructure:"APP_DOMAIN" validate:"required,fqdn"`
	BackupTimezone    string        `mapstructure:"BACKUP_TIMEZONE" validate:"required"`
	BackupCron        string        `mapstructure:"BACKUP_CRON" validate:"required"`

	// Resource limits, lower bounds are exclusive
	MaxCPUs       float64 `mapstructure:"MAX_CPUS" validate:"gt=0"`
	MaxMem        float64 `mapstructure:"MAX_MEM" validate:"gt=0"`
	MaxVolumeSize int     `mapstructure:"MAX_VOLUME_SIZE" validate:"gt=0"`
	MaxBackupKeep int     `mapstructure:"MAX_BACKUP_KEEP" validate:"gt=0"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var durationKeys = []string{
	"SHUTDOWN_TIMEOUT",
	"DB_SLOW_THRESHOLD",
	"MARATHON_TIMEOUT",
	"STATUS_TIMEOUT",
	"VOLUME_TIMEOUT",
	"SUSPEND_TIMEOUT",
	"POLL_INTERVAL",
	"LOCK_TTL",
}

var listKeys = []string{
	"MARATHON_SERVERS",
	"APP_CONSTRAINTS",
	"APP_URIS",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_CONNECT_TRIES", 5)
	v.SetDefault("DB_SLOW_THRESHOLD", "500ms")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("MARATHON_SERVERS", "http://127.0.0.1:8080")
	v.SetDefault("MARATHON_RATE_LIMIT", 20)
	v.SetDefault("MARATHON_TIMEOUT", "30s")
	v.SetDefault("IMAGE_REGISTRY", "index.hubot.local")
	v.SetDefault("APP_CONSTRAINTS", "node:LIKE:worker")
	v.SetDefault("APP_URIS", "file:///etc/docker.tar.gz")
	v.SetDefault("STORAGE_DRIVER", "memory")
	v.SetDefault("AWS_VOLUME_TYPE", "gp3")
	v.SetDefault("STATUS_TIMEOUT", "900s")
	v.SetDefault("VOLUME_TIMEOUT", "300s")
	v.SetDefault("SUSPEND_TIMEOUT", "500s")
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("MIN_HEALTH_CAPACITY", 0.6)
	v.SetDefault("DEPLOY_RETRIES", 5)
	v.SetDefault("RESTORE_RETRIES", 5)
	v.SetDefault("LOCK_TTL", "10m")
	v.SetDefault("APP_DOMAIN", "hubot.local")
	v.SetDefault("BACKUP_TIMEZONE", "UTC")
	v.SetDefault("BACKUP_CRON", "0 0 * * *")
	v.SetDefault("MAX_CPUS", 8)
	v.SetDefault("MAX_MEM", 16384)
	v.SetDefault("MAX_VOLUME_SIZE", 1000)
	v.SetDefault("MAX_BACKUP_KEEP", 100)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV", "HTTP_ADDR", "SHUTDOWN_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT",
		"DATABASE_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONNECT_TRIES", "DB_SLOW_THRESHOLD",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"ASYNQ_CONCURRENCY", "GOMAXPROCS",
		"MARATHON_SERVERS", "MARATHON_USERNAME", "MARATHON_PASSWORD", "MARATHON_RATE_LIMIT", "MARATHON_TIMEOUT",
		"IMAGE_REGISTRY", "APP_CONSTRAINTS", "APP_URIS",
		"STORAGE_DRIVER", "AWS_REGION", "AWS_AVAILABILITY_ZONE", "AWS_VOLUME_TYPE",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_ENDPOINT", "HCLOUD_TOKEN", "HCLOUD_LOCATION",
		"STATUS_TIMEOUT", "VOLUME_TIMEOUT", "SUSPEND_TIMEOUT", "POLL_INTERVAL", "MIN_HEALTH_CAPACITY",
		"DEPLOY_RETRIES", "RESTORE_RETRIES", "LOCK_TTL", "APP_DOMAIN", "BACKUP_TIMEZONE", "BACKUP_CRON",
		"MAX_CPUS", "MAX_MEM", "MAX_VOLUME_SIZE", "MAX_BACKUP_KEEP",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	for _, key := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		setDuration(&c, key, d)
	}

	// Comma separated lists from the environment
	for _, key := range listKeys {
		setList(&c, key, splitList(v.GetString(key)))
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.BackupTimezone); err != nil {
		return nil, fmt.Errorf("invalid BACKUP_TIMEZONE: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

func setDuration(c *Config, key string, d time.Duration) {
	switch key {
	case "SHUTDOWN_TIMEOUT":
		c.ShutdownTimeout = d
	case "DB_SLOW_THRESHOLD":
		c.DBSlowThreshold = d
	case "MARATHON_TIMEOUT":
		c.MarathonTimeout = d
	case "STATUS_TIMEOUT":
		c.StatusTimeout = d
	case "VOLUME_TIMEOUT":
		c.VolumeTimeout = d
	case "SUSPEND_TIMEOUT":
		c.SuspendTimeout = d
	case "POLL_INTERVAL":
		c.PollInterval = d
	case "LOCK_TTL":
		c.LockTTL = d
	}
}

func setList(c *Config, key string, values []string) {
	if len(values) == 0 {
		return
	}
	switch key {
	case "MARATHON_SERVERS":
		c.MarathonServers = values
	case "APP_CONSTRAINTS":
		c.AppConstraints = values
	case "APP_URIS":
		c.AppURIs = values
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Location returns the time zone used to plan daily backups.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BackupTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
