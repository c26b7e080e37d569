package config

import (
	"fmt"
	"strings"
	"time"

	"projectsync/pkg/config"
)

// SyncConfig 同步引擎配置
type SyncConfig struct {
	// Store 取值 memory 或 postgres
	Store           string        `yaml:"store"`
	CompanyID       string        `yaml:"company_id"`
	WithClients     bool          `yaml:"with_clients"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// AdminConfig 管理员记录配置
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"`
}

// OutboxConfig 活动事件先写入 Postgres outbox，再由 dispatcher 投递到 MQ
type OutboxConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
}

// WorkerConfig 活动事件 worker 配置
type WorkerConfig struct {
	Queue      string        `yaml:"queue"`
	MaxRetries int64         `yaml:"max_retries"`
	RetryTTL   time.Duration `yaml:"retry_ttl"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
	// MetricsAddr 是 worker 暴露 /metrics 的地址
	MetricsAddr string `yaml:"metrics_addr"`
}

type Config struct {
	Server ServerConfig       `yaml:"server"`
	DB     config.DBConfig    `yaml:"db"`
	Redis  config.RedisConfig `yaml:"redis"`
	MQ     config.MQConfig    `yaml:"mq"`
	JWT    config.JWTConfig   `yaml:"jwt"`
	Log    config.LogConfig   `yaml:"log"`
	Sync   SyncConfig         `yaml:"sync"`
	Admin  AdminConfig        `yaml:"admin"`
	Outbox OutboxConfig       `yaml:"outbox"`
	Worker WorkerConfig       `yaml:"worker"`
}

type ServerConfig = config.ServerConfig

// Load 读取 config/base.yaml + config/<CONFIG_ENV>.yaml，再用环境变量覆盖
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	overrideSyncFromEnv(&cfg.Sync)
	overrideAdminFromEnv(&cfg.Admin)

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideSyncFromEnv(cfg *SyncConfig) {
	config.OverrideString(&cfg.Store, "SYNC_STORE")
	config.OverrideString(&cfg.CompanyID, "SYNC_COMPANY_ID")
}

func overrideAdminFromEnv(cfg *AdminConfig) {
	config.OverrideString(&cfg.DataDir, "ADMIN_DATA_DIR")
	config.OverrideBool(&cfg.Enabled, "ADMIN_ENABLED")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Sync.Store == "" {
		cfg.Sync.Store = "memory"
	}
	if cfg.Sync.BackoffInitial <= 0 {
		cfg.Sync.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.Sync.BackoffMax <= 0 {
		cfg.Sync.BackoffMax = 30 * time.Second
	}
	if cfg.Admin.DataDir == "" {
		cfg.Admin.DataDir = "data"
	}
	if cfg.JWT.TTL <= 0 {
		cfg.JWT.TTL = 24 * time.Hour
	}
	if cfg.Worker.Queue == "" {
		cfg.Worker.Queue = "projectsync.activity.q"
	}
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.RetryTTL <= 0 {
		cfg.Worker.RetryTTL = time.Hour
	}
	if cfg.Worker.MetricsAddr == "" {
		cfg.Worker.MetricsAddr = ":9091"
	}
	if cfg.Worker.DedupTTL <= 0 {
		cfg.Worker.DedupTTL = 24 * time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Sync.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("sync.store must be memory or postgres, got %q", c.Sync.Store)
	}
	if c.Outbox.Enabled && (c.Sync.Store != "postgres" || !c.MQ.Enabled) {
		return fmt.Errorf("outbox requires sync.store=postgres and mq.enabled")
	}
	if c.JWT.Secret == "" || strings.HasPrefix(c.JWT.Secret, "${") {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
