package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	MaxConns           int32         `yaml:"max_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
	// Enabled=false 时 server 不发布活动事件
	Enabled bool `yaml:"enabled"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// LogConfig 日志配置
type LogConfig struct {
	Development bool `yaml:"development"`
}

// envString/envInt/envBool/envDuration 只在变量存在且可解析时覆盖目标字段

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func OverrideDBFromEnv(cfg *DBConfig) {
	envString(&cfg.Host, "DB_HOST")
	envInt(&cfg.Port, "DB_PORT")
	envString(&cfg.User, "DB_USER")
	envString(&cfg.Password, "DB_PASSWORD")
	envString(&cfg.Name, "DB_NAME")
	if v, err := strconv.ParseInt(os.Getenv("DB_MAX_CONNS"), 10, 32); err == nil {
		cfg.MaxConns = int32(v)
	}
}

func OverrideMQFromEnv(cfg *MQConfig) {
	envString(&cfg.URL, "MQ_URL")
	envBool(&cfg.Enabled, "MQ_ENABLED")
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	envString(&cfg.Addr, "REDIS_ADDR")
	envString(&cfg.Password, "REDIS_PASSWORD")
	envInt(&cfg.DB, "REDIS_DB")
}

func OverrideJWTFromEnv(cfg *JWTConfig) {
	envString(&cfg.Secret, "JWT_SECRET")
	envDuration(&cfg.TTL, "JWT_TTL")
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	envString(&cfg.Port, "SERVER_PORT")
}

// OverrideBool 供应用层配置复用，例如 ADMIN_ENABLED
func OverrideBool(dst *bool, key string) { envBool(dst, key) }

// OverrideString 供应用层配置复用，例如 SYNC_STORE
func OverrideString(dst *string, key string) { envString(dst, key) }
