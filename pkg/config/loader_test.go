package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigMergesLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
  slow_query_threshold: 150ms
server:
  port: ":8080"
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
`)
	writeFile(t, dir, "secrets.env", "DB_SECRET=hunter2\n")

	cfgMap, err := LoadConfig("staging", dir)
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		DB     DBConfig     `yaml:"db"`
		Server ServerConfig `yaml:"server"`
	}
	if err := Decode(cfgMap, &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.DB.Host != "db.staging" {
		t.Errorf("host = %q, want env layer to win", cfg.DB.Host)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("port = %d, want base value kept", cfg.DB.Port)
	}
	if cfg.DB.Password != "hunter2" {
		t.Errorf("password = %q, want secret substituted", cfg.DB.Password)
	}
	if cfg.DB.SlowQueryThreshold != 150*time.Millisecond {
		t.Errorf("slow_query_threshold = %v", cfg.DB.SlowQueryThreshold)
	}
	if cfg.Server.Port != ":8080" {
		t.Errorf("server port = %q", cfg.Server.Port)
	}
}

func TestLoadConfigSystemEnvPlaceholder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "jwt:\n  secret: ${PROJECTSYNC_TEST_SECRET}\n")
	t.Setenv("PROJECTSYNC_TEST_SECRET", "from-env")

	cfgMap, err := LoadConfig("local", dir)
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		JWT JWTConfig `yaml:"jwt"`
	}
	if err := Decode(cfgMap, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Errorf("secret = %q", cfg.JWT.Secret)
	}
}

func TestLoadConfigMissingBase(t *testing.T) {
	if _, err := LoadConfig("local", t.TempDir()); err == nil {
		t.Error("expected error without base.yaml")
	}
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "override")
	t.Setenv("DB_PORT", "6543")
	cfg := DBConfig{Host: "x", Port: 1}
	OverrideDBFromEnv(&cfg)
	if cfg.Host != "override" || cfg.Port != 6543 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestOverridesIgnoreUnparsableValues(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	t.Setenv("JWT_TTL", "90m")
	t.Setenv("MQ_ENABLED", "maybe")

	redis := RedisConfig{DB: 1}
	OverrideRedisFromEnv(&redis)
	if redis.DB != 1 {
		t.Errorf("REDIS_DB=two changed db to %d", redis.DB)
	}

	jwt := JWTConfig{TTL: time.Hour}
	OverrideJWTFromEnv(&jwt)
	if jwt.TTL != 90*time.Minute {
		t.Errorf("ttl = %v", jwt.TTL)
	}

	mq := MQConfig{Enabled: true}
	OverrideMQFromEnv(&mq)
	if !mq.Enabled {
		t.Error("MQ_ENABLED=maybe disabled mq")
	}
}
