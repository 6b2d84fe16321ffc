package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig(env string) Config {
	return Config{
		App:    AppConfig{Env: env, Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dispatch"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Dialer: DialerConfig{BaseURL: "http://dialer.local"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := baseConfig("production")
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	c.Dialer.WebhookSecret = "hook"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := baseConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Dispatch.TargetReadyBuffer != 3 || c.Dispatch.MaxConcurrentCalls != 2 {
		t.Fatalf("unexpected dispatch defaults %+v", c.Dispatch)
	}
	if c.Dispatch.LockTimeout != 15*time.Minute || c.Dispatch.PositiveIntentThreshold != 0.6 {
		t.Fatalf("unexpected lock/threshold defaults %+v", c.Dispatch)
	}
	if c.Backpressure.Ceiling != 4 || c.Backpressure.Floor != 3 {
		t.Fatalf("unexpected backpressure defaults %+v", c.Backpressure)
	}
	if c.AMQP.OutcomeQueue != "dialer_outcomes" {
		t.Fatalf("unexpected queue default %q", c.AMQP.OutcomeQueue)
	}
}

func TestValidate_RejectsInvertedBand(t *testing.T) {
	c := baseConfig("local")
	c.Backpressure = BackpressureConfig{Ceiling: 3, Floor: 3}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for ceiling <= floor")
	}
}

func TestValidate_MemoryStoreSkipsDB(t *testing.T) {
	c := baseConfig("dev")
	c.DB = DBConfig{}
	c.Store.Driver = StoreDriverMemory
	if err := c.Validate(); err != nil {
		t.Fatalf("expected memory store to need no db, got %v", err)
	}

	c = baseConfig("production")
	c.Store.Driver = StoreDriverMemory
	if err := c.Validate(); err == nil {
		t.Fatalf("expected memory store rejected in production")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DIALER_BASE_URL", "http://dialer.local")
	t.Setenv("DISPATCH_MAX_CONCURRENT_CALLS", "5")
	t.Setenv("POSITIVE_INTENT_THRESHOLD", "0.7")
	t.Setenv("SWEEP_INTERVAL", "10s")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Dispatch.MaxConcurrentCalls != 5 || c.Dispatch.PositiveIntentThreshold != 0.7 {
		t.Fatalf("unexpected dispatch %+v", c.Dispatch)
	}
	if c.Sweep.Interval != 10*time.Second || c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected sweep/addr %+v %s", c.Sweep, c.HTTPAddr())
	}
	if c.RedisAddr() != "" {
		t.Fatalf("expected no redis addr")
	}
}

func TestLoad_AggregatesParseErrors(t *testing.T) {
	t.Setenv("APP_PORT", "nope")
	t.Setenv("BACKPRESSURE_CEILING", "four")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "BACKPRESSURE_CEILING") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}
