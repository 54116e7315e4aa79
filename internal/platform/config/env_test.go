package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port      int           `env:"PORT" envDefault:"123"`
	Heartbeat time.Duration `env:"HEARTBEAT" envDefault:"20s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg, "CONFIG_TEST_DEFAULTS_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.Heartbeat != 20*time.Second {
		t.Fatalf("expected default heartbeat 20s, got %s", cfg.Heartbeat)
	}
}

func TestParseEnvAppliesPrefix(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CONFIG_TEST_PREFIX_PORT", "9000")
	t.Setenv("PORT", "1")

	if err := ParseEnv(&cfg, "CONFIG_TEST_PREFIX_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected prefixed port 9000, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CONFIG_TEST_ERR_PORT", "not-an-int")

	err := ParseEnv(&cfg, "CONFIG_TEST_ERR_")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
