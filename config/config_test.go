package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Server.Addr != ":8642" {
		t.Errorf("expected default addr ':8642', got %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "chime.db" {
		t.Errorf("expected default database path 'chime.db', got %q", cfg.Database.Path)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.RetryMaxAttempts != 3 {
		t.Errorf("expected default retry_max_attempts 3, got %d", cfg.Engine.RetryMaxAttempts)
	}
	if cfg.Engine.RetryBaseDelaySeconds != 60 {
		t.Errorf("expected default retry_base_delay_seconds 60, got %d", cfg.Engine.RetryBaseDelaySeconds)
	}
	if cfg.Log.JSON {
		t.Error("expected default log.json false")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chime.toml")
	content := `
[server]
addr = ":9999"

[engine]
workers = 8
retry_max_attempts = 5

[log]
json = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() failed: %v", err)
	}

	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected addr ':9999', got %q", cfg.Server.Addr)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("expected workers 8, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.RetryMaxAttempts != 5 {
		t.Errorf("expected retry_max_attempts 5, got %d", cfg.Engine.RetryMaxAttempts)
	}
	if !cfg.Log.JSON {
		t.Error("expected log.json true")
	}

	// Untouched values keep their defaults
	if cfg.Database.Path != "chime.db" {
		t.Errorf("expected default database path, got %q", cfg.Database.Path)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/no/such/chime.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEngineConfigTranslation(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.SoftTimeLimit != 5*time.Minute {
		t.Errorf("expected soft time limit 5m, got %v", ec.SoftTimeLimit)
	}
	if ec.HardTimeLimit != 6*time.Minute {
		t.Errorf("expected hard time limit 6m, got %v", ec.HardTimeLimit)
	}
	if ec.Retry.BaseDelay != 60*time.Second {
		t.Errorf("expected retry base delay 60s, got %v", ec.Retry.BaseDelay)
	}
	if ec.Retry.Multiplier != 2.0 {
		t.Errorf("expected retry multiplier 2.0, got %v", ec.Retry.Multiplier)
	}
	if ec.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", ec.ShutdownTimeout)
	}
}
