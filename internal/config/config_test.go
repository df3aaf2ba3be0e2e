package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected host %s, got %s", DefaultHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Server.Port)
	}

	if cfg.Proxy.PoolCapacity != 128 {
		t.Errorf("Expected pool capacity 128, got %d", cfg.Proxy.PoolCapacity)
	}
	if cfg.Proxy.ConnectTimeout != 15*time.Second {
		t.Errorf("Expected connect timeout 15s, got %s", cfg.Proxy.ConnectTimeout)
	}

	if cfg.Headers.ForwardedFor != "drop" {
		t.Errorf("Unexpected default X-Forwarded-For behaviour: %s", cfg.Headers.ForwardedFor)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected log level 'info', got %s", cfg.Logging.Level)
	}

	if !cfg.Security.RateLimit.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if len(cfg.Security.TrustedCIDRs) == 0 {
		t.Error("Expected at least one default trusted CIDR (loopback)")
	}
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
}

func TestLoadConfig_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "9999")
	t.Setenv("RELAY_LOGGING_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999 from env, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug from env, got %s", cfg.Logging.Level)
	}
}

func TestSnapshotHotReloadable(t *testing.T) {
	cfg := DefaultConfig()
	snap := cfg.snapshotHotReloadable()

	if snap.Headers.ForwardedFor != cfg.Headers.ForwardedFor {
		t.Error("Expected snapshot to mirror current header config")
	}
	if snap.Proxy.PoolCapacity != cfg.Proxy.PoolCapacity {
		t.Error("Expected snapshot to mirror current proxy config")
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
