package util

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeTestConfig(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(ConfigFileName, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	t.Cleanup(func() { os.Remove(ConfigFileName) })
}

func TestConfigConstants(t *testing.T) {
	if Name != "fedicore" {
		t.Errorf("Expected Name 'fedicore', got '%s'", Name)
	}
	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	writeTestConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: true
  actorCacheTTL: 90m
  delivery:
    maxAttempts: 3
`)

	config, err := ReadConf(zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "example.com" {
		t.Errorf("Expected SslDomain 'example.com', got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.WithAp {
		t.Error("Expected WithAp to be true")
	}
	if config.Conf.ActorCacheTTL != 90*time.Minute {
		t.Errorf("Expected ActorCacheTTL 90m, got %v", config.Conf.ActorCacheTTL)
	}
	if config.Conf.Delivery.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts 3, got %d", config.Conf.Delivery.MaxAttempts)
	}
	// keys missing from the file keep the embedded defaults
	if config.Conf.Delivery.BatchSize != 50 {
		t.Errorf("Expected default BatchSize 50, got %d", config.Conf.Delivery.BatchSize)
	}
	if config.Conf.Delivery.Interval != 10*time.Second {
		t.Errorf("Expected default Interval 10s, got %v", config.Conf.Delivery.Interval)
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	writeTestConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: false
`)
	t.Setenv("FEDICORE_HOST", "192.168.1.1")
	t.Setenv("FEDICORE_HTTPPORT", "8080")
	t.Setenv("FEDICORE_SSLDOMAIN", "test.example.com")
	t.Setenv("FEDICORE_WITH_AP", "true")
	t.Setenv("FEDICORE_DELIVERY_INTERVAL", "30s")

	config, err := ReadConf(zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "test.example.com" {
		t.Errorf("Expected SslDomain 'test.example.com' from env, got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.WithAp {
		t.Error("Expected WithAp to be true from env")
	}
	if config.Conf.Delivery.Interval != 30*time.Second {
		t.Errorf("Expected Interval 30s from env, got %v", config.Conf.Delivery.Interval)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	writeTestConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`)

	if _, err := ReadConf(zap.NewNop().Sugar()); err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestReadConfInvalidPortEnv(t *testing.T) {
	writeTestConfig(t, `
conf:
  httpPort: 9999
`)
	t.Setenv("FEDICORE_HTTPPORT", "not_a_number")

	if _, err := ReadConf(zap.NewNop().Sugar()); err == nil {
		t.Error("Expected error for a non-numeric FEDICORE_HTTPPORT")
	}
}

func TestReadConfWithApFalseEnv(t *testing.T) {
	writeTestConfig(t, `
conf:
  withAp: true
`)
	t.Setenv("FEDICORE_WITH_AP", "false")

	config, err := ReadConf(zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}
	if config.Conf.WithAp {
		t.Error("Expected explicit FEDICORE_WITH_AP=false to disable ActivityPub")
	}
}

func TestResolveFilePathPassesThrough(t *testing.T) {
	if got := ResolveFilePath(":memory:"); got != ":memory:" {
		t.Errorf("Expected :memory: unchanged, got %s", got)
	}
	if got := ResolveFilePath("/var/lib/fedicore/db.sqlite"); got != "/var/lib/fedicore/db.sqlite" {
		t.Errorf("Expected absolute path unchanged, got %s", got)
	}
}
