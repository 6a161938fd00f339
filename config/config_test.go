package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig with no file should succeed, got %v", err)
	}

	if cfg.Server.BaseAddress != "localhost:8080/ws" {
		t.Errorf("Expected default base address, got %q", cfg.Server.BaseAddress)
	}
	if cfg.Server.RequestTimeout != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Monitor.Namespace != "tycoon" {
		t.Errorf("Expected default namespace tycoon, got %q", cfg.Monitor.Namespace)
	}
	if cfg.Database.Enabled {
		t.Error("Database archive should be disabled by default")
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.SQLitePath != "archive.db" {
		t.Errorf("Unexpected database defaults %+v", cfg.Database)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  base_address: "game.example.com:9000"
  tls: true
  dial_timeout: 3s
player:
  name: alice
database:
  postgres:
    port: 6543
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TYCOON_PLAYER_NAME", "bob")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.BaseAddress != "game.example.com:9000" {
		t.Errorf("Expected base address from file, got %q", cfg.Server.BaseAddress)
	}
	if !cfg.Server.TLS {
		t.Error("Expected tls to be enabled from file")
	}
	if cfg.Server.DialTimeout != 3*time.Second {
		t.Errorf("Expected 3s dial timeout, got %v", cfg.Server.DialTimeout)
	}
	if cfg.Player.Name != "bob" {
		t.Errorf("Expected env override bob, got %q", cfg.Player.Name)
	}
	if cfg.Database.Postgres.Port != 6543 {
		t.Errorf("Expected postgres port 6543, got %d", cfg.Database.Postgres.Port)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  request_timeout: -1s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("Expected negative timeout to be rejected")
	}
}

func TestLoadConfig_UnknownDatabaseDriver(t *testing.T) {
	dir := t.TempDir()
	yaml := "database:\n  enabled: true\n  driver: mysql\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("Expected an unknown database driver to be rejected")
	}
}
