package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
server:
  address: ":8080"
database:
  driver: mysql
  url: "user:pass@tcp(db:3306)/pix"
redis:
  addr: "redis:6379"
  db: 2
auth:
  service_secret: "s3cret"
cors:
  allowed_origins: ["https://dash.example.com"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.Auth.ServiceSecret != "s3cret" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	dsn, err := cfg.DSN()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("expected parseTime in %q", dsn)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/pix")
	t.Setenv("REDIS_DB", "5")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != ":9000" || cfg.Database.Driver != "pgx" || cfg.Redis.DB != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORS.AllowedOrigins)
	}
	if dsn, _ := cfg.DSN(); dsn != "postgres://u:p@db/pix" {
		t.Fatalf("pgx dsn must pass through, got %q", dsn)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverMemory)
	t.Setenv("SERVICE_JWT_SECRET", "x")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != ":4001" || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Fatal("expected error for bad yaml")
	}
	t.Setenv("SERVICE_JWT_SECRET", "x")
	t.Setenv("DB_DRIVER", "oracle")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
