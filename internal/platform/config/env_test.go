package config

import "testing"

type envFixture struct {
	Addr string `env:"COUPLES_COURT_TEST_ADDR" envDefault:"localhost:0"`
	Port int    `env:"COUPLES_COURT_TEST_PORT" envDefault:"8080"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envFixture
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "localhost:0" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("COUPLES_COURT_TEST_ADDR", "0.0.0.0:9999")
	t.Setenv("COUPLES_COURT_TEST_PORT", "9100")

	var cfg envFixture
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9999" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected env port, got %d", cfg.Port)
	}
}
