package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("content-review")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Pipeline.ID != "content-review" {
		t.Fatalf("pipeline id %q", cfg.Pipeline.ID)
	}
	if cfg.Authority.Role != "white" {
		t.Fatalf("authority role %q", cfg.Authority.Role)
	}
	if cfg.Ledger.Dir != "data/team_ops" {
		t.Fatalf("ledger dir %q", cfg.Ledger.Dir)
	}
	if len(cfg.Gates.Mandatory) != 5 {
		t.Fatalf("mandatory gates %v", cfg.Gates.Mandatory)
	}
}

func TestPhaseRegistry(t *testing.T) {
	reg := Default("p").PhaseRegistry()
	want := map[string]int{"blue": 1, "red": 2, "green": 3, "black": 4, "white": 5, "grey": 6}
	if len(reg) != len(want) {
		t.Fatalf("registry %v", reg)
	}
	for team, phase := range want {
		if reg[team] != phase {
			t.Fatalf("team %s phase %d, want %d", team, reg[team], phase)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing pipeline id", func(c *Config) { c.Pipeline.ID = "" }, "pipeline.id"},
		{"no teams", func(c *Config) { c.Pipeline.Teams = nil }, "at least one team"},
		{"duplicate team", func(c *Config) { c.Pipeline.Teams[1].ID = "blue" }, "listed twice"},
		{"duplicate phase", func(c *Config) { c.Pipeline.Teams[1].Phase = 1 }, "more than one team"},
		{"zero phase", func(c *Config) { c.Pipeline.Teams[0].Phase = 0 }, "non-positive phase"},
		{"missing ledger dir", func(c *Config) { c.Ledger.Dir = "" }, "ledger.dir"},
		{"missing role", func(c *Config) { c.Authority.Role = "" }, "authority.role"},
		{"no protected dirs", func(c *Config) { c.Authority.ProtectedDirs = nil }, "protected_dirs"},
		{"bad extension", func(c *Config) { c.Authority.AssetExtensions = []string{"sh"} }, "start with a dot"},
		{"negative threshold", func(c *Config) { c.Gates.WarningThreshold = -1 }, "warning_threshold"},
		{"empty webhook url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "empty url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("p")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("pipe-x")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.ID != "pipe-x" {
		t.Fatalf("pipeline id %q", cfg.Pipeline.ID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "tg init") {
		t.Fatalf("missing config should point at tg init, got %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("optional load of absent file: cfg=%v err=%v", cfg, err)
	}
}

func TestPathDefaultsToCwd(t *testing.T) {
	if Path("") != filepath.Join(".", "teamgate.yml") {
		t.Fatalf("path %q", Path(""))
	}
}
