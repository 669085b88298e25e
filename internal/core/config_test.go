package core

import (
	"os"
	"path/filepath"
	"testing"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("USERNAME", "")
	t.Setenv("PASSWORD", "")
	t.Setenv("NODEODM_TOKEN", "")
	chdir(t, t.TempDir())
	return home
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	isolate(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BaseURL() != "http://localhost:8000" || cfg.NodeODM.BaseURL() != "http://localhost:3000" {
		t.Fatalf("unexpected urls %s %s", cfg.Server.BaseURL(), cfg.NodeODM.BaseURL())
	}
	if cfg.Run.MinImages != 5 || cfg.Run.Asset != "all.zip" || cfg.Run.PollInterval().Seconds() != 3 {
		t.Fatalf("unexpected run defaults %+v", cfg.Run)
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	isolate(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}

func TestLoadConfigYAMLAndSecrets(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, "odmctl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	yml := "server:\n  host: webodm.local\n  port: 8080\n  username: fromyaml\nrun:\n  min_images: 3\nhistory:\n  path: /tmp/h.db\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("USERNAME=fromdir\nPASSWORD=dirpass\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(".env", []byte("# local\nexport USERNAME=\"fromcwd\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BaseURL() != "http://webodm.local:8080" || cfg.Run.MinImages != 3 || cfg.History.Path != "/tmp/h.db" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Server.Username != "fromcwd" || cfg.Server.Password != "dirpass" {
		t.Fatalf("unexpected credentials %q %q", cfg.Server.Username, cfg.Server.Password)
	}

	t.Setenv("USERNAME", "fromenv")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Username != "fromenv" {
		t.Fatalf("environment should win, got %q", cfg.Server.Username)
	}
}

func TestLoadSecretsEnvMissingFile(t *testing.T) {
	got, err := LoadSecretsEnv(filepath.Join(t.TempDir(), ".env"))
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty map, got %v %v", got, err)
	}
}
