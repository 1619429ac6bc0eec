package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/danmuck/glasslink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(filepath.Join("..", "..", "cmd", "glasslinkd", "ex.config.toml"))
	if err != nil {
		t.Fatalf("expected example config to load, got %v", err)
	}
	if cfg.ID != "glasslinkd.local" {
		t.Fatalf("expected id glasslinkd.local, got %q", cfg.ID)
	}
	if cfg.Identity != "42" || !cfg.AutoConnect {
		t.Fatalf("expected identity 42 with auto connect, got %q %v", cfg.Identity, cfg.AutoConnect)
	}
	if cfg.ConnectWait != 20*time.Second {
		t.Fatalf("expected connect wait 20s, got %v", cfg.ConnectWait)
	}
	if len(cfg.Whitelist) != 2 || cfg.Whitelist[1].ID != "com.example.calendar" {
		t.Fatalf("expected two whitelist apps, got %+v", cfg.Whitelist)
	}
	if cfg.Link.AckTimeout != 800*time.Millisecond {
		t.Fatalf("expected ack timeout 800ms, got %v", cfg.Link.AckTimeout)
	}
	if cfg.Link.BondBackoff.InitialDelay != 5*time.Second || cfg.Link.BondRetryCeiling != 5 {
		t.Fatalf("expected bond retry settings, got %+v", cfg.Link.BondBackoff)
	}
	defaults := session.DefaultConfig()
	if cfg.Link.JointReadyTimeout != defaults.JointReadyTimeout {
		t.Fatalf("expected untouched keys to keep defaults, got %v", cfg.Link.JointReadyTimeout)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Listen != "127.0.0.1:8090" || cfg.Link != session.DefaultConfig() {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}

func TestLoadFalseOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `
auto_connect = false
bluez_bonding = false
`))
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.AutoConnect || cfg.BlueZBonding {
		t.Fatalf("expected explicit false values to apply, got %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":   "[link]\nack_timeout = \"soon\"\n",
		"identity":   "identity = \"G1\"\n",
		"multiplier": "[link]\nbond_backoff_multiplier = 0.5\n",
		"whitelist":  "[[whitelist]]\nname = \"no id\"\n",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestTemplateLoadsToDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("expected template written, got %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected existing config to be kept")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("expected overwrite, got %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected template to load, got %v", err)
	}
	def := Default()
	if cfg.Link != def.Link {
		t.Fatalf("expected template link timing to match defaults, got %+v", cfg.Link)
	}
	if cfg.ID != def.ID || cfg.Listen != def.Listen || cfg.ConnectWait != def.ConnectWait {
		t.Fatalf("expected template daemon keys to match defaults, got %+v", cfg)
	}
}

func TestValidateRequiresAdapterForBonding(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Adapter = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected missing adapter to be rejected")
	}
	cfg.BlueZBonding = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected config without bonding to pass, got %v", err)
	}
}
