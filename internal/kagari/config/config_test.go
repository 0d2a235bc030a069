package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KAGARI_MASTER_KEY", strings.Repeat("ab", 32))
}

const validYAML = `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
admins:
  - "@admin:example.org"
markers:
  - "!kagari"
db_path: /var/lib/kagari/kagari.db
mapping_ttl: 48h
sweep_interval: 30m
single_use_replies: true
dm_anonymous: false
greeting: hello there
`

func TestLoadFromFile(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Homeserver != "https://matrix.example.org" {
		t.Errorf("homeserver = %q", cfg.Homeserver)
	}
	if cfg.UserID != "@kagari:example.org" {
		t.Errorf("user_id = %q", cfg.UserID)
	}
	if cfg.MappingTTL != 48*time.Hour {
		t.Errorf("mapping_ttl = %v", cfg.MappingTTL)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Errorf("sweep_interval = %v", cfg.SweepInterval)
	}
	if !cfg.SingleUseReplies {
		t.Error("single_use_replies should be true")
	}
	if cfg.DMAnonymous {
		t.Error("dm_anonymous should be false")
	}
	if cfg.Greeting != "hello there" {
		t.Errorf("greeting = %q", cfg.Greeting)
	}
}

func TestDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
admins:
  - "@admin:example.org"
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.MappingTTL != 72*time.Hour {
		t.Errorf("default mapping_ttl = %v", cfg.MappingTTL)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("default sweep_interval = %v", cfg.SweepInterval)
	}
	if cfg.DrainTimeout != 10*time.Second {
		t.Errorf("default drain_timeout = %v", cfg.DrainTimeout)
	}
	if !cfg.DMAnonymous {
		t.Error("dm_anonymous should default to true")
	}
	if cfg.SingleUseReplies {
		t.Error("single_use_replies should default to false")
	}
	if cfg.DBPath != "kagari.db" {
		t.Errorf("default db_path = %q", cfg.DBPath)
	}
	if len(cfg.Markers) != 1 || cfg.Markers[0] != "!kagari" {
		t.Errorf("default markers = %v", cfg.Markers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAGARI_HOMESERVER", "https://other.example.org")
	t.Setenv("KAGARI_MAPPING_TTL", "24h")
	t.Setenv("KAGARI_ADMINS", "@root:example.org, @ops:example.org")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Homeserver != "https://other.example.org" {
		t.Errorf("homeserver = %q", cfg.Homeserver)
	}
	if cfg.MappingTTL != 24*time.Hour {
		t.Errorf("mapping_ttl = %v", cfg.MappingTTL)
	}
	if len(cfg.Admins) != 2 || cfg.Admins[1] != "@ops:example.org" {
		t.Errorf("admins = %v", cfg.Admins)
	}
}

func TestEnvOnly(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAGARI_HOMESERVER", "https://matrix.example.org")
	t.Setenv("KAGARI_USER_ID", "@kagari:example.org")
	t.Setenv("KAGARI_ACCESS_TOKEN", "secret-token")
	t.Setenv("KAGARI_ADMINS", "@admin:example.org")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load env-only config: %v", err)
	}
	if cfg.UserID != "@kagari:example.org" {
		t.Errorf("user_id = %q", cfg.UserID)
	}
}

func TestMissingRequiredFields(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
`))
	if err == nil {
		t.Fatal("expected an error for missing fields")
	}
	for _, want := range []string{"user_id", "access_token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestMissingAdmins(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
`))
	if err == nil || !strings.Contains(err.Error(), "admin") {
		t.Errorf("expected the missing-admins error, got %v", err)
	}
}

func TestSchemaRejectsUnknownKeys(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
admins: ["@admin:example.org"]
mapping_tll: 48h
`))
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Errorf("misspelled key should fail schema validation, got %v", err)
	}
}

func TestSchemaRejectsWrongTypes(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
admins: "@admin:example.org"
`))
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Errorf("scalar admins should fail schema validation, got %v", err)
	}
}

func TestSchemaRejectsBadDuration(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@kagari:example.org"
access_token: secret-token
admins: ["@admin:example.org"]
mapping_ttl: three days
`))
	if err == nil {
		t.Error("unparseable duration should be rejected")
	}
}
