package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.DatabasePath != defaultDatabasePath {
		t.Errorf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.RecentLimit != defaultRecentLimit {
		t.Errorf("expected default recent limit, got %d", cfg.RecentLimit)
	}
	if cfg.EnrichInterval != time.Hour {
		t.Errorf("expected hourly enrich interval, got %v", cfg.EnrichInterval)
	}
	if cfg.UploadBucket != defaultUploadBucket {
		t.Errorf("expected default upload bucket, got %q", cfg.UploadBucket)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("INBOXSYNC_DATABASE_PATH", "/tmp/custom.db")
	t.Setenv("INBOXSYNC_SYNC_RECENT_LIMIT", "25")
	t.Setenv("INBOXSYNC_NETWORK_LOCAL_ADDRESS", "0xme")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabasePath != "/tmp/custom.db" {
		t.Errorf("expected env database path, got %q", cfg.DatabasePath)
	}
	if cfg.RecentLimit != 25 {
		t.Errorf("expected env recent limit, got %d", cfg.RecentLimit)
	}
	if cfg.LocalAddress != "0xme" {
		t.Errorf("expected env local address, got %q", cfg.LocalAddress)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.recent_limit", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected zero recent limit to be rejected")
	}

	configViper = NewViper()
	configViper.Set("database.path", "  ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected blank database path to be rejected")
	}
}
