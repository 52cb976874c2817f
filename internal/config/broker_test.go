package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestParseJSONBrokerSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"socketpath":"/tmp/sock","mailbox":"/dev/shm/mb","nClients":16,"silent":true,"norecycle":true,"verbose":2,"statscsv":"/tmp/stats.csv","statsperiod":30,"restapi":":8080"}`)

	var cfg Broker
	if err := ParseJSON(&cfg, path); err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}

	if cfg.SocketPath != "/tmp/sock" || cfg.Mailbox != "/dev/shm/mb" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.NClients != 16 || !cfg.Silent || !cfg.NoRecycle {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
	if cfg.Verbose != 2 || cfg.StatsCSV != "/tmp/stats.csv" || cfg.StatsPeriod != 30 || cfg.RestAPI != ":8080" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
}

func TestParseJSONBrokerMissingFile(t *testing.T) {
	var cfg Broker
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := ParseJSON(&cfg, missing); err == nil {
		t.Fatalf("ParseJSON expected error for missing file")
	}
}
