package config

import (
	"path/filepath"
	"testing"
)

func TestParseJSONPeerSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"socketpath":"/tmp/sock","verbose":1,"log":"/tmp/peer.log"}`)

	var cfg Peer
	if err := ParseJSONPeer(&cfg, path); err != nil {
		t.Fatalf("ParseJSONPeer returned error: %v", err)
	}

	if cfg.SocketPath != "/tmp/sock" || cfg.Verbose != 1 || cfg.Log != "/tmp/peer.log" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
}

func TestParseJSONPeerMissingFile(t *testing.T) {
	var cfg Peer
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := ParseJSONPeer(&cfg, missing); err == nil {
		t.Fatalf("ParseJSONPeer expected error for missing file")
	}
}
