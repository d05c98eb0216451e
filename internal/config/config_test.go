package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty mdns tag", func(c *Config) { c.P2P.MdnsTag = "" }},
		{"empty presence topic", func(c *Config) { c.Presence.Topic = "" }},
		{"zero heartbeat", func(c *Config) { c.Presence.HeartbeatSec = 0 }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"no ice servers", func(c *Config) { c.Call.ICEServers = nil }},
		{"ice server without urls", func(c *Config) { c.Call.ICEServers = []ICEServer{{}} }},
		{"bad ice scheme", func(c *Config) {
			c.Call.ICEServers = []ICEServer{{URLs: []string{"http://example.com"}}}
		}},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestValidateAcceptsTurn(t *testing.T) {
	cfg := Default()
	cfg.Call.ICEServers = []ICEServer{{
		URLs:       []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"},
		Username:   "u",
		Credential: "p",
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("turn servers should validate: %v", err)
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dialp2p.json")

	cfg := Default()
	cfg.Call.RingTimeoutSec = 10
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Call.RingTimeoutSec != 10 {
		t.Fatalf("ring timeout = %d, want 10", got.Call.RingTimeoutSec)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialp2p.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"call":{"ring_timeout_seconds":7}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Call.RingTimeoutSec != 7 {
		t.Fatalf("ring timeout = %d, want 7", got.Call.RingTimeoutSec)
	}
}

func TestEnsureCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialp2p.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first Ensure should create the file")
	}
	if cfg.Call.RingTimeoutSec != Default().Call.RingTimeoutSec {
		t.Fatal("created config should carry defaults")
	}

	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure should load, not create")
	}
}
