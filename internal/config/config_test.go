package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRepoConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "relay.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.TickRateHz != 20 || c.Relevancy.Radius != 2 || c.Storage.Backend != "sqlite" {
		t.Fatalf("cfg=%+v", c)
	}
	if c.Relevancy.MaxChunks != 13*13*13 {
		t.Fatalf("max_chunks=%d want %d", c.Relevancy.MaxChunks, 13*13*13)
	}
	if got := c.LoaderConfig().RetryBackoff; got != 50*time.Millisecond {
		t.Fatalf("backoff=%v", got)
	}
}

func TestLoadClampsAndKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "relay.yaml")
	raw := "protocol_version: \"1.0\"\ntick_rate_hz: 5000\nrelevancy:\n  radius: 40\n  max_radius: 4\nstorage:\n  backend: tape\n"
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.TickRateHz != 200 {
		t.Fatalf("tick rate=%d want 200", c.TickRateHz)
	}
	if c.Relevancy.Radius != 4 {
		t.Fatalf("radius=%d want 4", c.Relevancy.Radius)
	}
	if c.Storage.Backend != "sqlite" {
		t.Fatalf("backend=%q", c.Storage.Backend)
	}
	if c.Loader.MaxConcurrentLoads != 8 || c.Transport.WSPath != "/v1/ws" || c.Transport.NATS.IdleTimeoutMs != 60_000 {
		t.Fatalf("defaults lost: %+v", c)
	}
	if c.TickInterval() != 5*time.Millisecond {
		t.Fatalf("interval=%v", c.TickInterval())
	}
}

func TestLoadRejectsProtocolMismatch(t *testing.T) {
	p := filepath.Join(t.TempDir(), "relay.yaml")
	_ = os.WriteFile(p, []byte("protocol_version: \"0.9\"\n"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected protocol mismatch error")
	}
}
