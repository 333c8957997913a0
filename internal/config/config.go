// Package config loads the relay configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"voxelrelay.ai/internal/protocol"
	"voxelrelay.ai/internal/replication/relevancy"
	"voxelrelay.ai/internal/sim/loader"
)

type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`
	TickRateHz      int    `yaml:"tick_rate_hz"`
	DataDir         string `yaml:"data_dir"`

	World     WorldConfig     `yaml:"world"`
	Relevancy RelevancyConfig `yaml:"relevancy"`
	Loader    LoaderConfig    `yaml:"loader"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	AuditLog  bool            `yaml:"audit_log"`
}

type WorldConfig struct {
	Seed       int64      `yaml:"seed"`
	BaseHeight int64      `yaml:"base_height"`
	Relief     int64      `yaml:"relief"`
	RegionSize int64      `yaml:"region_size"`
	Spawn      [3]float64 `yaml:"spawn"`
}

type RelevancyConfig struct {
	Radius               int `yaml:"radius"`
	MaxRadius            int `yaml:"max_radius"`
	MaxChunks            int `yaml:"max_chunks"`
	MaxFullChunksPerTick int `yaml:"max_full_chunks_per_tick"`
	PayloadCacheSize     int `yaml:"payload_cache_size"`
}

type LoaderConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	RetryBackoffMs     int     `yaml:"retry_backoff_ms"`
	MaxConcurrentLoads int64   `yaml:"max_concurrent_loads"`
	LoadsPerSecond     float64 `yaml:"loads_per_second"`
	LoadBurst          int     `yaml:"load_burst"`
	SaveTimeoutMs      int     `yaml:"save_timeout_ms"`
}

type QueueConfig struct {
	MaxEntityEvents int `yaml:"max_entity_events"`
	MaxChunkMsgs    int `yaml:"max_chunk_msgs"`
}

type StorageConfig struct {
	// Backend is "sqlite", "fs" or "none".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type TransportConfig struct {
	Listen      string     `yaml:"listen"`
	WSPath      string     `yaml:"ws_path"`
	MetricsPath string     `yaml:"metrics_path"`
	NATS        NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"`
	Embedded bool   `yaml:"embedded"`
	Port     int    `yaml:"port"`
	// IdleTimeoutMs closes a session that sent nothing, not even a PING, for
	// this long.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

func Defaults() Config {
	c := Config{
		ProtocolVersion: protocol.Version,
		TickRateHz:      20,
		DataDir:         "./data",
		World: WorldConfig{
			Seed:       1337,
			BaseHeight: 32,
			Relief:     8,
			RegionSize: 8,
			Spawn:      [3]float64{8, 48, 8},
		},
		Relevancy: RelevancyConfig{
			Radius:               2,
			MaxRadius:            8,
			MaxFullChunksPerTick: 32,
			PayloadCacheSize:     4096,
		},
		Loader: LoaderConfig{
			MaxRetries:         3,
			RetryBackoffMs:     50,
			MaxConcurrentLoads: 8,
			LoadsPerSecond:     0,
			LoadBurst:          64,
			SaveTimeoutMs:      5000,
		},
		Queue: QueueConfig{
			MaxEntityEvents: 8192,
			MaxChunkMsgs:    1024,
		},
		Storage: StorageConfig{Backend: "sqlite"},
		Transport: TransportConfig{
			Listen:      ":8080",
			WSPath:      "/v1/ws",
			MetricsPath: "/metrics",
			NATS:        NATSConfig{Prefix: "voxelrelay"},
		},
	}
	c.applyDefaults()
	return c
}

// Load reads path over Defaults. Missing keys keep their default.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if c.ProtocolVersion != protocol.Version {
		return c, fmt.Errorf("%s: protocol_version %q, server speaks %q", path, c.ProtocolVersion, protocol.Version)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.TickRateHz > 200 {
		c.TickRateHz = 200
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.World.BaseHeight == 0 {
		c.World.BaseHeight = 32
	}

	r := &c.Relevancy
	if r.MaxRadius <= 0 {
		r.MaxRadius = 8
	}
	if r.Radius < 0 {
		r.Radius = 0
	}
	if r.Radius > r.MaxRadius {
		r.Radius = r.MaxRadius
	}
	if r.MaxChunks <= 0 {
		side := 2*r.MaxRadius + 1
		r.MaxChunks = side * side * side
	}
	if r.MaxFullChunksPerTick <= 0 {
		r.MaxFullChunksPerTick = 32
	}
	if r.PayloadCacheSize <= 0 {
		r.PayloadCacheSize = 4096
	}

	l := &c.Loader
	if l.MaxRetries < 0 {
		l.MaxRetries = 0
	}
	if l.RetryBackoffMs <= 0 {
		l.RetryBackoffMs = 50
	}
	if l.MaxConcurrentLoads <= 0 {
		l.MaxConcurrentLoads = 8
	}
	if l.LoadsPerSecond < 0 {
		l.LoadsPerSecond = 0
	}
	if l.LoadBurst <= 0 {
		l.LoadBurst = 64
	}
	if l.SaveTimeoutMs <= 0 {
		l.SaveTimeoutMs = 5000
	}

	if c.Queue.MaxEntityEvents < 0 {
		c.Queue.MaxEntityEvents = 0
	}
	if c.Queue.MaxChunkMsgs < 0 {
		c.Queue.MaxChunkMsgs = 0
	}

	switch c.Storage.Backend {
	case "sqlite", "fs", "none":
	default:
		c.Storage.Backend = "sqlite"
	}

	t := &c.Transport
	if t.Listen == "" {
		t.Listen = ":8080"
	}
	if t.WSPath == "" {
		t.WSPath = "/v1/ws"
	}
	if t.MetricsPath == "" {
		t.MetricsPath = "/metrics"
	}
	if t.NATS.Prefix == "" {
		t.NATS.Prefix = "voxelrelay"
	}
	if t.NATS.IdleTimeoutMs <= 0 {
		t.NATS.IdleTimeoutMs = 60_000
	}
}

// TickInterval is the duration of one tick.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

func (c Config) LoaderConfig() loader.Config {
	return loader.Config{
		MaxRetries:         c.Loader.MaxRetries,
		RetryBackoff:       time.Duration(c.Loader.RetryBackoffMs) * time.Millisecond,
		MaxConcurrentLoads: c.Loader.MaxConcurrentLoads,
		LoadsPerSecond:     c.Loader.LoadsPerSecond,
		LoadBurst:          c.Loader.LoadBurst,
		SaveTimeout:        time.Duration(c.Loader.SaveTimeoutMs) * time.Millisecond,
	}
}

func (c Config) RelevancyConfig() relevancy.Config {
	return relevancy.Config{
		Radius:               c.Relevancy.Radius,
		MaxChunks:            c.Relevancy.MaxChunks,
		MaxFullChunksPerTick: c.Relevancy.MaxFullChunksPerTick,
		PayloadCacheSize:     c.Relevancy.PayloadCacheSize,
	}
}
