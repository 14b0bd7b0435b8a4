package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vizrpc.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Addr() != "localhost:4014" {
		t.Fatalf("expect localhost:4014, got %s", cfg.Addr())
	}
	if cfg.ChunkSize != 1<<20 {
		t.Fatalf("expect 1 MiB chunk size, got %d", cfg.ChunkSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
host = "0.0.0.0"
port = 9000
chunk_size = 65536
compression = "zstd"
cors_origins = ["http://localhost:8080"]
handler_timeout = "45s"

[rate_limit]
rps = 50
burst = 100

[log]
level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
	if cfg.ChunkSize != 65536 || cfg.Compression != "zstd" {
		t.Fatalf("unexpected chunk settings %+v", cfg)
	}
	if cfg.HandlerTimeout.Duration != 45*time.Second {
		t.Fatalf("expect 45s timeout, got %s", cfg.HandlerTimeout.Duration)
	}
	if cfg.RateLimit.RPS != 50 || cfg.RateLimit.Burst != 100 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("expect debug level with default format, got %+v", cfg.Log)
	}
	// Untouched sections keep defaults.
	if cfg.Path != "/socket" || cfg.Registry.Service != "vizrpc" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":        `port = 70000`,
		"codec":       `codec = "cbor"`,
		"misspelled":  `chunksize = 4096`,
		"compression": `compression = "lz4"`,
		"chunk":       `chunk_size = 0`,
		"burst":       "[rate_limit]\nrps = 5\n",
		"advertise":   "[registry]\nendpoints = [\"127.0.0.1:2379\"]\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expect validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expect load error, got %v", err)
	}
}
