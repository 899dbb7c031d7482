package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	raw := `
server:
  addr: ":8765"
upstream:
  sign_server: "http://127.0.0.1:8787/sign"
  heartbeat_interval: 2s
  max_reconnects: 5
downstream:
  send_ch_size: 64
  auth:
    enabled: true
    secret: "s"
enrich:
  addr: "127.0.0.1:6379"
  scope: "fs"
kafka:
  enabled: true
  brokers: ["127.0.0.1:9092"]
  topic: "danmu"
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "dmrelay.yaml")
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8765" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Upstream.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat_interval = %v, want 2s", cfg.Upstream.HeartbeatInterval)
	}
	if cfg.Upstream.MaxReconnects != 5 {
		t.Errorf("max_reconnects = %d, want 5", cfg.Upstream.MaxReconnects)
	}
	if !cfg.Downstream.Auth.Enabled || cfg.Downstream.Auth.Secret != "s" {
		t.Errorf("auth = %+v", cfg.Downstream.Auth)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Topic != "danmu" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}

	// 未设置的字段取默认值
	if cfg.Upstream.LiveURL == "" || cfg.Upstream.WsURL == "" || cfg.Upstream.UserAgent == "" {
		t.Error("upstream defaults not applied")
	}
	if cfg.Upstream.ReconnectInterval != 3*time.Second {
		t.Errorf("reconnect_interval = %v, want default 3s", cfg.Upstream.ReconnectInterval)
	}
	if cfg.Downstream.WriteTimeout != 5*time.Second {
		t.Errorf("write_timeout = %v, want default 5s", cfg.Downstream.WriteTimeout)
	}
	if cfg.Enrich.Timeout != 500*time.Millisecond {
		t.Errorf("enrich.timeout = %v, want default 500ms", cfg.Enrich.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("want error for missing file")
	}
}
