// Package config 提供配置加载功能
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config dmrelay 配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig 下游服务器配置
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// UpstreamConfig 上游（抖音直播间）配置
type UpstreamConfig struct {
	LiveURL           string        `yaml:"live_url"`  // 直播间首页，用于获取 ttwid 和 room_id
	WsURL             string        `yaml:"ws_url"`    // 弹幕推送 WebSocket 地址
	SignServer        string        `yaml:"sign_server"` // 签名服务地址
	UserAgent         string        `yaml:"user_agent"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxReconnects     int           `yaml:"max_reconnects"` // 0 表示不限制
}

// DownstreamConfig 订阅端连接配置
type DownstreamConfig struct {
	SendChSize   int           `yaml:"send_ch_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Auth         AuthConfig    `yaml:"auth"`
}

// AuthConfig 订阅端认证配置
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// EnrichConfig 弹幕补充信息（Redis）配置
type EnrichConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Scope    string        `yaml:"scope"` // orderUser key 的业务域前缀
	Timeout  time.Duration `yaml:"timeout"`
}

// KafkaConfig 消息镜像（可选）配置
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.LiveURL == "" {
		c.Upstream.LiveURL = "https://live.douyin.com/"
	}
	if c.Upstream.WsURL == "" {
		c.Upstream.WsURL = "wss://webcast5-ws-web-hl.douyin.com/webcast/im/push/v2/"
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Upstream.HeartbeatInterval <= 0 {
		c.Upstream.HeartbeatInterval = 5 * time.Second
	}
	if c.Upstream.ReconnectInterval <= 0 {
		c.Upstream.ReconnectInterval = 3 * time.Second
	}
	if c.Downstream.SendChSize <= 0 {
		c.Downstream.SendChSize = 256
	}
	if c.Downstream.WriteTimeout <= 0 {
		c.Downstream.WriteTimeout = 5 * time.Second
	}
	if c.Enrich.Timeout <= 0 {
		c.Enrich.Timeout = 500 * time.Millisecond
	}
}
