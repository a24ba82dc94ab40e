package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"orbishost/internal/common/cache"
	"orbishost/internal/common/mq"
	"orbishost/internal/common/storage"
	"orbishost/internal/plugin/artifact"
	"orbishost/internal/plugin/controller"
	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/process"
	"orbishost/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultStateTTL        = 24 * time.Hour
	defaultManifestDir     = "plugins"
	defaultStageDir        = "/var/lib/orbishost/plugins"
	defaultEventTopic      = "plugin-lifecycle"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RedisConfig holds the optional state/context store settings. An
// empty addr runs the host on in-memory stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the optional lifecycle event stream settings. No
// brokers means events are dropped.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`
	Topic    string   `yaml:"topic"`
}

// PluginsConfig holds plugin registration settings.
type PluginsConfig struct {
	// ManifestDir is scanned for *.yaml manifests at startup.
	ManifestDir string `yaml:"manifestDir"`

	// StageDir receives fetched plugin payloads.
	StageDir string `yaml:"stageDir"`

	// TrustKey is a hex ed25519 public key; set, it makes artifact
	// signatures mandatory.
	TrustKey string `yaml:"trustKey"`

	// Trusted plugins may hold dangerous permissions (shell, system).
	Trusted []string `yaml:"trusted"`

	// AutoStart spawns every registered plugin's worker at startup.
	AutoStart bool `yaml:"autoStart"`

	StateTTL time.Duration `yaml:"stateTTL"`
}

// SandboxConfig holds host-side isolation settings.
type SandboxConfig struct {
	CgroupRoot string `yaml:"cgroupRoot"`
}

// AppConfig is the root daemon configuration.
type AppConfig struct {
	Server  ServerConfig          `yaml:"server"`
	Logger  logger.Config         `yaml:"logger"`
	Auth    controller.AuthConfig `yaml:"auth"`
	Redis   RedisConfig           `yaml:"redis"`
	Kafka   KafkaConfig           `yaml:"kafka"`
	MinIO   storage.MinIOConfig   `yaml:"minio"`
	IPC     ipc.Config            `yaml:"ipc"`
	Process process.ProcessConfig `yaml:"process"`
	Sandbox SandboxConfig         `yaml:"sandbox"`
	Plugins PluginsConfig         `yaml:"plugins"`

	HostVersion string `yaml:"hostVersion"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultHTTPAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = defaultIdleTimeout
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "plugind"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultEventTopic
	}
	if c.Plugins.ManifestDir == "" {
		c.Plugins.ManifestDir = defaultManifestDir
	}
	if c.Plugins.StageDir == "" {
		c.Plugins.StageDir = defaultStageDir
	}
	if c.Plugins.StateTTL <= 0 {
		c.Plugins.StateTTL = defaultStateTTL
	}
}

func (c *AppConfig) cacheConfig() *cache.RedisConfig {
	return &cache.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

func (c *AppConfig) kafkaConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:  c.Kafka.Brokers,
		ClientID: c.Kafka.ClientID,
	}
}

func (c *AppConfig) fetcherConfig() artifact.Config {
	return artifact.Config{
		Bucket:   c.MinIO.Bucket,
		Dir:      c.Plugins.StageDir,
		TrustKey: c.Plugins.TrustKey,
	}
}
