package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the engine. Each overrides the
// corresponding file/default value.
const (
	EnvStateDir    = "JOBLET_STATE_DIR"
	EnvListenAddr  = "JOBLET_LISTEN_ADDR"
	EnvTLSCert     = "JOBLET_TLS_CERT"
	EnvTLSKey      = "JOBLET_TLS_KEY"
	EnvTLSClientCA = "JOBLET_TLS_CLIENT_CA"
	EnvLogLevel    = "JOBLET_LOG_LEVEL"
	EnvWorkers     = "JOBLET_WORKERS"
)

// GPUSpec describes one GPU device made reservable by the ledger
type GPUSpec struct {
	Index    int   `yaml:"index"`
	MemoryMB int64 `yaml:"memoryMb"`
}

// ServerConfig holds the API listener settings. TLSClientCA, when set,
// enables client certificate verification: certificates signed by it carry
// the caller's role in their OU.
type ServerConfig struct {
	ListenAddr  string `yaml:"listenAddr"`
	TLSCert     string `yaml:"tlsCert"`
	TLSKey      string `yaml:"tlsKey"`
	TLSClientCA string `yaml:"tlsClientCA"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BuffersConfig bounds the log bus memory footprint
type BuffersConfig struct {
	RingSize       int `yaml:"ringSize"`       // records kept in memory per job
	SubscriberSize int `yaml:"subscriberSize"` // per-subscriber channel depth
}

// Config holds the complete engine configuration
type Config struct {
	StateDir   string        `yaml:"stateDir"`
	Server     ServerConfig  `yaml:"server"`
	Logging    LoggingConfig `yaml:"logging"`
	Workers    int           `yaml:"workers"`    // max simultaneous RUNNING jobs
	StopGrace  time.Duration `yaml:"stopGrace"`  // SIGTERM to SIGKILL window
	CgroupRoot string        `yaml:"cgroupRoot"` // cgroup v2 mount point
	Buffers    BuffersConfig `yaml:"buffers"`
	GPUs       []GPUSpec     `yaml:"gpus"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		StateDir: "/var/lib/joblet",
		Server: ServerConfig{
			ListenAddr: ":7622",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Workers:    runtime.NumCPU(),
		StopGrace:  10 * time.Second,
		CgroupRoot: "/sys/fs/cgroup",
		Buffers: BuffersConfig{
			RingSize:       4096,
			SubscriberSize: 256,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// JOBLET_* environment (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvTLSCert); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv(EnvTLSKey); v != "" {
		c.Server.TLSKey = v
	}
	if v := os.Getenv(EnvTLSClientCA); v != "" {
		c.Server.TLSClientCA = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
}

// Validate checks the configuration for usable values
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state dir must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop grace must not be negative")
	}
	if c.Buffers.RingSize < 1 {
		return fmt.Errorf("ring size must be >= 1, got %d", c.Buffers.RingSize)
	}
	if c.Buffers.SubscriberSize < 1 {
		return fmt.Errorf("subscriber buffer must be >= 1, got %d", c.Buffers.SubscriberSize)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	if c.Server.TLSClientCA != "" && c.Server.TLSCert == "" {
		return fmt.Errorf("tls client ca requires a server cert and key")
	}
	seen := make(map[int]bool)
	for _, g := range c.GPUs {
		if g.Index < 0 {
			return fmt.Errorf("gpu index must not be negative")
		}
		if seen[g.Index] {
			return fmt.Errorf("duplicate gpu index %d", g.Index)
		}
		seen[g.Index] = true
	}
	return nil
}
