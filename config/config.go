package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Worker    WorkerConfig    `yaml:"worker" toml:"worker"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// WorkerConfig describes how the host starts and reaches its worker.
type WorkerConfig struct {
	// Binary defaults to the running executable.
	Binary string   `yaml:"binary" toml:"binary"`
	Args   []string `yaml:"args" toml:"args"`
	// Mode is "connect" (worker connects back) or "dial" (host dials).
	Mode            string        `yaml:"mode" toml:"mode"`
	EngineDirectory string        `yaml:"engine_directory" toml:"engine_directory"`
	Env             []string      `yaml:"env" toml:"env"`
	ConnectRetries  int           `yaml:"connect_retries" toml:"connect_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	// StopTimeout bounds the wait for a worker asked to stop before it is
	// killed.
	StopTimeout time.Duration `yaml:"stop_timeout" toml:"stop_timeout"`
}

type EngineConfig struct {
	// DelvePath defaults to dlv in DEBUGBRIDGE_ENGINE_PATH or PATH.
	DelvePath      string        `yaml:"delve_path" toml:"delve_path"`
	Flags          []string      `yaml:"flags" toml:"flags"`
	StartupTimeout time.Duration `yaml:"startup_timeout" toml:"startup_timeout"`
}

type WebSocketConfig struct {
	MaxSessions int           `yaml:"max_sessions" toml:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Args:           []string{"worker"},
			Mode:           "connect",
			ConnectRetries: 5,
			RetryBackoff:   200 * time.Millisecond,
			ConnectTimeout: 5 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Engine: EngineConfig{
			StartupTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxSessions: 100,
			IdleTimeout: 1 * time.Hour,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file, or TOML when the name ends in .toml. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expand() error {
	for _, p := range []*string{&c.Worker.Binary, &c.Worker.EngineDirectory, &c.Engine.DelvePath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Worker.Mode {
	case "connect", "dial":
	default:
		return fmt.Errorf("invalid worker mode %q", c.Worker.Mode)
	}
	if c.Worker.ConnectRetries < 1 {
		return fmt.Errorf("connect_retries must be at least 1, got %d", c.Worker.ConnectRetries)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	return nil
}
