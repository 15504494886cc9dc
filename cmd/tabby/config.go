package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML file layout; flags override what it sets.
//
//	log_level: info
//	serve:
//	  addr: ":8043"
//	  metrics: ":9090"
//	replica:
//	  id: 1
//	  connect: ["ws://localhost:8043/pets"]
//	  persist: state.json.sz
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Serve    ServeConfig   `yaml:"serve"`
	Replica  ReplicaConfig `yaml:"replica"`
}

type ServeConfig struct {
	Addr    string `yaml:"addr"`
	Metrics string `yaml:"metrics"`
}

type ReplicaConfig struct {
	ID uint64 `yaml:"id"`
	// Connect holds one ws:// room, or any number of tcp:// and tls:// peers.
	Connect []string `yaml:"connect"`
	// Listen accepts tcp:// peers.
	Listen string `yaml:"listen"`
	// Persist is a file path (".sz" compresses), "pebble:<dir>" or
	// "sqlite:<file>".
	Persist        string        `yaml:"persist"`
	AutoSave       bool          `yaml:"autosave"`
	History        string        `yaml:"history"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// HTTP serves POST /cmd and the metrics router.
	HTTP string `yaml:"http"`
}

func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = ":8043"
	}
	if c.Replica.ID == 0 {
		c.Replica.ID = 1
	}
	if c.Replica.History == "" {
		c.Replica.History = ".tabby_cmd_log.txt"
	}
	if c.Replica.RequestTimeout <= 0 {
		c.Replica.RequestTimeout = 5 * time.Second
	}
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, errors.Wrap(err, "log_level")
}

// LoadConfig reads path; an empty path gives the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config "+path)
		}
	}
	cfg.SetDefaults()
	return cfg, nil
}
