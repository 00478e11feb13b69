package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional server config file. Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	Node       string `yaml:"node"`
	Port       *int   `yaml:"port"`
	Backend    string `yaml:"backend"`
	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Debug      *bool  `yaml:"debug"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "muxhal", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig applies config file defaults to flag variables the user did
// not set explicitly. It returns the configured port, or 0.
func applyConfig(c *cli.Command, cfg Config) int {
	if cfg.Node != "" && !c.IsSet("node") {
		node = cfg.Node
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.StatusAddr != "" && !c.IsSet("status-addr") {
		statusAddr = cfg.StatusAddr
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Debug != nil && !c.IsSet("debug") {
		debug = *cfg.Debug
	}
	if cfg.Port != nil {
		return *cfg.Port
	}
	return 0
}
