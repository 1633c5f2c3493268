// Package config loads the client configuration from YAML and watches it
// for edits so settings synced with the gateway can be pushed on change.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the roost client configuration.
type Config struct {
	Gateway      GatewayConfig `yaml:"gateway"`
	Listen       string        `yaml:"listen"`
	DataDir      string        `yaml:"data_dir"`
	CanvasURL    string        `yaml:"canvas_url"`
	LogLevel     string        `yaml:"log_level"`
	TriggerWords []string      `yaml:"trigger_words"`
}

// GatewayConfig selects the gateway to connect to when discovery is not in
// use. TLS here is the manual-TLS toggle; discovered endpoints carry their
// own advertisement.
type GatewayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Token    string `yaml:"token"`
	Password string `yaml:"password"`
}

// DefaultPath returns the default config file path: ~/.roost/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".roost", "config.yaml")
	}
	return filepath.Join(home, ".roost", "config.yaml")
}

func defaults() *Config {
	return &Config{
		Gateway:   GatewayConfig{Host: "127.0.0.1", Port: 18789},
		Listen:    "127.0.0.1:8791",
		DataDir:   filepath.Join(filepath.Dir(DefaultPath())),
		CanvasURL: "http://127.0.0.1:18793/canvas/",
		LogLevel:  "info",
	}
}

// Load reads the configuration from the given YAML file path. A missing file
// yields the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	// Warn if the config file is readable by other users: it may carry a
	// gateway token or password.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600. "+
				"Gateway credentials may be exposed to other users.\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg back to path atomically with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
