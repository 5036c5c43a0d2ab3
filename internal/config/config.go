// Package config loads typed process configuration for the gateway.
//
// Precedence, lowest to highest: built-in defaults, an optional
// config.yaml, environment variables (SSHGW_*), then CLI flags applied by
// the caller after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`

	AttachWindow   time.Duration `yaml:"attach_window"`
	ReadChunkBytes int           `yaml:"read_chunk_bytes"`
	KnownHostsPath string        `yaml:"known_hosts_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() *Config {
	return &Config{
		ListenAddress:  "0.0.0.0",
		ListenPort:     4200,
		AttachWindow:   3 * time.Second,
		ReadChunkBytes: 1024,
		KnownHostsPath: defaultKnownHostsPath(),
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// defaultKnownHostsPath resolves the OS-default known_hosts file: the
// $SSH_KNOWN_HOSTS environment variable if set, otherwise
// ~/.ssh/known_hosts. Returns "" (accept-all) if neither can be resolved,
// e.g. no home directory is available.
func defaultKnownHostsPath() string {
	if p := os.Getenv("SSH_KNOWN_HOSTS"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment. configPath may be empty, in which case no file is read.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	cfg.ListenAddress = getEnv("SSHGW_ADDRESS", cfg.ListenAddress)
	cfg.ListenPort = getEnvAsInt("SSHGW_PORT", cfg.ListenPort)
	cfg.AttachWindow = getEnvAsDuration("SSHGW_ATTACH_WINDOW", cfg.AttachWindow)
	cfg.ReadChunkBytes = getEnvAsInt("SSHGW_READ_CHUNK_BYTES", cfg.ReadChunkBytes)
	cfg.KnownHostsPath = getEnv("SSHGW_KNOWN_HOSTS", cfg.KnownHostsPath)
	cfg.LogLevel = getEnv("SSHGW_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("SSHGW_LOG_FORMAT", cfg.LogFormat)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
