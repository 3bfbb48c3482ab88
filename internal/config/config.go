// Package config loads the gateway's file configuration, merges environment
// overrides and hot-reloads the file on change.
package config

import (
	"keygate/internal/ratelimit"
	"keygate/internal/scheduler"
)

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Host  string `yaml:"host" json:"host"`
	Port  int    `yaml:"port" json:"port"`
	Debug bool   `yaml:"debug" json:"debug"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RedisConfig is optional; when Addr is empty the gateway keeps rate limit
// windows in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// LoggingConfig is the process log section.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// FileConfig is the whole configuration file.
type FileConfig struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Database  DatabaseConfig   `yaml:"database" json:"database"`
	Redis     RedisConfig      `yaml:"redis" json:"redis"`
	RateLimit ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
	Scheduler scheduler.Config `yaml:"scheduler" json:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Notify    NotifyConfig     `yaml:"notify" json:"notify"`
}

func defaultConfig() *FileConfig {
	return &FileConfig{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8045},
		Database: DatabaseConfig{Path: "keygate.db"},
		Logging:  LoggingConfig{Level: "info"},
	}
}
