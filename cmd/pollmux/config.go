package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// config is the YAML configuration shared by the serve and dial commands.
type config struct {
	// Addr is the serve address.
	Addr string `json:"addr"`
	// Path is the session URL path.
	Path string `json:"path"`
	// CertFile and KeyFile hold the server's TLS certificate.
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
	// URL is the dial target.
	URL string `json:"url"`
	// Insecure skips server certificate verification when dialing.
	Insecure bool `json:"insecure"`
	// TickMillis is the update interval in milliseconds.
	TickMillis int `json:"tickMillis"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Addr:       ":4433",
		Path:       "/echo",
		TickMillis: 10,
		LogLevel:   "info",
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

func (c *config) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
