package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Port            int           `env:"DM_PORT" envDefault:"3215"`
	DBPath          string        `env:"DM_DB_PATH" envDefault:"dmsim.db"`
	ReadTimeout     time.Duration `env:"DM_READ_TIMEOUT" envDefault:"120s"`
	WriteTimeout    time.Duration `env:"DM_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPAddr        string        `env:"DM_HTTP_ADDR" envDefault:":8215"`
	Environment     string        `env:"DM_ENVIRONMENT" envDefault:"development"`
	LogLevel        string        `env:"DM_LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"DM_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ControlSocket   string        `env:"DM_CONTROL_SOCKET" envDefault:"/tmp/dmsim.sock"`

	// Presence
	TypingWindow   time.Duration `env:"DM_TYPING_WINDOW" envDefault:"2s"`
	TypingThrottle time.Duration `env:"DM_TYPING_THROTTLE" envDefault:"500ms"`

	// Realtime fan-out
	OutboundQueue int    `env:"DM_OUTBOUND_QUEUE" envDefault:"64"`
	RedisURL      string `env:"DM_REDIS_URL"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("DM_PORT out of range: %d", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DM_DB_PATH is required")
	}
	if c.TypingWindow <= 0 {
		return fmt.Errorf("DM_TYPING_WINDOW must be positive")
	}
	if c.TypingThrottle < 0 || c.TypingThrottle >= c.TypingWindow {
		return fmt.Errorf("DM_TYPING_THROTTLE must be shorter than DM_TYPING_WINDOW")
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("DM_OUTBOUND_QUEUE must be positive")
	}
	return nil
}

// Addr returns the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
