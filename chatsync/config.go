package chatsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// Config controls how the SDK connects and how the session behaves.
type Config struct {
	URL              string
	Token            string // JWT for hello and the Authorization header
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables; idle chats would otherwise be dropped
	WriteTimeout     time.Duration

	AckTimeout         time.Duration // provisional messages are rolled back after this
	TypingIdle         time.Duration // inactivity before typing_stop is sent
	StopTypingOnSubmit bool

	SendRate  float64 // messages per second, 0 = unlimited
	SendBurst int

	AssistURL           string // base URL of the completion service, empty disables Ask
	AssistSystemContext string
	AssistTimeout       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		AckTimeout:         5 * time.Second,
		TypingIdle:         time.Second,
		StopTypingOnSubmit: true,
		AssistTimeout:      30 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.URL == "" {
		return NewError(ErrorInvalidConfig, "empty URL")
	}
	if c.AckTimeout <= 0 {
		return NewError(ErrorInvalidConfig, "ack timeout must be positive")
	}
	if c.TypingIdle <= 0 {
		return NewError(ErrorInvalidConfig, "typing idle must be positive")
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return NewError(ErrorInvalidConfig, "send rate and burst must not be negative")
	}
	if c.SendRate > 0 && c.SendBurst == 0 {
		return NewError(ErrorInvalidConfig, "send burst must be set with send rate")
	}
	return nil
}

// fileConfig is the on-disk shape. Durations are strings like "5s".
type fileConfig struct {
	URL                 string  `toml:"url" yaml:"url"`
	Token               string  `toml:"token" yaml:"token"`
	HandshakeTimeout    string  `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout         string  `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout        string  `toml:"write_timeout" yaml:"write_timeout"`
	AckTimeout          string  `toml:"ack_timeout" yaml:"ack_timeout"`
	TypingIdle          string  `toml:"typing_idle" yaml:"typing_idle"`
	StopTypingOnSubmit  *bool   `toml:"stop_typing_on_submit" yaml:"stop_typing_on_submit"`
	SendRate            float64 `toml:"send_rate" yaml:"send_rate"`
	SendBurst           int     `toml:"send_burst" yaml:"send_burst"`
	AssistURL           string  `toml:"assist_url" yaml:"assist_url"`
	AssistSystemContext string  `toml:"assist_system_context" yaml:"assist_system_context"`
	AssistTimeout       string  `toml:"assist_timeout" yaml:"assist_timeout"`
}

// LoadConfig reads a .toml, .yaml or .yml file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return cfg, NewError(ErrorInvalidConfig, "unsupported config format: "+path)
	}
	if err != nil {
		return cfg, WrapError(ErrorInvalidConfig, "parse "+path, err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.URL, fc.URL)
	setString(&cfg.Token, fc.Token)
	setString(&cfg.AssistURL, fc.AssistURL)
	setString(&cfg.AssistSystemContext, fc.AssistSystemContext)
	if fc.StopTypingOnSubmit != nil {
		cfg.StopTypingOnSubmit = *fc.StopTypingOnSubmit
	}
	if fc.SendRate != 0 {
		cfg.SendRate = fc.SendRate
	}
	if fc.SendBurst != 0 {
		cfg.SendBurst = fc.SendBurst
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", fc.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", fc.WriteTimeout, &cfg.WriteTimeout},
		{"ack_timeout", fc.AckTimeout, &cfg.AckTimeout},
		{"typing_idle", fc.TypingIdle, &cfg.TypingIdle},
		{"assist_timeout", fc.AssistTimeout, &cfg.AssistTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return WrapError(ErrorInvalidConfig, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvURL        = "CHATSYNC_URL"
	EnvToken      = "CHATSYNC_TOKEN"
	EnvAssistURL  = "CHATSYNC_ASSIST_URL"
	EnvAckTimeout = "CHATSYNC_ACK_TIMEOUT"
	EnvSendRate   = "CHATSYNC_SEND_RATE"
)

// ApplyEnv overlays CHATSYNC_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	setString(&c.URL, os.Getenv(EnvURL))
	setString(&c.Token, os.Getenv(EnvToken))
	setString(&c.AssistURL, os.Getenv(EnvAssistURL))
	if v := os.Getenv(EnvAckTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return WrapError(ErrorInvalidConfig, EnvAckTimeout, err)
		}
		c.AckTimeout = d
	}
	if v := os.Getenv(EnvSendRate); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return WrapError(ErrorInvalidConfig, EnvSendRate, err)
		}
		c.SendRate = r
		if c.SendBurst == 0 {
			c.SendBurst = 1
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
