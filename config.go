package chatsync

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// ServerConfig locates the chat backend.
type ServerConfig struct {
	BaseURL string `koanf:"base_url"`
	WSURL   string `koanf:"ws_url"`
	Token   string `koanf:"token"`
	UserID  string `koanf:"user_id"`
}

// SyncConfig tunes the sync engine. Zero values are replaced by defaults.
type SyncConfig struct {
	SendTimeout  time.Duration `koanf:"send_timeout"`
	TypingIdle   time.Duration `koanf:"typing_idle"`
	TypingExpiry time.Duration `koanf:"typing_expiry"`

	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	StableAfter          time.Duration `koanf:"stable_after"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`

	HistoryPageSize int     `koanf:"history_page_size"`
	OutboundRate    float64 `koanf:"outbound_rate"`
	OutboundBurst   int     `koanf:"outbound_burst"`

	// MaxMessagesPerConversation caps the in-memory window; 0 keeps everything.
	MaxMessagesPerConversation int `koanf:"max_messages_per_conversation"`
}

// Config is the complete engine configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Sync   SyncConfig   `koanf:"sync"`
}

func (c *SyncConfig) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 50
	}
	if c.OutboundRate == 0 {
		c.OutboundRate = 20
	}
	if c.OutboundBurst == 0 {
		c.OutboundBurst = 40
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.Sync.defaults()
	return c
}

// LoadConfig layers defaults, an optional TOML file and CHATSYNC_ env
// vars. Nested keys use a double underscore in env names, e.g.
// CHATSYNC_SYNC__SEND_TIMEOUT=10s or CHATSYNC_SERVER__TOKEN=...
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"sync.send_timeout":           "5s",
		"sync.typing_idle":            "3s",
		"sync.typing_expiry":          "3s",
		"sync.max_reconnect_attempts": 5,
		"sync.reconnect_base_delay":   "1s",
		"sync.reconnect_max_delay":    "30s",
		"sync.stable_after":           "60s",
		"sync.heartbeat_interval":     "25s",
		"sync.heartbeat_timeout":      "10s",
		"sync.handshake_timeout":      "10s",
		"sync.history_page_size":      50,
		"sync.outbound_rate":          20,
		"sync.outbound_burst":         40,
	}, "."), nil)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	k.Load(env.Provider("CHATSYNC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CHATSYNC_")), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Sync.defaults()
	return &cfg, nil
}

// ============================================================================
// Options
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration. Zero sync values fall
// back to their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		cfg.Sync.defaults()
		e.cfg = cfg
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source used by all timers.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics attaches a metrics set, typically one created with a
// registerer so it is exported.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSelf presets the local user ID. The authenticated handshake
// overrides it.
func WithSelf(userID string) Option {
	return func(e *Engine) { e.self = userID }
}
