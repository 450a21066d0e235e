package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config mirrors ~/.chatsync/config.toml. Durations are kept as strings
// ("5s") so the file stays hand-editable; chatsync.LoadConfig parses them.
type Config struct {
	Server ConfigServer `toml:"server"`
	Sync   ConfigSync   `toml:"sync"`
}

type ConfigServer struct {
	BaseURL string `toml:"base_url,omitempty"`
	WSURL   string `toml:"ws_url,omitempty"`
	Token   string `toml:"token,omitempty"`
	UserID  string `toml:"user_id,omitempty"`
}

type ConfigSync struct {
	SendTimeout          string `toml:"send_timeout,omitempty"`
	TypingIdle           string `toml:"typing_idle,omitempty"`
	TypingExpiry         string `toml:"typing_expiry,omitempty"`
	MaxReconnectAttempts string `toml:"max_reconnect_attempts,omitempty"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay,omitempty"`
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
	HistoryPageSize      string `toml:"history_page_size,omitempty"`
	MaxMessages          string `toml:"max_messages_per_conversation,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns --config when given, else the default location.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field using dot notation (e.g. "server.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.token)")
	}

	var target *string
	switch section {
	case "server":
		switch field {
		case "base_url":
			target = &cfg.Server.BaseURL
		case "ws_url":
			target = &cfg.Server.WSURL
		case "token":
			target = &cfg.Server.Token
		case "user_id":
			target = &cfg.Server.UserID
		}
	case "sync":
		switch field {
		case "send_timeout":
			target = &cfg.Sync.SendTimeout
		case "typing_idle":
			target = &cfg.Sync.TypingIdle
		case "typing_expiry":
			target = &cfg.Sync.TypingExpiry
		case "max_reconnect_attempts":
			target = &cfg.Sync.MaxReconnectAttempts
		case "reconnect_base_delay":
			target = &cfg.Sync.ReconnectBaseDelay
		case "reconnect_max_delay":
			target = &cfg.Sync.ReconnectMaxDelay
		case "heartbeat_interval":
			target = &cfg.Sync.HeartbeatInterval
		case "history_page_size":
			target = &cfg.Sync.HistoryPageSize
		case "max_messages_per_conversation":
			target = &cfg.Sync.MaxMessages
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, sync)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*target = value
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync config set server.base_url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.send_timeout 10s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
