package main

import (
	"errors"
	"fmt"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
)

// loadEngineConfig layers the config file and CHATSYNC_ env vars.
func loadEngineConfig() (*chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := chatsync.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, errors.New("no server configured. Run 'chatsync config set server.base_url <url>' first")
	}
	return cfg, nil
}

func newRESTClient(cfg *chatsync.Config) *chatsync.RESTClient {
	return chatsync.NewRESTClient(cfg.Server.BaseURL, chatsync.StaticCredential(cfg.Server.Token))
}

// newEngine builds an engine from the layered configuration. reg may be
// nil to keep metrics unexported.
func newEngine(reg prometheus.Registerer) (*chatsync.Engine, *chatsync.Config, error) {
	cfg, err := loadEngineConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	wsURL := cfg.Server.WSURL
	if wsURL == "" {
		wsURL = chatsync.WebSocketURL(cfg.Server.BaseURL)
	}
	engine := chatsync.New(
		newRESTClient(cfg),
		&chatsync.WebSocketDialer{URL: wsURL},
		chatsync.WithConfig(*cfg),
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(chatsync.NewMetrics(reg)),
	)
	return engine, cfg, nil
}
