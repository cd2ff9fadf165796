// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads control-plane settings from the environment.
// Components never read these globally; values are passed at construction.
package config

import (
	"fmt"
	"time"
)

// Settings holds all environment-driven control-plane configuration.
type Settings struct {
	Environment string
	LogLevel    string

	DatabasePath string // sqlite database file
	RedisAddr    string // host:port of the queue-hint redis
	RedisDB      int
	ListenAddr   string // admin/metrics HTTP listener

	DefaultLeaseTTL       time.Duration
	RunHeartbeatTimeout   time.Duration
	MaxRunMinutes         int
	MaxRunTokens          int
	EnabledHarnesses      []string
	DispatchInterval      time.Duration
	RecoverySweepInterval time.Duration
}

// FromEnv builds Settings from environment variables, applying documented
// defaults for anything unset.
func FromEnv() Settings {
	return Settings{
		Environment: ParseString("ENVIRONMENT", "local"),
		LogLevel:    ParseString("LOG_LEVEL", "info"),

		DatabasePath: ParseString("DATABASE_PATH", "factory.db"),
		RedisAddr:    ParseString("REDIS_ADDR", "localhost:6379"),
		RedisDB:      ParseInt("REDIS_DB", 0),
		ListenAddr:   ParseString("LISTEN_ADDR", ":8080"),

		DefaultLeaseTTL:       time.Duration(ParseInt("DEFAULT_LEASE_TTL_SECONDS", 900)) * time.Second,
		RunHeartbeatTimeout:   time.Duration(ParseInt("RUN_HEARTBEAT_TIMEOUT_SECONDS", 120)) * time.Second,
		MaxRunMinutes:         ParseInt("MAX_RUN_MINUTES", 45),
		MaxRunTokens:          ParseInt("MAX_RUN_TOKENS", 120000),
		EnabledHarnesses:      ParseStringList("ENABLED_HARNESSES", []string{"codex"}),
		DispatchInterval:      time.Duration(ParseInt("DISPATCH_INTERVAL_SECONDS", 5)) * time.Second,
		RecoverySweepInterval: time.Duration(ParseInt("RECOVERY_SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
	}
}

// Validate rejects settings no component could run with.
func (s Settings) Validate() error {
	if s.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("config: DEFAULT_LEASE_TTL_SECONDS must be positive")
	}
	if s.RunHeartbeatTimeout <= 0 {
		return fmt.Errorf("config: RUN_HEARTBEAT_TIMEOUT_SECONDS must be positive")
	}
	if s.MaxRunMinutes <= 0 || s.MaxRunTokens <= 0 {
		return fmt.Errorf("config: run budget defaults must be positive")
	}
	if s.DatabasePath == "" {
		return fmt.Errorf("config: DATABASE_PATH must not be empty")
	}
	return nil
}
