// Package config loads the service configuration from the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DefaultMaxBalance uint64 = 100000
	DefaultMaxSend    uint64 = 50000
	DefaultMaxPay     uint64 = 50000

	defaultRateLimitMax             = 100
	defaultRateLimitCreateWalletMax = 5
	defaultRateLimitWindowSeconds   = 60
)

type Config struct {
	MintURL     string
	DatabaseURL string
	Unit        string
	Port        string

	MaxBalance uint64
	MaxSend    uint64
	MaxPay     uint64

	RateLimitMax             int
	RateLimitCreateWalletMax int
	RateLimitWindow          time.Duration

	ServiceStatus string
	ServiceHelp   string
	ServiceTerms  string
}

func FromEnv() (*Config, error) {
	cfg := &Config{
		MintURL:       os.Getenv("MINT_URL"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Unit:          envString("UNIT", "sat"),
		Port:          envString("PORT", "8080"),
		ServiceStatus: os.Getenv("SERVICE_STATUS"),
		ServiceHelp:   os.Getenv("SERVICE_HELP"),
		ServiceTerms:  os.Getenv("SERVICE_TERMS"),
	}

	if cfg.MintURL == "" {
		return nil, errors.New("MINT_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.MaxBalance, err = envUint64("MAX_BALANCE", DefaultMaxBalance); err != nil {
		return nil, err
	}
	if cfg.MaxSend, err = envUint64("MAX_SEND", DefaultMaxSend); err != nil {
		return nil, err
	}
	if cfg.MaxPay, err = envUint64("MAX_PAY", DefaultMaxPay); err != nil {
		return nil, err
	}

	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", defaultRateLimitMax); err != nil {
		return nil, err
	}
	if cfg.RateLimitCreateWalletMax, err = envInt("RATE_LIMIT_CREATE_WALLET_MAX", defaultRateLimitCreateWalletMax); err != nil {
		return nil, err
	}
	windowSeconds, err := envInt("RATE_LIMIT_WINDOW", defaultRateLimitWindowSeconds)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSeconds) * time.Second

	return cfg, nil
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envUint64(key string, fallback uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return parsed, nil
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return parsed, nil
}
