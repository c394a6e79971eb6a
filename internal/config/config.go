// Package config loads the controller's environment-variable configuration
// described in §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the controller reads from its environment.
type Config struct {
	ClientPort    int
	WorkerPort    int
	HealthPort    int
	WorkerTimeout time.Duration
	RequestTimeout time.Duration
	MaxPending    int
	ReusePort     bool
}

// DefaultConfig returns the configuration described in §6 before any
// environment overrides are applied.
func DefaultConfig() Config {
	return Config{
		ClientPort:     7777,
		WorkerPort:     7778,
		HealthPort:     8080,
		WorkerTimeout:  30 * time.Second,
		RequestTimeout: 60 * time.Second,
		MaxPending:     10000,
		ReusePort:      false,
	}
}

// Load builds a Config starting from DefaultConfig and applying any of
// CLIENT_PORT, WORKER_PORT, HEALTH_PORT, WORKER_TIMEOUT, REQUEST_TIMEOUT,
// MAX_PENDING, SO_REUSEPORT found in the environment. WORKER_TIMEOUT and
// REQUEST_TIMEOUT are given in seconds.
func Load() (Config, error) {
	cfg := DefaultConfig()

	if err := overrideInt(&cfg.ClientPort, "CLIENT_PORT"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.WorkerPort, "WORKER_PORT"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.HealthPort, "HEALTH_PORT"); err != nil {
		return Config{}, err
	}
	if err := overrideInt(&cfg.MaxPending, "MAX_PENDING"); err != nil {
		return Config{}, err
	}
	if err := overrideSeconds(&cfg.WorkerTimeout, "WORKER_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if err := overrideSeconds(&cfg.RequestTimeout, "REQUEST_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SO_REUSEPORT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: SO_REUSEPORT: %w", err)
		}
		cfg.ReusePort = b
	}

	return cfg, nil
}

func overrideInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = n
	return nil
}

func overrideSeconds(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
