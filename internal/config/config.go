// Package config assembles the relay's runtime configuration from the
// environment, plus an optional YAML policy file for admission rules.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the environment-level surface: where to listen, where the
// database lives, and resource bounds. Policy carries the admission rules.
type Config struct {
	ListenAddr   string
	DatabasePath string
	TLSCert      string
	TLSKey       string

	MaxQueryLimit   int
	SendQueueSize   int
	MaxMessageBytes int64
	SweepInterval   time.Duration

	// SearchHost enables the full-text mirror when non-empty. Absence
	// disables the feature, never fails startup.
	SearchHost   string
	SearchAPIKey string

	Policy Policy
}

// Policy mirrors the YAML policy file. All fields are optional; the zero
// policy admits everything a valid signature allows.
type Policy struct {
	MinPowDifficulty  int      `yaml:"min_pow_difficulty"`
	RestrictedPubkeys []string `yaml:"restricted_pubkeys"`
	RequireAuth       bool     `yaml:"require_auth"`
	MaxFutureSkewSec  int      `yaml:"max_future_skew_seconds"`

	RateLimit struct {
		EventsPerSecond float64 `yaml:"events_per_second"`
		Burst           int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Load reads the environment and, if REEF_POLICY_FILE is set, the policy
// file it names. A missing policy file is an error; a missing variable
// falls back to its default.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getString("REEF_LISTEN", ":7447"),
		DatabasePath:    getString("REEF_DB_PATH", "reef.db"),
		TLSCert:         getString("REEF_TLS_CERT", ""),
		TLSKey:          getString("REEF_TLS_KEY", ""),
		MaxQueryLimit:   getInt("REEF_MAX_QUERY_LIMIT", 500),
		SendQueueSize:   getInt("REEF_SEND_QUEUE_SIZE", 512),
		MaxMessageBytes: int64(getInt("REEF_MAX_MESSAGE_BYTES", 512*1024)),
		SweepInterval:   time.Duration(getInt("REEF_SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		SearchHost:      getString("REEF_SEARCH_HOST", ""),
		SearchAPIKey:    getString("REEF_SEARCH_API_KEY", ""),
	}

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return Config{}, fmt.Errorf("REEF_TLS_CERT and REEF_TLS_KEY must be set together")
	}

	if path := os.Getenv("REEF_POLICY_FILE"); path != "" {
		policy, err := loadPolicy(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = policy
	}

	return cfg, nil
}

func loadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.MinPowDifficulty < 0 || p.MinPowDifficulty > 256 {
		return Policy{}, fmt.Errorf("policy: min_pow_difficulty %d out of range [0,256]", p.MinPowDifficulty)
	}
	return p, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
