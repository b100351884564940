// Package config loads the indexer's YAML configuration file and layers
// MIXER_* environment variable overrides on top, mirroring the teacher's
// Load(path)/env-override idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a fractional-seconds duration, parsed from YAML/env as a plain
// number (e.g. 2.5) rather than a Go duration string, and convertible to
// time.Duration for use by the chain/queue packages.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the full set of options read from the YAML file / environment.
type Config struct {
	RPCURL              string  `yaml:"rpc_url"`
	PollIntervalSec     Seconds `yaml:"poll_interval_sec"`
	RPCRetryIntervalSec Seconds `yaml:"rpc_retry_interval_sec"`
	RPCQueryIntervalSec Seconds `yaml:"rpc_query_interval_sec"`
	ContractAddress     string  `yaml:"contract_address"`
	StartBlock          uint64  `yaml:"start_block"`
	TreeHeight          int     `yaml:"tree_height"`
	StorePath           string  `yaml:"store_path"`

	LogLevel      string `yaml:"log_level"`
	APIAddr       string `yaml:"api_addr"`
	APIAdminToken string `yaml:"api_admin_token"`

	APIRateLimitRPS    float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst  int     `yaml:"api_rate_limit_burst"`
	APIRateLimitTTLMin int     `yaml:"api_rate_limit_ttl_min"`
}

// defaults matches the teacher's pattern of a zero-value-safe Config:
// callers that omit an option from YAML get a sane default, not a zero
// poll interval that busy-loops.
func defaults() Config {
	return Config{
		PollIntervalSec:     5,
		RPCRetryIntervalSec: 3,
		RPCQueryIntervalSec: 0.2,
		TreeHeight:          20,
		StorePath:           "./data/mixer.db",
		LogLevel:            "info",
		APIAddr:             ":8080",
		APIRateLimitRPS:     10,
		APIRateLimitBurst:   20,
		APIRateLimitTTLMin:  15,
	}
}

// Load reads path as YAML into a Config seeded with defaults, then applies
// MIXER_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("config: rpc_url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("config: contract_address is required")
	}
	if cfg.TreeHeight <= 0 {
		return nil, fmt.Errorf("config: tree_height must be positive")
	}

	return &cfg, nil
}

// applyEnvOverrides mirrors the teacher's main.go override idiom: each
// field can be independently overridden by a MIXER_* env var, checked
// after the YAML file is parsed, so an operator can override one knob
// without forking the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIXER_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("MIXER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("MIXER_CONTRACT_ADDRESS"); v != "" {
		cfg.ContractAddress = v
	}
	if v := os.Getenv("MIXER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MIXER_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("MIXER_API_ADMIN_TOKEN"); v != "" {
		cfg.APIAdminToken = v
	}
	if v := os.Getenv("MIXER_START_BLOCK"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.StartBlock = n
		}
	}
	if v := os.Getenv("MIXER_TREE_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TreeHeight = n
		}
	}
	if v := os.Getenv("MIXER_POLL_INTERVAL_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PollIntervalSec = Seconds(f)
		}
	}
	if v := os.Getenv("MIXER_RPC_RETRY_INTERVAL_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RPCRetryIntervalSec = Seconds(f)
		}
	}
	if v := os.Getenv("MIXER_RPC_QUERY_INTERVAL_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RPCQueryIntervalSec = Seconds(f)
		}
	}
	if v := os.Getenv("MIXER_API_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.APIRateLimitRPS = f
		}
	}
	if v := os.Getenv("MIXER_API_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.APIRateLimitBurst = n
		}
	}
	if v := os.Getenv("MIXER_API_RATE_LIMIT_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.APIRateLimitTTLMin = n
		}
	}
}
