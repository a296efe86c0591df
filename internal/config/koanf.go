// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/segue/config.yaml",
	"/etc/segue/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8750,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/segue.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		NATS: NATSConfig{
			Enabled:                    false, // gochannel Pub/Sub by default (single binary)
			URL:                        "nats://127.0.0.1:4222",
			EmbeddedServer:             true,
			StoreDir:                   "/data/nats/jetstream",
			MaxMemory:                  1 << 30,  // 1GB
			MaxStore:                   10 << 30, // 10GB
			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterCloseTimeout:         30 * time.Second,
			PoisonQueueTopic:           "dlq.playlists",
		},
		Fetch: FetchConfig{
			UserAgentRotation:  true,
			RequestTimeout:     20 * time.Second,
			InitialHostRate:    1.0,
			RateDecreaseFactor: 0.5,
			RateRecoveryWindow: 10,
			MaxRetries:         3,
			RetryBaseDelay:     500 * time.Millisecond,
			RetryJitter:        250 * time.Millisecond,
			RetryMaxDelay:      30 * time.Second,
			RenderEnabled:      false,
			RenderTimeout:      45 * time.Second,
			CachePath:          "", // disabled by default
			CacheTTL:           15 * time.Minute,
		},
		Proxy: ProxyConfig{
			URLs:            nil,
			HealthThreshold: -3,
			ParkCooldown:    5 * time.Minute,
		},
		Captcha: CaptchaConfig{
			URL:           "",
			MinConfidence: 0.8,
			Timeout:       60 * time.Second,
		},
		Scrape: ScrapeConfig{
			DefaultLimit:   10,
			MaxLimit:       1000,
			DefaultTimeout: 300 * time.Second,
			MaxRetries:     3,
			WorkerPoolSize: 4,
			QueueHighWater: 500,
		},
		Silver: SilverConfig{
			FuzzyThreshold: 0.92,
			SentinelArtists: []string{
				"Unknown", "Unknown Artist", "Various Artists", "VA", "ID",
			},
			AliasTable: map[string]string{},
		},
		Gold: GoldConfig{
			ConfidenceK:             3.0,
			QualityWeightOccurrence: 0.4,
			QualityWeightBPM:        0.2,
			QualityWeightKey:        0.2,
			QualityWeightEnergy:     0.2,
		},
		Operational: OperationalConfig{
			MinEdgeWeight: 1,
		},
		Enrichment: EnrichmentConfig{
			URL:           "",
			Timeout:       15 * time.Second,
			RatePerSecond: 2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML config (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"proxy.urls",
	"silver.sentinel_artists",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings; the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment noise cannot pollute
// the configuration.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - DUCKDB_PATH -> database.path
//   - FETCH_MAX_RETRIES -> fetch.max_retries
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":         "server.host",
		"http_port":         "server.port",
		"http_timeout":      "server.timeout",
		"cors_origins":      "server.cors_origins",
		"rate_limit_reqs":   "server.rate_limit_reqs",
		"rate_limit_window": "server.rate_limit_window",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// NATS mappings
		"nats_enabled":          "nats.enabled",
		"nats_url":              "nats.url",
		"nats_embedded":         "nats.embedded_server",
		"nats_store_dir":        "nats.store_dir",
		"nats_max_memory":       "nats.max_memory",
		"nats_max_store":        "nats.max_store",
		"nats_router_retries":   "nats.router_retry_count",
		"nats_router_interval":  "nats.router_retry_initial_interval",
		"nats_router_close":     "nats.router_close_timeout",
		"nats_poison_topic":     "nats.poison_queue_topic",

		// Fetch substrate mappings
		"fetch_ua_rotation":      "fetch.user_agent_rotation",
		"fetch_request_timeout":  "fetch.request_timeout",
		"fetch_host_rate":        "fetch.initial_host_rate",
		"fetch_rate_decrease":    "fetch.rate_decrease_factor",
		"fetch_rate_recovery":    "fetch.rate_recovery_window",
		"fetch_max_retries":      "fetch.max_retries",
		"fetch_retry_base":       "fetch.retry_base_delay",
		"fetch_retry_jitter":     "fetch.retry_jitter",
		"fetch_retry_max_delay":  "fetch.retry_max_delay",
		"fetch_render_enabled":   "fetch.render_enabled",
		"fetch_render_timeout":   "fetch.render_timeout",
		"fetch_cache_path":       "fetch.cache_path",
		"fetch_cache_ttl":        "fetch.cache_ttl",

		// Proxy mappings
		"proxy_urls":             "proxy.urls",
		"proxy_health_threshold": "proxy.health_threshold",
		"proxy_park_cooldown":    "proxy.park_cooldown",

		// CAPTCHA oracle mappings
		"captcha_url":            "captcha.url",
		"captcha_min_confidence": "captcha.min_confidence",
		"captcha_timeout":        "captcha.timeout",

		// Scrape dispatcher mappings
		"scrape_default_limit":    "scrape.default_limit",
		"scrape_max_limit":        "scrape.max_limit",
		"scrape_default_timeout":  "scrape.default_timeout",
		"scrape_max_retries":      "scrape.max_retries",
		"scrape_workers":          "scrape.worker_pool_size",
		"scrape_queue_high_water": "scrape.queue_high_water",

		// Silver canonicalizer mappings
		"silver_fuzzy_threshold":  "silver.fuzzy_threshold",
		"silver_sentinel_artists": "silver.sentinel_artists",

		// Gold aggregator mappings
		"gold_confidence_k":      "gold.confidence_k",
		"gold_weight_occurrence": "gold.quality_weight_occurrence",
		"gold_weight_bpm":        "gold.quality_weight_bpm",
		"gold_weight_key":        "gold.quality_weight_key",
		"gold_weight_energy":     "gold.quality_weight_energy",

		// Operational materializer mappings
		"graph_min_edge_weight": "operational.min_edge_weight",

		// Enrichment oracle mappings
		"enrichment_url":      "enrichment.url",
		"enrichment_timeout":  "enrichment.timeout",
		"enrichment_rate":     "enrichment.rate_per_second",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
