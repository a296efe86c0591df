// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package config loads and validates Segue configuration using Koanf v2
// with layered sources: built-in defaults, optional YAML config file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"math"
	"net/url"
	"time"
)

// Config is the root configuration for the Segue server.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	NATS        NATSConfig        `koanf:"nats"`
	Fetch       FetchConfig       `koanf:"fetch"`
	Proxy       ProxyConfig       `koanf:"proxy"`
	Captcha     CaptchaConfig     `koanf:"captcha"`
	Scrape      ScrapeConfig      `koanf:"scrape"`
	Silver      SilverConfig      `koanf:"silver"`
	Gold        GoldConfig        `koanf:"gold"`
	Operational OperationalConfig `koanf:"operational"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed origins for the visualization client.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs/RateLimitWindow bound ingress request rates per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the DuckDB database file. ":memory:" is supported for tests.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// NATSConfig holds the optional JetStream transport for multi-node
// deployments. When disabled, pipeline stages communicate over in-process
// gochannel Pub/Sub.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	// Router middleware settings (Watermill).
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
	PoisonQueueTopic           string        `koanf:"poison_queue_topic"`
}

// FetchConfig holds the fetch substrate settings shared by all source adapters.
type FetchConfig struct {
	// UserAgentRotation enables per-session browser header set rotation.
	UserAgentRotation bool `koanf:"user_agent_rotation"`

	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// InitialHostRate is R0: the steady-state requests/second per host.
	InitialHostRate float64 `koanf:"initial_host_rate"`

	// RateDecreaseFactor is beta: multiplicative decrease applied on 429/503.
	RateDecreaseFactor float64 `koanf:"rate_decrease_factor"`

	// RateRecoveryWindow is the consecutive-success count that triggers a
	// multiplicative increase back toward InitialHostRate.
	RateRecoveryWindow int `koanf:"rate_recovery_window"`

	// Retry policy for Transient failures.
	MaxRetries     int           `koanf:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryJitter    time.Duration `koanf:"retry_jitter"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`

	// RenderEnabled turns on the headless-browser rendering path for
	// JS-heavy pages.
	RenderEnabled bool          `koanf:"render_enabled"`
	RenderTimeout time.Duration `koanf:"render_timeout"`

	// CachePath is the Badger directory for the response/cooldown cache.
	// Empty disables the persistent cache.
	CachePath string        `koanf:"cache_path"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// ProxyConfig holds the rotating proxy pool settings.
type ProxyConfig struct {
	// URLs lists proxy endpoints (http(s)://host:port). Empty disables rotation.
	URLs []string `koanf:"urls"`

	// HealthThreshold is the score below which a proxy is parked.
	HealthThreshold int `koanf:"health_threshold"`

	// ParkCooldown is how long a parked proxy stays out of rotation.
	ParkCooldown time.Duration `koanf:"park_cooldown"`
}

// CaptchaConfig holds the external CAPTCHA oracle settings.
type CaptchaConfig struct {
	// URL of the solver service. Empty disables CAPTCHA solving; challenges
	// surface as Blocked.
	URL string `koanf:"url"`

	// MinConfidence is tau: answers below this confidence are treated as
	// Blocked.
	MinConfidence float64       `koanf:"min_confidence"`
	Timeout       time.Duration `koanf:"timeout"`
}

// ScrapeConfig holds dispatcher defaults and limits.
type ScrapeConfig struct {
	DefaultLimit   int           `koanf:"default_limit"`
	MaxLimit       int           `koanf:"max_limit"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	MaxRetries     int           `koanf:"max_retries"`

	// WorkerPoolSize bounds parallel fetches per scrape request.
	WorkerPoolSize int `koanf:"worker_pool_size"`

	// QueueHighWater is the pipeline backlog above which the dispatcher
	// stops admitting new scrape requests (backpressure).
	QueueHighWater int `koanf:"queue_high_water"`
}

// SilverConfig holds canonicalization settings.
type SilverConfig struct {
	// FuzzyThreshold is the Jaro-Winkler similarity required for a title
	// match against an existing canonical track of the same artist.
	FuzzyThreshold float64 `koanf:"fuzzy_threshold"`

	// SentinelArtists are placeholder names that can never be graph
	// endpoints. Matching is case-insensitive on the normalized form.
	SentinelArtists []string `koanf:"sentinel_artists"`

	// AliasTable maps normalized artist spellings to their canonical form.
	AliasTable map[string]string `koanf:"alias_table"`
}

// GoldConfig holds transition aggregation settings.
type GoldConfig struct {
	// ConfidenceK is the saturation constant in
	// confidence = 1 - exp(-occurrence_count/k).
	ConfidenceK float64 `koanf:"confidence_k"`

	// Quality weights; must sum to 1.
	QualityWeightOccurrence float64 `koanf:"quality_weight_occurrence"`
	QualityWeightBPM        float64 `koanf:"quality_weight_bpm"`
	QualityWeightKey        float64 `koanf:"quality_weight_key"`
	QualityWeightEnergy     float64 `koanf:"quality_weight_energy"`
}

// OperationalConfig holds graph projection settings.
type OperationalConfig struct {
	// MinEdgeWeight filters edges below this weight from the served graph.
	// Filtered edges remain in Gold.
	MinEdgeWeight int `koanf:"min_edge_weight"`
}

// EnrichmentConfig holds the external Enrichment Oracle settings.
type EnrichmentConfig struct {
	// URL of the enrichment service. Empty disables enrichment regardless
	// of per-request flags.
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`

	// RatePerSecond bounds calls to the oracle.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid values. A validation failure
// is fatal: the process must not start with a broken configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Fetch.InitialHostRate <= 0 {
		return fmt.Errorf("fetch.initial_host_rate must be positive, got %f", c.Fetch.InitialHostRate)
	}
	if c.Fetch.RateDecreaseFactor <= 0 || c.Fetch.RateDecreaseFactor >= 1 {
		return fmt.Errorf("fetch.rate_decrease_factor must be in (0,1), got %f", c.Fetch.RateDecreaseFactor)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Captcha.MinConfidence < 0 || c.Captcha.MinConfidence > 1 {
		return fmt.Errorf("captcha.min_confidence must be in [0,1], got %f", c.Captcha.MinConfidence)
	}
	if c.Silver.FuzzyThreshold < 0 || c.Silver.FuzzyThreshold > 1 {
		return fmt.Errorf("silver.fuzzy_threshold must be in [0,1], got %f", c.Silver.FuzzyThreshold)
	}
	if c.Gold.ConfidenceK <= 0 {
		return fmt.Errorf("gold.confidence_k must be positive, got %f", c.Gold.ConfidenceK)
	}
	weightSum := c.Gold.QualityWeightOccurrence + c.Gold.QualityWeightBPM +
		c.Gold.QualityWeightKey + c.Gold.QualityWeightEnergy
	if math.Abs(weightSum-1.0) > 1e-9 {
		return fmt.Errorf("gold quality weights must sum to 1, got %f", weightSum)
	}
	if c.Scrape.DefaultLimit < 1 || c.Scrape.DefaultLimit > c.Scrape.MaxLimit {
		return fmt.Errorf("scrape.default_limit must be in 1..%d, got %d", c.Scrape.MaxLimit, c.Scrape.DefaultLimit)
	}
	if c.Scrape.WorkerPoolSize < 1 {
		return fmt.Errorf("scrape.worker_pool_size must be at least 1, got %d", c.Scrape.WorkerPoolSize)
	}
	for _, p := range c.Proxy.URLs {
		if _, err := url.Parse(p); err != nil {
			return fmt.Errorf("proxy.urls contains invalid URL %q: %w", p, err)
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" && !c.NATS.EmbeddedServer {
		return fmt.Errorf("nats.url required when NATS is enabled without an embedded server")
	}
	return nil
}
