package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Perpflow   PerpflowConfig   `yaml:"perpflow"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Cache      CacheConfig      `yaml:"cache"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Source     SourceConfig     `yaml:"source"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PerpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CacheConfig struct {
	RatesTTL        time.Duration `yaml:"rates_ttl"`
	OpenInterestTTL time.Duration `yaml:"open_interest_ttl"`
	VolumeTTL       time.Duration `yaml:"volume_ttl"`
	FundFlowTTL     time.Duration `yaml:"fund_flow_ttl"`
}

type FetcherConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance     BinanceSourceConfig     `yaml:"binance"`
	Bybit       BybitSourceConfig       `yaml:"bybit"`
	Okx         OkxSourceConfig         `yaml:"okx"`
	Bitget      BitgetSourceConfig      `yaml:"bitget"`
	Gateio      GateioSourceConfig      `yaml:"gateio"`
	Hyperliquid HyperliquidSourceConfig `yaml:"hyperliquid"`
	Coinbase    CoinbaseSourceConfig    `yaml:"coinbase"`
}

type BinanceSourceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	FuturesURL string `yaml:"futures_url"`
	SpotURL    string `yaml:"spot_url"`
}

type BybitSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type OkxSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// FundingConcurrency bounds the per-instrument funding-rate fan-out.
	FundingConcurrency int `yaml:"funding_concurrency"`
}

type BitgetSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type GateioSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type HyperliquidSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type CoinbaseSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type AggregatorConfig struct {
	OpenInterestSymbols []string      `yaml:"open_interest_symbols"`
	VolumeMainPairs     []string      `yaml:"volume_main_pairs"`
	VolumeTopN          int           `yaml:"volume_top_n"`
	FundFlowSymbol      string        `yaml:"fund_flow_symbol"`
	LargeOrderThreshold float64       `yaml:"large_order_threshold"`
	PaginationDeadline  time.Duration `yaml:"pagination_deadline"`
}

type BroadcastConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// defaultConfigPath is used when no explicit path is provided; an
// environment specific file (config.<env>.yml) takes precedence when present.
const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:2112",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override CloudWatch settings from environment variables if available
	if config.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0:8080"
	}
	if cfg.Fetcher.Timeout <= 0 {
		cfg.Fetcher.Timeout = 15 * time.Second
	}
	if cfg.Fetcher.Retry.MaxAttempts <= 0 {
		cfg.Fetcher.Retry.MaxAttempts = 3
	}
	if cfg.Fetcher.Retry.BaseDelay <= 0 {
		cfg.Fetcher.Retry.BaseDelay = time.Second
	}
	if cfg.Fetcher.Retry.MaxDelay <= 0 {
		cfg.Fetcher.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Cache.RatesTTL <= 0 {
		cfg.Cache.RatesTTL = time.Minute
	}
	if cfg.Cache.OpenInterestTTL <= 0 {
		cfg.Cache.OpenInterestTTL = 5 * time.Minute
	}
	if cfg.Cache.VolumeTTL <= 0 {
		cfg.Cache.VolumeTTL = time.Minute
	}
	if cfg.Cache.FundFlowTTL <= 0 {
		cfg.Cache.FundFlowTTL = 30 * time.Second
	}
	if cfg.Source.Okx.FundingConcurrency <= 0 {
		cfg.Source.Okx.FundingConcurrency = 10
	}
	if cfg.Aggregator.VolumeTopN <= 0 {
		cfg.Aggregator.VolumeTopN = 100
	}
	if cfg.Aggregator.FundFlowSymbol == "" {
		cfg.Aggregator.FundFlowSymbol = "BTC"
	}
	if cfg.Aggregator.LargeOrderThreshold <= 0 {
		cfg.Aggregator.LargeOrderThreshold = 100000
	}
	if cfg.Aggregator.PaginationDeadline <= 0 {
		cfg.Aggregator.PaginationDeadline = 60 * time.Second
	}
	if cfg.Broadcast.RefreshInterval <= 0 {
		cfg.Broadcast.RefreshInterval = time.Minute
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Perpflow.Name == "" {
		return fmt.Errorf("perpflow.name is required")
	}

	if cfg.Perpflow.Version == "" {
		return fmt.Errorf("perpflow.version is required")
	}

	if cfg.Fetcher.Retry.MaxDelay < cfg.Fetcher.Retry.BaseDelay {
		return fmt.Errorf("fetcher.retry.max_delay must not be smaller than base_delay")
	}

	if cfg.Fetcher.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("fetcher.rate_limit.requests_per_second must not be negative")
	}

	enabled := 0
	for _, on := range []bool{
		cfg.Source.Binance.Enabled,
		cfg.Source.Bybit.Enabled,
		cfg.Source.Okx.Enabled,
		cfg.Source.Bitget.Enabled,
		cfg.Source.Gateio.Enabled,
		cfg.Source.Hyperliquid.Enabled,
		cfg.Source.Coinbase.Enabled,
	} {
		if on {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one source exchange must be enabled")
	}

	if cfg.CloudWatch.Enabled && cfg.CloudWatch.Region == "" && os.Getenv("AWS_REGION") == "" {
		return fmt.Errorf("cloudwatch.region is required when CloudWatch is enabled")
	}

	return nil
}
