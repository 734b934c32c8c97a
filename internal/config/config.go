package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Reporter ReporterConfig `mapstructure:"reporter"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Entities []EntityConfig `mapstructure:"entities"`
	Wallets  []string       `mapstructure:"wallets"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig describes one network connection.
type ChainConfig struct {
	Name             string        `mapstructure:"name"`
	NodeURL          string        `mapstructure:"node_url"`
	WSURL            string        `mapstructure:"ws_url"`
	NetworkID        int           `mapstructure:"network_id"`
	BackupNodes      []string      `mapstructure:"backup_nodes"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MulticallAddress string        `mapstructure:"multicall_address"`
	RateLimit        float64       `mapstructure:"rate_limit"` // immediate reads per second, 0 disables
	RateBurst        int           `mapstructure:"rate_burst"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	RetentionDays    int           `mapstructure:"retention_days"`
}

// DriverConfig controls the block driven refresh loop.
type DriverConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
	EnableWebSocket  bool          `mapstructure:"enable_websocket"`
	MaxParallelReads int           `mapstructure:"max_parallel_reads"`
	PersistCycles    bool          `mapstructure:"persist_cycles"`
}

// CacheConfig controls immediate reads made on cache misses.
type CacheConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// Subscribed reads nobody observes are dropped after this many cycles.
	MaxIdleCycles int `mapstructure:"max_idle_cycles"`
}

// ReporterConfig configures where decode failures are reported.
type ReporterConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	QueueSize  int           `mapstructure:"queue_size"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// EntityConfig declares a contract whose reads are cached.
type EntityConfig struct {
	Reference string `mapstructure:"reference"`
	Address   string `mapstructure:"address"`
	Name      string `mapstructure:"name"`
	ABI       string `mapstructure:"abi"` // inline JSON ABI or a known name such as erc20
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("READCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("chain.node_url", "READCACHE_CHAIN_NODE_URL", "RSK_NODE_URL")
	v.BindEnv("chain.ws_url", "READCACHE_CHAIN_WS_URL", "RSK_WS_URL")
	v.BindEnv("storage.connection_string", "READCACHE_STORAGE_CONNECTION_STRING", "DATABASE_URL")
	v.BindEnv("server.port", "READCACHE_SERVER_PORT", "SERVER_PORT")
	v.BindEnv("reporter.webhook_url", "READCACHE_REPORTER_WEBHOOK_URL", "REPORT_WEBHOOK_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rsk-read-cache")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("chain.name", "rsk-testnet")
	v.SetDefault("chain.node_url", "https://public-node.testnet.rsk.co")
	v.SetDefault("chain.network_id", 31)
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_delay", "5s")
	v.SetDefault("chain.multicall_address", "0xcA11bde05977b3631167028862bE2a173976CA11")
	v.SetDefault("chain.rate_limit", 20)
	v.SetDefault("chain.rate_burst", 10)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/readcache.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.retention_days", 7)

	// RSK block time is ~30 seconds
	v.SetDefault("driver.poll_interval", "10s")
	v.SetDefault("driver.cycle_timeout", "25s")
	v.SetDefault("driver.enable_websocket", false)
	v.SetDefault("driver.max_parallel_reads", 8)
	v.SetDefault("driver.persist_cycles", true)

	v.SetDefault("cache.read_timeout", "15s")
	v.SetDefault("cache.max_idle_cycles", 120)

	v.SetDefault("reporter.enabled", true)
	v.SetDefault("reporter.queue_size", 100)
	v.SetDefault("reporter.workers", 2)
	v.SetDefault("reporter.max_retries", 3)
	v.SetDefault("reporter.retry_delay", "2s")
	v.SetDefault("reporter.timeout", "10s")
	v.SetDefault("reporter.rate_limit", 5)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Chain.Validate(); err != nil {
		return err
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Driver.PollInterval <= 0 {
		return fmt.Errorf("driver poll interval must be positive")
	}
	if c.Driver.MaxParallelReads <= 0 {
		return fmt.Errorf("driver max parallel reads must be positive")
	}
	if c.Cache.MaxIdleCycles < 0 {
		return fmt.Errorf("cache max idle cycles must not be negative")
	}
	if c.Reporter.Enabled && c.Reporter.Workers <= 0 {
		return fmt.Errorf("reporter workers must be positive")
	}

	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if e.Reference == "" {
			return fmt.Errorf("entity %d: reference is required", i)
		}
		if seen[e.Reference] {
			return fmt.Errorf("entity %s: duplicate reference", e.Reference)
		}
		seen[e.Reference] = true
		if !common.IsHexAddress(e.Address) {
			return fmt.Errorf("entity %s: invalid address %q", e.Reference, e.Address)
		}
		if e.ABI == "" {
			return fmt.Errorf("entity %s: abi is required", e.Reference)
		}
	}
	for _, w := range c.Wallets {
		if !common.IsHexAddress(w) {
			return fmt.Errorf("invalid wallet address %q", w)
		}
	}
	return nil
}

// Validate checks a single network definition.
func (c ChainConfig) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("chain node URL is required")
	}
	if !common.IsHexAddress(c.MulticallAddress) {
		return fmt.Errorf("invalid multicall address %q", c.MulticallAddress)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("chain request timeout must be positive")
	}
	return nil
}
