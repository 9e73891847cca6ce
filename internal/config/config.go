// Package config defines all configuration for the trading gateway.
// Config is loaded from a YAML file (default: configs/gateway.yaml) with
// sensitive fields overridable via TG_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperTrading bool                    `mapstructure:"paper_trading"`
	Brokers      map[string]BrokerConfig `mapstructure:"brokers"`
	Auth         AuthConfig              `mapstructure:"auth"`
	Router       RouterConfig            `mapstructure:"router"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Stream       StreamConfig            `mapstructure:"stream"`
	Contracts    ContractsConfig         `mapstructure:"contracts"`
	Credentials  CredentialsConfig       `mapstructure:"credentials"`
	Metrics      MetricsConfig           `mapstructure:"metrics"`
	API          APIConfig               `mapstructure:"api"`
	Logging      LoggingConfig           `mapstructure:"logging"`
}

// BrokerConfig holds per-broker endpoints, credentials, and rate limits.
// Which fields are required depends on the broker's auth style: the Indian
// venue needs api_key/api_secret, the European venue an OAuth client pair,
// the US venue a static key/secret header pair.
type BrokerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	// DataURL is the market-data API base for venues that split trading and
	// data across hosts. Empty means BaseURL serves both.
	DataURL string `mapstructure:"data_url"`
	WSURL   string `mapstructure:"ws_url"`

	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`

	// OAuth endpoints for venues that authenticate with an authorization
	// code grant. Empty selects the adapter's production defaults.
	AuthURL  string `mapstructure:"auth_url"`
	TokenURL string `mapstructure:"token_url"`

	// Published venue limits, requests per second. Zero selects the
	// adapter's conservative default.
	OrdersPerSec float64 `mapstructure:"orders_per_sec"`
	QuotesPerSec float64 `mapstructure:"quotes_per_sec"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig tunes the background token refresher.
type AuthConfig struct {
	RefreshLead      time.Duration `mapstructure:"refresh_lead"`      // refresh this long before expiry
	FailureSpacing   time.Duration `mapstructure:"failure_spacing"`   // wait between refresh retries
	FailureThreshold int           `mapstructure:"failure_threshold"` // consecutive failures before FAILED
}

// RouterConfig sets routing defaults.
type RouterConfig struct {
	DefaultStrategy string `mapstructure:"default_strategy"`
	FallbackBroker  string `mapstructure:"fallback_broker"`
}

// OrchestratorConfig bounds multi-broker fan-outs.
type OrchestratorConfig struct {
	FanoutTimeout time.Duration `mapstructure:"fanout_timeout"`
}

// StreamConfig tunes the tick aggregator.
type StreamConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// ContractsConfig locates master-contract snapshots and their refresh schedule.
type ContractsConfig struct {
	Dir         string `mapstructure:"dir"`
	RefreshCron string `mapstructure:"refresh_cron"` // cron spec, e.g. "30 8 * * *"
}

// CredentialsConfig locates the on-disk credential store.
type CredentialsConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars of the form TG_<BROKER>_API_KEY,
// TG_<BROKER>_API_SECRET, TG_<BROKER>_CLIENT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override per-broker secrets from env: TG_ZERODHA_API_SECRET etc.
	for id, bc := range cfg.Brokers {
		prefix := "TG_" + strings.ToUpper(id) + "_"
		if key := os.Getenv(prefix + "API_KEY"); key != "" {
			bc.APIKey = key
		}
		if sec := os.Getenv(prefix + "API_SECRET"); sec != "" {
			bc.APISecret = sec
		}
		if sec := os.Getenv(prefix + "CLIENT_SECRET"); sec != "" {
			bc.ClientSecret = sec
		}
		cfg.Brokers[id] = bc
	}
	if os.Getenv("TG_PAPER_TRADING") == "true" || os.Getenv("TG_PAPER_TRADING") == "1" {
		cfg.PaperTrading = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auth.refresh_lead", 5*time.Minute)
	v.SetDefault("auth.failure_spacing", 30*time.Second)
	v.SetDefault("auth.failure_threshold", 3)
	v.SetDefault("router.default_strategy", "SMART")
	v.SetDefault("orchestrator.fanout_timeout", 5*time.Second)
	v.SetDefault("stream.buffer_size", 256)
	v.SetDefault("stream.stall_timeout", 10*time.Second)
	v.SetDefault("contracts.dir", "data/contracts")
	v.SetDefault("contracts.refresh_cron", "30 8 * * *")
	v.SetDefault("credentials.dir", "data/credentials")
	v.SetDefault("metrics.port", 9109)
	v.SetDefault("api.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker must be configured")
	}
	anyEnabled := false
	for id, bc := range c.Brokers {
		if !bc.Enabled {
			continue
		}
		anyEnabled = true
		if bc.BaseURL == "" {
			return fmt.Errorf("brokers.%s.base_url is required", id)
		}
		if bc.OrdersPerSec < 0 || bc.QuotesPerSec < 0 {
			return fmt.Errorf("brokers.%s rate limits must be >= 0", id)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("at least one broker must be enabled")
	}
	if c.Auth.RefreshLead <= 0 {
		return fmt.Errorf("auth.refresh_lead must be > 0")
	}
	if c.Auth.FailureThreshold <= 0 {
		return fmt.Errorf("auth.failure_threshold must be > 0")
	}
	if c.Orchestrator.FanoutTimeout <= 0 {
		return fmt.Errorf("orchestrator.fanout_timeout must be > 0")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be > 0")
	}
	return nil
}
