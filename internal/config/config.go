// Package config defines xconnect's configuration: a YAML file (default
// configs/config.yaml) describing which venues to connect, loaded with
// github.com/spf13/viper, with credential fields overridable via
// XCONNECT_* environment variables so they never need to sit in a
// checked-in file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, maps directly to the YAML
// structure.
type Config struct {
	Mode    string        `mapstructure:"mode"` // "live" or "paper"
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Venues  VenuesConfig  `mapstructure:"venues"`
}

// LoggingConfig configures the root slog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AdapterConfig tunes every Facade's request/liveness timing.
type AdapterConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
}

// VenuesConfig holds one optional section per supported venue. A nil
// section means that venue is not configured; Enabled additionally gates
// whether a configured venue is actually started.
type VenuesConfig struct {
	Kraken      *KrakenConfig      `mapstructure:"kraken"`
	Polymarket  *PolymarketConfig  `mapstructure:"polymarket"`
	CoinbaseFIX *CoinbaseFIXConfig `mapstructure:"coinbase_fix"`
}

// KrakenConfig holds Kraken Spot v2 websocket and credential settings.
type KrakenConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	WSPublicURL  string   `mapstructure:"ws_public_url"`
	WSPrivateURL string   `mapstructure:"ws_private_url"`
	RESTBaseURL  string   `mapstructure:"rest_base_url"`
	APIKey       string   `mapstructure:"api_key"`
	APISecret    string   `mapstructure:"api_secret"`
	Symbols      []string `mapstructure:"symbols"`
}

// PolymarketConfig holds the CLOB REST/WS endpoints and L1/L2 credential
// settings. PrivateKey signs L1 (EIP-712) auth and derives L2 API keys
// when ApiKey/Secret/Passphrase are left empty.
type PolymarketConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	CLOBBaseURL   string   `mapstructure:"clob_base_url"`
	WSMarketURL   string   `mapstructure:"ws_market_url"`
	WSUserURL     string   `mapstructure:"ws_user_url"`
	PrivateKey    string   `mapstructure:"private_key"`
	SignatureType int      `mapstructure:"signature_type"`
	FunderAddress string   `mapstructure:"funder_address"`
	ChainID       int      `mapstructure:"chain_id"`
	APIKey        string   `mapstructure:"api_key"`
	Secret        string   `mapstructure:"secret"`
	Passphrase    string   `mapstructure:"passphrase"`
	Symbols       []string `mapstructure:"symbols"`
}

// CoinbaseFIXConfig holds the FIX 5.0SP2 session identity, HMAC signing
// credentials, and two gateway endpoints sharing one identity: Port is
// the order-entry gateway, MarketDataPort (defaults to Port if left
// unset) the market-data gateway.
type CoinbaseFIXConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	MarketDataPort int      `mapstructure:"market_data_port"`
	SenderCompID   string   `mapstructure:"sender_comp_id"`
	TargetCompID   string   `mapstructure:"target_comp_id"`
	APIKey         string   `mapstructure:"api_key"`
	APISecret      string   `mapstructure:"api_secret"`
	Passphrase     string   `mapstructure:"passphrase"`
	Symbols        []string `mapstructure:"symbols"`
}

// Load reads config from a YAML file with XCONNECT_* env var overrides
// for every credential field, so a checked-in config.yaml never needs to
// carry a secret.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("XCONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets credential fields be supplied purely through the
// environment even when the corresponding venue section is present in
// the file with those fields left blank.
func applyEnvOverrides(cfg *Config) {
	if cfg.Venues.Kraken != nil {
		k := cfg.Venues.Kraken
		envString(&k.APIKey, "XCONNECT_KRAKEN_API_KEY")
		envString(&k.APISecret, "XCONNECT_KRAKEN_API_SECRET")
	}
	if cfg.Venues.Polymarket != nil {
		p := cfg.Venues.Polymarket
		envString(&p.PrivateKey, "XCONNECT_POLYMARKET_PRIVATE_KEY")
		envString(&p.APIKey, "XCONNECT_POLYMARKET_API_KEY")
		envString(&p.Secret, "XCONNECT_POLYMARKET_SECRET")
		envString(&p.Passphrase, "XCONNECT_POLYMARKET_PASSPHRASE")
	}
	if cfg.Venues.CoinbaseFIX != nil {
		c := cfg.Venues.CoinbaseFIX
		envString(&c.APIKey, "XCONNECT_COINBASE_API_KEY")
		envString(&c.APISecret, "XCONNECT_COINBASE_API_SECRET")
		envString(&c.Passphrase, "XCONNECT_COINBASE_PASSPHRASE")
	}
}

func envString(field *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*field = v
	}
}

// Validate checks every enabled venue section for required fields and
// value ranges, returning the first problem found.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return fmt.Errorf("mode must be \"live\" or \"paper\", got %q", c.Mode)
	}

	if c.Venues.Kraken != nil && c.Venues.Kraken.Enabled {
		k := c.Venues.Kraken
		if k.WSPublicURL == "" {
			return fmt.Errorf("venues.kraken.ws_public_url is required")
		}
		if c.Mode == "live" && (k.APIKey == "" || k.APISecret == "") {
			return fmt.Errorf("venues.kraken.api_key/api_secret are required in live mode")
		}
	}

	if c.Venues.Polymarket != nil && c.Venues.Polymarket.Enabled {
		p := c.Venues.Polymarket
		if p.CLOBBaseURL == "" {
			return fmt.Errorf("venues.polymarket.clob_base_url is required")
		}
		if p.ChainID == 0 {
			return fmt.Errorf("venues.polymarket.chain_id is required (137 for mainnet)")
		}
		switch p.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("venues.polymarket.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
		if p.SignatureType != 0 && p.FunderAddress == "" {
			return fmt.Errorf("venues.polymarket.funder_address is required when signature_type is 1 or 2")
		}
		if c.Mode == "live" && p.PrivateKey == "" && p.APIKey == "" {
			return fmt.Errorf("venues.polymarket requires either private_key (to derive L2 credentials) or a pre-derived api_key")
		}
	}

	if c.Venues.CoinbaseFIX != nil && c.Venues.CoinbaseFIX.Enabled {
		cb := c.Venues.CoinbaseFIX
		if cb.Host == "" || cb.Port == 0 {
			return fmt.Errorf("venues.coinbase_fix.host and port are required")
		}
		if cb.SenderCompID == "" || cb.TargetCompID == "" {
			return fmt.Errorf("venues.coinbase_fix.sender_comp_id and target_comp_id are required")
		}
		if c.Mode == "live" && (cb.APIKey == "" || cb.APISecret == "" || cb.Passphrase == "") {
			return fmt.Errorf("venues.coinbase_fix.api_key/api_secret/passphrase are required in live mode")
		}
	}

	if !c.anyVenueEnabled() {
		return fmt.Errorf("at least one venue section must be enabled")
	}
	return nil
}

func (c *Config) anyVenueEnabled() bool {
	return (c.Venues.Kraken != nil && c.Venues.Kraken.Enabled) ||
		(c.Venues.Polymarket != nil && c.Venues.Polymarket.Enabled) ||
		(c.Venues.CoinbaseFIX != nil && c.Venues.CoinbaseFIX.Enabled)
}
