package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Deposits   DepositConfig    `yaml:"deposits"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	CORS       CORSConfig       `yaml:"cors"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration. An empty DSN selects the in-memory
// transfer store instead of Postgres.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// RedisConfig shared rate-limit counter store configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// NATSConfig lifecycle event publication configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"` // seconds
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BlockchainConfig destination chain configuration
type BlockchainConfig struct {
	HyperEVM NetworkConfig `yaml:"hyperevm"`
}

// NetworkConfig network configuration
type NetworkConfig struct {
	ChainID        int64    `yaml:"chainId"`
	Name           string   `yaml:"name"`
	RPCEndpoints   []string `yaml:"rpcEndpoints"`
	WSEndpoint     string   `yaml:"wsEndpoint"`
	USDCContract   string   `yaml:"usdcContract"`
	AssetBridge    string   `yaml:"assetBridge"`
	Confirmations  uint64   `yaml:"confirmations"`
	PollIntervalMs int      `yaml:"pollIntervalMs"`
}

// DepositConfig deposit safety and cleanup configuration
type DepositConfig struct {
	// MinimumUSD must stay above the protocol burn threshold with a
	// rounding buffer. Hyperliquid burns deposits below $5.00.
	MinimumUSD float64 `yaml:"minimumUsd"`
	MaximumUSD float64 `yaml:"maximumUsd"`

	StaleMaxAgeMinutes   int `yaml:"staleMaxAgeMinutes"`
	SweepIntervalMinutes int `yaml:"sweepIntervalMinutes"`

	// Balance re-validation after the bridge leg reports completion.
	BalancePollIntervalMs int `yaml:"balancePollIntervalMs"`
	BalanceMaxWaitSeconds int `yaml:"balanceMaxWaitSeconds"`
}

// RateLimitConfig per-preset request budgets, all over a one minute window
type RateLimitConfig struct {
	WindowSeconds  int `yaml:"windowSeconds"`
	General        int `yaml:"general"`
	TransferPerIP  int `yaml:"transferPerIp"`
	TransferPerKey int `yaml:"transferPerWallet"`
	Sensitive      int `yaml:"sensitive"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AdminConfig access control for the monitoring endpoints
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"`
}

// LoadConfig loads the configuration file and applies environment overrides.
// The returned config is injected into the service container; nothing reads
// a package-level singleton.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	config := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment variables and defaults carry the config.
	} else {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3001},
		NATS: NATSConfig{
			Timeout:       5,
			ReconnectWait: 5,
			MaxReconnects: -1,
			SubjectPrefix: "hypergate.transfers",
		},
		Blockchain: BlockchainConfig{
			HyperEVM: NetworkConfig{
				ChainID:        998,
				Name:           "HyperEVM",
				RPCEndpoints:   []string{"https://rpc.hyperliquid.xyz/evm"},
				AssetBridge:    "0x2df1c51e09aecf9cacb7bc98cb1742757f163df7",
				Confirmations:  1,
				PollIntervalMs: 4000,
			},
		},
		Deposits: DepositConfig{
			MinimumUSD:            5.10,
			MaximumUSD:            100000,
			StaleMaxAgeMinutes:    30,
			SweepIntervalMinutes:  5,
			BalancePollIntervalMs: 2000,
			BalanceMaxWaitSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds:  60,
			General:        100,
			TransferPerIP:  10,
			TransferPerKey: 3,
			Sensitive:      5,
		},
		CORS: CORSConfig{MaxAge: 3600, AllowCredentials: true},
	}
}

func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}

	if rpc := os.Getenv("HYPEREVM_RPC_ENDPOINTS"); rpc != "" {
		config.Blockchain.HyperEVM.RPCEndpoints = splitAndTrim(rpc)
	}
	if ws := os.Getenv("HYPEREVM_WS_ENDPOINT"); ws != "" {
		config.Blockchain.HyperEVM.WSEndpoint = ws
	}
	if usdc := os.Getenv("USDC_CONTRACT"); usdc != "" {
		config.Blockchain.HyperEVM.USDCContract = usdc
	}
	if bridge := os.Getenv("ASSET_BRIDGE_CONTRACT"); bridge != "" {
		config.Blockchain.HyperEVM.AssetBridge = bridge
	}

	if min := os.Getenv("MINIMUM_DEPOSIT_USD"); min != "" {
		if v, err := strconv.ParseFloat(min, 64); err == nil {
			config.Deposits.MinimumUSD = v
		}
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitAndTrim(corsOrigins)
	}
}

func validate(config *Config) error {
	burn := 5.00
	if config.Deposits.MinimumUSD <= burn {
		return fmt.Errorf("deposits.minimumUsd %.2f must exceed the %.2f burn threshold", config.Deposits.MinimumUSD, burn)
	}
	if len(config.Blockchain.HyperEVM.RPCEndpoints) == 0 {
		return fmt.Errorf("blockchain.hyperevm.rpcEndpoints is required")
	}
	zero := "0x0000000000000000000000000000000000000000"
	if strings.EqualFold(config.Blockchain.HyperEVM.AssetBridge, zero) {
		return fmt.Errorf("asset bridge address is the burn address, deposits would be lost")
	}
	return nil
}

// StaleMaxAge returns the cutoff age for the stale-transfer sweep.
func (c *DepositConfig) StaleMaxAge() time.Duration {
	return time.Duration(c.StaleMaxAgeMinutes) * time.Minute
}

// SweepInterval returns the period of the stale-transfer sweep.
func (c *DepositConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// BalancePollInterval returns how often the bridged balance is re-read.
func (c *DepositConfig) BalancePollInterval() time.Duration {
	return time.Duration(c.BalancePollIntervalMs) * time.Millisecond
}

// BalanceMaxWait bounds the bridged-balance re-validation.
func (c *DepositConfig) BalanceMaxWait() time.Duration {
	return time.Duration(c.BalanceMaxWaitSeconds) * time.Second
}

// Window returns the rate limit window duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
