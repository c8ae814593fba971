// Package config loads the agent's options from the process environment.
//
// Following the teacher's pattern of reading secrets and endpoints via
// os.Getenv with an optional .env file (github.com/joho/godotenv), all
// recognised keys are listed in spec.md §6. Unrecognised keys are ignored.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config is the agent's validated runtime configuration.
type Config struct {
	RPCURL        string
	RPCWSURL      string
	ChainID       int64
	RouterAddress common.Address
	PrivateKeyHex string

	UseWebsocket bool
	UsePolling   bool

	PollingInterval   time.Duration
	ExecutionInterval time.Duration

	TopPoolsCount         int
	MinProfitThresholdUSD float64
	MaxConcurrentTxs      int
	MaxGasPriceGwei       *big.Float
	StatisticsWindowBlks  uint64
	SlippageThresholdPct  float64
}

// Load reads a .env file if present (missing file is not an error, matching
// the teacher's cmd/main.go which treats os.Getenv as the source of truth)
// and then parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	c := &Config{
		ChainID:               1,
		UseWebsocket:          false,
		UsePolling:            true,
		PollingInterval:       12 * time.Second,
		ExecutionInterval:     30 * time.Second,
		TopPoolsCount:         10,
		MinProfitThresholdUSD: 10,
		MaxConcurrentTxs:      3,
		MaxGasPriceGwei:       big.NewFloat(100),
		StatisticsWindowBlks:  100,
		SlippageThresholdPct:  5,
	}

	c.RPCURL = getenv("RPC_URL")
	c.RPCWSURL = getenv("RPC_WS_URL")
	c.PrivateKeyHex = strings.TrimPrefix(getenv("PRIVATE_KEY"), "0x")

	if v := getenv("CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAIN_ID %q: %w", v, err)
		}
		c.ChainID = n
	}

	if v := getenv("REFLEX_ROUTER_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid REFLEX_ROUTER_ADDRESS %q", v)
		}
		c.RouterAddress = common.HexToAddress(v)
	}

	if v := getenv("USE_WEBSOCKET"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid USE_WEBSOCKET %q: %w", v, err)
		}
		c.UseWebsocket = b
	}
	if v := getenv("USE_POLLING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid USE_POLLING %q: %w", v, err)
		}
		c.UsePolling = b
	}

	if v := getenv("POLLING_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid POLLING_INTERVAL_MS %q", v)
		}
		c.PollingInterval = time.Duration(ms) * time.Millisecond
	}
	if v := getenv("EXECUTION_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid EXECUTION_INTERVAL_MS %q", v)
		}
		c.ExecutionInterval = time.Duration(ms) * time.Millisecond
	}

	if v := getenv("TOP_POOLS_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid TOP_POOLS_COUNT %q", v)
		}
		c.TopPoolsCount = n
	}
	if v := getenv("MIN_PROFIT_THRESHOLD_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid MIN_PROFIT_THRESHOLD_USD %q", v)
		}
		c.MinProfitThresholdUSD = f
	}
	if v := getenv("MAX_CONCURRENT_TXS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_TXS %q", v)
		}
		c.MaxConcurrentTxs = n
	}
	if v := getenv("MAX_GAS_PRICE_GWEI"); v != "" {
		f, ok := new(big.Float).SetString(v)
		if !ok || f.Sign() < 0 {
			return nil, fmt.Errorf("invalid MAX_GAS_PRICE_GWEI %q", v)
		}
		c.MaxGasPriceGwei = f
	}
	if v := getenv("STATISTICS_WINDOW_BLOCKS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid STATISTICS_WINDOW_BLOCKS %q", v)
		}
		c.StatisticsWindowBlks = n
	}
	if v := getenv("SLIPPAGE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid SLIPPAGE_THRESHOLD %q", v)
		}
		c.SlippageThresholdPct = f
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the required-field and range invariants from spec.md §6.
// Mirrors the teacher's Validate() methods (UnstakeParams.Validate,
// StrategyConfig.Validate): a single pass returning the first violation.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.RouterAddress == (common.Address{}) {
		return fmt.Errorf("REFLEX_ROUTER_ADDRESS is required")
	}
	if c.PrivateKeyHex == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.ChainID)
	}
	if c.ExecutionInterval < time.Second {
		return fmt.Errorf("EXECUTION_INTERVAL_MS must be >= 1000, got %s", c.ExecutionInterval)
	}
	if !c.UseWebsocket && !c.UsePolling {
		return fmt.Errorf("at least one of USE_WEBSOCKET or USE_POLLING must be enabled")
	}
	if c.UseWebsocket && c.RPCWSURL == "" {
		return fmt.Errorf("RPC_WS_URL is required when USE_WEBSOCKET is true")
	}
	return nil
}
