// Command agent is the Reflex backrun trading agent's single entry
// point. No CLI arguments; every option comes from the environment
// (spec.md §6), mirroring the teacher's cmd/main.go dial-then-run shape
// but wired through internal/config/internal/logging instead of
// configs.LoadConfig/raw os.Getenv, and through internal/orchestrator
// instead of a single blocking RunStrategy1 call.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	reflexagent "github.com/reflex-mev/agent"
	"github.com/reflex-mev/agent/internal/config"
	"github.com/reflex-mev/agent/internal/db"
	"github.com/reflex-mev/agent/internal/eventsource"
	"github.com/reflex-mev/agent/internal/executor"
	"github.com/reflex-mev/agent/internal/logging"
	"github.com/reflex-mev/agent/internal/orchestrator"
	"github.com/reflex-mev/agent/internal/poolcache"
	"github.com/reflex-mev/agent/internal/poolmeta"
	"github.com/reflex-mev/agent/internal/rpc"
)

// poolContractABIJSON covers the handful of read-only selectors the
// pool-metadata resolver and token-decimals lookups need: token0(),
// token1(), fee(), decimals(). One ABI serves both pool and token
// contracts since Call only packs/unpacks the single method invoked.
const poolContractABIJSON = `[` +
	`{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},` +
	`{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},` +
	`{"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint32"}]},` +
	`{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]}` +
	`]`

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_PRETTY") == "true")

	privateKey, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
	if err != nil {
		log.Error().Err(err).Msg("invalid PRIVATE_KEY")
		return 1
	}
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)

	httpClient, err := ethclient.DialContext(context.Background(), cfg.RPCURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to dial RPC_URL")
		return 1
	}

	var wsClient *ethclient.Client
	if cfg.UseWebsocket {
		wsClient, err = ethclient.DialContext(context.Background(), cfg.RPCWSURL)
		if err != nil {
			log.Error().Err(err).Msg("failed to dial RPC_WS_URL")
			return 1
		}
	}

	poolContractABI, err := abi.JSON(strings.NewReader(poolContractABIJSON))
	if err != nil {
		log.Error().Err(err).Msg("invalid embedded pool ABI")
		return 1
	}

	resolver := poolmeta.New(func(addr common.Address) (poolmeta.ContractCaller, error) {
		return rpc.New(httpClient, addr, poolContractABI), nil
	})

	cache := poolcache.New(
		usdValuer,
		usdToToken,
		resolverAdapter{resolver},
		cfg.SlippageThresholdPct,
		cfg.StatisticsWindowBlks,
	)

	routerClient := rpc.New(httpClient, cfg.RouterAddress, executor.RouterABI)
	signer := func(ctx context.Context, nonce uint64, gasLimit uint64, gasPrice *big.Int, method string, args ...interface{}) (common.Hash, error) {
		return routerClient.Send(ctx, big.NewInt(cfg.ChainID), &fromAddress, privateKey, nonce, gasLimit, gasPrice, method, args...)
	}

	var recorder executor.Recorder
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		sink, err := db.NewMySQLExecutionSink(dsn)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect execution-record sink, continuing without it")
		} else {
			recorder = sink
			defer sink.Close()
		}
	}

	exec := executor.New(
		httpClient,
		routerClient,
		big.NewInt(cfg.ChainID),
		fromAddress,
		signer,
		cfg.MaxGasPriceGwei,
		cfg.MaxConcurrentTxs,
		recorder,
		log,
	)

	var pushClient, pullClient eventsource.ChainClient
	if cfg.UseWebsocket {
		pushClient = wsClient
	}
	if cfg.UsePolling {
		pullClient = httpClient
	}
	source := eventsource.New(pushClient, pullClient, cache.LastSqrtPrice, log,
		eventsource.WithPollInterval(cfg.PollingInterval),
		eventsource.WithBufferSize(10_000))

	orch := orchestrator.New(cache, source, exec, orchestrator.Config{
		ExecutionInterval:     cfg.ExecutionInterval,
		TopPoolsCount:         cfg.TopPoolsCount,
		MinProfitThresholdUSD: cfg.MinProfitThresholdUSD,
		MaxConcurrentTxs:      cfg.MaxConcurrentTxs,
		ShutdownGracePeriod:   10 * time.Second,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Run(ctx)
	return 0
}

// resolverAdapter bridges poolmeta.Resolver's context-aware, error-returning
// Resolve to poolcache.MetadataResolver's synchronous, bool-returning shape.
// The cache never has a caller-supplied context available at record time,
// so metadata resolution here uses a bounded background context; a timeout
// failure simply defers scoring until the next swap retries it, per
// spec.md §4.4's failure semantics.
type resolverAdapter struct {
	r *poolmeta.Resolver
}

func (a resolverAdapter) Resolve(pool common.Address) (reflexagent.PoolMetadata, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	meta, err := a.r.Resolve(ctx, pool)
	if err != nil {
		return reflexagent.PoolMetadata{}, false
	}
	return meta, true
}

// usdValuer is a placeholder USD valuation: real deployments plug in a
// price-oracle-backed implementation here. spec.md §3 treats USD
// valuation as a black-box pluggable function; this default assumes
// amount1 is already a stablecoin-denominated leg.
func usdValuer(ev reflexagent.SwapEvent, meta reflexagent.PoolMetadata) float64 {
	amt := new(big.Int).Abs(ev.Amount1)
	scaled := new(big.Float).Quo(
		new(big.Float).SetInt(amt),
		new(big.Float).SetInt(pow10(meta.Token1Decimals)),
	)
	f, _ := scaled.Float64()
	return f
}

// usdToToken inverts usdValuer for the recommended-amount calculation.
func usdToToken(usd float64, meta reflexagent.PoolMetadata, token0In bool) *big.Int {
	decimals := meta.Token1Decimals
	if token0In {
		decimals = meta.Token0Decimals
	}
	scaled := new(big.Float).Mul(big.NewFloat(usd), new(big.Float).SetInt(pow10(decimals)))
	out, _ := scaled.Int(nil)
	if out == nil {
		return big.NewInt(0)
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
