// Package orchestrator brings up the cache, event source, and executor,
// drives the periodic backrun cycle, and handles graceful shutdown. Its
// startup/shutdown shape mirrors the teacher's cmd/main.go (dial, wire,
// run, wait) generalized from a one-shot strategy run into a continuous
// ticked loop.
package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	reflexagent "github.com/reflex-mev/agent"
	"github.com/reflex-mev/agent/internal/executor"
)

// CaptureRateHeuristic is the fixed fraction of slippage-implied value the
// agent assumes it can capture per backrun, per spec.md §4.6 step 3.
const CaptureRateHeuristic = 0.3

// Cache is the subset of poolcache.Cache the orchestrator drives.
type Cache interface {
	Record(ev reflexagent.SwapEvent)
	Top(n int) []reflexagent.PoolStatistics
	Prune(currentBlock uint64)
	CacheStats() reflexagent.CacheStats
}

// Executor is the subset of executor.Executor the orchestrator drives.
type Executor interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	PendingCount() int
	SubmitBackrun(ctx context.Context, poolID [32]byte, amount *big.Int, token0In bool) reflexagent.BackrunOutcome
}

// EventSource is the subset of eventsource.Source the orchestrator drives.
type EventSource interface {
	Events() <-chan reflexagent.SwapEvent
	Run(ctx context.Context)
}

// Config bundles the tunables the orchestrator's execution cycle needs,
// sourced directly from config.Config.
type Config struct {
	ExecutionInterval     time.Duration
	TopPoolsCount         int
	MinProfitThresholdUSD float64
	MaxConcurrentTxs      int
	ShutdownGracePeriod   time.Duration
}

// Orchestrator wires the cache, event source, and executor together and
// drives the agent's main loop.
type Orchestrator struct {
	cache  Cache
	source EventSource
	exec   Executor
	cfg    Config
	log    zerolog.Logger

	cycleMu  chanMutex
	wg       sync.WaitGroup
}

// chanMutex is a non-blocking try-lock built on a buffered channel,
// giving execution cycles the "skip, don't queue" non-reentrancy spec.md
// §4.6/§5 requires instead of a sync.Mutex, which would block the next
// tick until the previous cycle drains.
type chanMutex chan struct{}

func newChanMutex() chanMutex { return make(chanMutex, 1) }

func (m chanMutex) tryLock() bool {
	select {
	case m <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m chanMutex) unlock() { <-m }

// New builds an Orchestrator.
func New(cache Cache, source EventSource, exec Executor, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cache:   cache,
		source:  source,
		exec:    exec,
		cfg:     cfg,
		log:     log,
		cycleMu: newChanMutex(),
	}
}

// Run starts the event source, the ingestion consumer, and the recurring
// execution-cycle timer; it blocks until ctx is cancelled, then performs
// the bounded shutdown grace period before returning.
func (o *Orchestrator) Run(ctx context.Context) {
	sourceCtx, cancelSource := context.WithCancel(ctx)
	defer cancelSource()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.source.Run(sourceCtx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.consumeEvents(sourceCtx)
	}()

	o.log.Info().
		Int("top_pools_count", o.cfg.TopPoolsCount).
		Float64("min_profit_threshold_usd", o.cfg.MinProfitThresholdUSD).
		Int("max_concurrent_txs", o.cfg.MaxConcurrentTxs).
		Dur("execution_interval", o.cfg.ExecutionInterval).
		Msg("orchestrator: starting")

	o.runCycle(ctx)

	ticker := time.NewTicker(o.cfg.ExecutionInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}

	cancelSource()
	o.waitWithGracePeriod()

	stats := o.cache.CacheStats()
	o.log.Info().
		Int("pool_count", stats.PoolCount).
		Int("total_swaps", stats.TotalSwaps).
		Msg("orchestrator: shutdown complete")
}

func (o *Orchestrator) waitWithGracePeriod() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGracePeriod):
		o.log.Warn().Msg("orchestrator: shutdown grace period elapsed, abandoning in-flight work")
	}
}

func (o *Orchestrator) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.source.Events():
			if !ok {
				return
			}
			o.log.Debug().
				Str("pool", ev.PoolAddress.Hex()).
				Uint64("block", ev.BlockNumber).
				Uint("log_index", ev.LogIndex).
				Bool("zero_for_one", ev.ZeroForOne).
				Msg("orchestrator: swap recorded")
			o.cache.Record(ev)
		}
	}
}

// runCycle executes one non-reentrant pass of spec.md §4.6's six steps.
// If a previous cycle is still running, this tick is silently skipped.
func (o *Orchestrator) runCycle(ctx context.Context) {
	if !o.cycleMu.tryLock() {
		o.log.Debug().Msg("orchestrator: previous cycle still running, skipping tick")
		return
	}
	defer o.cycleMu.unlock()

	block, err := o.exec.CurrentBlock(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("orchestrator: failed to fetch current block, skipping cycle")
		return
	}

	candidates := o.cache.Top(o.cfg.TopPoolsCount)
	filtered := make([]reflexagent.PoolStatistics, 0, len(candidates))
	for _, p := range candidates {
		estimate := p.TotalVolumeUSD * (p.AvgSlippagePct / 100) * CaptureRateHeuristic
		if estimate >= o.cfg.MinProfitThresholdUSD {
			filtered = append(filtered, p)
		}
	}

	top3 := filtered
	if len(top3) > 3 {
		top3 = top3[:3]
	}
	o.log.Info().
		Uint64("block", block).
		Int("candidate_count", len(filtered)).
		Interface("top3", summarize(top3)).
		Msg("orchestrator: execution cycle")

	slots := o.cfg.MaxConcurrentTxs - o.exec.PendingCount()
	if slots > 0 {
		for i := 0; i < slots && i < len(filtered); i++ {
			p := filtered[i]
			o.wg.Add(1)
			go o.submit(ctx, p)
		}
	}

	o.cache.Prune(block)
}

func (o *Orchestrator) submit(ctx context.Context, p reflexagent.PoolStatistics) {
	defer o.wg.Done()
	poolID := executor.PoolID(p.PoolAddress)
	outcome := o.exec.SubmitBackrun(ctx, poolID, p.RecommendedAmount, p.RecommendedDirection)

	ev := o.log.Info()
	if !outcome.Success {
		ev = o.log.Warn()
	}
	ev.
		Str("pool", p.PoolAddress.Hex()).
		Bool("success", outcome.Success).
		Str("tx_hash", outcome.TxHash.Hex()).
		Str("error_reason", outcome.ErrorReason).
		Int64("execution_time_ms", outcome.ExecutionTimeMS).
		Msg("orchestrator: backrun outcome")
}

type poolSummary struct {
	PoolAddress      common.Address `json:"pool_address"`
	OpportunityScore float64        `json:"opportunity_score"`
}

func summarize(pools []reflexagent.PoolStatistics) []poolSummary {
	out := make([]poolSummary, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolSummary{PoolAddress: p.PoolAddress, OpportunityScore: p.OpportunityScore})
	}
	return out
}
