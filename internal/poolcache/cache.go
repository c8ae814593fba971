// Package poolcache is the process-wide, in-memory source of truth for
// recent pool activity: it records decoded swaps, maintains per-pool
// statistics, and scores pools for backrun opportunity. Mirrors the
// teacher's single-struct-holding-a-map shape (Blackhole.ccm
// map[string]ContractClient in blackhole.go), generalized to a
// sync.RWMutex-guarded map of pool entries per spec.md §5's single-writer,
// multi-reader discipline.
package poolcache

import (
	"bytes"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	reflexagent "github.com/reflex-mev/agent"
)

// MaxSwapsPerPool bounds each pool's history ring (spec.md §3).
const MaxSwapsPerPool = 1000

// maxUint112 is the largest value RecommendedAmount may take, matching
// the router ABI's uint112 swap_amount_in parameter (spec.md §4.5/§6).
var maxUint112 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))

// USDValuer converts a decoded swap's amounts into a USD scalar. The
// cache treats valuation as a black box per spec.md §3's "pluggable
// function of the decoded amounts" note.
type USDValuer func(ev reflexagent.SwapEvent, meta reflexagent.PoolMetadata) float64

// USDToToken converts a USD value into a raw token amount for the side
// indicated by token0In, for the same pool. Used to derive
// recommended_amount from avg_swap_size_usd (spec.md §4.4).
type USDToToken func(usd float64, meta reflexagent.PoolMetadata, token0In bool) *big.Int

// MetadataResolver looks up (or fetches) a pool's static metadata. A miss
// defers score computation per spec.md §4.4's failure semantics.
type MetadataResolver interface {
	Resolve(pool common.Address) (reflexagent.PoolMetadata, bool)
}

type poolEntry struct {
	meta      reflexagent.PoolMetadata
	hasMeta   bool
	resolving bool
	history   []reflexagent.SwapEvent
	stats     reflexagent.PoolStatistics
	slipSum   float64
	slipMax   float64
	highSlip  uint64
}

// Cache holds per-pool statistics and history, safe for concurrent use by
// one writer (the event-source consumer) and many readers (the executor,
// diagnostics), per spec.md §5.
type Cache struct {
	mu      sync.RWMutex
	pools   map[common.Address]*poolEntry
	vMax    float64
	valuer  USDValuer
	toToken USDToToken
	meta    MetadataResolver

	slippageThresholdPct float64
	statisticsWindowBlks uint64
}

// New builds an empty Cache. valuer and toToken are the pluggable
// USD-conversion functions; meta resolves pool metadata on first
// sighting.
func New(valuer USDValuer, toToken USDToToken, meta MetadataResolver, slippageThresholdPct float64, statisticsWindowBlks uint64) *Cache {
	return &Cache{
		pools:                 make(map[common.Address]*poolEntry),
		valuer:                valuer,
		toToken:               toToken,
		meta:                  meta,
		slippageThresholdPct:  slippageThresholdPct,
		statisticsWindowBlks:  statisticsWindowBlks,
	}
}

// Record inserts ev into its pool's history ring, updates aggregate
// statistics, and recomputes the pool's score. Never returns an error:
// ingestion never throws upstream per spec.md §4.4.
//
// Metadata resolution never runs inside this method's critical section:
// the cache's lock must stay I/O-free (§5), but resolving a pool's
// PoolMetadata is a chain RPC round trip. On first sighting of a pool,
// Record fires resolveMetadataAsync in its own goroutine and returns
// immediately with the score deferred (hasMeta still false); a later
// Record call for the same pool picks up the resolved metadata once it
// lands.
func (c *Cache) Record(ev reflexagent.SwapEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pools[ev.PoolAddress]
	if !ok {
		entry = &poolEntry{}
		c.pools[ev.PoolAddress] = entry
	}
	if len(entry.history) == 0 {
		entry.stats.PoolAddress = ev.PoolAddress
		entry.stats.FirstSeenBlock = ev.BlockNumber
	}
	if !entry.hasMeta && !entry.resolving && c.meta != nil {
		entry.resolving = true
		go c.resolveMetadataAsync(ev.PoolAddress)
	}

	entry.history = append(entry.history, ev)
	if len(entry.history) > MaxSwapsPerPool {
		entry.history = entry.history[len(entry.history)-MaxSwapsPerPool:]
		// Rebuild the aggregates from the retained ring so the dropped
		// swap no longer counts toward them.
		entry.stats = reflexagent.PoolStatistics{
			PoolAddress:     entry.stats.PoolAddress,
			FirstSeenBlock:  entry.history[0].BlockNumber,
			LastUpdateBlock: entry.stats.LastUpdateBlock,
		}
		entry.slipSum, entry.slipMax, entry.highSlip = 0, 0, 0
		for _, h := range entry.history[:len(entry.history)-1] {
			c.recomputeStats(entry, h)
		}
	}

	c.recomputeStats(entry, ev)
	if ev.BlockNumber > entry.stats.LastUpdateBlock {
		entry.stats.LastUpdateBlock = ev.BlockNumber
	}

	if entry.stats.TotalVolumeUSD > c.vMax {
		c.vMax = entry.stats.TotalVolumeUSD
	}

	c.recomputeScore(ev.PoolAddress, entry, ev.BlockNumber)
}

// resolveMetadataAsync performs the chain round trip outside any lock,
// then re-acquires the lock only to commit the result (or clear the
// resolving flag so a future swap retries, on a miss).
func (c *Cache) resolveMetadataAsync(pool common.Address) {
	m, found := c.meta.Resolve(pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pools[pool]
	if !ok {
		return
	}
	entry.resolving = false
	if found {
		entry.meta = m
		entry.hasMeta = true
	}
}

func (c *Cache) recomputeStats(entry *poolEntry, ev reflexagent.SwapEvent) {
	s := &entry.stats
	s.SwapCount = uint64(len(entry.history))
	if ev.ZeroForOne {
		s.ZeroForOneCount++
	} else {
		s.OneForZeroCount++
	}

	var usd float64
	if entry.hasMeta && c.valuer != nil {
		usd = c.valuer(ev, entry.meta)
	}
	s.TotalVolumeUSD += usd
	if usd > s.LargestSwapUSD {
		s.LargestSwapUSD = usd
	}
	if s.SwapCount > 0 {
		s.AvgSwapSizeUSD = s.TotalVolumeUSD / float64(s.SwapCount)
	}

	entry.slipSum += ev.EffectiveSlippagePct
	if ev.EffectiveSlippagePct > entry.slipMax {
		entry.slipMax = ev.EffectiveSlippagePct
	}
	if ev.EffectiveSlippagePct > c.slippageThresholdPct {
		entry.highSlip++
	}
	s.AvgSlippagePct = entry.slipSum / float64(s.SwapCount)
	s.MaxSlippagePct = entry.slipMax
	s.HighSlippageCount = entry.highSlip

	total := s.ZeroForOneCount + s.OneForZeroCount
	if total > 0 {
		s.DirectionBias = float64(int64(s.ZeroForOneCount)-int64(s.OneForZeroCount)) / float64(total)
	}
}

func (c *Cache) recomputeScore(pool common.Address, entry *poolEntry, currentBlock uint64) {
	s := &entry.stats
	if !entry.hasMeta {
		s.OpportunityScore = 0
		s.RecommendedDirection = true
		s.RecommendedAmount = big.NewInt(0)
		return
	}

	vMax := c.vMax
	if vMax < 1 {
		vMax = 1
	}
	volumeScore := 100 * math.Min(1, s.TotalVolumeUSD/vMax)
	slippageScore := 100 * math.Min(1, s.AvgSlippagePct/10)
	recencyScore := 50.0
	if currentBlock >= s.LastUpdateBlock && currentBlock-s.LastUpdateBlock < 5 {
		recencyScore = 100
	}
	s.OpportunityScore = 0.4*volumeScore + 0.4*slippageScore + 0.2*recencyScore

	s.RecommendedDirection = s.DirectionBias >= 0
	if c.toToken != nil {
		amt := c.toToken(s.AvgSwapSizeUSD, entry.meta, s.RecommendedDirection)
		if amt == nil {
			amt = big.NewInt(0)
		}
		if amt.Sign() < 0 {
			amt = big.NewInt(0)
		}
		if amt.Cmp(maxUint112) > 0 {
			amt = new(big.Int).Set(maxUint112)
		}
		s.RecommendedAmount = amt
	} else {
		s.RecommendedAmount = big.NewInt(0)
	}
}

// Top returns up to n PoolStatistics snapshots ordered by descending
// opportunity_score, ties broken by descending total_volume_usd then
// ascending pool_address lexical order, per spec.md §4.4.
func (c *Cache) Top(n int) []reflexagent.PoolStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]reflexagent.PoolStatistics, 0, len(c.pools))
	for _, e := range c.pools {
		if len(e.history) == 0 {
			continue // statistics dropped by Prune; only metadata remains
		}
		all = append(all, e.stats)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].OpportunityScore != all[j].OpportunityScore {
			return all[i].OpportunityScore > all[j].OpportunityScore
		}
		if all[i].TotalVolumeUSD != all[j].TotalVolumeUSD {
			return all[i].TotalVolumeUSD > all[j].TotalVolumeUSD
		}
		return bytes.Compare(all[i].PoolAddress[:], all[j].PoolAddress[:]) < 0
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Prune drops history entries older than
// currentBlock-statisticsWindowBlks for every pool; a pool whose ring
// becomes empty has its PoolStatistics dropped (metadata is retained).
// Idempotent and safe to call on every execution tick, per spec.md §4.4.
func (c *Cache) Prune(currentBlock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var floor uint64
	if currentBlock > c.statisticsWindowBlks {
		floor = currentBlock - c.statisticsWindowBlks
	}

	c.vMax = 0
	for addr, entry := range c.pools {
		kept := entry.history[:0:0]
		for _, ev := range entry.history {
			if ev.BlockNumber >= floor {
				kept = append(kept, ev)
			}
		}
		entry.history = kept

		if len(entry.history) == 0 {
			if entry.hasMeta {
				c.pools[addr] = &poolEntry{meta: entry.meta, hasMeta: true}
			} else {
				delete(c.pools, addr)
			}
			continue
		}

		entry.stats = reflexagent.PoolStatistics{
			PoolAddress:    entry.stats.PoolAddress,
			FirstSeenBlock: entry.history[0].BlockNumber,
		}
		entry.slipSum, entry.slipMax, entry.highSlip = 0, 0, 0
		for _, ev := range entry.history {
			c.recomputeStats(entry, ev)
			if ev.BlockNumber > entry.stats.LastUpdateBlock {
				entry.stats.LastUpdateBlock = ev.BlockNumber
			}
		}
		if entry.stats.TotalVolumeUSD > c.vMax {
			c.vMax = entry.stats.TotalVolumeUSD
		}
	}
	for _, entry := range c.pools {
		if len(entry.history) > 0 {
			c.recomputeScore(entry.stats.PoolAddress, entry, currentBlock)
		}
	}
}

// LastSqrtPrice returns the most recently recorded sqrt_price_after for
// pool, or nil if unseen. Intended as the eventsource.LastSqrtPriceLookup
// implementation.
func (c *Cache) LastSqrtPrice(pool common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.pools[pool]
	if !ok || len(entry.history) == 0 {
		return nil
	}
	return entry.history[len(entry.history)-1].SqrtPriceAfter
}

// CacheStats reports a diagnostic snapshot: pool count, total swaps, and
// an estimated memory footprint, per spec.md §4.4.
func (c *Cache) CacheStats() reflexagent.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := reflexagent.CacheStats{SnapshotTakenAt: time.Now()}
	stats.PoolCount = len(c.pools)
	const approxBytesPerSwap = 256
	for _, e := range c.pools {
		stats.TotalSwaps += len(e.history)
	}
	stats.EstMemoryBytes = int64(stats.TotalSwaps * approxBytesPerSwap)
	return stats
}
