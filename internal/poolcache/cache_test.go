package poolcache

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	reflexagent "github.com/reflex-mev/agent"
)

var poolA = common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")

type staticMeta struct {
	meta reflexagent.PoolMetadata
	ok   bool
}

func (s staticMeta) Resolve(common.Address) (reflexagent.PoolMetadata, bool) { return s.meta, s.ok }

func constantValuer(usd float64) USDValuer {
	return func(reflexagent.SwapEvent, reflexagent.PoolMetadata) float64 { return usd }
}

func zeroToToken() USDToToken {
	return func(usd float64, _ reflexagent.PoolMetadata, _ bool) *big.Int {
		return big.NewInt(int64(usd))
	}
}

func swapEvent(block uint64, logIndex uint, slippagePct float64, zeroForOne bool) reflexagent.SwapEvent {
	return reflexagent.SwapEvent{
		PoolAddress:          poolA,
		BlockNumber:          block,
		LogIndex:             logIndex,
		EffectiveSlippagePct: slippagePct,
		ZeroForOne:           zeroForOne,
	}
}

// waitForMeta blocks until pool's metadata resolution (fired asynchronously
// by Record on first sighting) has landed.
func waitForMeta(t *testing.T, c *Cache, pool common.Address) {
	t.Helper()
	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		e, ok := c.pools[pool]
		return ok && e.hasMeta
	}, time.Second, time.Millisecond)
}

// seedResolvedMetadata records a throwaway swap to trigger metadata
// resolution, waits for it to land, then prunes the throwaway swap back out
// so callers start from a pool whose metadata is already resolved.
func seedResolvedMetadata(t *testing.T, c *Cache, pool common.Address, windowBlks uint64) {
	t.Helper()
	c.Record(reflexagent.SwapEvent{PoolAddress: pool, BlockNumber: 0})
	waitForMeta(t, c, pool)
	c.Prune(windowBlks + 1)
}

// TestCache_SinglePoolScoring reproduces spec.md §8 scenario 2: 5 swaps in
// block 100 yielding total_volume_usd=5000, avg_slippage=2%, V_max=5000 ->
// opportunity_score = 0.4*100 + 0.4*20 + 0.2*100 = 68.0.
func TestCache_SinglePoolScoring(t *testing.T) {
	meta := staticMeta{meta: reflexagent.PoolMetadata{Token0Decimals: 18, Token1Decimals: 18}, ok: true}
	c := New(constantValuer(1000), zeroToToken(), meta, 5, 100)
	seedResolvedMetadata(t, c, poolA, 100)

	for i := 0; i < 5; i++ {
		c.Record(swapEvent(100, uint(i), 2.0, true))
	}

	top := c.Top(1)
	assert.Len(t, top, 1)
	assert.Equal(t, poolA, top[0].PoolAddress)
	assert.InDelta(t, 5000.0, top[0].TotalVolumeUSD, 1e-9)
	assert.InDelta(t, 2.0, top[0].AvgSlippagePct, 1e-9)
	assert.InDelta(t, 68.0, top[0].OpportunityScore, 1e-9)
	assert.Equal(t, uint64(5), top[0].SwapCount)
}

func TestCache_MissingMetadataDefersScore(t *testing.T) {
	c := New(constantValuer(1000), zeroToToken(), staticMeta{ok: false}, 5, 100)
	c.Record(swapEvent(1, 0, 1.0, true))

	top := c.Top(1)
	assert.Len(t, top, 1)
	assert.Equal(t, 0.0, top[0].OpportunityScore)
	assert.True(t, top[0].RecommendedDirection)
}

func TestCache_TopTieBreaksByVolumeThenAddress(t *testing.T) {
	poolB := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	meta := staticMeta{meta: reflexagent.PoolMetadata{}, ok: true}
	c := New(constantValuer(100), zeroToToken(), meta, 5, 100)

	evA := swapEvent(1, 0, 0, true)
	evA.PoolAddress = poolA
	evB := swapEvent(1, 0, 0, true)
	evB.PoolAddress = poolB

	c.Record(evA)
	c.Record(evB)

	top := c.Top(2)
	assert.Len(t, top, 2)
	// Equal volume/score; poolA ("0xAAAA...") sorts before poolB lexically.
	assert.Equal(t, poolA, top[0].PoolAddress)
	assert.Equal(t, poolB, top[1].PoolAddress)
}

func TestCache_PruneDropsHistoryBelowWindow(t *testing.T) {
	meta := staticMeta{meta: reflexagent.PoolMetadata{}, ok: true}
	c := New(constantValuer(100), zeroToToken(), meta, 5, 10)

	c.Record(swapEvent(1, 0, 0, true))
	c.Record(swapEvent(50, 0, 0, true))

	c.Prune(50) // floor = 40; block 1 entry must be dropped, block 50 kept.

	top := c.Top(1)
	assert.Len(t, top, 1)
	assert.Equal(t, uint64(1), top[0].SwapCount)
}

func TestCache_PruneDropsStatsButKeepsMetadataWhenRingEmpty(t *testing.T) {
	meta := staticMeta{meta: reflexagent.PoolMetadata{}, ok: true}
	c := New(constantValuer(100), zeroToToken(), meta, 5, 10)

	c.Record(swapEvent(1, 0, 0, true))
	waitForMeta(t, c, poolA)
	c.Prune(100) // floor = 90, drops the only entry.

	assert.Empty(t, c.Top(10))

	c.Record(swapEvent(200, 0, 0, true))
	top := c.Top(1)
	assert.Len(t, top, 1)
	// Metadata survived the prune (no resolving goroutine needed this time),
	// so the very next swap scores immediately instead of deferring.
	assert.InDelta(t, 100.0, top[0].TotalVolumeUSD, 1e-9)
}

func TestCache_CacheStats(t *testing.T) {
	meta := staticMeta{meta: reflexagent.PoolMetadata{}, ok: true}
	c := New(constantValuer(100), zeroToToken(), meta, 5, 100)
	c.Record(swapEvent(1, 0, 0, true))
	c.Record(swapEvent(2, 0, 0, true))

	stats := c.CacheStats()
	assert.Equal(t, 1, stats.PoolCount)
	assert.Equal(t, 2, stats.TotalSwaps)
	assert.Greater(t, stats.EstMemoryBytes, int64(0))
}
