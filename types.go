// Package reflexagent defines the shared data model crossing the agent's
// component boundaries: the decoded SwapEvent, the cache's per-pool
// PoolMetadata/PoolStatistics, and the executor's BackrunOutcome/
// ExecutionRecord. Components own their instances; this package only
// fixes their shapes so
// internal/swapdecoder, internal/poolcache, and internal/executor can
// agree on them without importing each other.
package reflexagent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SwapEvent is a single decoded concentrated-liquidity swap observation.
// (block_number, log_index) uniquely identifies it within a chain.
type SwapEvent struct {
	PoolAddress  common.Address
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
	TimestampUTC int64

	Amount0 *big.Int // signed 256-bit
	Amount1 *big.Int // signed 256-bit

	SqrtPriceBefore *uint256.Int // uint160, pool's previously observed price
	SqrtPriceAfter  *uint256.Int // uint160, carried in the log
	Tick            int32        // signed 24-bit

	ZeroForOne bool // amount0 < 0

	EffectiveSlippagePct float64 // [0, 100]
	PriceImpactPct       float64 // [0, 100]
}

// PoolMetadata is static per-pool data, resolved once and never mutated.
type PoolMetadata struct {
	Token0         common.Address
	Token1         common.Address
	FeeTierBps     uint32
	Token0Decimals uint8
	Token1Decimals uint8
}

// PoolStatistics is the mutable aggregate the cache maintains over a
// pool's recent history, recomputed on every insertion.
type PoolStatistics struct {
	PoolAddress common.Address

	SwapCount       uint64
	ZeroForOneCount uint64
	OneForZeroCount uint64

	TotalVolumeUSD float64
	AvgSwapSizeUSD float64
	LargestSwapUSD float64

	AvgSlippagePct    float64
	MaxSlippagePct    float64
	HighSlippageCount uint64

	DirectionBias float64 // [-1, 1]

	OpportunityScore     float64  // [0, 100]
	RecommendedAmount    *big.Int // fits uint112
	RecommendedDirection bool     // true = token0 in

	FirstSeenBlock  uint64
	LastUpdateBlock uint64
}

// BackrunStatus is the terminal (or in-flight) state of a submitted
// backrun transaction.
type BackrunStatus string

const (
	StatusPending   BackrunStatus = "pending"
	StatusConfirmed BackrunStatus = "confirmed"
	StatusFailed    BackrunStatus = "failed"
)

// BackrunOutcome is returned by the executor for every submission attempt,
// successful or not.
type BackrunOutcome struct {
	Success         bool
	TxHash          common.Hash
	Profit          *big.Int
	ProfitToken     common.Address
	GasUsed         uint64
	ExecutionTimeMS int64
	ErrorReason     string
}

// ExecutionRecord is one observability entry per backrun outcome, handed
// to the executor's Recorder when one is configured; it is not kept in
// memory and never consulted for decisions.
type ExecutionRecord struct {
	PoolAddress      common.Address
	TxHash           common.Hash
	SubmittedAtUnixS int64
	Status           BackrunStatus
	GasUsed          *uint64
	Profit           *big.Int
	ProfitToken      *common.Address
	FailureReason    string
}

// CacheStats is the cache's diagnostic snapshot.
type CacheStats struct {
	PoolCount       int
	TotalSwaps      int
	EstMemoryBytes  int64
	SnapshotTakenAt time.Time
}
