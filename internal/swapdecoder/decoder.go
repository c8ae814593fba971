// Package swapdecoder turns one raw concentrated-liquidity swap log into a
// reflexagent.SwapEvent and computes its slippage, grounded on the
// Uniswap V3 Swap event layout (indexed sender/recipient topics; data
// (int256 amount0, int256 amount1, uint160 sqrtPriceX96, uint128
// liquidity, int24 tick)) used by the MEV-inspector decoder reference
// implementation, adapted to emit the agent's own SwapEvent shape instead
// of a V2-style in/out amount pair.
package swapdecoder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	reflexagent "github.com/reflex-mev/agent"
)

// SwapEventSignature is the topic0 of the concentrated-liquidity swap log
// this decoder understands (same signature family as Uniswap V3's Swap
// event).
var SwapEventSignature = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")

const swapEventABIJSON = `[{"anonymous":false,"inputs":[` +
	`{"indexed":true,"name":"sender","type":"address"},` +
	`{"indexed":true,"name":"recipient","type":"address"},` +
	`{"indexed":false,"name":"amount0","type":"int256"},` +
	`{"indexed":false,"name":"amount1","type":"int256"},` +
	`{"indexed":false,"name":"sqrtPriceX96","type":"uint160"},` +
	`{"indexed":false,"name":"liquidity","type":"uint128"},` +
	`{"indexed":false,"name":"tick","type":"int24"}],"name":"Swap","type":"event"}]`

var swapEventABI abi.Event

func init() {
	parsed, err := abi.JSON(strings.NewReader(swapEventABIJSON))
	if err != nil {
		panic(fmt.Sprintf("swapdecoder: invalid embedded ABI: %v", err))
	}
	swapEventABI = parsed.Events["Swap"]
}

// DecodeError reports why a raw log could not be decoded into a SwapEvent.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "swapdecoder: " + e.Reason }

type swapLogData struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         *big.Int
}

// Decode parses log into a SwapEvent. sqrtPriceBefore is the pool's
// previously observed sqrtPriceX96 (callers pass the cache's last-seen
// value); nil marks the pool's first-ever swap, in which case the log's own
// sqrtPriceX96 is used as the "before" price.
func Decode(log types.Log, sqrtPriceBefore *uint256.Int) (reflexagent.SwapEvent, error) {
	if len(log.Topics) < 1 || log.Topics[0] != SwapEventSignature {
		return reflexagent.SwapEvent{}, &DecodeError{Reason: "unexpected topic signature"}
	}

	var parsed swapLogData
	if err := swapEventABI.Inputs.NonIndexed().UnpackIntoInterface(&parsed, log.Data); err != nil {
		return reflexagent.SwapEvent{}, &DecodeError{Reason: fmt.Sprintf("unpack data: %v", err)}
	}
	if parsed.Amount0 == nil || parsed.Amount1 == nil || parsed.SqrtPriceX96 == nil || parsed.Tick == nil {
		return reflexagent.SwapEvent{}, &DecodeError{Reason: "malformed swap payload"}
	}

	sqrtAfter, overflow := uint256.FromBig(parsed.SqrtPriceX96)
	if overflow {
		return reflexagent.SwapEvent{}, &DecodeError{Reason: "sqrtPriceX96 overflows uint256"}
	}
	if sqrtPriceBefore == nil {
		sqrtPriceBefore = sqrtAfter.Clone()
	}

	tick := parsed.Tick.Int64()

	ev := reflexagent.SwapEvent{
		PoolAddress:     log.Address,
		BlockNumber:     log.BlockNumber,
		TxHash:          log.TxHash,
		LogIndex:        uint(log.Index),
		Amount0:         parsed.Amount0,
		Amount1:         parsed.Amount1,
		SqrtPriceBefore: sqrtPriceBefore,
		SqrtPriceAfter:  sqrtAfter,
		Tick:            int32(tick),
		ZeroForOne:      parsed.Amount0.Sign() < 0,
	}

	ev.EffectiveSlippagePct, ev.PriceImpactPct = slippage(parsed.Amount0, parsed.Amount1, sqrtPriceBefore, sqrtAfter)
	return ev, nil
}

// slippage implements spec.md §4.1's algorithm. price_before =
// sqrt_before^2 / 2^192 computed at double precision after widening
// sqrt_before to an arbitrary-precision math/big integer and squaring it
// there (spec.md §9:
// "sqrt_price × sqrt_price (up to 320 bits)... use a 256-bit or bigger
// integer type, or widen to double precision early").
func slippage(amount0, amount1 *big.Int, sqrtBefore, sqrtAfter *uint256.Int) (effectiveSlippagePct, priceImpactPct float64) {
	defer func() {
		if recover() != nil {
			effectiveSlippagePct, priceImpactPct = 0, 0
		}
	}()

	absAmount0 := new(big.Int).Abs(amount0)
	absAmount1 := new(big.Int).Abs(amount1)

	var effectivePrice float64
	if absAmount0.Sign() != 0 && absAmount1.Sign() != 0 {
		num := new(big.Float).SetInt(absAmount1)
		den := new(big.Float).SetInt(absAmount0)
		effectivePrice, _ = new(big.Float).Quo(num, den).Float64()
	}

	// sqrt_before^2 can reach 320 bits (uint160 squared), so square in
	// math/big rather than the fixed-width uint256.Int.
	beforeSq := new(big.Int).Mul(sqrtBefore.ToBig(), sqrtBefore.ToBig())
	afterSq := new(big.Int).Mul(sqrtAfter.ToBig(), sqrtAfter.ToBig())

	twoPow192 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 192))
	priceBeforeF := bigRatToFloat(beforeSq, twoPow192)
	priceAfterSqF := bigRatToFloat(afterSq, twoPow192)

	if priceBeforeF <= 0 {
		return 0, 0
	}

	effSlip := 100 * absFloat(effectivePrice-priceBeforeF) / priceBeforeF
	if effSlip > 100 {
		effSlip = 100
	}
	if effSlip < 0 {
		effSlip = 0
	}

	impact := 100 * absFloat(priceAfterSqF-priceBeforeF) / priceBeforeF
	if impact > 100 {
		impact = 100
	}
	if impact < 0 {
		impact = 0
	}

	return effSlip, impact
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func bigRatToFloat(numInt *big.Int, den *big.Float) float64 {
	num := new(big.Float).SetInt(numInt)
	v, _ := new(big.Float).Quo(num, den).Float64()
	return v
}
