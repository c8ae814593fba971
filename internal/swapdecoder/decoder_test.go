package swapdecoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func packSwapLog(t *testing.T, amount0, amount1, sqrtPriceX96, liquidity, tick *big.Int) types.Log {
	t.Helper()
	args := abi.Arguments{
		{Name: "amount0", Type: mustType(t, "int256")},
		{Name: "amount1", Type: mustType(t, "int256")},
		{Name: "sqrtPriceX96", Type: mustType(t, "uint160")},
		{Name: "liquidity", Type: mustType(t, "uint128")},
		{Name: "tick", Type: mustType(t, "int24")},
	}
	data, err := args.Pack(amount0, amount1, sqrtPriceX96, liquidity, tick)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     common.HexToAddress("0xaaaa"),
		Topics:      []common.Hash{SwapEventSignature, common.HexToHash("0x1"), common.HexToHash("0x2")},
		Data:        data,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xdead"),
		Index:       4,
	}
}

func mustType(t *testing.T, s string) abi.Type {
	t.Helper()
	ty, err := abi.NewType(s, "", nil)
	if err != nil {
		t.Fatalf("type %s: %v", s, err)
	}
	return ty
}

func TestDecode_FirstSwapZeroSlippage(t *testing.T) {
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96) // price == 1.0
	log := packSwapLog(t, big.NewInt(-1000), big.NewInt(1000), sqrtPrice, big.NewInt(1), big.NewInt(10))

	ev, err := Decode(log, nil)
	assert.NoError(t, err)
	assert.True(t, ev.ZeroForOne)
	assert.Equal(t, uint64(100), ev.BlockNumber)
	assert.Equal(t, uint(4), ev.LogIndex)
	assert.InDelta(t, 0, ev.EffectiveSlippagePct, 1e-9)
	assert.InDelta(t, 0, ev.PriceImpactPct, 1e-9)
}

func TestDecode_RejectsWrongTopic(t *testing.T) {
	log := packSwapLog(t, big.NewInt(1), big.NewInt(-1), big.NewInt(1), big.NewInt(1), big.NewInt(0))
	log.Topics[0] = common.HexToHash("0xbad")

	_, err := Decode(log, nil)
	assert.Error(t, err)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecode_SlippageBoundedAndClamped(t *testing.T) {
	sqrtBefore := new(uint256.Int).SetUint64(1 << 30)
	// A wildly different "after" price should clamp slippage/impact at 100.
	sqrtPriceAfter := new(big.Int).Lsh(big.NewInt(1), 150)

	log := packSwapLog(t, big.NewInt(-1), big.NewInt(1_000_000_000), sqrtPriceAfter, big.NewInt(1), big.NewInt(0))

	ev, err := Decode(log, sqrtBefore)
	assert.NoError(t, err)
	assert.LessOrEqual(t, ev.EffectiveSlippagePct, 100.0)
	assert.GreaterOrEqual(t, ev.EffectiveSlippagePct, 0.0)
	assert.LessOrEqual(t, ev.PriceImpactPct, 100.0)
	assert.GreaterOrEqual(t, ev.PriceImpactPct, 0.0)
}

func TestDecode_ZeroAmountsGiveZeroEffectivePrice(t *testing.T) {
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)
	log := packSwapLog(t, big.NewInt(0), big.NewInt(0), sqrtPrice, big.NewInt(1), big.NewInt(0))

	ev, err := Decode(log, nil)
	assert.NoError(t, err)
	// effective price 0 against price_before 1.0 is a 100% deviation.
	assert.InDelta(t, 100, ev.EffectiveSlippagePct, 1e-9)
}
