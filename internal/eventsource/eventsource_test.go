package eventsource

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/reflex-mev/agent/internal/swapdecoder"
)

type fakeSub struct {
	errCh chan error
}

func (f *fakeSub) Unsubscribe()      {}
func (f *fakeSub) Err() <-chan error { return f.errCh }

type fakePushClient struct {
	logsCh chan types.Log
	sub    *fakeSub
}

func (f *fakePushClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	go func() {
		for lg := range f.logsCh {
			ch <- lg
		}
	}()
	return f.sub, nil
}
func (f *fakePushClient) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakePushClient) BlockNumber(_ context.Context) (uint64, error) { return 0, nil }

func buildSwapLog(t *testing.T, block uint64, logIndex uint, amount0 int64) types.Log {
	t.Helper()
	args := abi.Arguments{
		{Name: "amount0", Type: mustType(t, "int256")},
		{Name: "amount1", Type: mustType(t, "int256")},
		{Name: "sqrtPriceX96", Type: mustType(t, "uint160")},
		{Name: "liquidity", Type: mustType(t, "uint128")},
		{Name: "tick", Type: mustType(t, "int24")},
	}
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)
	data, err := args.Pack(big.NewInt(amount0), big.NewInt(-amount0), sqrtPrice, big.NewInt(1), big.NewInt(0))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     common.HexToAddress("0xaaaa"),
		Topics:      []common.Hash{swapdecoder.SwapEventSignature, common.HexToHash("0x1"), common.HexToHash("0x2")},
		Data:        data,
		BlockNumber: block,
		Index:       logIndex,
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

func TestSource_PushOnlyEmitsDecoded(t *testing.T) {
	push := &fakePushClient{
		logsCh: make(chan types.Log, 4),
		sub:    &fakeSub{errCh: make(chan error)},
	}
	push.logsCh <- buildSwapLog(t, 100, 0, 5)
	close(push.logsCh)

	src := New(push, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		src.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-src.Events():
		assert.Equal(t, uint64(100), ev.BlockNumber)
		assert.Equal(t, uint(0), ev.LogIndex)
	case <-time.After(time.Second):
		t.Fatal("expected a decoded event")
	}

	cancel()
	<-done
}

func TestSource_DedupDropsRepeatedKey(t *testing.T) {
	push := &fakePushClient{
		logsCh: make(chan types.Log, 4),
		sub:    &fakeSub{errCh: make(chan error)},
	}
	// Same (block, logIndex) twice: only one should reach the output.
	push.logsCh <- buildSwapLog(t, 200, 1, 7)
	push.logsCh <- buildSwapLog(t, 200, 1, 7)
	close(push.logsCh)

	src := New(push, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go src.Run(ctx)

	count := 0
loop:
	for {
		select {
		case _, ok := <-src.Events():
			if !ok {
				break loop
			}
			count++
		case <-time.After(300 * time.Millisecond):
			break loop
		}
	}
	assert.Equal(t, 1, count)
}

func TestNew_PanicsWithoutAnySource(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, nil, nil, zerolog.Nop())
	})
}

// TestEmit_DropsOnFullBufferWithoutBlocking reproduces a saturated output
// channel: emit must report the drop instead of blocking the caller.
func TestEmit_DropsOnFullBufferWithoutBlocking(t *testing.T) {
	push := &fakePushClient{logsCh: make(chan types.Log), sub: &fakeSub{errCh: make(chan error)}}
	src := New(push, nil, nil, zerolog.Nop(), WithBufferSize(1))

	full := src.emit(buildSwapLog(t, 1, 0, 1))
	assert.False(t, full, "first event should fit in the buffer")

	dropped := src.emit(buildSwapLog(t, 2, 0, 1))
	assert.True(t, dropped, "second event must be dropped once the buffer is full")

	assert.Len(t, src.out, 1)
}

// TestEmit_ConcurrentDuplicateEmitsOnce simulates push and pull delivering
// the same (block, logIndex) at nearly the same instant: only one copy may
// reach the output channel.
func TestEmit_ConcurrentDuplicateEmitsOnce(t *testing.T) {
	push := &fakePushClient{logsCh: make(chan types.Log), sub: &fakeSub{errCh: make(chan error)}}
	src := New(push, nil, nil, zerolog.Nop(), WithBufferSize(10))

	lg := buildSwapLog(t, 300, 2, 9)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			src.emit(lg)
		}()
	}
	wg.Wait()

	assert.Len(t, src.out, 1)
}
