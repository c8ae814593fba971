package executor

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeChainClient struct {
	nonce      uint64
	gasPrice   *big.Int
	balance    *big.Int
	head       uint64
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
}

func (f *fakeChainClient) BlockNumber(context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChainClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeChainClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeChainClient) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeChainClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, f.receiptErr
}

type fakeRouterCaller struct {
	gasLimit uint64
	err      error
}

func (f *fakeRouterCaller) EstimateGas(context.Context, common.Address, string, ...interface{}) (uint64, error) {
	return f.gasLimit, f.err
}

func successfulTxHash() common.Hash { return common.HexToHash("0xbeef") }

func newTestExecutor(t *testing.T, client *fakeChainClient, router *fakeRouterCaller, signer SignerFunc, maxConcurrent int) *Executor {
	t.Helper()
	return New(
		client,
		router,
		big.NewInt(1),
		common.HexToAddress("0xfeed"),
		signer,
		big.NewFloat(100),
		maxConcurrent,
		nil,
		zerolog.Nop(),
		WithReceiptTimeout(200*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)
}

func TestSubmitBackrun_Success(t *testing.T) {
	hash := successfulTxHash()
	client := &fakeChainClient{
		nonce:    5,
		gasPrice: big.NewInt(10e9), // 10 gwei
		balance:  big.NewInt(1000),
		head:     100,
		receipts: map[common.Hash]*types.Receipt{
			hash: {Status: types.ReceiptStatusSuccessful, GasUsed: 21000},
		},
	}
	router := &fakeRouterCaller{gasLimit: 21000}
	signer := func(context.Context, uint64, uint64, *big.Int, string, ...interface{}) (common.Hash, error) {
		return hash, nil
	}

	ex := newTestExecutor(t, client, router, signer, 3)
	outcome := ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(100), true)

	assert.True(t, outcome.Success)
	assert.Equal(t, hash, outcome.TxHash)
	assert.Equal(t, uint64(21000), outcome.GasUsed)
	assert.Equal(t, 0, ex.PendingCount())
}

func TestSubmitBackrun_GasPriceTooHigh(t *testing.T) {
	client := &fakeChainClient{gasPrice: big.NewInt(200e9)} // 200 gwei > 100 cap
	router := &fakeRouterCaller{gasLimit: 21000}
	signer := func(context.Context, uint64, uint64, *big.Int, string, ...interface{}) (common.Hash, error) {
		t.Fatal("signer should not be called when gas price is too high")
		return common.Hash{}, nil
	}

	ex := newTestExecutor(t, client, router, signer, 3)
	outcome := ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(100), true)

	assert.False(t, outcome.Success)
	assert.Equal(t, "gas_price_too_high", outcome.ErrorReason)
}

func TestSubmitBackrun_GasEstimateFailed(t *testing.T) {
	client := &fakeChainClient{gasPrice: big.NewInt(10e9)}
	router := &fakeRouterCaller{err: assertErr("estimate failed")}
	signer := func(context.Context, uint64, uint64, *big.Int, string, ...interface{}) (common.Hash, error) {
		t.Fatal("signer should not be called when gas estimation fails")
		return common.Hash{}, nil
	}

	ex := newTestExecutor(t, client, router, signer, 3)
	outcome := ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(100), true)

	assert.False(t, outcome.Success)
	assert.Equal(t, "gas_estimate_failed", outcome.ErrorReason)
}

func TestSubmitBackrun_RejectsOverConcurrencyCap(t *testing.T) {
	client := &fakeChainClient{gasPrice: big.NewInt(10e9)}
	router := &fakeRouterCaller{gasLimit: 21000}
	block := make(chan struct{})
	signer := func(context.Context, uint64, uint64, *big.Int, string, ...interface{}) (common.Hash, error) {
		<-block
		return successfulTxHash(), nil
	}

	ex := newTestExecutor(t, client, router, signer, 1)
	done := make(chan struct{})
	go func() {
		ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(1), true)
		close(done)
	}()

	// Give the first submission time to acquire the sole semaphore slot.
	time.Sleep(20 * time.Millisecond)
	outcome := ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xbbbb")), big.NewInt(1), true)
	assert.False(t, outcome.Success)
	assert.Equal(t, "max_concurrent_txs_reached", outcome.ErrorReason)

	close(block)
	<-done
}

func TestSubmitBackrun_TimesOutWithoutReceipt(t *testing.T) {
	hash := successfulTxHash()
	client := &fakeChainClient{
		gasPrice: big.NewInt(10e9),
		receipts: map[common.Hash]*types.Receipt{},
	}
	router := &fakeRouterCaller{gasLimit: 21000}
	signer := func(context.Context, uint64, uint64, *big.Int, string, ...interface{}) (common.Hash, error) {
		return hash, nil
	}

	ex := newTestExecutor(t, client, router, signer, 3)
	outcome := ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(1), true)

	assert.False(t, outcome.Success)
	assert.Equal(t, hash, outcome.TxHash)
}

// TestNonce_RollbackDoesNotReopenAnOutstandingNonce reproduces the
// interleaving where A takes a nonce, B takes the next one, and A rolls
// back: the rolled-back value must come back, but B's nonce must stay off
// limits until B itself rolls back or sends.
func TestNonce_RollbackDoesNotReopenAnOutstandingNonce(t *testing.T) {
	client := &fakeChainClient{nonce: 10}
	ex := newTestExecutor(t, client, &fakeRouterCaller{}, nil, 10)

	nA, err := ex.takeNonce(context.Background())
	assert.NoError(t, err)
	nB, err := ex.takeNonce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, nA+1, nB)

	ex.rollbackNonce(nA)

	nC, err := ex.takeNonce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, nA, nC, "a rolled-back nonce should be reissued")

	nD, err := ex.takeNonce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, nB+1, nD, "must not reissue nB, which is still outstanding")
}

// flakyRouterCaller fails gas estimation on every third call, forcing
// SubmitBackrun to roll back the nonce it already took.
type flakyRouterCaller struct {
	calls int64
}

func (f *flakyRouterCaller) EstimateGas(context.Context, common.Address, string, ...interface{}) (uint64, error) {
	if atomic.AddInt64(&f.calls, 1)%3 == 0 {
		return 0, assertErr("flaky estimate failure")
	}
	return 21000, nil
}

// TestSubmitBackrun_ConcurrentRollbacksNeverDuplicateANonce drives many
// concurrent submissions, some of which fail (and roll back) after already
// taking a nonce, and asserts every nonce seen by a signed send is unique.
func TestSubmitBackrun_ConcurrentRollbacksNeverDuplicateANonce(t *testing.T) {
	client := &fakeChainClient{
		nonce:      1,
		gasPrice:   big.NewInt(10e9),
		receipts:   map[common.Hash]*types.Receipt{},
		receiptErr: assertErr("not yet mined"),
	}
	router := &flakyRouterCaller{}

	var mu sync.Mutex
	seen := make(map[uint64]int)
	signer := func(_ context.Context, nonce uint64, _ uint64, _ *big.Int, _ string, _ ...interface{}) (common.Hash, error) {
		mu.Lock()
		seen[nonce]++
		mu.Unlock()
		return common.BigToHash(new(big.Int).SetUint64(nonce)), nil
	}

	ex := newTestExecutor(t, client, router, signer, 20)

	var wg sync.WaitGroup
	const n = 30
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.SubmitBackrun(context.Background(), PoolID(common.HexToAddress("0xaaaa")), big.NewInt(1), true)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for nonce, count := range seen {
		assert.Equal(t, 1, count, "nonce %d must be used by exactly one send", nonce)
	}
}

func TestPoolID_IsDeterministicAndLowercased(t *testing.T) {
	a := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	b := common.HexToAddress("0xabcdef0000000000000000000000000000000001")
	assert.Equal(t, PoolID(a), PoolID(b))
}

type assertErrType string

func (e assertErrType) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrType(msg) }
