// Package executor signs and submits backrun transactions to the Reflex
// router contract, generalizing the teacher's blackhole.go Swap/Mint
// methods (pack → send → wait-for-receipt → parse return data) into a
// single submit_backrun operation bounded by a concurrency semaphore
// instead of blackhole.go's unbounded per-call TxListener.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	reflexagent "github.com/reflex-mev/agent"
)

// backrunMethod is the Reflex router's single entry point, per spec.md
// §6: inputs (bytes32 trigger_pool_id, uint112 swap_amount_in, bool
// token0_in, address recipient, bytes32 config_id), returns (uint256
// profit, address profit_token).
const backrunMethod = "executeBackrun"

const routerABIJSON = `[{"name":"executeBackrun","type":"function","stateMutability":"nonpayable",` +
	`"inputs":[` +
	`{"name":"triggerPoolId","type":"bytes32"},` +
	`{"name":"swapAmountIn","type":"uint112"},` +
	`{"name":"token0In","type":"bool"},` +
	`{"name":"recipient","type":"address"},` +
	`{"name":"configId","type":"bytes32"}],` +
	`"outputs":[{"name":"profit","type":"uint256"},{"name":"profitToken","type":"address"}]}]`

// RouterABI is the parsed ABI of the Reflex router's backrun entry point.
var RouterABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("executor: invalid embedded router ABI: " + err.Error())
	}
	RouterABI = parsed
}

// PoolID derives the router's trigger_pool_id from a pool address: the
// keccak256 of the lowercased hex address as UTF-8 bytes (MVP convention;
// spec.md §9 flags this for review).
func PoolID(pool common.Address) [32]byte {
	return crypto.Keccak256Hash([]byte(strings.ToLower(pool.Hex())))
}

// ChainClient is the subset of the chain client the executor needs beyond
// contract calls/sends, mirroring rpc.ChainClient but scoped down for
// test doubles.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RouterCaller is the gas-estimation subset of rpc.ContractClient the
// executor needs; an interface so tests can exercise the submission
// protocol without a live ABI-bound client.
type RouterCaller interface {
	EstimateGas(ctx context.Context, from common.Address, method string, args ...interface{}) (uint64, error)
}

// Recorder persists execution records for observability, per spec.md §3's
// "kept for observability only; not used in decisions."
// internal/db.MySQLExecutionSink is the only implementation in this
// repository; there is no in-memory record ring, so with a nil Recorder
// execution records are not kept at all.
type Recorder interface {
	RecordExecution(rec reflexagent.ExecutionRecord) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithReceiptTimeout overrides the fixed receipt-wait timeout (default
// 60s per spec.md §4.5).
func WithReceiptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.receiptTimeout = d }
}

// WithPollInterval overrides how often the executor polls for a receipt
// while waiting for inclusion.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.receiptPoll = d }
}

// Executor signs and submits backrun transactions, bounding concurrent
// in-flight submissions with a weighted semaphore per spec.md §4.5 step 1.
type Executor struct {
	client         ChainClient
	contract       RouterCaller
	chainID        *big.Int
	from           common.Address
	signer         SignerFunc
	maxGasPrice    *big.Float
	maxConcurrent  int64
	receiptTimeout time.Duration
	receiptPoll    time.Duration
	recorder       Recorder
	log            zerolog.Logger

	sem     *semaphore.Weighted
	pending int64

	nonce      uint64
	nonceMu    sync.Mutex
	freeNonces map[uint64]struct{}
}

// SignerFunc signs method calls against the router contract. Bound to
// rpc.ContractClient.Send's signature so callers can supply a real
// *ecdsa.PrivateKey via a closure.
type SignerFunc func(ctx context.Context, nonce uint64, gasLimit uint64, gasPrice *big.Int, method string, args ...interface{}) (common.Hash, error)

// New builds an Executor. maxGasPriceGwei and maxConcurrent come directly
// from config.Config.
func New(
	client ChainClient,
	contract RouterCaller,
	chainID *big.Int,
	from common.Address,
	signer SignerFunc,
	maxGasPriceGwei *big.Float,
	maxConcurrent int,
	recorder Recorder,
	log zerolog.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		client:         client,
		contract:       contract,
		chainID:        chainID,
		from:           from,
		signer:         signer,
		maxGasPrice:    maxGasPriceGwei,
		maxConcurrent:  int64(maxConcurrent),
		receiptTimeout: 60 * time.Second,
		receiptPoll:    500 * time.Millisecond,
		recorder:       recorder,
		log:            log,
		freeNonces:     make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(e.maxConcurrent)
	return e
}

// CurrentBlock returns the latest head block from the node.
func (e *Executor) CurrentBlock(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// WalletBalance returns the signer's native-token balance.
func (e *Executor) WalletBalance(ctx context.Context) (*big.Int, error) {
	return e.client.BalanceAt(ctx, e.from, nil)
}

// PendingCount returns the number of in-flight submissions owned by this
// executor.
func (e *Executor) PendingCount() int {
	return int(atomic.LoadInt64(&e.pending))
}

// initNonce lazily seeds the running nonce counter from the node on first
// use, per spec.md §4.5 step 2.
func (e *Executor) initNonce(ctx context.Context) error {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()
	if e.nonce != 0 {
		return nil
	}
	n, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return err
	}
	e.nonce = n
	return nil
}

// takeNonce issues a nonce value that no other in-flight submission holds.
// It first reclaims the lowest value rolled back by a submission that never
// sent a transaction (freeNonces), falling back to the running counter.
// Reusing from freeNonces instead of ever decrementing the counter is what
// keeps concurrent SubmitBackrun calls from being handed the same nonce.
func (e *Executor) takeNonce(ctx context.Context) (uint64, error) {
	if err := e.initNonce(ctx); err != nil {
		return 0, err
	}
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	if len(e.freeNonces) > 0 {
		min, first := uint64(0), true
		for n := range e.freeNonces {
			if first || n < min {
				min, first = n, false
			}
		}
		delete(e.freeNonces, min)
		return min, nil
	}

	n := e.nonce
	e.nonce++
	return n, nil
}

// rollbackNonce returns a nonce that was taken but never used in a signed
// send, making it available for the next takeNonce call. It never touches
// the running counter directly, so a concurrent goroutine holding a higher
// nonce can't be handed this same value out from under it.
func (e *Executor) rollbackNonce(nonce uint64) {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()
	e.freeNonces[nonce] = struct{}{}
}

// SubmitBackrun signs and submits a call to the router's backrun entry
// point, implementing the protocol in spec.md §4.5 steps 1-6.
func (e *Executor) SubmitBackrun(ctx context.Context, poolID [32]byte, amount *big.Int, token0In bool) reflexagent.BackrunOutcome {
	start := time.Now()

	if !e.sem.TryAcquire(1) {
		return reflexagent.BackrunOutcome{Success: false, ErrorReason: "max_concurrent_txs_reached"}
	}
	atomic.AddInt64(&e.pending, 1)
	defer func() {
		atomic.AddInt64(&e.pending, -1)
		e.sem.Release(1)
	}()

	nonce, err := e.takeNonce(ctx)
	if err != nil {
		return e.fail(start, fmt.Sprintf("nonce_fetch_failed: %v", err))
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		e.rollbackNonce(nonce)
		return e.fail(start, fmt.Sprintf("gas_price_fetch_failed: %v", err))
	}
	if e.maxGasPrice != nil && gweiFloat(gasPrice).Cmp(e.maxGasPrice) > 0 {
		e.rollbackNonce(nonce)
		return e.fail(start, "gas_price_too_high")
	}

	args := []interface{}{poolID, amount, token0In, e.from, [32]byte{}}
	gasLimit, err := e.contract.EstimateGas(ctx, e.from, backrunMethod, args...)
	if err != nil {
		e.rollbackNonce(nonce)
		return e.fail(start, "gas_estimate_failed")
	}

	txHash, err := e.signer(ctx, nonce, gasLimit, gasPrice, backrunMethod, args...)
	if err != nil {
		e.rollbackNonce(nonce)
		return e.fail(start, fmt.Sprintf("send_failed: %v", err))
	}

	receipt, err := e.awaitReceipt(ctx, txHash)
	if err != nil {
		outcome := reflexagent.BackrunOutcome{
			Success:         false,
			TxHash:          txHash,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			ErrorReason:     err.Error(),
		}
		e.record(outcome)
		return outcome
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		outcome := reflexagent.BackrunOutcome{
			Success:         false,
			TxHash:          txHash,
			GasUsed:         receipt.GasUsed,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			ErrorReason:     "reverted",
		}
		e.record(outcome)
		return outcome
	}

	profit, profitToken := parseProfit(receipt)
	outcome := reflexagent.BackrunOutcome{
		Success:         true,
		TxHash:          txHash,
		Profit:          profit,
		ProfitToken:     profitToken,
		GasUsed:         receipt.GasUsed,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	e.record(outcome)
	return outcome
}

func (e *Executor) fail(start time.Time, reason string) reflexagent.BackrunOutcome {
	outcome := reflexagent.BackrunOutcome{
		Success:         false,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		ErrorReason:     reason,
	}
	e.record(outcome)
	return outcome
}

func (e *Executor) record(outcome reflexagent.BackrunOutcome) {
	if e.recorder == nil {
		return
	}
	status := reflexagent.StatusConfirmed
	if !outcome.Success {
		status = reflexagent.StatusFailed
	}
	rec := reflexagent.ExecutionRecord{
		TxHash:           outcome.TxHash,
		SubmittedAtUnixS: time.Now().Unix(),
		Status:           status,
		Profit:           outcome.Profit,
		FailureReason:    outcome.ErrorReason,
	}
	if outcome.GasUsed > 0 {
		gu := outcome.GasUsed
		rec.GasUsed = &gu
	}
	if outcome.ProfitToken != (common.Address{}) {
		pt := outcome.ProfitToken
		rec.ProfitToken = &pt
	}
	if err := e.recorder.RecordExecution(rec); err != nil {
		e.log.Warn().Err(err).Msg("executor: failed to persist execution record")
	}
}

func (e *Executor) awaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.After(e.receiptTimeout)
	ticker := time.NewTicker(e.receiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timed_out")
		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, txHash)
			if err != nil || receipt == nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// parseProfit extracts (profit, profit_token) from the receipt's last log:
// the first 32 data bytes are read as profit and the next 32 as the profit
// token address. The log's topics are not checked, and the call's own
// return value is not decoded anywhere. A receipt with no logs, or whose
// last log carries fewer than 64 data bytes, yields zero profit and the
// zero address.
func parseProfit(receipt *types.Receipt) (*big.Int, common.Address) {
	if receipt == nil || len(receipt.Logs) == 0 {
		return big.NewInt(0), common.Address{}
	}
	last := receipt.Logs[len(receipt.Logs)-1]
	if len(last.Data) < 64 {
		return big.NewInt(0), common.Address{}
	}
	profit := new(big.Int).SetBytes(last.Data[:32])
	profitToken := common.BytesToAddress(last.Data[32:64])
	return profit, profitToken
}

func gweiFloat(wei *big.Int) *big.Float {
	gwei := new(big.Float).SetInt(wei)
	return gwei.Quo(gwei, big.NewFloat(1e9))
}
