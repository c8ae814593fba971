// Package poolmeta resolves a pool's static metadata (tokens, fee tier,
// decimals) from the chain and caches it indefinitely, coalescing
// concurrent lookups for the same pool the way blackhole.go's
// GetAMMState/validateBalances coalesce reads through a single
// ContractClient.Call, generalized here with singleflight so concurrent
// callers for the same address share one RPC round trip.
package poolmeta

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	reflexagent "github.com/reflex-mev/agent"
)

// MetadataError reports why a pool's metadata could not be resolved.
type MetadataError struct {
	PoolAddress common.Address
	Reason      string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("poolmeta: %s: %s", e.PoolAddress, e.Reason)
}

// ContractCaller is the subset of rpc.ContractClient a Resolver needs,
// bound per-pool since token0/token1/fee/decimals are each pool-specific
// contract calls.
type ContractCaller interface {
	Call(ctx context.Context, from *common.Address, method string, args ...interface{}) ([]interface{}, error)
}

// CallerFactory builds a ContractCaller bound to a pool address. Callers
// supply this so the resolver never needs to know how pool ABIs are
// constructed.
type CallerFactory func(pool common.Address) (ContractCaller, error)

// Resolver fetches and caches PoolMetadata. Zero value is not usable; use
// New.
type Resolver struct {
	newCaller CallerFactory

	mu    sync.RWMutex
	cache map[common.Address]reflexagent.PoolMetadata

	group singleflight.Group
}

// New builds a Resolver that constructs a per-pool caller via newCaller.
func New(newCaller CallerFactory) *Resolver {
	return &Resolver{
		newCaller: newCaller,
		cache:     make(map[common.Address]reflexagent.PoolMetadata),
	}
}

// Resolve returns pool's metadata, fetching from the chain on a cache
// miss. Concurrent calls for the same pool coalesce into a single fetch.
// Failures are never cached — the next caller retries.
func (r *Resolver) Resolve(ctx context.Context, pool common.Address) (reflexagent.PoolMetadata, error) {
	if meta, ok := r.lookup(pool); ok {
		return meta, nil
	}

	key := pool.Hex()
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the cache while we queued behind the in-flight fetch.
		if meta, ok := r.lookup(pool); ok {
			return meta, nil
		}
		meta, err := r.fetch(ctx, pool)
		if err != nil {
			return reflexagent.PoolMetadata{}, err
		}
		r.mu.Lock()
		r.cache[pool] = meta
		r.mu.Unlock()
		return meta, nil
	})
	if err != nil {
		return reflexagent.PoolMetadata{}, err
	}
	return v.(reflexagent.PoolMetadata), nil
}

func (r *Resolver) lookup(pool common.Address) (reflexagent.PoolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.cache[pool]
	return meta, ok
}

func (r *Resolver) fetch(ctx context.Context, pool common.Address) (reflexagent.PoolMetadata, error) {
	caller, err := r.newCaller(pool)
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("bind caller: %v", err)}
	}

	token0, err := callAddress(ctx, caller, "token0")
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("token0: %v", err)}
	}
	token1, err := callAddress(ctx, caller, "token1")
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("token1: %v", err)}
	}
	fee, err := callUint32(ctx, caller, "fee")
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("fee: %v", err)}
	}

	dec0, err := tokenDecimals(ctx, r.newCaller, token0)
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("token0 decimals: %v", err)}
	}
	dec1, err := tokenDecimals(ctx, r.newCaller, token1)
	if err != nil {
		return reflexagent.PoolMetadata{}, &MetadataError{PoolAddress: pool, Reason: fmt.Sprintf("token1 decimals: %v", err)}
	}

	return reflexagent.PoolMetadata{
		Token0:         token0,
		Token1:         token1,
		FeeTierBps:     fee,
		Token0Decimals: dec0,
		Token1Decimals: dec1,
	}, nil
}

func tokenDecimals(ctx context.Context, newCaller CallerFactory, token common.Address) (uint8, error) {
	caller, err := newCaller(token)
	if err != nil {
		return 0, err
	}
	return callUint8(ctx, caller, "decimals")
}

func callAddress(ctx context.Context, c ContractCaller, method string) (common.Address, error) {
	out, err := c.Call(ctx, nil, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: unexpected return arity %d", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return addr, nil
}

func callUint32(ctx context.Context, c ContractCaller, method string) (uint32, error) {
	out, err := c.Call(ctx, nil, method)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s: unexpected return arity %d", method, len(out))
	}
	v, ok := out[0].(uint32)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v, nil
}

func callUint8(ctx context.Context, c ContractCaller, method string) (uint8, error) {
	out, err := c.Call(ctx, nil, method)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s: unexpected return arity %d", method, len(out))
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v, nil
}
