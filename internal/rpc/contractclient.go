// Package rpc wraps an ABI-bound contract the way the teacher's
// pkg/contractclient did: one client per contract address, exposing a
// read-only Call, a signing Send, and EstimateGas, used by internal/poolmeta
// (Call only) and internal/executor (EstimateGas + Send).
package rpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of *ethclient.Client the agent depends on.
// Declared as an interface so internal/executor and internal/poolmeta can
// be tested against a fake node.
type ChainClient interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// ContractClient binds one deployed contract address to its ABI, mirroring
// the teacher's pkg/contractclient.ContractClient interface used throughout
// blackhole.go (Call/Send/Abi).
type ContractClient struct {
	client  ChainClient
	address common.Address
	abi     abi.ABI
}

// New builds a ContractClient for address, bound to abi.
func New(client ChainClient, address common.Address, contractABI abi.ABI) *ContractClient {
	return &ContractClient{client: client, address: address, abi: contractABI}
}

// Address returns the contract address this client is bound to.
func (c *ContractClient) Address() common.Address { return c.address }

// Abi exposes the parsed ABI, matching the teacher's ContractClient.Abi()
// used in blackhole.go to hand-pack multicall data.
func (c *ContractClient) Abi() abi.ABI { return c.abi }

// Call invokes a read-only method and unpacks its outputs.
func (c *ContractClient) Call(ctx context.Context, from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: data}
	if from != nil {
		msg.From = *from
	}
	out, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Send signs and submits a legacy transaction invoking method on this
// contract. The caller supplies nonce, gas limit and gas price; Send does
// not estimate gas itself (see EstimateGas).
func (c *ContractClient) Send(
	ctx context.Context,
	chainID *big.Int,
	from *common.Address,
	privateKey *ecdsa.PrivateKey,
	nonce uint64,
	gasLimit uint64,
	gasPrice *big.Int,
	method string,
	args ...interface{},
) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signedTx.Hash(), nil
}

// EstimateGas estimates gas for calling method on this contract.
func (c *ContractClient) EstimateGas(ctx context.Context, from common.Address, method string, args ...interface{}) (uint64, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data}
	return c.client.EstimateGas(ctx, msg)
}
