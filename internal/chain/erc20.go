// Package chain reads on-chain state the engine audits against: the actual
// ERC-20 balances backing the custody pool.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alephtrade/crossarb/internal/domain"
)

var erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// contractCaller is the subset of ethclient.Client the auditor uses.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Auditor reads ERC-20 balances via eth_call against an RPC endpoint. It
// implements domain.BalanceAuditor for the custody solvency check.
type Auditor struct {
	client contractCaller
	closer func()
}

// Dial connects to an Ethereum RPC endpoint and returns an Auditor.
func Dial(ctx context.Context, rpcURL string) (*Auditor, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &Auditor{client: client, closer: client.Close}, nil
}

// NewAuditor wraps an existing contract caller, used by tests.
func NewAuditor(client contractCaller) *Auditor {
	return &Auditor{client: client, closer: func() {}}
}

// Close releases the underlying RPC connection.
func (a *Auditor) Close() {
	a.closer()
}

// BalanceOf returns holder's balance of the given ERC-20 token at the latest
// block.
func (a *Auditor) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s on %s: %w", holder.Hex(), token.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: balanceOf %s on %s: empty result", holder.Hex(), token.Hex())
	}
	return new(big.Int).SetBytes(out), nil
}

// Compile-time interface check.
var _ domain.BalanceAuditor = (*Auditor)(nil)
