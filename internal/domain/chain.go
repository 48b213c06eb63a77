package domain

import (
	"context"
	"math/big"
)

// Receipt is the settlement outcome of a submitted transaction.
type Receipt struct {
	TxHash            string
	Status            uint64 // 1 = success
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether settlement finished without reverting.
func (r Receipt) Succeeded() bool { return r.Status == 1 }

// ChainState reads chain data and submits the few transactions the
// pipeline needs outside the flash-loan call itself. Raw big.Int values
// here are wei or smallest token units; callers wrap them into Amounts at
// the boundary.
type ChainState interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, owner string) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	WaitMined(ctx context.Context, txHash string) (Receipt, error)
	Sender() string // the hot wallet address
}

// LoanProvider fronts the flash-loan pool. The pool contract enforces the
// atomic borrow-swap-swap-repay unit; the pipeline only constructs and
// validates the call.
type LoanProvider interface {
	FlashBorrow(ctx context.Context, asset string, amount *big.Int, params []byte) (txHash string, err error)
	FeeBps(ctx context.Context) (int64, error)
}
