package domain

import "context"

// QuoteProvider wraps one liquidity venue behind a uniform quote-and-swap
// contract. Implementations must validate their own responses; downstream
// code trusts a returned Quote.
type QuoteProvider interface {
	Name() string
	Quote(ctx context.Context, pair Pair, amountIn Amount) (Quote, error)
	BuildSwapCall(ctx context.Context, pair Pair, amountIn Amount, slippageBps int64) (SwapCall, error)
}
