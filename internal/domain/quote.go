package domain

import "time"

// Quote is one venue's answer for a fixed input amount on a pair.
type Quote struct {
	Venue       string
	Pair        Pair
	AmountIn    Amount
	AmountOut   Amount
	Route       []string // token address path through the venue
	GasEstimate uint64   // gas units for the swap leg
	RetrievedAt time.Time
}

// Mid returns the implied out-per-in price, decimal-adjusted. Display and
// price-history use only; comparisons in the scanner stay on raw amounts.
func (q Quote) Mid() float64 {
	in := q.AmountIn.Float64()
	if in == 0 {
		return 0
	}
	return q.AmountOut.Float64() / in
}

// SwapCall is an encoded swap ready to embed into flash-loan params.
type SwapCall struct {
	Target   string // router address
	CallData []byte
	MinOut   Amount
}
