package domain

import "time"

// OpportunityTTL is how long a discovered opportunity stays executable.
// Past this age validation must reject it regardless of recorded profit.
const OpportunityTTL = 30 * time.Second

// Opportunity is a detected, time-bounded, profit-qualifying price
// discrepancy between two venues for one pair. Immutable once created:
// the scanner hands copies to the executor and never updates an existing
// opportunity, only supersedes it with a new ID.
type Opportunity struct {
	ID        string `json:"id"`
	Pair      Pair   `json:"pair"`
	BuyVenue  string `json:"buy_venue"`
	SellVenue string `json:"sell_venue"`

	// Presentation prices (quote per unit); exact math uses the amounts.
	BuyPrice  float64 `json:"buy_price"`
	SellPrice float64 `json:"sell_price"`

	LoanAmount   Amount `json:"loan_amount"`    // borrowed quote-token amount
	BuyAmountOut Amount `json:"buy_amount_out"` // out-token bought on the buy venue
	SellReturn   Amount `json:"sell_return"`    // quote-token returned by the sell venue

	GrossProfit Amount `json:"gross_profit"` // quote token
	LoanFee     Amount `json:"loan_fee"`
	GasCost     Amount `json:"gas_cost"`
	NetProfit   Amount `json:"net_profit"`

	GrossProfitPct float64 `json:"gross_profit_pct"`
	NetProfitPct   float64 `json:"net_profit_pct"`

	DiscoveredAt time.Time `json:"discovered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Age returns how long ago the opportunity was discovered.
func (o Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DiscoveredAt)
}

// Expired reports whether the opportunity has aged out.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
