// Package profit computes arbitrage profitability from venue quotes. Pure
// fixed-point arithmetic, no I/O: the same inputs always produce the same
// breakdown, so the scanner's emission gate is unit-testable offline.
package profit

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

var (
	ErrZeroLoan         = errors.New("profit: loan amount must be positive")
	ErrDecimalsMismatch = errors.New("profit: loan and sell return must share the reserve precision")
	ErrBadGasPrice      = errors.New("profit: gas price must be non-negative")
)

// nativeDecimals is the precision of the chain's native token (wei).
const nativeDecimals = 18

// Input carries everything the model needs for one buy/sell comparison.
// LoanAmount and SellReturn are reserve-token amounts; BuyOut is the
// intermediate out-token amount and only informs the caller's records.
type Input struct {
	LoanAmount  domain.Amount
	BuyOut      domain.Amount
	SellReturn  domain.Amount
	LoanFeeBps  int64
	GasUnits    uint64
	GasPriceWei *big.Int
	NativePrice domain.Amount // reserve units per 1 native token
}

// Breakdown is the model's output. Amounts are exact reserve-token values;
// the percentages are floats for the presentation boundary only.
type Breakdown struct {
	GrossProfit domain.Amount
	LoanFee     domain.Amount
	GasCost     domain.Amount
	NetProfit   domain.Amount
	GrossPct    float64
	NetPct      float64
}

// Calculate returns the full profitability breakdown:
//
//	gross = sellReturn - loanAmount
//	fee   = loanAmount * feeBps / 10_000
//	gas   = gasUnits * gasPriceWei, converted to reserve units
//	net   = gross - fee - gas
//
// All arithmetic stays on raw integer units until the percentage fields.
func Calculate(in Input) (Breakdown, error) {
	if in.LoanAmount.Sign() <= 0 {
		return Breakdown{}, ErrZeroLoan
	}
	if in.LoanAmount.Decimals() != in.SellReturn.Decimals() {
		return Breakdown{}, ErrDecimalsMismatch
	}
	if in.GasPriceWei != nil && in.GasPriceWei.Sign() < 0 {
		return Breakdown{}, ErrBadGasPrice
	}

	gross := in.SellReturn.Sub(in.LoanAmount)
	fee := in.LoanAmount.MulBps(in.LoanFeeBps)
	gas := GasCostInReserve(in.GasUnits, in.GasPriceWei, in.NativePrice)
	net := gross.Sub(fee).Sub(gas)

	loan := in.LoanAmount.Decimal()
	grossPct, _ := gross.Decimal().Div(loan).Mul(hundred).Float64()
	netPct, _ := net.Decimal().Div(loan).Mul(hundred).Float64()

	return Breakdown{
		GrossProfit: gross,
		LoanFee:     fee,
		GasCost:     gas,
		NetProfit:   net,
		GrossPct:    grossPct,
		NetPct:      netPct,
	}, nil
}

// SellReturn is the reserve amount the sell venue pays for the tokens the
// buy venue delivers: loan x buyOut / sellOut, truncated toward zero. The
// sell venue's quote fixes its rate for the comparison. A non-positive
// sellOut yields zero.
func SellReturn(loan, buyOut, sellOut domain.Amount) domain.Amount {
	if sellOut.Sign() <= 0 {
		return domain.ZeroAmount(loan.Decimals())
	}
	r := new(big.Int).Mul(loan.Raw(), buyOut.Raw())
	r.Quo(r, sellOut.Raw())
	return domain.NewAmount(r, loan.Decimals())
}

// GasCostInReserve converts a gas budget into reserve-token units:
// gasUnits × gasPriceWei is wei spent; multiplied by the reserve price of
// one native token and scaled back down by 10^18. Truncates toward zero.
func GasCostInReserve(gasUnits uint64, gasPriceWei *big.Int, nativePrice domain.Amount) domain.Amount {
	if gasPriceWei == nil || gasPriceWei.Sign() <= 0 || gasUnits == 0 {
		return domain.ZeroAmount(nativePrice.Decimals())
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPriceWei)
	cost := new(big.Int).Mul(wei, nativePrice.Raw())
	cost.Quo(cost, weiPerNative)
	return domain.NewAmount(cost, nativePrice.Decimals())
}

var (
	weiPerNative = new(big.Int).Exp(big.NewInt(10), big.NewInt(nativeDecimals), nil)
	hundred      = decimal.NewFromInt(100)
)
