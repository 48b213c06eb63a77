// Package router quotes swaps against V2-compatible on-chain routers via
// getAmountsOut and encodes swapExactTokensForTokens legs.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

const routerABI = `[
	{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

// ContractCaller is the read-call surface the venue needs from the chain
// layer.
type ContractCaller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Config describes one router venue.
type Config struct {
	Name          string
	RouterAddress string
	Recipient     string        // contract receiving swap output
	GasEstimate   uint64        // static per-swap gas units
	Deadline      time.Duration // swap validity window
}

// Venue implements domain.QuoteProvider against one router contract.
type Venue struct {
	name      string
	router    common.Address
	recipient common.Address
	gasUnits  uint64
	deadline  time.Duration
	caller    ContractCaller
	abi       abi.ABI
	logger    *slog.Logger
	now       func() time.Time
}

var _ domain.QuoteProvider = (*Venue)(nil)

// New creates a router venue bound to one deployed router address.
func New(caller ContractCaller, cfg Config, logger *slog.Logger) (*Venue, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("venue/router: parsing abi: %w", err)
	}
	if cfg.GasEstimate == 0 {
		cfg.GasEstimate = 150_000
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 3 * time.Minute
	}
	return &Venue{
		name:      cfg.Name,
		router:    common.HexToAddress(cfg.RouterAddress),
		recipient: common.HexToAddress(cfg.Recipient),
		gasUnits:  cfg.GasEstimate,
		deadline:  cfg.Deadline,
		caller:    caller,
		abi:       parsed,
		logger:    logger.With(slog.String("component", "venue"), slog.String("venue", cfg.Name)),
		now:       time.Now,
	}, nil
}

// Name returns the configured venue name.
func (v *Venue) Name() string { return v.name }

// Quote asks the router how much of pair.Out a fixed amount of pair.In
// buys right now.
func (v *Venue) Quote(ctx context.Context, pair domain.Pair, amountIn domain.Amount) (domain.Quote, error) {
	path := []common.Address{
		common.HexToAddress(pair.In.Address),
		common.HexToAddress(pair.Out.Address),
	}
	out, err := v.amountsOut(ctx, amountIn.Raw(), path)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("venue/router: quote %s on %s: %w", pair.Key(), v.name, err)
	}

	return domain.Quote{
		Venue:       v.name,
		Pair:        pair,
		AmountIn:    amountIn,
		AmountOut:   domain.NewAmount(out, pair.Out.Decimals),
		Route:       []string{pair.In.Address, pair.Out.Address},
		GasEstimate: v.gasUnits,
		RetrievedAt: v.now(),
	}, nil
}

// BuildSwapCall encodes a swapExactTokensForTokens leg with the minimum
// acceptable output derived from a fresh quote and the slippage allowance.
func (v *Venue) BuildSwapCall(ctx context.Context, pair domain.Pair, amountIn domain.Amount, slippageBps int64) (domain.SwapCall, error) {
	if slippageBps < 0 || slippageBps >= domain.BpsDenom {
		return domain.SwapCall{}, fmt.Errorf("venue/router: slippage %d bps out of range", slippageBps)
	}

	quote, err := v.Quote(ctx, pair, amountIn)
	if err != nil {
		return domain.SwapCall{}, err
	}
	minOut := quote.AmountOut.MulBps(domain.BpsDenom - slippageBps)
	if minOut.Sign() <= 0 {
		return domain.SwapCall{}, fmt.Errorf("venue/router: zero min output for %s", pair.Key())
	}

	path := []common.Address{
		common.HexToAddress(pair.In.Address),
		common.HexToAddress(pair.Out.Address),
	}
	deadline := big.NewInt(v.now().Add(v.deadline).Unix())
	data, err := v.abi.Pack("swapExactTokensForTokens",
		amountIn.Raw(), minOut.Raw(), path, v.recipient, deadline)
	if err != nil {
		return domain.SwapCall{}, fmt.Errorf("venue/router: packing swap: %w", err)
	}

	return domain.SwapCall{
		Target:   v.router.Hex(),
		CallData: data,
		MinOut:   minOut,
	}, nil
}

// amountsOut calls getAmountsOut and returns the final hop's output.
func (v *Venue) amountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := v.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("packing: %w", err)
	}
	raw, err := v.caller.Call(ctx, v.router, data)
	if err != nil {
		return nil, err
	}

	outs, err := v.abi.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	amounts, ok := outs[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("unexpected amounts shape %T", outs[0])
	}
	final := amounts[len(amounts)-1]
	if final.Sign() <= 0 {
		return nil, fmt.Errorf("router returned zero output")
	}
	return final, nil
}
