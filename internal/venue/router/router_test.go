package router

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// fakeCaller answers getAmountsOut with a fixed final output, echoing the
// amountIn it was asked about.
type fakeCaller struct {
	out     *big.Int
	err     error
	gotData []byte
}

func (f *fakeCaller) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	f.gotData = data
	if f.err != nil {
		return nil, f.err
	}
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, err
	}
	method := parsed.Methods["getAmountsOut"]
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	amountIn := vals[0].(*big.Int)
	return method.Outputs.Pack([]*big.Int{amountIn, f.out})
}

func testPair() domain.Pair {
	return domain.Pair{
		In:  domain.Token{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Decimals: 6},
		Out: domain.Token{Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Symbol: "DAI", Decimals: 18},
	}
}

func testVenue(t *testing.T, caller ContractCaller) *Venue {
	t.Helper()
	v, err := New(caller, Config{
		Name:          "sushiswap",
		RouterAddress: "0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f",
		Recipient:     "0x1111111111111111111111111111111111111111",
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func usdc(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseAmount(s, 6)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestQuoteDecodesRouterAnswer(t *testing.T) {
	out, _ := new(big.Int).SetString("10200000000000000000000", 10) // 10200 DAI
	caller := &fakeCaller{out: out}
	v := testVenue(t, caller)

	q, err := v.Quote(context.Background(), testPair(), usdc(t, "10000"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Venue != "sushiswap" {
		t.Errorf("Venue = %q", q.Venue)
	}
	if got := q.AmountOut.Raw().String(); got != out.String() {
		t.Errorf("AmountOut = %s, want %s", got, out)
	}
	if q.AmountOut.Decimals() != 18 {
		t.Errorf("AmountOut decimals = %d, want 18", q.AmountOut.Decimals())
	}
	if q.GasEstimate != 150_000 {
		t.Errorf("GasEstimate = %d, want default 150000", q.GasEstimate)
	}
	if len(q.Route) != 2 || q.Route[0] != testPair().In.Address {
		t.Errorf("Route = %v", q.Route)
	}

	// The request carried the getAmountsOut selector.
	if got := common.Bytes2Hex(caller.gotData[:4]); got != "d06ca61f" {
		t.Errorf("selector = %s, want d06ca61f", got)
	}
}

func TestQuoteRejectsZeroOutput(t *testing.T) {
	v := testVenue(t, &fakeCaller{out: big.NewInt(0)})
	if _, err := v.Quote(context.Background(), testPair(), usdc(t, "10000")); err == nil {
		t.Fatal("zero output must be an error")
	}
}

func TestQuotePropagatesCallError(t *testing.T) {
	v := testVenue(t, &fakeCaller{err: errors.New("dial tcp: i/o timeout")})
	_, err := v.Quote(context.Background(), testPair(), usdc(t, "10000"))
	if err == nil || !strings.Contains(err.Error(), "sushiswap") {
		t.Fatalf("err = %v, want venue-tagged error", err)
	}
}

func TestBuildSwapCallEncodesMinOut(t *testing.T) {
	// Quote answers 10200 units at 6 decimals for the output token too, to
	// keep the arithmetic easy to follow.
	pair := testPair()
	pair.Out.Decimals = 6
	out := big.NewInt(10_200_000_000)
	v := testVenue(t, &fakeCaller{out: out})

	call, err := v.BuildSwapCall(context.Background(), pair, usdc(t, "10000"), 30)
	if err != nil {
		t.Fatalf("BuildSwapCall: %v", err)
	}

	// 30 bps off 10200 = 10169.4 exactly.
	if got := call.MinOut.Raw().String(); got != "10169400000" {
		t.Errorf("MinOut = %s, want 10169400000", got)
	}
	if call.Target != common.HexToAddress("0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f").Hex() {
		t.Errorf("Target = %s", call.Target)
	}

	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	method := parsed.Methods["swapExactTokensForTokens"]
	if got := common.Bytes2Hex(call.CallData[:4]); got != "38ed1739" {
		t.Fatalf("selector = %s, want 38ed1739", got)
	}
	vals, err := method.Inputs.Unpack(call.CallData[4:])
	if err != nil {
		t.Fatalf("unpack swap: %v", err)
	}
	if got := vals[0].(*big.Int).String(); got != "10000000000" {
		t.Errorf("amountIn = %s", got)
	}
	if got := vals[1].(*big.Int).String(); got != call.MinOut.Raw().String() {
		t.Errorf("amountOutMin = %s, want %s", got, call.MinOut.Raw())
	}
	if got := vals[3].(common.Address); got != common.HexToAddress("0x1111111111111111111111111111111111111111") {
		t.Errorf("recipient = %s", got.Hex())
	}
	deadline := vals[4].(*big.Int).Int64()
	if min := time.Now().Unix(); deadline <= min {
		t.Errorf("deadline %d not in the future", deadline)
	}
}

func TestBuildSwapCallRejectsBadSlippage(t *testing.T) {
	v := testVenue(t, &fakeCaller{out: big.NewInt(1)})
	for _, bps := range []int64{-1, domain.BpsDenom} {
		if _, err := v.BuildSwapCall(context.Background(), testPair(), usdc(t, "1"), bps); err == nil {
			t.Errorf("slippage %d accepted", bps)
		}
	}
}
