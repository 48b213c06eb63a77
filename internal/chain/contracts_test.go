package chain

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestERC20Selectors(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		t.Fatalf("parse erc20 abi: %v", err)
	}

	tests := []struct {
		method   string
		selector string
	}{
		{"balanceOf", "70a08231"},
		{"allowance", "dd62ed3e"},
		{"approve", "095ea7b3"},
	}
	for _, tt := range tests {
		m, ok := parsed.Methods[tt.method]
		if !ok {
			t.Fatalf("method %s missing from abi", tt.method)
		}
		if got := common.Bytes2Hex(m.ID); got != tt.selector {
			t.Errorf("%s selector = %s, want %s", tt.method, got, tt.selector)
		}
	}
}

func TestFlashLoanCallRoundTrip(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		t.Fatalf("parse pool abi: %v", err)
	}

	receiver := common.HexToAddress("0x1111111111111111111111111111111111111111")
	asset := common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	amount := big.NewInt(10_000_000_000)
	params := []byte{0xde, 0xad, 0xbe, 0xef}

	data, err := parsed.Pack("flashLoanSimple", receiver, asset, amount, params, uint16(0))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	method := parsed.Methods["flashLoanSimple"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Fatalf("calldata selector = %x, want %x", data[:4], method.ID)
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got := values[0].(common.Address); got != receiver {
		t.Errorf("receiver = %s, want %s", got.Hex(), receiver.Hex())
	}
	if got := values[1].(common.Address); got != asset {
		t.Errorf("asset = %s, want %s", got.Hex(), asset.Hex())
	}
	if got := values[2].(*big.Int); got.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", got, amount)
	}
	if got := values[3].([]byte); !bytes.Equal(got, params) {
		t.Errorf("params = %x, want %x", got, params)
	}
	if got := values[4].(uint16); got != 0 {
		t.Errorf("referral code = %d, want 0", got)
	}
}

func TestPoolPremiumABIShape(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		t.Fatalf("parse pool abi: %v", err)
	}
	m, ok := parsed.Methods["FLASHLOAN_PREMIUM_TOTAL"]
	if !ok {
		t.Fatal("premium method missing")
	}
	if len(m.Inputs) != 0 || len(m.Outputs) != 1 {
		t.Fatalf("unexpected premium signature: %d in, %d out", len(m.Inputs), len(m.Outputs))
	}
}
