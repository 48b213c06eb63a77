package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// PoolConfig identifies the flash-loan pool and the deployed receiver
// contract that runs the swap legs.
type PoolConfig struct {
	PoolAddress     string
	ReceiverAddress string
	FallbackFeeBps  int64
}

// AavePool fronts an Aave V3 pool as the loan provider. The pool premium
// is read once and cached; it changes only by governance action.
type AavePool struct {
	client   *Client
	pool     common.Address
	receiver common.Address
	abi      abi.ABI
	fallback int64
	logger   *slog.Logger

	mu     sync.Mutex
	feeBps int64
	hasFee bool
}

var _ domain.LoanProvider = (*AavePool)(nil)

// NewAavePool wires the loan provider to an existing chain client.
func NewAavePool(client *Client, cfg PoolConfig, logger *slog.Logger) (*AavePool, error) {
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parsing pool abi: %w", err)
	}
	return &AavePool{
		client:   client,
		pool:     common.HexToAddress(cfg.PoolAddress),
		receiver: common.HexToAddress(cfg.ReceiverAddress),
		abi:      parsed,
		fallback: cfg.FallbackFeeBps,
		logger:   logger.With(slog.String("component", "loan")),
	}, nil
}

// FeeBps returns the pool's flash-loan premium in basis points. A failed
// read falls back to the configured value so scanning keeps working when
// the node is flaky.
func (p *AavePool) FeeBps(ctx context.Context) (int64, error) {
	p.mu.Lock()
	if p.hasFee {
		fee := p.feeBps
		p.mu.Unlock()
		return fee, nil
	}
	p.mu.Unlock()

	fee, err := p.readPremium(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "premium read failed, using fallback",
			slog.Int64("fallback_bps", p.fallback),
			slog.String("error", err.Error()),
		)
		return p.fallback, nil
	}

	p.mu.Lock()
	p.feeBps, p.hasFee = fee, true
	p.mu.Unlock()
	return fee, nil
}

// FlashBorrow submits flashLoanSimple and returns the transaction hash.
// params travels opaque to the receiver contract, which decodes the two
// swap legs inside the loan callback.
func (p *AavePool) FlashBorrow(ctx context.Context, asset string, amount *big.Int, params []byte) (string, error) {
	if p.client.wallet == nil {
		return "", domain.E(domain.KindConfiguration, "chain: flash borrow requires a wallet")
	}
	if err := p.client.limiter.Wait(ctx); err != nil {
		return "", err
	}

	opts, err := p.client.wallet.TransactOpts(ctx)
	if err != nil {
		return "", err
	}
	contract := bind.NewBoundContract(p.pool, p.abi, p.client.eth, p.client.eth, p.client.eth)
	tx, err := contract.Transact(opts, "flashLoanSimple",
		p.receiver, common.HexToAddress(asset), amount, params, uint16(0))
	if err != nil {
		return "", fmt.Errorf("chain: flash loan submit: %w", err)
	}

	p.logger.InfoContext(ctx, "flash loan submitted",
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
		slog.String("tx", tx.Hash().Hex()),
	)
	return tx.Hash().Hex(), nil
}

func (p *AavePool) readPremium(ctx context.Context) (int64, error) {
	if err := p.client.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	data, err := p.abi.Pack("FLASHLOAN_PREMIUM_TOTAL")
	if err != nil {
		return 0, fmt.Errorf("chain: packing premium call: %w", err)
	}
	raw, err := p.client.eth.CallContract(ctx, ethereum.CallMsg{To: &p.pool, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: premium call: %w", err)
	}
	outs, err := p.abi.Unpack("FLASHLOAN_PREMIUM_TOTAL", raw)
	if err != nil {
		return 0, fmt.Errorf("chain: decoding premium: %w", err)
	}
	premium, ok := outs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: premium returned %T", outs[0])
	}
	return premium.Int64(), nil
}
