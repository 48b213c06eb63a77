// Package chain adapts an EVM node behind the pipeline's read and
// transaction interfaces. All RPC calls share a client-side rate limiter
// so scan bursts cannot exhaust the provider quota.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flasharb/internal/crypto"
	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Config holds node connection parameters.
type Config struct {
	RPCURL       string
	ChainID      int64
	RateLimit    int           // RPC requests per second
	Burst        int           // limiter burst
	PollInterval time.Duration // receipt polling cadence
}

// Client implements domain.ChainState against a JSON-RPC node. The wallet
// is optional; without one the client is read-only and transaction methods
// fail.
type Client struct {
	eth     *ethclient.Client
	limiter *rate.Limiter
	wallet  *crypto.Wallet
	erc20   abi.ABI
	poll    time.Duration
	logger  *slog.Logger
}

var _ domain.ChainState = (*Client)(nil)

// Dial connects to the node and verifies the chain ID matches the
// configured one.
func Dial(ctx context.Context, cfg Config, wallet *crypto.Wallet, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dialing node: %w", err)
	}

	id, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: reading chain id: %w", err)
	}
	if cfg.ChainID != 0 && id.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain: node reports chain %d, config expects %d", id.Int64(), cfg.ChainID)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: parsing erc20 abi: %w", err)
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RateLimit * 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	c := &Client{
		eth:     eth,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		wallet:  wallet,
		erc20:   parsed,
		poll:    cfg.PollInterval,
		logger:  logger.With(slog.String("component", "chain")),
	}
	c.logger.Info("connected to node",
		slog.Int64("chain_id", id.Int64()),
		slog.Int("rate_limit", cfg.RateLimit),
	)
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Sender returns the hot wallet address, or empty without a wallet.
func (c *Client) Sender() string {
	if c.wallet == nil {
		return ""
	}
	return c.wallet.Address().Hex()
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	return price, nil
}

// NativeBalance returns the native-coin balance of owner in wei.
func (c *Client) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(owner), nil)
	if err != nil {
		return nil, fmt.Errorf("chain: native balance of %s: %w", owner, err)
	}
	return bal, nil
}

// BalanceOf returns owner's balance of an ERC-20 token in smallest units.
func (c *Client) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := c.callERC20(ctx, token, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Allowance returns how much spender may move of owner's token balance.
func (c *Client) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := c.callERC20(ctx, token, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve submits an ERC-20 approval and returns the transaction hash
// without waiting for it to mine.
func (c *Client) Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	if c.wallet == nil {
		return "", domain.E(domain.KindConfiguration, "chain: approve requires a wallet")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	opts, err := c.wallet.TransactOpts(ctx)
	if err != nil {
		return "", err
	}
	contract := bind.NewBoundContract(common.HexToAddress(token), c.erc20, c.eth, c.eth, c.eth)
	tx, err := contract.Transact(opts, "approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", fmt.Errorf("chain: approve %s for %s: %w", token, spender, err)
	}

	c.logger.InfoContext(ctx, "approval submitted",
		slog.String("token", token),
		slog.String("spender", spender),
		slog.String("tx", tx.Hash().Hex()),
	)
	return tx.Hash().Hex(), nil
}

// WaitMined polls for the receipt of txHash until it lands or ctx ends.
func (c *Client) WaitMined(ctx context.Context, txHash string) (domain.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Receipt{}, err
		}
		rcpt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			out := domain.Receipt{
				TxHash:            txHash,
				Status:            rcpt.Status,
				BlockNumber:       rcpt.BlockNumber.Uint64(),
				GasUsed:           rcpt.GasUsed,
				EffectiveGasPrice: rcpt.EffectiveGasPrice,
			}
			return out, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return domain.Receipt{}, fmt.Errorf("chain: receipt of %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("chain: waiting for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Call performs a rate-limited read-only contract call. Venue adapters
// use it so every RPC shares one limiter.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: contract call: %w", err)
	}
	return raw, nil
}

// callERC20 makes a read-only token call and decodes a single uint256.
func (c *Client) callERC20(ctx context.Context, token, method string, args ...any) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: packing %s: %w", method, err)
	}
	addr := common.HexToAddress(token)
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: %s on %s: %w", method, token, err)
	}

	outs, err := c.erc20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: decoding %s: %w", method, err)
	}
	if len(outs) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(outs))
	}
	value, ok := outs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, outs[0])
	}
	return value, nil
}
