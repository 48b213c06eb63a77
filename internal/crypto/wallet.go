package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet wraps the hot wallet's secp256k1 key and produces signed
// transactor options for contract calls.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewWallet creates a Wallet from a hex-encoded private key and the target
// chain ID. The key may carry an optional 0x prefix.
func NewWallet(privateKeyHex string, chainID int64) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Wallet{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the address derived from the wallet's private key.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// TransactOpts returns signing options bound to ctx. Gas parameters are
// left nil so the node suggests them at send time.
func (w *Wallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("crypto: building transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
