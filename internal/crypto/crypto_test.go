package crypto

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	// Private key 0x01 and its well-known derived address.
	testKeyHex  = "0000000000000000000000000000000000000000000000000000000000000001"
	testAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	plain, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if plain != testKeyHex {
		t.Fatalf("round trip = %q, want %q", plain, testKeyHex)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("decryption with wrong password must fail")
	}
}

func TestLoadKeyPrecedence(t *testing.T) {
	// A raw key wins even when a file path is also set.
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex, EncryptedKeyPath: "/nonexistent"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if k != testKeyHex {
		t.Fatalf("LoadKey = %q, want prefix-stripped raw key", k)
	}

	blob, err := EncryptKey(testKeyHex, "pw")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	k, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("LoadKey from file: %v", err)
	}
	if k != testKeyHex {
		t.Fatalf("LoadKey from file = %q, want %q", k, testKeyHex)
	}

	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("LoadKey with no source must fail")
	}
}

func TestNewWalletDerivesAddress(t *testing.T) {
	w, err := NewWallet(testKeyHex, 1)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	if got := w.Address().Hex(); got != testAddress {
		t.Fatalf("Address = %s, want %s", got, testAddress)
	}

	// 0x prefix is accepted too.
	w2, err := NewWallet("0x"+testKeyHex, 1)
	if err != nil {
		t.Fatalf("NewWallet with prefix: %v", err)
	}
	if w2.Address() != w.Address() {
		t.Fatal("prefix changed the derived address")
	}

	if _, err := NewWallet("not-hex", 1); err == nil {
		t.Fatal("invalid key must be rejected")
	}
	if _, err := NewWallet(strings.Repeat("0", 64), 1); err == nil {
		t.Fatal("zero key must be rejected")
	}
}

func TestTransactOptsBindToWallet(t *testing.T) {
	w, err := NewWallet(testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	opts, err := w.TransactOpts(context.Background())
	if err != nil {
		t.Fatalf("TransactOpts: %v", err)
	}
	if opts.From != w.Address() {
		t.Fatalf("opts.From = %s, want %s", opts.From, w.Address())
	}
	if opts.Signer == nil || opts.Context == nil {
		t.Fatal("opts missing signer or context")
	}
}
