package domain

import "strings"

// Token describes one ERC-20 asset traded by the bot.
type Token struct {
	Address  string // 0x-prefixed, 20 bytes
	Symbol   string
	Decimals uint8
}

// Pair is an ordered (in, out) combination scanned for price discrepancies.
// In is the borrowed/quote asset, Out the asset bought and sold back.
type Pair struct {
	In  Token
	Out Token
}

// Key returns the canonical "IN/OUT" form used in logs, cache keys, and the
// in-flight exclusion set.
func (p Pair) Key() string {
	return p.In.Symbol + "/" + p.Out.Symbol
}

// Valid reports whether both legs carry an address and a positive decimal
// precision. Pairs are validated once at config load; downstream code
// trusts them.
func (p Pair) Valid() bool {
	return validToken(p.In) && validToken(p.Out)
}

func validToken(t Token) bool {
	return strings.HasPrefix(t.Address, "0x") && len(t.Address) == 42 && t.Symbol != ""
}
