package executor

import (
	"math/big"
	"sync"
)

// approvalCache remembers allowance grants made by this process, keyed by
// asset and spender. It is a hint only: the executor re-reads the chain
// before every trade, the cache just skips re-approving spenders that
// already hold a sufficient grant.
type approvalCache struct {
	mu     sync.Mutex
	grants map[string]*big.Int
}

func newApprovalCache() *approvalCache {
	return &approvalCache{grants: make(map[string]*big.Int)}
}

func approvalKey(asset, spender string) string {
	return asset + "|" + spender
}

func (c *approvalCache) get(asset, spender string) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.grants[approvalKey(asset, spender)]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

func (c *approvalCache) store(asset, spender string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[approvalKey(asset, spender)] = new(big.Int).Set(amount)
}

func (c *approvalCache) invalidate(asset, spender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, approvalKey(asset, spender))
}
