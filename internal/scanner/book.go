package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

// claimTTL bounds how long a taken opportunity keeps its pair excluded
// when the execution never reports back. Matches the opportunity TTL
// so a leaked claim clears within one expiry window.
const claimTTL = domain.OpportunityTTL

// book is the scanner's in-memory opportunity set: open entries the
// control API can execute, plus per-pair in-flight claims that keep a
// pair from being emitted again while a trade on it is running.
type book struct {
	mu      sync.Mutex
	entries map[string]domain.Opportunity // by ID
	byPair  map[string]string             // pair key -> open opportunity ID
	claims  map[string]claim              // pair key -> active execution
	metrics *metrics.Metrics
}

type claim struct {
	id string
	at time.Time
}

func newBook(m *metrics.Metrics) *book {
	return &book{
		entries: make(map[string]domain.Opportunity),
		byPair:  make(map[string]string),
		claims:  make(map[string]claim),
		metrics: m,
	}
}

// add inserts a fresh opportunity, superseding any open entry for the
// same pair.
func (b *book) add(opp domain.Opportunity, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)

	key := opp.Pair.Key()
	if prev, ok := b.byPair[key]; ok {
		delete(b.entries, prev)
	}
	b.entries[opp.ID] = opp
	b.byPair[key] = opp.ID
	b.gaugeLocked()
}

// list returns the open, unexpired entries newest first.
func (b *book) list(now time.Time) []domain.Opportunity {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)

	out := make([]domain.Opportunity, 0, len(b.entries))
	for _, o := range b.entries {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	return out
}

func (b *book) get(id string, now time.Time) (domain.Opportunity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)

	o, ok := b.entries[id]
	return o, ok
}

// take removes the entry from the open set and claims its pair. The
// claim stands until release or claimTTL, whichever comes first.
func (b *book) take(id string, now time.Time) (domain.Opportunity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)

	o, ok := b.entries[id]
	if !ok {
		return domain.Opportunity{}, false
	}
	delete(b.entries, id)
	delete(b.byPair, o.Pair.Key())
	b.claims[o.Pair.Key()] = claim{id: id, at: now}
	b.gaugeLocked()
	return o, true
}

// release drops the claim created by take for the given opportunity.
func (b *book) release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, c := range b.claims {
		if c.id == id {
			delete(b.claims, key)
			return
		}
	}
}

// inFlight reports whether the pair has an unexpired execution claim.
func (b *book) inFlight(pairKey string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.claims[pairKey]
	if !ok {
		return false
	}
	if now.Sub(c.at) > claimTTL {
		delete(b.claims, pairKey)
		return false
	}
	return true
}

// pruneLocked drops expired opportunities and stale claims.
func (b *book) pruneLocked(now time.Time) {
	for id, o := range b.entries {
		if o.Expired(now) {
			delete(b.entries, id)
			delete(b.byPair, o.Pair.Key())
		}
	}
	for key, c := range b.claims {
		if now.Sub(c.at) > claimTTL {
			delete(b.claims, key)
		}
	}
	b.gaugeLocked()
}

func (b *book) gaugeLocked() {
	b.metrics.OpportunitiesOpen.Set(float64(len(b.entries)))
}
