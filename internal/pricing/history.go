// Package pricing keeps bounded rolling windows of venue mid prices. The
// scanner uses them to reject anomalous quotes before trusting a
// comparison; the black-swan monitor inspects them for violent moves.
package pricing

import (
	"sync"
	"time"
)

// minSamples is how many observations a series needs before the anomaly
// check has a usable mean. Below this everything is accepted.
const minSamples = 4

type sample struct {
	mid float64
	at  time.Time
}

// series is a fixed-size ring of samples for one (pair, venue).
type series struct {
	buf   []sample
	next  int
	count int
}

func (s *series) add(v sample) {
	s.buf[s.next] = v
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// ordered returns samples oldest-first.
func (s *series) ordered() []sample {
	out := make([]sample, 0, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.buf)
	}
	for i := 0; i < s.count; i++ {
		out = append(out, s.buf[(start+i)%len(s.buf)])
	}
	return out
}

func (s *series) mean() float64 {
	if s.count == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.ordered() {
		sum += v.mid
	}
	return sum / float64(s.count)
}

// History holds per-pair, per-venue price series. Safe for concurrent use:
// the scanner records while monitors read.
type History struct {
	mu   sync.RWMutex
	size int
	data map[string]map[string]*series // pairKey -> venue -> series
}

// NewHistory creates a History keeping size samples per (pair, venue).
func NewHistory(size int) *History {
	if size < minSamples {
		size = minSamples
	}
	return &History{
		size: size,
		data: make(map[string]map[string]*series),
	}
}

// Record appends one observed mid price.
func (h *History) Record(pairKey, venue string, mid float64, at time.Time) {
	if mid <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	venues, ok := h.data[pairKey]
	if !ok {
		venues = make(map[string]*series)
		h.data[pairKey] = venues
	}
	sr, ok := venues[venue]
	if !ok {
		sr = &series{buf: make([]sample, h.size)}
		venues[venue] = sr
	}
	sr.add(sample{mid: mid, at: at})
}

// Anomalous reports whether mid deviates from the venue's rolling mean by
// more than maxDeviationPct. Series with too few samples never flag: a cold
// start must not discard every comparison.
func (h *History) Anomalous(pairKey, venue string, mid, maxDeviationPct float64) bool {
	if mid <= 0 {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	sr := h.lookup(pairKey, venue)
	if sr == nil || sr.count < minSamples {
		return false
	}
	mean := sr.mean()
	if mean == 0 {
		return false
	}
	dev := (mid - mean) / mean * 100
	if dev < 0 {
		dev = -dev
	}
	return dev > maxDeviationPct
}

// Move is one venue's largest single-step price change inside a window.
type Move struct {
	Pair    string
	Venue   string
	Pct     float64 // absolute percent change between consecutive samples
	From    float64
	To      float64
	At      time.Time
}

// MaxMove returns the largest consecutive-sample move across all venues of
// all pairs within the window ending at now. Zero value when no series has
// two samples in the window.
func (h *History) MaxMove(window time.Duration, now time.Time) Move {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := now.Add(-window)
	var worst Move
	for pairKey, venues := range h.data {
		for venue, sr := range venues {
			samples := sr.ordered()
			for i := 1; i < len(samples); i++ {
				prev, cur := samples[i-1], samples[i]
				if cur.at.Before(cutoff) || prev.mid == 0 {
					continue
				}
				pct := (cur.mid - prev.mid) / prev.mid * 100
				if pct < 0 {
					pct = -pct
				}
				if pct > worst.Pct {
					worst = Move{Pair: pairKey, Venue: venue, Pct: pct, From: prev.mid, To: cur.mid, At: cur.at}
				}
			}
		}
	}
	return worst
}

// Snapshot returns the latest mid per venue for a pair, for status APIs.
func (h *History) Snapshot(pairKey string) map[string]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]float64)
	for venue, sr := range h.data[pairKey] {
		samples := sr.ordered()
		if len(samples) > 0 {
			out[venue] = samples[len(samples)-1].mid
		}
	}
	return out
}

func (h *History) lookup(pairKey, venue string) *series {
	if venues, ok := h.data[pairKey]; ok {
		return venues[venue]
	}
	return nil
}
