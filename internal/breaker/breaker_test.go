package breaker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) ListByEvent(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memAudit) byEvent(event string) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus { return &memBus{messages: make(map[string][][]byte)} }

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[channel] = append(m.messages[channel], payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

var (
	_ domain.KVStore    = (*memKV)(nil)
	_ domain.AuditStore = (*memAudit)(nil)
	_ domain.SignalBus  = (*memBus)(nil)
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestTripLatchesAndRecords(t *testing.T) {
	kv := newMemKV()
	audit := &memAudit{}
	bus := newMemBus()
	notifier := &memNotifier{}
	m := metrics.New()
	b := New(kv, audit, bus, notifier, m, testLogger())
	ctx := context.Background()

	if b.Tripped() {
		t.Fatal("new breaker must start untripped")
	}

	ev := b.Trip(ctx, domain.TripDailyLoss, "512.40", "500")
	if !b.Tripped() {
		t.Fatal("Trip did not set the latch")
	}
	if ev.Reason != domain.TripDailyLoss || ev.Trigger != "512.40" || ev.Threshold != "500" {
		t.Fatalf("event fields wrong: %+v", ev)
	}
	if ev.ID == "" || ev.TrippedAt.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", ev)
	}

	last, ok := b.LastEvent()
	if !ok || last.ID != ev.ID {
		t.Fatalf("LastEvent = %+v ok=%v, want the trip event", last, ok)
	}
	if got := testutil.ToFloat64(m.BreakerTrips); got != 1 {
		t.Fatalf("breaker_trips_total = %v, want 1", got)
	}
	if got := len(audit.byEvent("breaker_tripped")); got != 1 {
		t.Fatalf("audit rows = %d, want 1", got)
	}
	if got := len(bus.messages[BusChannel]); got != 1 {
		t.Fatalf("bus messages = %d, want 1", got)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "breaker_tripped" {
		t.Fatalf("notifications = %v", notifier.events)
	}
	if kv.data[pausedKey] != "1" {
		t.Fatalf("paused flag = %q, want 1", kv.data[pausedKey])
	}
}

func TestTripIsIdempotentWhileTripped(t *testing.T) {
	audit := &memAudit{}
	m := metrics.New()
	b := New(newMemKV(), audit, nil, nil, m, testLogger())
	ctx := context.Background()

	first := b.Trip(ctx, domain.TripConsecutiveFailures, "3", "3")
	second := b.Trip(ctx, domain.TripDailyLoss, "900", "500")

	if second.ID != first.ID {
		t.Fatalf("second trip created a new event: %s vs %s", second.ID, first.ID)
	}
	if got := len(audit.byEvent("breaker_tripped")); got != 1 {
		t.Fatalf("audit rows = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerTrips); got != 1 {
		t.Fatalf("breaker_trips_total = %v, want 1", got)
	}
}

func TestConcurrentTripsProduceOneEvent(t *testing.T) {
	audit := &memAudit{}
	b := New(newMemKV(), audit, nil, nil, metrics.New(), testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Trip(ctx, domain.TripBlackSwan, "12.5", "10")
		}()
	}
	wg.Wait()

	if got := len(audit.byEvent("breaker_tripped")); got != 1 {
		t.Fatalf("audit rows = %d, want exactly 1", got)
	}
}

func TestResetRules(t *testing.T) {
	kv := newMemKV()
	b := New(kv, &memAudit{}, nil, nil, metrics.New(), testLogger())
	ctx := context.Background()

	if err := b.Reset(ctx, "ops"); err == nil {
		t.Fatal("reset of an untripped breaker must fail")
	}

	b.Trip(ctx, domain.TripManual, "operator request", "")
	if err := b.Reset(ctx, ""); err == nil {
		t.Fatal("reset without an operator must fail")
	}
	if !b.Tripped() {
		t.Fatal("failed reset must not clear the latch")
	}

	if err := b.Reset(ctx, "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if b.Tripped() {
		t.Fatal("latch still set after reset")
	}
	last, ok := b.LastEvent()
	if !ok || !last.Resolved || last.ResolvedBy != "alice" {
		t.Fatalf("event not marked resolved: %+v", last)
	}
	if kv.data[pausedKey] != "0" {
		t.Fatalf("paused flag = %q, want 0", kv.data[pausedKey])
	}
}

func TestHaltLatchesWithoutPersisting(t *testing.T) {
	kv := newMemKV()
	audit := &memAudit{}
	bus := newMemBus()
	notifier := &memNotifier{}
	b := New(kv, audit, bus, notifier, metrics.New(), testLogger())
	ctx := context.Background()

	b.Halt(ctx)
	if !b.Tripped() {
		t.Fatal("Halt did not set the latch")
	}
	last, ok := b.LastEvent()
	if !ok || last.Reason != domain.TripShutdown {
		t.Fatalf("LastEvent = %+v ok=%v, want a shutdown event", last, ok)
	}
	if got := len(bus.messages[BusChannel]); got != 1 {
		t.Fatalf("bus messages = %d, want 1", got)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("halt must not page operators, got %v", notifier.events)
	}
	if got := len(audit.byEvent("breaker_tripped")); got != 0 {
		t.Fatalf("halt must not audit a trip, got %d rows", got)
	}
	if _, ok := kv.data[pausedKey]; ok {
		t.Fatal("halt must not persist the paused flag")
	}

	// The next start comes up clean.
	b2 := New(kv, nil, nil, nil, metrics.New(), testLogger())
	if err := b2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if b2.Tripped() {
		t.Fatal("breaker restored tripped after a shutdown halt")
	}
}

func TestHaltKeepsRealTripEvent(t *testing.T) {
	b := New(newMemKV(), nil, nil, nil, metrics.New(), testLogger())
	ctx := context.Background()

	ev := b.Trip(ctx, domain.TripDrawdown, "6.2", "5")
	b.Halt(ctx)

	last, ok := b.LastEvent()
	if !ok || last.ID != ev.ID || last.Reason != domain.TripDrawdown {
		t.Fatalf("halt overwrote the trip event: %+v", last)
	}
}

func TestRestoreReloadsTrippedState(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()

	b1 := New(kv, nil, nil, nil, metrics.New(), testLogger())
	ev := b1.Trip(ctx, domain.TripReconciliation, "1.42", "1.0")

	// Simulated restart: a fresh breaker against the same store.
	b2 := New(kv, nil, nil, nil, metrics.New(), testLogger())
	if err := b2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !b2.Tripped() {
		t.Fatal("restored breaker must stay tripped")
	}
	last, ok := b2.LastEvent()
	if !ok || last.ID != ev.ID || last.Reason != domain.TripReconciliation {
		t.Fatalf("restored event = %+v ok=%v", last, ok)
	}

	// After a reset the next restart comes up clean.
	if err := b2.Reset(ctx, "ops"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	b3 := New(kv, nil, nil, nil, metrics.New(), testLogger())
	if err := b3.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if b3.Tripped() {
		t.Fatal("breaker restored tripped after reset")
	}
}
