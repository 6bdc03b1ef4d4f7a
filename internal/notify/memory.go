package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(ctx context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

// All returns a copy of every entry in insertion order.
func (m *MemoryStore) All() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemoryStore) ListRetryable(ctx context.Context, since time.Time, maxAttempts int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	retried := make(map[string]bool)
	for _, e := range m.entries {
		if e.RetryOf != "" {
			retried[e.RetryOf] = true
		}
	}

	var out []LogEntry
	for _, e := range m.entries {
		if e.Status != StatusFailed || e.Kind == KindOTP || e.Attempt >= maxAttempts || retried[e.ID] || e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) CostSummary(ctx context.Context, from, to time.Time) ([]StatusCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[Status]*StatusCost)
	for _, e := range m.entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		sc, ok := byStatus[e.Status]
		if !ok {
			sc = &StatusCost{Status: e.Status, Cost: decimal.Zero}
			byStatus[e.Status] = sc
		}
		sc.Count++
		sc.Cost = sc.Cost.Add(e.Cost)
	}

	out := make([]StatusCost, 0, len(byStatus))
	for _, sc := range byStatus {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}
