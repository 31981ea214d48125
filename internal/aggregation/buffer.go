// Package aggregation agrupa trades pequeños del mismo mercado y dirección
// hasta que su ventana de tiempo vence.
package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Eligible reports whether a trade should wait in the buffer instead of
// executing right away: only buys below the minimum total are batched.
func Eligible(t domain.PendingTrade, minTotal float64) bool {
	return t.Side == domain.SideBuy && t.USDCSize < minTotal
}

// FlushResult separates the aggregates whose window elapsed.
type FlushResult struct {
	Ready     []*domain.AggregatedTrade // total >= minimum, to execute
	Discarded []*domain.AggregatedTrade // total < minimum, only marked
}

// Buffer holds at most one open aggregate per key. Offer and FlushReady
// take the same lock, so a trade is never appended to an aggregate that is
// being flushed.
type Buffer struct {
	mu      sync.Mutex
	groups  map[domain.AggregationKey]*domain.AggregatedTrade
	members map[domain.TradeID]domain.AggregationKey
}

// NewBuffer crea un buffer vacío.
func NewBuffer() *Buffer {
	return &Buffer{
		groups:  make(map[domain.AggregationKey]*domain.AggregatedTrade),
		members: make(map[domain.TradeID]domain.AggregationKey),
	}
}

// Offer adds a trade to the aggregate of its key, opening one if needed.
// A trade already held is ignored and Offer returns false.
func (b *Buffer) Offer(t domain.PendingTrade, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := t.ID()
	if _, ok := b.members[id]; ok {
		return false
	}

	key := t.Key()
	if agg, ok := b.groups[key]; ok {
		agg.Add(t, now)
	} else {
		b.groups[key] = domain.NewAggregatedTrade(t, now)
	}
	b.members[id] = key
	return true
}

// FlushReady removes every aggregate with now - FirstSeen >= window and
// classifies it against minTotal. Results are ordered by FirstSeen.
func (b *Buffer) FlushReady(now time.Time, window time.Duration, minTotal float64) FlushResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res FlushResult
	for key, agg := range b.groups {
		if !agg.Ready(now, window) {
			continue
		}
		delete(b.groups, key)
		for _, t := range agg.Trades {
			delete(b.members, t.ID())
		}
		if agg.TotalUSDC >= minTotal {
			res.Ready = append(res.Ready, agg)
		} else {
			res.Discarded = append(res.Discarded, agg)
		}
	}

	byFirstSeen := func(s []*domain.AggregatedTrade) {
		sort.Slice(s, func(i, j int) bool {
			if s[i].FirstSeen.Equal(s[j].FirstSeen) {
				return s[i].Key.String() < s[j].Key.String()
			}
			return s[i].FirstSeen.Before(s[j].FirstSeen)
		})
	}
	byFirstSeen(res.Ready)
	byFirstSeen(res.Discarded)
	return res
}

// Contains reports whether the trade is waiting in an open aggregate.
func (b *Buffer) Contains(id domain.TradeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[id]
	return ok
}

// Len devuelve el número de agregados abiertos.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Snapshot devuelve una copia de los agregados abiertos, para mostrar estado.
func (b *Buffer) Snapshot() []domain.AggregatedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.AggregatedTrade, 0, len(b.groups))
	for _, agg := range b.groups {
		cp := *agg
		cp.Trades = append([]domain.PendingTrade(nil), agg.Trades...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}
