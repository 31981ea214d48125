package domain

import "time"

// AggregationKey agrupa trades del mismo counterparty, mercado, token y dirección.
type AggregationKey struct {
	Counterparty string
	ConditionID  string
	Asset        string
	Side         Side
}

func (k AggregationKey) String() string {
	return k.Counterparty + ":" + k.ConditionID + ":" + k.Asset + ":" + string(k.Side)
}

// AggregatedTrade accumulates small trades sharing a key.
// AveragePrice is recomputed from the full constituent set on every Add,
// so the result does not depend on arrival order.
type AggregatedTrade struct {
	Key          AggregationKey
	Trades       []PendingTrade
	TotalUSDC    float64
	AveragePrice float64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// NewAggregatedTrade abre un agregado con su primer trade.
func NewAggregatedTrade(t PendingTrade, now time.Time) *AggregatedTrade {
	a := &AggregatedTrade{Key: t.Key(), FirstSeen: now}
	a.Add(t, now)
	return a
}

// Add appends a constituent and refreshes the totals.
func (a *AggregatedTrade) Add(t PendingTrade, now time.Time) {
	a.Trades = append(a.Trades, t)
	a.LastSeen = now
	a.TotalUSDC, a.AveragePrice = weightedTotals(a.Trades)
}

// Ready reports whether the window measured from FirstSeen has elapsed.
func (a *AggregatedTrade) Ready(now time.Time, window time.Duration) bool {
	return now.Sub(a.FirstSeen) >= window
}

// IDs devuelve las identidades de todos los trades constituyentes.
func (a *AggregatedTrade) IDs() []TradeID {
	ids := make([]TradeID, len(a.Trades))
	for i, t := range a.Trades {
		ids[i] = t.ID()
	}
	return ids
}

// Order converts the aggregate into a single copy order.
func (a *AggregatedTrade) Order() CopyOrder {
	o := CopyOrder{
		Counterparty: a.Key.Counterparty,
		ConditionID:  a.Key.ConditionID,
		Asset:        a.Key.Asset,
		Side:         a.Key.Side,
		USDCSize:     a.TotalUSDC,
		Price:        a.AveragePrice,
		Trades:       a.IDs(),
	}
	if len(a.Trades) > 0 {
		o.Title = a.Trades[0].Title
		o.Slug = a.Trades[0].Slug
	}
	return o
}

// weightedTotals devuelve Σusdc y el precio medio ponderado por nocional,
// Σ(usdc·price)/Σusdc. With zero total notional the plain mean of prices is used.
func weightedTotals(trades []PendingTrade) (total, avg float64) {
	if len(trades) == 0 {
		return 0, 0
	}
	var weighted, priceSum float64
	for _, t := range trades {
		total += t.USDCSize
		weighted += t.USDCSize * t.Price
		priceSum += t.Price
	}
	if total == 0 {
		return 0, priceSum / float64(len(trades))
	}
	return total, weighted / total
}
