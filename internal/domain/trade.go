package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side es la dirección de un trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normaliza el lado que devuelve la API. Devuelve error para valores desconocidos.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// ActivityTrade is the only activity type the engine acts on. The monitor
// drops the others (REDEEM, SPLIT, MERGE, REWARD) before storing.
const ActivityTrade = "TRADE"

// TradeID identifica un trade detectado. The transaction hash is only unique per counterparty.
type TradeID struct {
	Counterparty    string
	TransactionHash string
}

func (id TradeID) String() string {
	return id.Counterparty + ":" + id.TransactionHash
}

// PendingTrade es un trade del counterparty detectado y persistido, todavía sin copiar.
// The engine treats it as an immutable snapshot; only storage flags change.
type PendingTrade struct {
	TransactionHash string
	Counterparty    string
	Type            string
	ConditionID     string
	Asset           string // token id
	Side            Side
	Size            float64 // tokens
	USDCSize        float64 // notional
	Price           float64
	Timestamp       time.Time

	Title        string
	Slug         string
	EventSlug    string
	Outcome      string
	OutcomeIndex int

	Processed bool
	Attempts  int
}

// ID returns the trade identity.
func (t PendingTrade) ID() TradeID {
	return TradeID{Counterparty: t.Counterparty, TransactionHash: t.TransactionHash}
}

// Key devuelve la clave de agregación del trade.
func (t PendingTrade) Key() AggregationKey {
	return AggregationKey{
		Counterparty: t.Counterparty,
		ConditionID:  t.ConditionID,
		Asset:        t.Asset,
		Side:         t.Side,
	}
}

// CopyOrder es lo que recibe el executor: un trade individual o un agregado.
type CopyOrder struct {
	Counterparty string
	ConditionID  string
	Asset        string
	Side         Side
	USDCSize     float64 // counterparty notional to mirror
	Price        float64 // counterparty price (weighted average for aggregates)
	Title        string
	Slug         string
	Trades       []TradeID
}

// OrderFromTrade builds the order for a single, non-aggregated trade.
func OrderFromTrade(t PendingTrade) CopyOrder {
	return CopyOrder{
		Counterparty: t.Counterparty,
		ConditionID:  t.ConditionID,
		Asset:        t.Asset,
		Side:         t.Side,
		USDCSize:     t.USDCSize,
		Price:        t.Price,
		Title:        t.Title,
		Slug:         t.Slug,
		Trades:       []TradeID{t.ID()},
	}
}

// Label devuelve un nombre corto para logs.
func (o CopyOrder) Label() string {
	name := o.Title
	if name == "" {
		name = o.Slug
	}
	if name == "" {
		name = o.ConditionID
	}
	if len(name) > 40 {
		name = name[:37] + "..."
	}
	return name
}
