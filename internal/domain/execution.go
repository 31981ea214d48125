package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderDecision es el resultado del sizing policy para una orden.
// FinalAmount == 0 means the order must not be executed.
type OrderDecision struct {
	SourceAmount     float64
	Strategy         string
	BaseAmount       float64
	Multiplier       float64
	FinalAmount      float64
	CappedByMax      bool
	ReducedByBalance bool
	BelowMinimum     bool
	Rationale        string
}

// Condition is how a copy order is carried out locally.
type Condition string

const (
	ConditionBuy   Condition = "buy"
	ConditionMerge Condition = "merge" // unwind the local position in the market
	ConditionSell  Condition = "sell"
)

// DeriveCondition decide cómo copiar un trade según el lado y la posición local.
func DeriveCondition(side Side, hasPosition bool) Condition {
	switch {
	case side == SideBuy:
		return ConditionBuy
	case hasPosition:
		return ConditionMerge
	default:
		return ConditionSell
	}
}

// OutcomeStatus es el estado terminal de un ciclo de ejecución.
type OutcomeStatus string

const (
	OutcomeSucceeded                OutcomeStatus = "SUCCEEDED"
	OutcomeAbortedInsufficientFunds OutcomeStatus = "ABORTED_INSUFFICIENT_FUNDS"
	OutcomeRetriesExhausted         OutcomeStatus = "RETRIES_EXHAUSTED"
	OutcomeSkippedZeroAmount        OutcomeStatus = "SKIPPED_ZERO_AMOUNT"
	OutcomeSkippedPriceMoved        OutcomeStatus = "SKIPPED_PRICE_MOVED"
	OutcomeDiscardedBelowMinimum    OutcomeStatus = "DISCARDED_BELOW_MINIMUM"
	OutcomePreExisting              OutcomeStatus = "PRE_EXISTING"
)

// Submitted reports whether the status implies at least one order attempt.
func (s OutcomeStatus) Submitted() bool {
	switch s {
	case OutcomeSucceeded, OutcomeAbortedInsufficientFunds, OutcomeRetriesExhausted:
		return true
	}
	return false
}

// ExecutionOutcome is written back exactly once onto every originating trade.
type ExecutionOutcome struct {
	ID           string
	Status       OutcomeStatus
	Condition    Condition
	Counterparty string
	ConditionID  string
	Asset        string
	Side         Side
	Decision     *OrderDecision
	Requested    float64 // USDC for buy, tokens for merge/sell
	FilledUSDC   float64
	FilledTokens float64
	Attempts     int
	Reason       string
	Trades       []TradeID
	FinishedAt   time.Time
}

// Summary devuelve una línea legible con el resultado.
func (o ExecutionOutcome) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", o.Status, o.Condition)
	if o.Requested > 0 {
		unit := "$"
		if o.Condition != ConditionBuy {
			unit = "tokens "
		}
		fmt.Fprintf(&sb, " requested %s%.2f", unit, o.Requested)
	}
	if o.FilledTokens > 0 {
		fmt.Fprintf(&sb, " filled %.2f tokens ($%.2f)", o.FilledTokens, o.FilledUSDC)
	}
	if o.Attempts > 0 {
		fmt.Fprintf(&sb, " in %d attempt(s)", o.Attempts)
	}
	if o.Reason != "" {
		sb.WriteString(": " + o.Reason)
	}
	return sb.String()
}

// MarketOrder es una orden de mercado (fill-or-kill) lista para enviar.
// Amount is USDC for BUY and tokens for SELL.
type MarketOrder struct {
	ConditionID string
	Asset       string
	Side        Side
	Amount      float64
	Price       float64 // limit taken from the book level
}

// Fill es lo que el venue reporta tras una orden de mercado.
type Fill struct {
	OrderID string
	Tokens  float64
	USDC    float64
	Pending bool // accepted but not matched yet (delayed/live); amounts are the signed ones
}

// Position is an open holding in one outcome token.
type Position struct {
	Owner        string
	ConditionID  string
	Asset        string
	Size         float64 // tokens
	AvgPrice     float64
	CurrentValue float64
	Title        string
	Outcome      string
}

// Exposure is the cost basis of the position in USDC.
func (p Position) Exposure() float64 {
	return p.Size * p.AvgPrice
}

// FindPosition busca la posición en el mercado dado. An exact token match wins
// over another outcome of the same condition.
func FindPosition(positions []Position, conditionID, asset string) (Position, bool) {
	fallback := -1
	for i, p := range positions {
		if p.Size <= 0 || p.ConditionID != conditionID {
			continue
		}
		if p.Asset == asset {
			return p, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return positions[fallback], true
	}
	return Position{}, false
}
