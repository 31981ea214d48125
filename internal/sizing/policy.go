// Package sizing decide cuánto copiar de cada trade.
//
// Compute is a pure function of (source amount, balance, exposure): the same
// inputs always yield the same OrderDecision, rationale included.
package sizing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const clauseSep = " → "

// Strategy computes the base amount before any limits apply.
// The set of strategies is closed; see Percentage, Fixed and Adaptive.
type Strategy interface {
	Name() string
	base(source float64) (amount float64, clause string)
}

// Percentage copia un porcentaje fijo del nocional del trader.
type Percentage struct {
	Pct float64
}

func (Percentage) Name() string { return "PERCENTAGE" }

func (s Percentage) base(source float64) (float64, string) {
	amount := source * s.Pct / 100
	return amount, fmt.Sprintf("%s%% of trader's $%.2f = $%.2f", formatPct(s.Pct), source, amount)
}

// Fixed copia siempre el mismo importe en USDC.
type Fixed struct {
	Amount float64
}

func (Fixed) Name() string { return "FIXED" }

func (s Fixed) base(float64) (float64, string) {
	return s.Amount, fmt.Sprintf("Fixed amount: $%.2f", s.Amount)
}

// Adaptive copies a percentage that depends on the trader's order size.
// PercentFor is the tiering hook; nil means the constant BasePct.
type Adaptive struct {
	BasePct    float64
	PercentFor func(source float64) float64
}

func (Adaptive) Name() string { return "ADAPTIVE" }

func (s Adaptive) base(source float64) (float64, string) {
	pct := s.BasePct
	if s.PercentFor != nil {
		pct = s.PercentFor(source)
	}
	amount := source * pct / 100
	return amount, fmt.Sprintf("Adaptive %.1f%% of trader's $%.2f = $%.2f", pct, source, amount)
}

// ParseStrategy builds the strategy named in config. copySize is a percent
// for PERCENTAGE and ADAPTIVE and a USDC amount for FIXED.
func ParseStrategy(name string, copySize float64) (Strategy, error) {
	switch strings.ToUpper(name) {
	case "PERCENTAGE":
		return Percentage{Pct: copySize}, nil
	case "FIXED":
		return Fixed{Amount: copySize}, nil
	case "ADAPTIVE":
		return Adaptive{BasePct: copySize}, nil
	default:
		return nil, fmt.Errorf("sizing.ParseStrategy: unknown strategy %q", name)
	}
}

// MultiplierFunc escala el importe base según el tamaño del trader.
type MultiplierFunc func(source float64) float64

// Identity es el multiplicador por defecto.
func Identity(float64) float64 { return 1 }

// Limits are the hard bounds applied after the strategy.
type Limits struct {
	MaxOrderUSD    float64
	MinOrderUSD    float64
	SafetyBuffer   float64 // fraction of the balance that may be spent
	MaxPositionUSD float64 // 0 disables the per-market exposure cap
}

// Policy combina estrategia, multiplicador y límites.
type Policy struct {
	strategy   Strategy
	multiplier MultiplierFunc
	limits     Limits
}

// NewPolicy crea un Policy. A nil multiplier means Identity.
func NewPolicy(strategy Strategy, multiplier MultiplierFunc, limits Limits) *Policy {
	if multiplier == nil {
		multiplier = Identity
	}
	if limits.SafetyBuffer <= 0 {
		limits.SafetyBuffer = 0.99
	}
	return &Policy{strategy: strategy, multiplier: multiplier, limits: limits}
}

// Strategy devuelve la estrategia configurada.
func (p *Policy) Strategy() Strategy { return p.strategy }

// Compute runs the stages strategy → multiplier → cap → balance → floor.
// Every stage that changes the amount appends one clause to the rationale.
func (p *Policy) Compute(source, balance, exposure float64) domain.OrderDecision {
	source = nonNegative(source)
	balance = nonNegative(balance)
	exposure = nonNegative(exposure)

	base, clause := p.strategy.base(source)
	base = nonNegative(base)
	clauses := []string{clause}

	d := domain.OrderDecision{
		SourceAmount: source,
		Strategy:     p.strategy.Name(),
		BaseAmount:   base,
	}

	m := p.multiplier(source)
	if m < 0 || math.IsNaN(m) {
		m = 0
	}
	d.Multiplier = m
	amount := base * m
	if m != 1 {
		clauses = append(clauses, fmt.Sprintf("%sx multiplier: $%.2f → $%.2f", formatPct(m), base, amount))
	}

	if amount > p.limits.MaxOrderUSD {
		amount = p.limits.MaxOrderUSD
		d.CappedByMax = true
		clauses = append(clauses, fmt.Sprintf("Capped at max $%.2f", p.limits.MaxOrderUSD))
	}

	if p.limits.MaxPositionUSD > 0 && exposure+amount > p.limits.MaxPositionUSD {
		room := nonNegative(p.limits.MaxPositionUSD - exposure)
		amount = room
		d.CappedByMax = true
		clauses = append(clauses, fmt.Sprintf("Capped by position limit $%.2f (held $%.2f)", p.limits.MaxPositionUSD, exposure))
	}

	affordable := balance * p.limits.SafetyBuffer
	if amount > affordable {
		amount = affordable
		d.ReducedByBalance = true
		clauses = append(clauses, fmt.Sprintf("Reduced to fit balance ($%.2f)", affordable))
	}

	if amount < p.limits.MinOrderUSD || amount <= 0 {
		d.BelowMinimum = true
		clauses = append(clauses, fmt.Sprintf("Below minimum $%.2f", p.limits.MinOrderUSD))
		amount = 0
	}

	d.FinalAmount = amount
	d.Rationale = strings.Join(clauses, clauseSep)
	return d
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// formatPct imprime 10 como "10" y 12.5 como "12.5".
func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
