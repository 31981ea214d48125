// Package execution drives one copy order from decision to a marked outcome.
//
// States: Decided → Attempting → {Succeeded, AbortedInsufficientFunds,
// RetriesExhausted, Skipped*} → Marked. Every terminal state is marked exactly
// once onto all originating trades.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
	"github.com/alejandrodnm/polycopy/internal/sizing"
)

// Config bounds the executor.
type Config struct {
	Wallet            string // local wallet whose positions are read
	RetryLimit        int
	NetworkRetries    int
	NetworkBackoff    time.Duration
	MaxPriceSlippage  float64 // absolute price distance allowed over the trader's price
	MinPositionTokens float64
	FillTolerance     float64
}

// DefaultConfig devuelve los valores por defecto.
func DefaultConfig() Config {
	return Config{
		RetryLimit:        3,
		NetworkRetries:    3,
		NetworkBackoff:    500 * time.Millisecond,
		MaxPriceSlippage:  0.05,
		MinPositionTokens: 1,
		FillTolerance:     0.01,
	}
}

var errNotFilled = errors.New("order not filled")

// Executor runs copy orders one at a time. It is not safe for concurrent
// Execute calls on the same trades; the copier serializes them.
type Executor struct {
	cfg       Config
	policy    *sizing.Policy
	orders    ports.OrderSubmitter
	balance   ports.BalanceProvider
	positions ports.PositionProvider
	store     ports.TradeStore
	notifier  ports.Notifier
	now       func() time.Time

	mu     sync.Mutex
	parked map[string]domain.ExecutionOutcome // outcome ID → outcome whose mark failed
	held   map[domain.TradeID]string          // trade → parked outcome ID
}

// New crea un Executor con todas las dependencias inyectadas. notifier may be nil.
func New(
	cfg Config,
	policy *sizing.Policy,
	orders ports.OrderSubmitter,
	balance ports.BalanceProvider,
	positions ports.PositionProvider,
	store ports.TradeStore,
	notifier ports.Notifier,
) *Executor {
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	if cfg.FillTolerance <= 0 {
		cfg.FillTolerance = 0.01
	}
	return &Executor{
		cfg:       cfg,
		policy:    policy,
		orders:    orders,
		balance:   balance,
		positions: positions,
		store:     store,
		notifier:  notifier,
		now:       time.Now,
		parked:    make(map[string]domain.ExecutionOutcome),
		held:      make(map[domain.TradeID]string),
	}
}

// Execute decides, attempts and marks one copy order.
//
// An error means the order could not even be decided (balance or position
// lookup failed after retries); nothing was submitted or marked and the
// trades stay pending for the next tick. Once an outcome exists it is always
// returned with a nil error, even if marking it had to be deferred.
func (e *Executor) Execute(ctx context.Context, order domain.CopyOrder) (domain.ExecutionOutcome, error) {
	positions, err := withRetry(ctx, "fetch positions", e.cfg.NetworkRetries, e.cfg.NetworkBackoff,
		func(ctx context.Context) ([]domain.Position, error) {
			return e.positions.FetchPositions(ctx, e.cfg.Wallet)
		})
	if err != nil {
		return domain.ExecutionOutcome{}, fmt.Errorf("executor.Execute: %w", err)
	}

	pos, hasPosition := domain.FindPosition(positions, order.ConditionID, order.Asset)
	out := domain.ExecutionOutcome{
		ID:           uuid.NewString(),
		Condition:    domain.DeriveCondition(order.Side, hasPosition),
		Counterparty: order.Counterparty,
		ConditionID:  order.ConditionID,
		Asset:        order.Asset,
		Side:         order.Side,
		Trades:       order.Trades,
	}

	switch out.Condition {
	case domain.ConditionBuy:
		bal, err := withRetry(ctx, "fetch balance", e.cfg.NetworkRetries, e.cfg.NetworkBackoff, e.balance.AvailableBalance)
		if err != nil {
			return domain.ExecutionOutcome{}, fmt.Errorf("executor.Execute: %w", err)
		}
		var exposure float64
		if hasPosition {
			exposure = pos.Exposure()
		}
		decision := e.policy.Compute(order.USDCSize, bal, exposure)
		out.Decision = &decision

		slog.Info("executor: sizing decision",
			"market", order.Label(),
			"trader", fmt.Sprintf("$%.2f", order.USDCSize),
			"balance", fmt.Sprintf("$%.2f", bal),
			"amount", fmt.Sprintf("$%.2f", decision.FinalAmount),
			"rationale", decision.Rationale,
		)

		if decision.FinalAmount == 0 {
			out.Status = domain.OutcomeSkippedZeroAmount
			out.Reason = decision.Rationale
			break
		}
		out.Requested = decision.FinalAmount
		e.attempt(ctx, order.Asset, domain.SideBuy, decision.FinalAmount, order.Price, &out)

	case domain.ConditionMerge:
		if pos.Size < e.cfg.MinPositionTokens {
			out.Status = domain.OutcomeSkippedZeroAmount
			out.Reason = fmt.Sprintf("position %.2f tokens below minimum %.2f", pos.Size, e.cfg.MinPositionTokens)
			break
		}
		out.Asset = pos.Asset
		out.Requested = pos.Size
		slog.Info("executor: unwinding position",
			"market", order.Label(),
			"tokens", fmt.Sprintf("%.2f", pos.Size),
		)
		e.attempt(ctx, pos.Asset, domain.SideSell, pos.Size, 0, &out)

	default:
		out.Status = domain.OutcomeSkippedZeroAmount
		out.Reason = "no position to sell"
	}

	out.FinishedAt = e.now()
	e.record(ctx, out)
	return out, nil
}

// attempt runs the bounded retry loop. amount is USDC for BUY and tokens for SELL.
func (e *Executor) attempt(ctx context.Context, asset string, side domain.Side, amount, refPrice float64, out *domain.ExecutionOutcome) {
	remaining := amount
	var lastErr error
	liquidity := false
	unconfirmed := ""

	for out.Attempts < e.cfg.RetryLimit && remaining > e.cfg.FillTolerance {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		out.Attempts++

		book, err := e.orders.GetOrderBook(ctx, asset)
		if err != nil {
			lastErr, liquidity = err, false
			slog.Warn("executor: order book fetch failed", "asset", asset, "attempt", out.Attempts, "err", err)
			continue
		}

		level, ok := book.BestLevel(side)
		if !ok {
			lastErr, liquidity = domain.ErrNoLiquidity, true
			slog.Warn("executor: empty book side", "asset", asset, "side", side, "attempt", out.Attempts)
			continue
		}

		if side == domain.SideBuy && refPrice > 0 && level.Price-refPrice > e.cfg.MaxPriceSlippage {
			if out.FilledTokens == 0 {
				out.Status = domain.OutcomeSkippedPriceMoved
				out.Reason = fmt.Sprintf("best ask %.4f is more than %.4f above trader price %.4f",
					level.Price, e.cfg.MaxPriceSlippage, refPrice)
				return
			}
			lastErr = fmt.Errorf("best ask %.4f moved past the slippage limit", level.Price)
			liquidity = true
			break
		}

		slice := remaining
		depthLimited := false
		if depth := levelDepth(level, side); slice > depth {
			slice, depthLimited = depth, true
		}

		fill, err := e.orders.SubmitMarketOrder(ctx, domain.MarketOrder{
			ConditionID: out.ConditionID,
			Asset:       asset,
			Side:        side,
			Amount:      slice,
			Price:       level.Price,
		})
		if err != nil {
			if domain.IsInsufficientFunds(err) {
				out.Status = domain.OutcomeAbortedInsufficientFunds
				out.Reason = err.Error()
				slog.Warn("executor: insufficient funds, aborting", "asset", asset, "attempt", out.Attempts, "err", err)
				return
			}
			lastErr, liquidity = err, errors.Is(err, domain.ErrNoLiquidity)
			slog.Warn("executor: order rejected", "asset", asset, "attempt", out.Attempts, "err", err)
			continue
		}

		usdc, tokens := fillAmounts(fill, level.Price)
		filled := tokens
		if side == domain.SideBuy {
			filled = usdc
		}
		if filled <= 0 {
			lastErr, liquidity = errNotFilled, true
			continue
		}

		out.FilledTokens += tokens
		out.FilledUSDC += usdc
		remaining = math.Max(0, remaining-filled)
		liquidity = depthLimited || filled+e.cfg.FillTolerance < slice
		if liquidity {
			lastErr = domain.ErrNoLiquidity
		}

		slog.Info("executor: order filled",
			"asset", asset,
			"side", side,
			"price", level.Price,
			"mid", fmt.Sprintf("%.4f", book.Midpoint()),
			"tokens", fmt.Sprintf("%.2f", tokens),
			"usdc", fmt.Sprintf("$%.2f", usdc),
			"remaining", fmt.Sprintf("%.2f", remaining),
		)

		// aceptada sin match confirmado: volver a enviar podría duplicar la compra
		if fill.Pending {
			unconfirmed = fill.OrderID
			slog.Warn("executor: order accepted without confirmed match, not re-posting",
				"asset", asset,
				"order", fill.OrderID,
				"attempt", out.Attempts,
			)
			break
		}
	}

	switch {
	case remaining <= e.cfg.FillTolerance:
		out.Status = domain.OutcomeSucceeded
	case liquidity:
		out.Status = domain.OutcomeAbortedInsufficientFunds
		out.Reason = fmt.Sprintf("%.2f left unfilled after %d attempt(s): %v", remaining, out.Attempts, lastErr)
	default:
		out.Status = domain.OutcomeRetriesExhausted
		out.Reason = fmt.Sprintf("%.2f left unfilled after %d attempt(s): %v", remaining, out.Attempts, lastErr)
	}
	if unconfirmed != "" {
		note := fmt.Sprintf("order %s accepted but not matched yet", unconfirmed)
		if out.Reason != "" {
			note = out.Reason + "; " + note
		}
		out.Reason = note
	}
}

// fillAmounts completes a fill that reports only one side, valued at the
// level it was posted at.
func fillAmounts(fill domain.Fill, price float64) (usdc, tokens float64) {
	usdc, tokens = fill.USDC, fill.Tokens
	switch {
	case usdc <= 0 && tokens > 0:
		usdc = tokens * price
	case tokens <= 0 && usdc > 0 && price > 0:
		tokens = usdc / price
	}
	return usdc, tokens
}

// levelDepth is what the level can absorb, in the unit of the order amount.
func levelDepth(level domain.BookEntry, side domain.Side) float64 {
	if side == domain.SideBuy {
		return level.Size * level.Price
	}
	return level.Size
}

// Discard marks the trades of an aggregate that never reached the minimum.
func (e *Executor) Discard(ctx context.Context, agg *domain.AggregatedTrade, minTotal float64) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		ID:           uuid.NewString(),
		Status:       domain.OutcomeDiscardedBelowMinimum,
		Condition:    domain.ConditionBuy,
		Counterparty: agg.Key.Counterparty,
		ConditionID:  agg.Key.ConditionID,
		Asset:        agg.Key.Asset,
		Side:         agg.Key.Side,
		Reason:       fmt.Sprintf("aggregated $%.2f from %d trade(s) below minimum $%.2f", agg.TotalUSDC, len(agg.Trades), minTotal),
		Trades:       agg.IDs(),
		FinishedAt:   e.now(),
	}
	e.record(ctx, out)
	return out
}

// record marks the outcome. A failed mark is parked and retried by RetryParked.
func (e *Executor) record(ctx context.Context, out domain.ExecutionOutcome) {
	logOutcome(out)
	if e.notifier != nil {
		e.notifier.Outcome(ctx, out)
	}

	if _, err := e.store.MarkProcessed(ctx, out.Trades, out); err != nil {
		slog.Error("executor: failed to mark trades processed, will retry",
			"outcome", out.ID,
			"status", out.Status,
			"trades", len(out.Trades),
			"err", err,
		)
		e.park(out)
	}
}

func (e *Executor) park(out domain.ExecutionOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parked[out.ID] = out
	for _, id := range out.Trades {
		e.held[id] = out.ID
	}
}

// RetryParked retries every deferred mark. Returns how many outcomes are still parked.
func (e *Executor) RetryParked(ctx context.Context) int {
	e.mu.Lock()
	pending := make([]domain.ExecutionOutcome, 0, len(e.parked))
	for _, out := range e.parked {
		pending = append(pending, out)
	}
	e.mu.Unlock()

	for _, out := range pending {
		if _, err := e.store.MarkProcessed(ctx, out.Trades, out); err != nil {
			slog.Error("executor: deferred mark failed again", "outcome", out.ID, "err", err)
			continue
		}
		e.mu.Lock()
		delete(e.parked, out.ID)
		for _, id := range out.Trades {
			if e.held[id] == out.ID {
				delete(e.held, id)
			}
		}
		e.mu.Unlock()
		slog.Info("executor: deferred mark written", "outcome", out.ID, "trades", len(out.Trades))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.parked)
}

// Parked reports whether the trade already has an outcome waiting to be marked.
// Such trades must not be executed again.
func (e *Executor) Parked(id domain.TradeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[id]
	return ok
}

func logOutcome(out domain.ExecutionOutcome) {
	attrs := []any{
		"id", out.ID,
		"status", out.Status,
		"condition", out.Condition,
		"trades", len(out.Trades),
		"attempts", out.Attempts,
	}
	if out.FilledTokens > 0 {
		attrs = append(attrs, "filled", fmt.Sprintf("%.2f tokens / $%.2f", out.FilledTokens, out.FilledUSDC))
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	switch out.Status {
	case domain.OutcomeSucceeded:
		slog.Info("executor: copy succeeded", attrs...)
	case domain.OutcomeAbortedInsufficientFunds, domain.OutcomeRetriesExhausted:
		slog.Warn("executor: copy failed", attrs...)
	default:
		slog.Info("executor: copy skipped", attrs...)
	}
}
