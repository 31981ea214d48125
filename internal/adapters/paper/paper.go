// Package paper simula la wallet local para -dry-run: lee books reales y
// rellena órdenes virtuales sin firmar ni enviar nada.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// BookReader es la parte pública del CLOB que la simulación necesita.
type BookReader interface {
	GetOrderBook(ctx context.Context, asset string) (domain.OrderBook, error)
}

// Wallet implements ports.OrderSubmitter, ports.BalanceProvider and
// ports.PositionProvider over an in-memory balance. Orders fill in full at
// the limit price they carry.
type Wallet struct {
	mu        sync.Mutex
	books     BookReader
	owner     string
	balance   decimal.Decimal
	positions map[string]*domain.Position // asset → position
}

// NewWallet crea una wallet virtual con el saldo inicial dado.
func NewWallet(books BookReader, owner string, balance float64) *Wallet {
	return &Wallet{
		books:     books,
		owner:     owner,
		balance:   decimal.NewFromFloat(balance),
		positions: make(map[string]*domain.Position),
	}
}

// GetOrderBook delega en el CLOB real.
func (w *Wallet) GetOrderBook(ctx context.Context, asset string) (domain.OrderBook, error) {
	return w.books.GetOrderBook(ctx, asset)
}

// AvailableBalance devuelve el saldo virtual.
func (w *Wallet) AvailableBalance(_ context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance.InexactFloat64(), nil
}

// FetchPositions devuelve las posiciones virtuales, sin importar el owner pedido.
func (w *Wallet) FetchPositions(_ context.Context, _ string) ([]domain.Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]domain.Position, 0, len(w.positions))
	for _, p := range w.positions {
		if p.Size > 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// SubmitMarketOrder rellena la orden virtual. Errors mirror the CLOB texts so
// the executor classifies them the same way as real rejections.
func (w *Wallet) SubmitMarketOrder(_ context.Context, order domain.MarketOrder) (domain.Fill, error) {
	if order.Price <= 0 || order.Price >= 1 {
		return domain.Fill{}, fmt.Errorf("paper: invalid price %.4f", order.Price)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	price := decimal.NewFromFloat(order.Price)
	amount := decimal.NewFromFloat(order.Amount).Truncate(2)
	if !amount.IsPositive() {
		return domain.Fill{}, fmt.Errorf("paper: amount %.4f too small", order.Amount)
	}
	fill := domain.Fill{OrderID: "paper-" + uuid.NewString()}

	switch order.Side {
	case domain.SideBuy:
		if amount.GreaterThan(w.balance) {
			return domain.Fill{}, fmt.Errorf("paper: not enough balance: need $%s, have $%s",
				amount.StringFixed(2), w.balance.StringFixed(2))
		}
		tokens := amount.Div(price).Truncate(4)
		w.balance = w.balance.Sub(amount)

		pos := w.position(order)
		cost := decimal.NewFromFloat(pos.Size).Mul(decimal.NewFromFloat(pos.AvgPrice)).Add(amount)
		size := decimal.NewFromFloat(pos.Size).Add(tokens)
		pos.Size = size.InexactFloat64()
		pos.AvgPrice = cost.Div(size).InexactFloat64()
		pos.CurrentValue = size.Mul(price).InexactFloat64()

		fill.USDC, fill.Tokens = amount.InexactFloat64(), tokens.InexactFloat64()

	case domain.SideSell:
		pos, ok := w.positions[order.Asset]
		if !ok || pos.Size <= 0 {
			return domain.Fill{}, fmt.Errorf("paper: not enough balance: no tokens of %s", order.Asset)
		}
		tokens := decimal.Min(amount, decimal.NewFromFloat(pos.Size))
		usdc := tokens.Mul(price).Truncate(4)
		w.balance = w.balance.Add(usdc)

		left := decimal.NewFromFloat(pos.Size).Sub(tokens)
		pos.Size = left.InexactFloat64()
		pos.CurrentValue = left.Mul(price).InexactFloat64()

		fill.Tokens, fill.USDC = tokens.InexactFloat64(), usdc.InexactFloat64()

	default:
		return domain.Fill{}, fmt.Errorf("paper: unknown side %q", order.Side)
	}

	slog.Info("paper: virtual order filled",
		"side", order.Side,
		"asset", order.Asset,
		"price", fmt.Sprintf("%.4f", order.Price),
		"tokens", fmt.Sprintf("%.2f", fill.Tokens),
		"usdc", fmt.Sprintf("$%.2f", fill.USDC),
		"balance", "$"+w.balance.StringFixed(2),
	)
	return fill, nil
}

func (w *Wallet) position(order domain.MarketOrder) *domain.Position {
	pos, ok := w.positions[order.Asset]
	if !ok {
		pos = &domain.Position{Owner: w.owner, ConditionID: order.ConditionID, Asset: order.Asset}
		w.positions[order.Asset] = pos
	}
	return pos
}
