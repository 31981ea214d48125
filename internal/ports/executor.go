package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// OrderSubmitter reads the book and submits market orders on the venue.
type OrderSubmitter interface {
	// GetOrderBook devuelve el orderbook actual de un token.
	GetOrderBook(ctx context.Context, asset string) (domain.OrderBook, error)

	// SubmitMarketOrder submits a fill-or-kill order and returns what filled.
	// Errors are retryable unless domain.IsInsufficientFunds reports true.
	SubmitMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.Fill, error)
}

// BalanceProvider devuelve el saldo USDC disponible de la wallet local.
type BalanceProvider interface {
	AvailableBalance(ctx context.Context) (float64, error)
}

// PositionProvider obtiene las posiciones abiertas de una wallet desde el venue.
type PositionProvider interface {
	FetchPositions(ctx context.Context, owner string) ([]domain.Position, error)
}
