package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// TradeStore persiste los trades detectados y su marca de procesado.
type TradeStore interface {
	// SaveTrades inserta los trades nuevos e ignora los ya conocidos.
	// Devuelve cuántos eran nuevos.
	SaveTrades(ctx context.Context, trades []domain.PendingTrade) (int, error)

	// PendingTrades devuelve los trades de tipo TRADE aún sin procesar,
	// en el orden en que fueron detectados.
	PendingTrades(ctx context.Context, counterparty string) ([]domain.PendingTrade, error)

	// MarkProcessed writes the outcome onto every trade in ids that is still
	// unprocessed, in one transaction. Marking an already-marked trade is a
	// no-op. Returns how many trades changed.
	MarkProcessed(ctx context.Context, ids []domain.TradeID, outcome domain.ExecutionOutcome) (int, error)

	// MarkAllPending marks every unprocessed trade of the counterparties with
	// the outcome, without executing anything.
	MarkAllPending(ctx context.Context, counterparties []string, outcome domain.ExecutionOutcome) (int, error)
}

// PositionStore guarda el último snapshot de posiciones por wallet.
type PositionStore interface {
	SavePositions(ctx context.Context, owner string, positions []domain.Position) error
	Positions(ctx context.Context, owner string) ([]domain.Position, error)
}

// ExecutionLog lee el historial de ejecuciones.
type ExecutionLog interface {
	RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionOutcome, error)
}
