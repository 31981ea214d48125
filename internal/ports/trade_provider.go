package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// ActivityProvider obtiene la actividad reciente de un trader.
type ActivityProvider interface {
	FetchActivity(ctx context.Context, user string) ([]domain.PendingTrade, error)
}
