package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Notifier presenta el progreso del copy trader al usuario.
type Notifier interface {
	// Outcome reports one finished execution cycle.
	Outcome(ctx context.Context, outcome domain.ExecutionOutcome)

	// Heartbeat refresca la línea de estado mientras no hay trades.
	Heartbeat(traders, pendingGroups int)
}

// ExecutionLock asegura un único ejecutor por wallet entre procesos.
type ExecutionLock interface {
	// Acquire returns domain.ErrLockHeld when another instance owns key.
	// refresh extends the lease; release is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (refresh func(context.Context) error, release func(), err error)
}
