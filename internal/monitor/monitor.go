// Package monitor detecta los trades nuevos de los traders seguidos.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const defaultWorkers = 4

// Config contiene la configuración del monitor.
type Config struct {
	Traders  []string
	Interval time.Duration
	TooOld   time.Duration
	Workers  int // traders polled in parallel, 0 = 4
	// WatchStart separates history from new activity: trades executed before
	// it are stored already processed and never copied.
	WatchStart time.Time
}

// Monitor hace polling de la actividad y las posiciones de cada trader.
type Monitor struct {
	cfg       Config
	activity  ports.ActivityProvider
	positions ports.PositionProvider
	trades    ports.TradeStore
	snapshots ports.PositionStore
	now       func() time.Time
}

// New crea un Monitor con todas las dependencias inyectadas.
func New(
	cfg Config,
	activity ports.ActivityProvider,
	positions ports.PositionProvider,
	trades ports.TradeStore,
	snapshots ports.PositionStore,
) *Monitor {
	if cfg.WatchStart.IsZero() {
		cfg.WatchStart = time.Now()
	}
	return &Monitor{
		cfg:       cfg,
		activity:  activity,
		positions: positions,
		trades:    trades,
		snapshots: snapshots,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run ejecuta el loop de polling hasta que el contexto se cancele.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor starting",
		"traders", len(m.cfg.Traders),
		"interval", m.cfg.Interval,
		"too_old", m.cfg.TooOld,
	)

	if _, err := m.RunOnce(ctx); err != nil {
		slog.Error("monitor: poll failed", "err", err)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				slog.Error("monitor: poll failed", "err", err)
			}
		}
	}
}

// RunOnce polls every trader once and returns how many new trades were
// stored. One trader's failure does not stop the others; the errors are combined.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	workers = min(workers, len(m.cfg.Traders))

	type result struct {
		n   int
		err error
	}

	workCh := make(chan string, len(m.cfg.Traders))
	resultCh := make(chan result, len(m.cfg.Traders))

	// Worker pool: cada worker toma traders de workCh; SQLite serializa las escrituras.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for trader := range workCh {
				if ctx.Err() != nil {
					continue
				}
				n, err := m.pollTrades(ctx, trader)
				if perr := m.refreshPositions(ctx, trader); perr != nil {
					slog.Warn("monitor: position refresh failed", "trader", trader, "err", perr)
				}
				resultCh <- result{n: n, err: err}
			}
		}()
	}

	for _, trader := range m.cfg.Traders {
		workCh <- trader
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var (
		total int
		errs  error
	)
	for r := range resultCh {
		total += r.n
		errs = multierr.Append(errs, r.err)
	}
	return total, errs
}

func (m *Monitor) pollTrades(ctx context.Context, trader string) (int, error) {
	items, err := m.activity.FetchActivity(ctx, trader)
	if err != nil {
		return 0, fmt.Errorf("monitor.pollTrades: %s: %w", trader, err)
	}

	cutoff := m.now().Add(-m.cfg.TooOld)
	seen := make(map[string]bool, len(items))
	fresh := make([]domain.PendingTrade, 0, len(items))
	history := 0

	for _, t := range items {
		if t.Type != domain.ActivityTrade {
			continue
		}
		if t.Timestamp.IsZero() || t.Timestamp.Before(cutoff) {
			continue
		}
		if seen[t.TransactionHash] {
			continue
		}
		seen[t.TransactionHash] = true

		if t.Timestamp.Before(m.cfg.WatchStart) {
			t.Processed = true
			history++
		}
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	n, err := m.trades.SaveTrades(ctx, fresh)
	if err != nil {
		return 0, fmt.Errorf("monitor.pollTrades: save %s: %w", trader, err)
	}
	if n > 0 {
		slog.Info("monitor: trades detected",
			"trader", trader,
			"new", n,
			"batch", len(fresh),
			"history", history,
		)
	}
	return n, nil
}

func (m *Monitor) refreshPositions(ctx context.Context, trader string) error {
	if m.positions == nil || m.snapshots == nil {
		return nil
	}
	positions, err := m.positions.FetchPositions(ctx, trader)
	if err != nil {
		return err
	}
	return m.snapshots.SavePositions(ctx, trader, positions)
}
