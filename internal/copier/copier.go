// Package copier convierte los trades pendientes en órdenes copiadas.
//
// Each tick pulls the unprocessed trades of every tracked trader, executes
// the large ones right away and batches small buys in the aggregation buffer
// until their window elapses. All execution runs sequentially on the caller's
// goroutine.
package copier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polycopy/internal/aggregation"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const defaultHeartbeat = 300 * time.Millisecond

// Executor es lo que el copier necesita del motor de ejecución.
type Executor interface {
	Execute(ctx context.Context, order domain.CopyOrder) (domain.ExecutionOutcome, error)
	Discard(ctx context.Context, agg *domain.AggregatedTrade, minTotal float64) domain.ExecutionOutcome
	RetryParked(ctx context.Context) int
	Parked(id domain.TradeID) bool
}

// Config contiene la configuración del copier.
type Config struct {
	Traders           []string
	Aggregate         bool
	Window            time.Duration
	MinTotal          float64
	PollInterval      time.Duration
	HeartbeatInterval time.Duration // 0 = 300ms
}

// TickResult resume un tick del copier.
type TickResult struct {
	Pulled    int
	Executed  int
	Buffered  int
	Flushed   int
	Discarded int
	Failed    int
}

// Copier es el orquestador del loop de copia.
type Copier struct {
	cfg      Config
	store    ports.TradeStore
	exec     Executor
	notifier ports.Notifier
	buffer   *aggregation.Buffer
	now      func() time.Time
}

// New crea un Copier con todas las dependencias inyectadas.
func New(cfg Config, store ports.TradeStore, exec Executor, buffer *aggregation.Buffer, notifier ports.Notifier) *Copier {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if buffer == nil {
		buffer = aggregation.NewBuffer()
	}
	return &Copier{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		notifier: notifier,
		buffer:   buffer,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *Copier) SetClock(now func() time.Time) {
	c.now = now
}

// Sweep marks every trade still unprocessed at startup as PRE_EXISTING
// without executing it. It must run before the monitor starts inserting.
func (c *Copier) Sweep(ctx context.Context) (int, error) {
	out := domain.ExecutionOutcome{
		ID:         uuid.NewString(),
		Status:     domain.OutcomePreExisting,
		Reason:     "pending before the copier started",
		FinishedAt: c.now(),
	}
	n, err := c.store.MarkAllPending(ctx, c.cfg.Traders, out)
	if err != nil {
		return 0, fmt.Errorf("copier.Sweep: %w", err)
	}
	if n > 0 {
		slog.Info("copier: pre-existing trades marked, not copying them", "trades", n)
	}
	return n, nil
}

// Run ejecuta el loop hasta que el contexto se cancele. A tick already in
// progress finishes its current order but starts no new one.
func (c *Copier) Run(ctx context.Context) error {
	slog.Info("copier starting",
		"traders", len(c.cfg.Traders),
		"interval", c.cfg.PollInterval,
		"aggregation", c.cfg.Aggregate,
		"window", c.cfg.Window,
		"min_total", fmt.Sprintf("$%.2f", c.cfg.MinTotal),
	)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer beat.Stop()

	c.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			if n := c.buffer.Len(); n > 0 {
				slog.Warn("copier: stopped with open aggregates, they will be swept on restart", "groups", n)
			}
			slog.Info("copier stopped")
			return nil
		case <-poll.C:
			c.runTick(ctx)
		case <-beat.C:
			if c.notifier != nil {
				c.notifier.Heartbeat(len(c.cfg.Traders), c.buffer.Len())
			}
		}
	}
}

func (c *Copier) runTick(ctx context.Context) {
	res, err := c.tick(context.WithoutCancel(ctx), ctx)
	if err != nil {
		slog.Error("copier: tick failed", "err", err)
		return
	}
	if res.Pulled > 0 || res.Flushed > 0 || res.Discarded > 0 {
		slog.Debug("copier: tick complete",
			"pulled", res.Pulled,
			"executed", res.Executed,
			"buffered", res.Buffered,
			"flushed", res.Flushed,
			"discarded", res.Discarded,
			"failed", res.Failed,
		)
	}
}

// RunOnce ejecuta exactamente un tick.
func (c *Copier) RunOnce(ctx context.Context) (TickResult, error) {
	return c.tick(ctx, ctx)
}

// Pending devuelve los agregados abiertos.
func (c *Copier) Pending() []domain.AggregatedTrade {
	return c.buffer.Snapshot()
}

// tick does the work on ctx and checks stop between orders.
func (c *Copier) tick(ctx, stop context.Context) (TickResult, error) {
	var res TickResult

	if n := c.exec.RetryParked(ctx); n > 0 {
		slog.Warn("copier: outcomes still waiting to be marked", "outcomes", n)
	}

	var immediate []domain.PendingTrade
	for _, trader := range c.cfg.Traders {
		trades, err := c.store.PendingTrades(ctx, trader)
		if err != nil {
			return res, fmt.Errorf("copier.tick: pending trades for %s: %w", trader, err)
		}
		for _, t := range trades {
			if c.buffer.Contains(t.ID()) || c.exec.Parked(t.ID()) {
				continue
			}
			res.Pulled++
			if c.cfg.Aggregate && aggregation.Eligible(t, c.cfg.MinTotal) {
				if c.buffer.Offer(t, c.now()) {
					res.Buffered++
					slog.Info("copier: trade buffered for aggregation",
						"trader", t.Counterparty,
						"market", domain.OrderFromTrade(t).Label(),
						"usdc", fmt.Sprintf("$%.2f", t.USDCSize),
					)
				}
				continue
			}
			immediate = append(immediate, t)
		}
	}

	for _, t := range immediate {
		if stop.Err() != nil {
			return res, nil
		}
		if c.execute(ctx, domain.OrderFromTrade(t)) {
			res.Executed++
		} else {
			res.Failed++
		}
	}

	if !c.cfg.Aggregate {
		return res, nil
	}

	flush := c.buffer.FlushReady(c.now(), c.cfg.Window, c.cfg.MinTotal)
	for _, agg := range flush.Ready {
		if stop.Err() != nil {
			// ya fuera del buffer; quedan sin marcar y el sweep del próximo arranque los cierra
			slog.Warn("copier: shutdown before executing aggregate", "key", agg.Key.String(), "trades", len(agg.Trades))
			continue
		}
		slog.Info("copier: aggregate ready",
			"trader", agg.Key.Counterparty,
			"trades", len(agg.Trades),
			"total", fmt.Sprintf("$%.2f", agg.TotalUSDC),
			"avg_price", fmt.Sprintf("%.4f", agg.AveragePrice),
		)
		if c.execute(ctx, agg.Order()) {
			res.Flushed++
		} else {
			res.Failed++
		}
	}
	for _, agg := range flush.Discarded {
		c.exec.Discard(ctx, agg, c.cfg.MinTotal)
		res.Discarded++
	}
	return res, nil
}

// execute runs one order. A lookup failure leaves the trades pending.
func (c *Copier) execute(ctx context.Context, order domain.CopyOrder) bool {
	if _, err := c.exec.Execute(ctx, order); err != nil {
		slog.Warn("copier: order not executed, trades stay pending",
			"trader", order.Counterparty,
			"market", order.Label(),
			"trades", len(order.Trades),
			"err", err,
		)
		return false
	}
	return true
}
