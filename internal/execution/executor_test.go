package execution_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/execution"
	"github.com/alejandrodnm/polycopy/internal/sizing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockSubmitter struct {
	mu      sync.Mutex
	books   []domain.OrderBook // consumed per call; the last one repeats
	bookErr error
	fills   []fillResult // consumed per call; the last one repeats
	orders  []domain.MarketOrder
}

type fillResult struct {
	fill domain.Fill
	err  error
}

func (m *mockSubmitter) GetOrderBook(_ context.Context, asset string) (domain.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bookErr != nil {
		return domain.OrderBook{}, m.bookErr
	}
	b := m.books[0]
	if len(m.books) > 1 {
		m.books = m.books[1:]
	}
	b.TokenID = asset
	return b, nil
}

func (m *mockSubmitter) SubmitMarketOrder(_ context.Context, order domain.MarketOrder) (domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	if len(m.fills) == 0 {
		return fullFill(order), nil
	}
	r := m.fills[0]
	if len(m.fills) > 1 {
		m.fills = m.fills[1:]
	}
	return r.fill, r.err
}

func fullFill(o domain.MarketOrder) domain.Fill {
	if o.Side == domain.SideBuy {
		return domain.Fill{OrderID: "ord", USDC: o.Amount, Tokens: o.Amount / o.Price}
	}
	return domain.Fill{OrderID: "ord", Tokens: o.Amount, USDC: o.Amount * o.Price}
}

type mockBalance struct {
	balance float64
	errs    []error
	calls   int
}

func (m *mockBalance) AvailableBalance(context.Context) (float64, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return 0, err
	}
	return m.balance, nil
}

type mockPositions struct {
	positions []domain.Position
	err       error
}

func (m *mockPositions) FetchPositions(context.Context, string) ([]domain.Position, error) {
	return m.positions, m.err
}

type mockStore struct {
	mu      sync.Mutex
	marked  map[domain.TradeID]domain.ExecutionOutcome
	writes  int
	failFor int // fail this many MarkProcessed calls first
}

func newMockStore() *mockStore {
	return &mockStore{marked: make(map[domain.TradeID]domain.ExecutionOutcome)}
}

func (m *mockStore) SaveTrades(context.Context, []domain.PendingTrade) (int, error) { return 0, nil }

func (m *mockStore) PendingTrades(context.Context, string) ([]domain.PendingTrade, error) {
	return nil, nil
}

func (m *mockStore) MarkProcessed(_ context.Context, ids []domain.TradeID, out domain.ExecutionOutcome) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor > 0 {
		m.failFor--
		return 0, errors.New("database is locked")
	}
	n := 0
	for _, id := range ids {
		if _, ok := m.marked[id]; ok {
			continue
		}
		m.marked[id] = out
		m.writes++
		n++
	}
	return n, nil
}

func (m *mockStore) MarkAllPending(context.Context, []string, domain.ExecutionOutcome) (int, error) {
	return 0, nil
}

type mockNotifier struct {
	outcomes []domain.ExecutionOutcome
}

func (m *mockNotifier) Outcome(_ context.Context, o domain.ExecutionOutcome) {
	m.outcomes = append(m.outcomes, o)
}
func (m *mockNotifier) Heartbeat(int, int) {}

// --- helpers ---

func book(asks, bids []domain.BookEntry) domain.OrderBook {
	return domain.OrderBook{Asks: asks, Bids: bids}
}

func deepBook() domain.OrderBook {
	return book(
		[]domain.BookEntry{{Price: 0.50, Size: 10_000}},
		[]domain.BookEntry{{Price: 0.48, Size: 10_000}},
	)
}

func buyOrder(usdc, price float64) domain.CopyOrder {
	return domain.CopyOrder{
		Counterparty: "0xtrader",
		ConditionID:  "cond-1",
		Asset:        "tok-yes",
		Side:         domain.SideBuy,
		USDCSize:     usdc,
		Price:        price,
		Title:        "Will it rain?",
		Trades:       []domain.TradeID{{Counterparty: "0xtrader", TransactionHash: "0xabc"}},
	}
}

type fixture struct {
	sub      *mockSubmitter
	bal      *mockBalance
	pos      *mockPositions
	store    *mockStore
	notifier *mockNotifier
	exec     *execution.Executor
}

func newFixture(t *testing.T, strategy sizing.Strategy, limits sizing.Limits) *fixture {
	t.Helper()
	f := &fixture{
		sub:      &mockSubmitter{books: []domain.OrderBook{deepBook()}},
		bal:      &mockBalance{balance: 1000},
		pos:      &mockPositions{},
		store:    newMockStore(),
		notifier: &mockNotifier{},
	}
	cfg := execution.DefaultConfig()
	cfg.Wallet = "0xme"
	cfg.NetworkBackoff = time.Millisecond
	f.exec = execution.New(cfg, sizing.NewPolicy(strategy, nil, limits), f.sub, f.bal, f.pos, f.store, f.notifier)
	return f
}

func limits() sizing.Limits {
	return sizing.Limits{MaxOrderUSD: 100, MinOrderUSD: 1, SafetyBuffer: 0.99}
}

// --- tests ---

func TestExecute_BuySucceedsFirstAttempt(t *testing.T) {
	f := newFixture(t, sizing.Percentage{Pct: 10}, limits())

	out, err := f.exec.Execute(context.Background(), buyOrder(500, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Equal(t, domain.ConditionBuy, out.Condition)
	assert.Equal(t, 1, out.Attempts)
	assert.InDelta(t, 50.0, out.FilledUSDC, 1e-9)
	assert.InDelta(t, 100.0, out.FilledTokens, 1e-9)
	require.NotNil(t, out.Decision)
	assert.Equal(t, "10% of trader's $500.00 = $50.00", out.Decision.Rationale)
	assert.NotEmpty(t, out.ID)

	require.Len(t, f.sub.orders, 1)
	assert.InDelta(t, 50.0, f.sub.orders[0].Amount, 1e-9)
	assert.InDelta(t, 0.50, f.sub.orders[0].Price, 1e-9)
	assert.Equal(t, 1, f.store.writes)
	assert.Len(t, f.notifier.outcomes, 1)
}

func TestExecute_ZeroAmountSkipsWithoutSubmitting(t *testing.T) {
	f := newFixture(t, sizing.Percentage{Pct: 10}, limits())

	out, err := f.exec.Execute(context.Background(), buyOrder(5, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkippedZeroAmount, out.Status)
	assert.Zero(t, out.Attempts)
	assert.Empty(t, f.sub.orders)
	assert.Contains(t, out.Reason, "Below minimum")
	assert.Equal(t, 1, f.store.writes, "skips are marked too")
}

func TestExecute_PartialFillsAcrossAttempts(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.books = []domain.OrderBook{
		book([]domain.BookEntry{{Price: 0.50, Size: 40}}, nil), // $20 of depth
		book([]domain.BookEntry{{Price: 0.50, Size: 100}}, nil),
	}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, f.sub.orders, 2)
	assert.InDelta(t, 20.0, f.sub.orders[0].Amount, 1e-9)
	assert.InDelta(t, 10.0, f.sub.orders[1].Amount, 1e-9)
	assert.InDelta(t, 30.0, out.FilledUSDC, 1e-9)
}

func TestExecute_InsufficientFundsAbortsImmediately(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.fills = []fillResult{{err: fmt.Errorf("post order: %w", domain.ErrInsufficientFunds)}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbortedInsufficientFunds, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, f.sub.orders, 1)
	assert.Equal(t, 1, f.store.writes)
}

func TestExecute_InsufficientFundsDetectedFromMessage(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.fills = []fillResult{{err: errors.New("order rejected: not enough balance / allowance")}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbortedInsufficientFunds, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecute_RetriesExhaustedAfterBound(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.fills = []fillResult{{err: errors.New("503 service unavailable")}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetriesExhausted, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, f.sub.orders, 3, "never more submissions than the attempt bound")
	assert.Contains(t, out.Reason, "503")
	assert.Equal(t, 1, f.store.writes)
}

func TestExecute_BookErrorsCountAsAttempts(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.bookErr = errors.New("timeout")

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetriesExhausted, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, f.sub.orders)
}

func TestExecute_EmptyBookIsLiquidityAbort(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.books = []domain.OrderBook{book(nil, nil)}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbortedInsufficientFunds, out.Status)
	assert.Equal(t, 3, out.Attempts)
}

func TestExecute_ThinBookLeavesRemainderAndAborts(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.books = []domain.OrderBook{book([]domain.BookEntry{{Price: 0.50, Size: 10}}, nil)} // $5 per attempt

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbortedInsufficientFunds, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.InDelta(t, 15.0, out.FilledUSDC, 1e-9)
}

func TestExecute_FOKKilledEveryAttemptIsLiquidityAbort(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.fills = []fillResult{{err: fmt.Errorf("submit order: clob error: %w: order couldn't be fully filled. FOK orders are fully filled or killed.", domain.ErrNoLiquidity)}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbortedInsufficientFunds, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, f.sub.orders, 3)
	assert.Contains(t, out.Reason, "fully filled")
}

func TestExecute_FillReportingOnlyTokensCountsAsFilled(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 20}, limits())
	f.sub.fills = []fillResult{{fill: domain.Fill{OrderID: "ord", Tokens: 40}}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Len(t, f.sub.orders, 1, "a filled order is never bought again")
	assert.InDelta(t, 40.0, out.FilledTokens, 1e-9)
	assert.InDelta(t, 20.0, out.FilledUSDC, 1e-9)
}

func TestExecute_PendingFillIsNotReposted(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.fills = []fillResult{{fill: domain.Fill{OrderID: "0xdelayed", USDC: 30, Tokens: 60, Pending: true}}}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Len(t, f.sub.orders, 1)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Contains(t, out.Reason, "0xdelayed accepted but not matched yet")
}

func TestExecute_PriceMovedSkips(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.sub.books = []domain.OrderBook{book([]domain.BookEntry{{Price: 0.70, Size: 1000}}, nil)}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkippedPriceMoved, out.Status)
	assert.Empty(t, f.sub.orders)
	assert.Equal(t, 1, f.store.writes)
}

func TestExecute_MergeSellsOwnPosition(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.pos.positions = []domain.Position{{ConditionID: "cond-1", Asset: "tok-yes", Size: 42, AvgPrice: 0.4}}
	order := buyOrder(10, 0.5)
	order.Side = domain.SideSell

	out, err := f.exec.Execute(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, domain.ConditionMerge, out.Condition)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	require.Len(t, f.sub.orders, 1)
	assert.Equal(t, domain.SideSell, f.sub.orders[0].Side)
	assert.InDelta(t, 42.0, f.sub.orders[0].Amount, 1e-9)
	assert.InDelta(t, 0.48, f.sub.orders[0].Price, 1e-9)
	assert.Zero(t, f.bal.calls, "merge does not size against balance")
}

func TestExecute_MergeDustPositionSkipped(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.pos.positions = []domain.Position{{ConditionID: "cond-1", Asset: "tok-yes", Size: 0.4}}
	order := buyOrder(10, 0.5)
	order.Side = domain.SideSell

	out, err := f.exec.Execute(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkippedZeroAmount, out.Status)
	assert.Empty(t, f.sub.orders)
}

func TestExecute_SellWithoutPositionSkipped(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	order := buyOrder(10, 0.5)
	order.Side = domain.SideSell

	out, err := f.exec.Execute(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, domain.ConditionSell, out.Condition)
	assert.Equal(t, domain.OutcomeSkippedZeroAmount, out.Status)
	assert.Equal(t, "no position to sell", out.Reason)
	assert.Equal(t, 1, f.store.writes)
}

func TestExecute_BalanceRetriedWithBackoff(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.bal.errs = []error{errors.New("rpc down"), errors.New("rpc down")}

	out, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Equal(t, 3, f.bal.calls)
}

func TestExecute_LookupFailureLeavesTradeUnmarked(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.bal.errs = []error{errors.New("rpc down"), errors.New("rpc down"), errors.New("rpc down")}

	_, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch balance")
	assert.Zero(t, f.store.writes)
	assert.Empty(t, f.sub.orders)
}

func TestExecute_PositionLookupFailure(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.pos.err = errors.New("data api down")

	_, err := f.exec.Execute(context.Background(), buyOrder(100, 0.50))

	require.Error(t, err)
	assert.Zero(t, f.store.writes)
}

func TestExecute_FailedMarkIsParkedAndRetried(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	f.store.failFor = 1
	order := buyOrder(100, 0.50)

	out, err := f.exec.Execute(context.Background(), order)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Status)
	assert.Zero(t, f.store.writes)
	assert.True(t, f.exec.Parked(order.Trades[0]))

	assert.Zero(t, f.exec.RetryParked(context.Background()))
	assert.False(t, f.exec.Parked(order.Trades[0]))
	assert.Equal(t, 1, f.store.writes)
	assert.Equal(t, out.ID, f.store.marked[order.Trades[0]].ID)
}

func TestDiscard_MarksEveryTrade(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	now := time.Unix(1_700_000_000, 0)
	mk := func(hash string, usdc float64) domain.PendingTrade {
		return domain.PendingTrade{
			TransactionHash: hash, Counterparty: "0xtrader", ConditionID: "c", Asset: "a",
			Side: domain.SideBuy, USDCSize: usdc, Price: 0.5,
		}
	}
	agg := domain.NewAggregatedTrade(mk("0x1", 2), now)
	agg.Add(mk("0x2", 3), now)
	agg.Add(mk("0x3", 4), now)

	out := f.exec.Discard(context.Background(), agg, 20)

	assert.Equal(t, domain.OutcomeDiscardedBelowMinimum, out.Status)
	assert.Equal(t, 3, f.store.writes)
	assert.Empty(t, f.sub.orders)
	assert.Contains(t, out.Reason, "$9.00")
}

func TestExecute_MarkIsIdempotent(t *testing.T) {
	f := newFixture(t, sizing.Fixed{Amount: 30}, limits())
	order := buyOrder(100, 0.50)

	_, err := f.exec.Execute(context.Background(), order)
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.writes, "a trade is written at most once")
}
