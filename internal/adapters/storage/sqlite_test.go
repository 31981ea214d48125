package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTrade(counterparty, hash string, usdc float64) domain.PendingTrade {
	return domain.PendingTrade{
		TransactionHash: hash,
		Counterparty:    counterparty,
		Type:            domain.ActivityTrade,
		ConditionID:     "0xcond",
		Asset:           "123456",
		Side:            domain.SideBuy,
		Size:            usdc * 2,
		USDCSize:        usdc,
		Price:           0.5,
		Timestamp:       time.Unix(1_700_000_000, 0).UTC(),
		Title:           "Will X happen?",
		Slug:            "will-x-happen",
		Outcome:         "Yes",
	}
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func outcome(id string, status domain.OutcomeStatus) domain.ExecutionOutcome {
	return domain.ExecutionOutcome{
		ID:           id,
		Status:       status,
		Condition:    domain.ConditionBuy,
		Counterparty: "0xaaa",
		ConditionID:  "0xcond",
		Asset:        "123456",
		Side:         domain.SideBuy,
		Requested:    10,
		FilledUSDC:   10,
		FilledTokens: 20,
		Attempts:     1,
		FinishedAt:   time.Now().UTC(),
	}
}

func TestSQLiteStorage_SaveAndPending(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	n, err := db.SaveTrades(ctx, []domain.PendingTrade{
		makeTrade("0xaaa", "0x01", 5),
		makeTrade("0xaaa", "0x02", 7),
		makeTrade("0xbbb", "0x01", 9), // same hash, other trader
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := db.PendingTrades(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "0x01", pending[0].TransactionHash)
	assert.Equal(t, domain.SideBuy, pending[0].Side)
	assert.Equal(t, "Will X happen?", pending[0].Title)
	assert.Equal(t, int64(1_700_000_000), pending[0].Timestamp.Unix())
	assert.InDelta(t, 7.0, pending[1].USDCSize, 1e-9)
}

func TestSQLiteStorage_SaveIgnoresKnownTrades(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	_, err := db.SaveTrades(ctx, []domain.PendingTrade{makeTrade("0xaaa", "0x01", 5)})
	require.NoError(t, err)
	_, err = db.MarkProcessed(ctx, []domain.TradeID{{Counterparty: "0xaaa", TransactionHash: "0x01"}},
		outcome("e1", domain.OutcomeSucceeded))
	require.NoError(t, err)

	// el monitor vuelve a ver el mismo trade: no debe resucitar
	n, err := db.SaveTrades(ctx, []domain.PendingTrade{makeTrade("0xaaa", "0x01", 5)})
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := db.PendingTrades(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteStorage_PreExistingStoredMarked(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	old := makeTrade("0xaaa", "0x01", 5)
	old.Processed = true
	_, err := db.SaveTrades(ctx, []domain.PendingTrade{old, makeTrade("0xaaa", "0x02", 5)})
	require.NoError(t, err)

	pending, err := db.PendingTrades(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0x02", pending[0].TransactionHash)
}

func TestSQLiteStorage_MarkProcessedOnce(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	_, err := db.SaveTrades(ctx, []domain.PendingTrade{
		makeTrade("0xaaa", "0x01", 2),
		makeTrade("0xaaa", "0x02", 3),
		makeTrade("0xaaa", "0x03", 4),
	})
	require.NoError(t, err)

	ids := []domain.TradeID{
		{Counterparty: "0xaaa", TransactionHash: "0x01"},
		{Counterparty: "0xaaa", TransactionHash: "0x02"},
		{Counterparty: "0xaaa", TransactionHash: "0x03"},
	}
	n, err := db.MarkProcessed(ctx, ids, outcome("e1", domain.OutcomeSucceeded))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.MarkProcessed(ctx, ids, outcome("e2", domain.OutcomeRetriesExhausted))
	require.NoError(t, err)
	assert.Zero(t, n, "second write is a no-op")

	execs, err := db.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1, "no execution row for a no-op mark")
	assert.Equal(t, "e1", execs[0].ID)
	assert.Equal(t, domain.OutcomeSucceeded, execs[0].Status)
	assert.InDelta(t, 20.0, execs[0].FilledTokens, 1e-9)
}

func TestSQLiteStorage_MarkAllPending(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	_, err := db.SaveTrades(ctx, []domain.PendingTrade{
		makeTrade("0xaaa", "0x01", 2),
		makeTrade("0xbbb", "0x02", 3),
		makeTrade("0xccc", "0x03", 4),
	})
	require.NoError(t, err)

	n, err := db.MarkAllPending(ctx, []string{"0xaaa", "0xbbb"}, outcome("sweep", domain.OutcomePreExisting))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, c := range []string{"0xaaa", "0xbbb"} {
		pending, err := db.PendingTrades(ctx, c)
		require.NoError(t, err)
		assert.Empty(t, pending)
	}
	pending, err := db.PendingTrades(ctx, "0xccc")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSQLiteStorage_PendingSkipsNonTradeAndUnknownSide(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	redeem := makeTrade("0xaaa", "0x01", 2)
	redeem.Type = "REDEEM"
	weird := makeTrade("0xaaa", "0x02", 2)
	weird.Side = "HOLD"
	_, err := db.SaveTrades(ctx, []domain.PendingTrade{redeem, weird, makeTrade("0xaaa", "0x03", 2)})
	require.NoError(t, err)

	pending, err := db.PendingTrades(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0x03", pending[0].TransactionHash)
}

func TestSQLiteStorage_PositionsSnapshotReplaced(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.SavePositions(ctx, "0xme", []domain.Position{
		{ConditionID: "c1", Asset: "a1", Size: 10, AvgPrice: 0.5, CurrentValue: 6},
		{ConditionID: "c2", Asset: "a2", Size: 4, AvgPrice: 0.2, CurrentValue: 1},
	}))
	require.NoError(t, db.SavePositions(ctx, "0xme", []domain.Position{
		{ConditionID: "c2", Asset: "a2", Size: 8, AvgPrice: 0.2, CurrentValue: 2},
	}))

	got, err := db.Positions(ctx, "0xme")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].Asset)
	assert.Equal(t, "0xme", got[0].Owner)
	assert.InDelta(t, 8.0, got[0].Size, 1e-9)

	other, err := db.Positions(ctx, "0xother")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteStorage_SaveEmptySlice(t *testing.T) {
	db := newStore(t)
	n, err := db.SaveTrades(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, db.Ping(context.Background()))
}
