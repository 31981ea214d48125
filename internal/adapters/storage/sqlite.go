package storage

// sqlite.go — trades detectados, snapshots de posiciones e historial de ejecuciones.
//
// Tablas:
//   - `trades`: una fila por (counterparty, tx_hash). El flag `processed` es lo
//     único que impide re-copiar un trade; se escribe una sola vez, con
//     `WHERE processed = 0`, dentro de la misma transacción que la ejecución.
//   - `positions`: último snapshot por wallet (se reemplaza entero).
//   - `executions`: un resultado por ciclo de ejecución, para -status.
//   - Prune al arrancar: trades procesados > 30d, ejecuciones > 90d.

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    counterparty   TEXT    NOT NULL,
    tx_hash        TEXT    NOT NULL,
    type           TEXT    NOT NULL,
    condition_id   TEXT    NOT NULL,
    asset          TEXT    NOT NULL,
    side           TEXT    NOT NULL,
    size           REAL    NOT NULL DEFAULT 0,
    usdc_size      REAL    NOT NULL DEFAULT 0,
    price          REAL    NOT NULL DEFAULT 0,
    ts             INTEGER NOT NULL,
    title          TEXT,
    slug           TEXT,
    event_slug     TEXT,
    outcome        TEXT,
    outcome_index  INTEGER NOT NULL DEFAULT 0,
    detected_at    INTEGER NOT NULL,
    processed      INTEGER NOT NULL DEFAULT 0,
    processed_at   INTEGER,
    status         TEXT,
    execution_id   TEXT,
    attempts       INTEGER NOT NULL DEFAULT 0,
    filled_tokens  REAL    NOT NULL DEFAULT 0,
    PRIMARY KEY (counterparty, tx_hash)
);

CREATE TABLE IF NOT EXISTS positions (
    owner          TEXT NOT NULL,
    asset          TEXT NOT NULL,
    condition_id   TEXT NOT NULL,
    size           REAL NOT NULL DEFAULT 0,
    avg_price      REAL NOT NULL DEFAULT 0,
    current_value  REAL NOT NULL DEFAULT 0,
    title          TEXT,
    outcome        TEXT,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (owner, asset)
);

CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    status         TEXT    NOT NULL,
    condition      TEXT    NOT NULL,
    counterparty   TEXT    NOT NULL,
    condition_id   TEXT    NOT NULL,
    asset          TEXT    NOT NULL,
    side           TEXT    NOT NULL,
    requested      REAL    NOT NULL DEFAULT 0,
    filled_usdc    REAL    NOT NULL DEFAULT 0,
    filled_tokens  REAL    NOT NULL DEFAULT 0,
    attempts       INTEGER NOT NULL DEFAULT 0,
    trade_count    INTEGER NOT NULL DEFAULT 0,
    reason         TEXT,
    rationale      TEXT,
    finished_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_pending ON trades(counterparty, processed, type);
CREATE INDEX IF NOT EXISTS idx_exec_finished  ON executions(finished_at DESC);
`

const (
	retentionTrades     = 30 * 24 * time.Hour
	retentionExecutions = 90 * 24 * time.Hour
)

// SQLiteStorage implementa ports.TradeStore, ports.PositionStore y
// ports.ExecutionLog usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}
	s.pruneOld(context.Background())
	return s, nil
}

// Ping checks the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage.Ping: %w", err)
	}
	return nil
}

// SaveTrades inserta los trades nuevos; los ya conocidos se ignoran sin tocar su flag.
func (s *SQLiteStorage) SaveTrades(ctx context.Context, trades []domain.PendingTrade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveTrades: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades
			(counterparty, tx_hash, type, condition_id, asset, side, size, usdc_size,
			 price, ts, title, slug, event_slug, outcome, outcome_index, detected_at,
			 processed, processed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveTrades: prepare: %w", err)
	}
	defer stmt.Close()

	detected := s.now().Unix()
	inserted := 0
	for _, t := range trades {
		// trades seen before the watch started are stored already marked
		var processedAt, status any
		if t.Processed {
			processedAt, status = detected, string(domain.OutcomePreExisting)
		}
		res, err := stmt.ExecContext(ctx,
			t.Counterparty, t.TransactionHash, t.Type, t.ConditionID, t.Asset, string(t.Side),
			t.Size, t.USDCSize, t.Price, t.Timestamp.Unix(),
			t.Title, t.Slug, t.EventSlug, t.Outcome, t.OutcomeIndex,
			detected, boolInt(t.Processed), processedAt, status,
		)
		if err != nil {
			return 0, fmt.Errorf("storage.SaveTrades: insert %s: %w", t.ID(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.SaveTrades: commit: %w", err)
	}
	return inserted, nil
}

// PendingTrades devuelve los trades TRADE sin procesar del counterparty, en
// orden de detección. Filas que no se pueden decodificar se saltan.
func (s *SQLiteStorage) PendingTrades(ctx context.Context, counterparty string) ([]domain.PendingTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT counterparty, tx_hash, type, condition_id, asset, side, size, usdc_size,
		       price, ts, COALESCE(title, ''), COALESCE(slug, ''), COALESCE(event_slug, ''),
		       COALESCE(outcome, ''), outcome_index, attempts
		FROM trades
		WHERE counterparty = ? AND processed = 0 AND type = ?
		ORDER BY detected_at, ts, tx_hash
	`, counterparty, domain.ActivityTrade)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingTrades: query: %w", err)
	}
	defer rows.Close()

	var trades []domain.PendingTrade
	for rows.Next() {
		var t domain.PendingTrade
		var side string
		var ts int64
		if err := rows.Scan(
			&t.Counterparty, &t.TransactionHash, &t.Type, &t.ConditionID, &t.Asset, &side,
			&t.Size, &t.USDCSize, &t.Price, &ts,
			&t.Title, &t.Slug, &t.EventSlug, &t.Outcome, &t.OutcomeIndex, &t.Attempts,
		); err != nil {
			slog.Debug("storage: skipping undecodable trade row", "err", err)
			continue
		}
		if t.Side, err = domain.ParseSide(side); err != nil {
			slog.Debug("storage: skipping trade with unknown side", "tx", t.TransactionHash, "side", side)
			continue
		}
		t.Timestamp = time.Unix(ts, 0).UTC()
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.PendingTrades: rows: %w", err)
	}
	return trades, nil
}

// MarkProcessed escribe el resultado en cada trade aún sin procesar y registra
// la ejecución, todo en una transacción. Trades ya marcados no se tocan.
func (s *SQLiteStorage) MarkProcessed(ctx context.Context, ids []domain.TradeID, out domain.ExecutionOutcome) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.MarkProcessed: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE trades
		SET processed = 1, processed_at = ?, status = ?, execution_id = ?,
		    attempts = ?, filled_tokens = ?
		WHERE counterparty = ? AND tx_hash = ? AND processed = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("storage.MarkProcessed: prepare: %w", err)
	}
	defer stmt.Close()

	finished := finishedAt(out, s.now())
	changed := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx,
			finished, string(out.Status), out.ID, out.Attempts, out.FilledTokens,
			id.Counterparty, id.TransactionHash,
		)
		if err != nil {
			return 0, fmt.Errorf("storage.MarkProcessed: update %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}

	if changed > 0 {
		if err := insertExecution(ctx, tx, out, changed, finished); err != nil {
			return 0, fmt.Errorf("storage.MarkProcessed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.MarkProcessed: commit: %w", err)
	}
	return changed, nil
}

// MarkAllPending marca todos los trades pendientes de los counterparties sin ejecutarlos.
func (s *SQLiteStorage) MarkAllPending(ctx context.Context, counterparties []string, out domain.ExecutionOutcome) (int, error) {
	if len(counterparties) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.MarkAllPending: begin tx: %w", err)
	}
	defer tx.Rollback()

	finished := finishedAt(out, s.now())
	args := []any{finished, string(out.Status), out.ID, domain.ActivityTrade}
	for _, c := range counterparties {
		args = append(args, c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(counterparties)), ",")

	res, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET processed = 1, processed_at = ?, status = ?, execution_id = ?
		WHERE processed = 0 AND type = ? AND counterparty IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("storage.MarkAllPending: update: %w", err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		if err := insertExecution(ctx, tx, out, int(n), finished); err != nil {
			return 0, fmt.Errorf("storage.MarkAllPending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage.MarkAllPending: commit: %w", err)
	}
	return int(n), nil
}

// SavePositions reemplaza el snapshot de posiciones de la wallet.
func (s *SQLiteStorage) SavePositions(ctx context.Context, owner string, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SavePositions: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("storage.SavePositions: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO positions
			(owner, asset, condition_id, size, avg_price, current_value, title, outcome, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SavePositions: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx,
			owner, p.Asset, p.ConditionID, p.Size, p.AvgPrice, p.CurrentValue, p.Title, p.Outcome, now,
		); err != nil {
			return fmt.Errorf("storage.SavePositions: insert %s: %w", p.Asset, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SavePositions: commit: %w", err)
	}
	return nil
}

// Positions devuelve el último snapshot de la wallet, mayor valor primero.
func (s *SQLiteStorage) Positions(ctx context.Context, owner string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, asset, condition_id, size, avg_price, current_value,
		       COALESCE(title, ''), COALESCE(outcome, '')
		FROM positions
		WHERE owner = ?
		ORDER BY current_value DESC, asset
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("storage.Positions: query: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Owner, &p.Asset, &p.ConditionID, &p.Size, &p.AvgPrice,
			&p.CurrentValue, &p.Title, &p.Outcome); err != nil {
			slog.Debug("storage: skipping undecodable position row", "err", err)
			continue
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// RecentExecutions devuelve las últimas ejecuciones registradas, más recientes primero.
func (s *SQLiteStorage) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, condition, counterparty, condition_id, asset, side,
		       requested, filled_usdc, filled_tokens, attempts, COALESCE(reason, ''), finished_at
		FROM executions
		ORDER BY finished_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentExecutions: query: %w", err)
	}
	defer rows.Close()

	var outs []domain.ExecutionOutcome
	for rows.Next() {
		var o domain.ExecutionOutcome
		var status, condition, side string
		var finished int64
		if err := rows.Scan(&o.ID, &status, &condition, &o.Counterparty, &o.ConditionID, &o.Asset, &side,
			&o.Requested, &o.FilledUSDC, &o.FilledTokens, &o.Attempts, &o.Reason, &finished); err != nil {
			slog.Debug("storage: skipping undecodable execution row", "err", err)
			continue
		}
		o.Status = domain.OutcomeStatus(status)
		o.Condition = domain.Condition(condition)
		o.Side = domain.Side(side)
		o.FinishedAt = time.Unix(finished, 0).UTC()
		outs = append(outs, o)
	}
	return outs, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func insertExecution(ctx context.Context, tx *sql.Tx, out domain.ExecutionOutcome, trades int, finished int64) error {
	var rationale string
	if out.Decision != nil {
		rationale = out.Decision.Rationale
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions
			(id, status, condition, counterparty, condition_id, asset, side, requested,
			 filled_usdc, filled_tokens, attempts, trade_count, reason, rationale, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		out.ID, string(out.Status), string(out.Condition), out.Counterparty, out.ConditionID,
		out.Asset, string(out.Side), out.Requested, out.FilledUSDC, out.FilledTokens,
		out.Attempts, trades, out.Reason, rationale, finished,
	); err != nil {
		return fmt.Errorf("insert execution %s: %w", out.ID, err)
	}
	return nil
}

// pruneOld elimina datos antiguos para mantener la DB ligera. Solo trades ya procesados.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	now := s.now()
	s.db.ExecContext(ctx, `DELETE FROM trades WHERE processed = 1 AND processed_at < ?`,
		now.Add(-retentionTrades).Unix())
	s.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at < ?`,
		now.Add(-retentionExecutions).Unix())
}

func finishedAt(out domain.ExecutionOutcome, now time.Time) int64 {
	if out.FinishedAt.IsZero() {
		return now.Unix()
	}
	return out.FinishedAt.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
