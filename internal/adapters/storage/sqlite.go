package storage

// sqlite.go — persistencia local del ledger de una instancia.
//
// Estrategia:
//   - `portfolio_state` y `risk_state`: una fila por instancia (UPSERT).
//   - `positions`: una fila por trade_id; las cerradas se conservan como histórico.
//   - `activity_log`: se reescribe completo en cada guardado (ya viene acotado).
//   - `anomaly_alerts`: una fila por dedup_key; una alerta actualizada pisa a la anterior.
//   - Todo el snapshot se escribe en una sola transacción: nunca queda a medias.
//   - Prune al arrancar: alertas > 30d.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolio_state (
    instance_id     TEXT PRIMARY KEY,
    initial_capital REAL    NOT NULL,
    cash_balance    REAL    NOT NULL,
    total_trades    INTEGER NOT NULL DEFAULT 0,
    winning_trades  INTEGER NOT NULL DEFAULT 0,
    losing_trades   INTEGER NOT NULL DEFAULT 0,
    total_pnl       REAL    NOT NULL DEFAULT 0,
    trade_counter   INTEGER NOT NULL DEFAULT 0,
    updated_at      TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    trade_id      TEXT PRIMARY KEY,
    instance_id   TEXT NOT NULL,
    market_id     TEXT NOT NULL,
    question      TEXT,
    category      TEXT,
    outcome       TEXT NOT NULL,
    side          TEXT NOT NULL,
    horizon       TEXT NOT NULL,
    entry_price   REAL NOT NULL,
    stake         REAL NOT NULL,
    entry_time    TEXT NOT NULL,
    end_date      TEXT,
    status        TEXT NOT NULL,
    current_price REAL NOT NULL DEFAULT 0,
    exit_price    REAL NOT NULL DEFAULT 0,
    exit_time     TEXT,
    realized_pnl  REAL NOT NULL DEFAULT 0,
    close_reason  TEXT
);

CREATE TABLE IF NOT EXISTS risk_state (
    instance_id        TEXT PRIMARY KEY,
    day                TEXT    NOT NULL,
    daily_realized     REAL    NOT NULL DEFAULT 0,
    consecutive_losses INTEGER NOT NULL DEFAULT 0,
    tripped            INTEGER NOT NULL DEFAULT 0,
    tripped_reason     TEXT,
    tripped_at         TEXT,
    rearm_at           TEXT
);

CREATE TABLE IF NOT EXISTS activity_log (
    instance_id TEXT    NOT NULL,
    seq         INTEGER NOT NULL,
    id          TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    action      TEXT    NOT NULL,
    trade_id    TEXT,
    market_id   TEXT,
    question    TEXT,
    amount      REAL    NOT NULL DEFAULT 0,
    price       REAL    NOT NULL DEFAULT 0,
    pnl         REAL,
    result      TEXT,
    PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS anomaly_alerts (
    dedup_key   TEXT PRIMARY KEY,
    id          TEXT    NOT NULL,
    market_id   TEXT    NOT NULL,
    question    TEXT,
    metric      TEXT    NOT NULL,
    value       REAL    NOT NULL,
    threshold   REAL    NOT NULL,
    severity    TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    occurrences INTEGER NOT NULL DEFAULT 1,
    reason      TEXT,
    wallet      TEXT,
    acknowledged INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_positions_instance ON positions(instance_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_ts          ON anomaly_alerts(ts DESC);
`

// columnas añadidas después del schema inicial; fallan si ya existen, y da igual
var migrations = []string{
	"ALTER TABLE anomaly_alerts ADD COLUMN wallet TEXT",
	"ALTER TABLE anomaly_alerts ADD COLUMN acknowledged INTEGER NOT NULL DEFAULT 0",
}

const retentionAlerts = 30 * 24 * time.Hour

// SQLiteStorage implementa ports.LedgerStorage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia alertas antiguas.
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

	for _, stmt := range migrations {
		db.Exec(stmt) // ignore errors (column already exists)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveLedger persiste el snapshot completo de una instancia en una transacción.
func (s *SQLiteStorage) SaveLedger(ctx context.Context, snap domain.LedgerSnapshot) error {
	id := snap.State.InstanceID
	if id == "" {
		return fmt.Errorf("storage.SaveLedger: %w: empty instance id", domain.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveLedger: begin tx: %w", err)
	}
	defer tx.Rollback()

	st := snap.State
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = snap.TakenAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_state
			(instance_id, initial_capital, cash_balance, total_trades, winning_trades,
			 losing_trades, total_pnl, trade_counter, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			initial_capital = excluded.initial_capital,
			cash_balance    = excluded.cash_balance,
			total_trades    = excluded.total_trades,
			winning_trades  = excluded.winning_trades,
			losing_trades   = excluded.losing_trades,
			total_pnl       = excluded.total_pnl,
			trade_counter   = excluded.trade_counter,
			updated_at      = excluded.updated_at
	`, id, st.InitialCapital, st.Cash, st.TotalTrades, st.WinningTrades,
		st.LosingTrades, st.RealizedPnL, st.TradeCounter, fmtTime(updated),
	); err != nil {
		return fmt.Errorf("storage.SaveLedger: upsert state: %w", err)
	}

	if err := savePositions(ctx, tx, id, snap.Positions); err != nil {
		return err
	}

	r := snap.Risk
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_state
			(instance_id, day, daily_realized, consecutive_losses, tripped,
			 tripped_reason, tripped_at, rearm_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			day                = excluded.day,
			daily_realized     = excluded.daily_realized,
			consecutive_losses = excluded.consecutive_losses,
			tripped            = excluded.tripped,
			tripped_reason     = excluded.tripped_reason,
			tripped_at         = excluded.tripped_at,
			rearm_at           = excluded.rearm_at
	`, id, r.Day, r.DailyRealized, r.ConsecutiveLosses, boolInt(r.Tripped),
		r.TrippedReason, fmtTime(r.TrippedAt), fmtTime(r.RearmAt),
	); err != nil {
		return fmt.Errorf("storage.SaveLedger: upsert risk: %w", err)
	}

	if err := saveActivity(ctx, tx, id, snap.Activity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveLedger: commit: %w", err)
	}
	return nil
}

func savePositions(ctx context.Context, tx *sql.Tx, instanceID string, positions []domain.Position) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions
			(trade_id, instance_id, market_id, question, category, outcome, side, horizon,
			 entry_price, stake, entry_time, end_date, status, current_price, exit_price,
			 exit_time, realized_pnl, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			status        = excluded.status,
			current_price = excluded.current_price,
			exit_price    = excluded.exit_price,
			exit_time     = excluded.exit_time,
			realized_pnl  = excluded.realized_pnl,
			close_reason  = excluded.close_reason
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveLedger: prepare positions: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		var exitTime any
		if p.ExitTime != nil {
			exitTime = fmtTime(*p.ExitTime)
		}
		if _, err := stmt.ExecContext(ctx,
			p.TradeID, instanceID, p.MarketID, p.Question, p.Category,
			string(p.Outcome), string(p.Side), string(p.Horizon),
			p.EntryPrice, p.Stake, fmtTime(p.EntryTime), fmtTime(p.EndDate),
			string(p.Status), p.CurrentPrice, p.ExitPrice, exitTime,
			p.RealizedPnL, string(p.CloseReason),
		); err != nil {
			return fmt.Errorf("storage.SaveLedger: upsert position %s: %w", p.TradeID, err)
		}
	}
	return nil
}

func saveActivity(ctx context.Context, tx *sql.Tx, instanceID string, entries []domain.ActivityEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_log WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("storage.SaveLedger: clear activity: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activity_log
			(instance_id, seq, id, ts, action, trade_id, market_id, question, amount, price, pnl, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveLedger: prepare activity: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		var pnl any
		if e.PnL != nil {
			pnl = *e.PnL
		}
		if _, err := stmt.ExecContext(ctx,
			instanceID, i, e.ID, fmtTime(e.Timestamp), e.Action, e.TradeID,
			e.MarketID, e.Question, e.Amount, e.Price, pnl, e.Result,
		); err != nil {
			return fmt.Errorf("storage.SaveLedger: insert activity %s: %w", e.ID, err)
		}
	}
	return nil
}

// LoadLedger devuelve el último snapshot guardado de la instancia.
// found=false si la instancia nunca se guardó.
func (s *SQLiteStorage) LoadLedger(ctx context.Context, instanceID string) (domain.LedgerSnapshot, bool, error) {
	var snap domain.LedgerSnapshot
	var updated string
	st := &snap.State
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, initial_capital, cash_balance, total_trades, winning_trades,
		       losing_trades, total_pnl, trade_counter, updated_at
		FROM portfolio_state WHERE instance_id = ?
	`, instanceID).Scan(&st.InstanceID, &st.InitialCapital, &st.Cash, &st.TotalTrades,
		&st.WinningTrades, &st.LosingTrades, &st.RealizedPnL, &st.TradeCounter, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerSnapshot{}, false, nil
	}
	if err != nil {
		return domain.LedgerSnapshot{}, false, fmt.Errorf("storage.LoadLedger: query state: %w", err)
	}
	st.UpdatedAt = parseTime(updated)
	snap.TakenAt = st.UpdatedAt

	if snap.Positions, err = s.loadPositions(ctx, instanceID); err != nil {
		return domain.LedgerSnapshot{}, false, err
	}
	if snap.Risk, err = s.loadRisk(ctx, instanceID); err != nil {
		return domain.LedgerSnapshot{}, false, err
	}
	if snap.Activity, err = s.loadActivity(ctx, instanceID); err != nil {
		return domain.LedgerSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLiteStorage) loadPositions(ctx context.Context, instanceID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, instance_id, market_id, question, category, outcome, side, horizon,
		       entry_price, stake, entry_time, end_date, status, current_price, exit_price,
		       exit_time, realized_pnl, close_reason
		FROM positions WHERE instance_id = ?
		ORDER BY entry_time, trade_id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadLedger: query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var question, category, endDate, exitTime, closeReason sql.NullString
		var outcome, side, horizon, status, entryTime string
		if err := rows.Scan(&p.TradeID, &p.InstanceID, &p.MarketID, &question, &category,
			&outcome, &side, &horizon, &p.EntryPrice, &p.Stake, &entryTime, &endDate,
			&status, &p.CurrentPrice, &p.ExitPrice, &exitTime, &p.RealizedPnL, &closeReason,
		); err != nil {
			return nil, fmt.Errorf("storage.LoadLedger: scan position: %w", err)
		}
		p.Question, p.Category = question.String, category.String
		p.Outcome, p.Side = domain.Outcome(outcome), domain.Side(side)
		p.Horizon, p.Status = domain.Horizon(horizon), domain.PositionStatus(status)
		p.CloseReason = domain.CloseReason(closeReason.String)
		p.EntryTime = parseTime(entryTime)
		p.EndDate = parseTime(endDate.String)
		if exitTime.Valid && exitTime.String != "" {
			t := parseTime(exitTime.String)
			p.ExitTime = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) loadRisk(ctx context.Context, instanceID string) (domain.RiskState, error) {
	var r domain.RiskState
	var tripped int
	var reason, trippedAt, rearmAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT day, daily_realized, consecutive_losses, tripped, tripped_reason, tripped_at, rearm_at
		FROM risk_state WHERE instance_id = ?
	`, instanceID).Scan(&r.Day, &r.DailyRealized, &r.ConsecutiveLosses, &tripped, &reason, &trippedAt, &rearmAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskState{}, nil
	}
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("storage.LoadLedger: query risk: %w", err)
	}
	r.Tripped = tripped == 1
	r.TrippedReason = reason.String
	r.TrippedAt = parseTime(trippedAt.String)
	r.RearmAt = parseTime(rearmAt.String)
	// la exposición la reconstruye el ledger desde las posiciones abiertas
	r.ExposureByMarket = map[string]float64{}
	r.OpenByMarket = map[string]int{}
	return r, nil
}

func (s *SQLiteStorage) loadActivity(ctx context.Context, instanceID string) ([]domain.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, action, trade_id, market_id, question, amount, price, pnl, result
		FROM activity_log WHERE instance_id = ?
		ORDER BY seq
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadLedger: query activity: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var ts string
		var tradeID, marketID, question, result sql.NullString
		var pnl sql.NullFloat64
		if err := rows.Scan(&e.ID, &ts, &e.Action, &tradeID, &marketID, &question,
			&e.Amount, &e.Price, &pnl, &result); err != nil {
			return nil, fmt.Errorf("storage.LoadLedger: scan activity: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.TradeID, e.MarketID = tradeID.String, marketID.String
		e.Question, e.Result = question.String, result.String
		if pnl.Valid {
			v := pnl.Float64
			e.PnL = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAlert hace upsert de una alerta por dedup_key.
func (s *SQLiteStorage) SaveAlert(ctx context.Context, a domain.AnomalyAlert) error {
	if a.DedupKey == "" {
		a.DedupKey = domain.DedupKey(a.MarketID, a.Timestamp)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_alerts
			(dedup_key, id, market_id, question, metric, value, threshold, severity, ts, occurrences, reason,
			 wallet, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET
			metric       = excluded.metric,
			value        = excluded.value,
			threshold    = excluded.threshold,
			severity     = excluded.severity,
			occurrences  = excluded.occurrences,
			reason       = excluded.reason,
			wallet       = excluded.wallet,
			acknowledged = excluded.acknowledged
	`, a.DedupKey, a.ID, a.MarketID, a.Question, string(a.Metric), a.Value, a.Threshold,
		string(a.Severity), fmtTime(a.Timestamp), a.Occurrences, a.Reason,
		a.Wallet, boolInt(a.Acknowledged),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveAlert: %w", err)
	}
	return nil
}

// RecentAlerts devuelve las últimas alertas, la más reciente primero.
func (s *SQLiteStorage) RecentAlerts(ctx context.Context, limit int) ([]domain.AnomalyAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT dedup_key, id, market_id, question, metric, value, threshold, severity, ts, occurrences, reason,
		       wallet, acknowledged
		FROM anomaly_alerts
		ORDER BY ts DESC, dedup_key
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentAlerts: query: %w", err)
	}
	defer rows.Close()

	var out []domain.AnomalyAlert
	for rows.Next() {
		var a domain.AnomalyAlert
		var metric, severity, ts string
		var question, reason, wallet sql.NullString
		if err := rows.Scan(&a.DedupKey, &a.ID, &a.MarketID, &question, &metric, &a.Value,
			&a.Threshold, &severity, &ts, &a.Occurrences, &reason, &wallet, &a.Acknowledged); err != nil {
			return nil, fmt.Errorf("storage.RecentAlerts: scan row: %w", err)
		}
		a.Question, a.Reason, a.Wallet = question.String, reason.String, wallet.String
		a.Metric, a.Severity = domain.AlertMetric(metric), domain.Severity(severity)
		a.Timestamp = parseTime(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// pruneOld elimina alertas antiguas para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := fmtTime(time.Now().UTC().Add(-retentionAlerts))
	s.db.ExecContext(ctx, `DELETE FROM anomaly_alerts WHERE ts < ?`, cutoff)
}

// fmtTime usa un layout de ancho fijo para que el orden lexicográfico sea cronológico.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
