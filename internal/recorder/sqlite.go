package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"RegimeSentinel/internal/model"
)

// SQLiteStore persists history and parameters to a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.Logger
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(dbPath string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL lets the trading system read while a cycle writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regime_history (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			source          TEXT NOT NULL,
			regime          TEXT NOT NULL,
			oi_growth       REAL,
			funding_avg     REAL,
			liquidity_ratio REAL,
			raw_data        TEXT,
			UNIQUE (timestamp, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_regime_history_ts ON regime_history(timestamp)`,

		`CREATE TABLE IF NOT EXISTS strategy_params (
			id                     TEXT PRIMARY KEY,
			updated_at             INTEGER NOT NULL,
			regime                 TEXT NOT NULL,
			max_position_size_btc  TEXT NOT NULL,
			leverage_limit         TEXT NOT NULL,
			risk_budget_multiplier TEXT NOT NULL,
			liquidity_health       TEXT NOT NULL,
			protocol_alerts        TEXT NOT NULL,
			approved_by            TEXT NOT NULL,
			source_data            TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_params_updated ON strategy_params(updated_at)`,

		`CREATE TABLE IF NOT EXISTS strategy_params_pending (
			id                     TEXT PRIMARY KEY,
			updated_at             INTEGER NOT NULL,
			regime                 TEXT NOT NULL,
			max_position_size_btc  TEXT NOT NULL,
			leverage_limit         TEXT NOT NULL,
			risk_budget_multiplier TEXT NOT NULL,
			liquidity_health       TEXT NOT NULL,
			protocol_alerts        TEXT NOT NULL,
			approved_by            TEXT NOT NULL,
			source_data            TEXT,
			resolved_at            INTEGER,
			resolved_by            TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS protocol_alerts (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp         INTEGER NOT NULL,
			protocol          TEXT NOT NULL,
			asset             TEXT NOT NULL,
			alert_type        TEXT NOT NULL,
			severity          TEXT NOT NULL,
			utilization_ratio REAL,
			health_factor     REAL,
			message           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_protocol_alerts_ts ON protocol_alerts(timestamp)`,
	}

	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("exec %q: %w", st[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) WriteHistory(ctx context.Context, rec *model.RegimeHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertHistory(ctx, tx, rec)
	})
}

func (s *SQLiteStore) LatestHistory(ctx context.Context, source string) (*model.RegimeHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT timestamp, source, regime, oi_growth, funding_avg, liquidity_ratio, raw_data
		FROM regime_history WHERE ? = '' OR source = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, source, source)

	var (
		ts     int64
		regime string
		raw    sql.NullString
		rec    model.RegimeHistoryRecord
	)
	err := row.Scan(&ts, &rec.Source, &regime, &rec.OIGrowth, &rec.FundingAvg, &rec.LiquidityRatio, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest history: %w", err)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Regime = model.Regime(regime)
	if raw.Valid && raw.String != "" {
		rec.RawData = json.RawMessage(raw.String)
	}
	return &rec, nil
}

const paramsColumns = `id, updated_at, regime, max_position_size_btc, leverage_limit, risk_budget_multiplier,
	liquidity_health, protocol_alerts, approved_by, source_data`

func (s *SQLiteStore) ReadCurrentParams(ctx context.Context) (*model.StrategyParams, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paramsColumns+`
		FROM strategy_params ORDER BY updated_at DESC, rowid DESC LIMIT 1`)
	p, err := scanParams(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current params: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) WriteCurrentParams(ctx context.Context, p *model.StrategyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertParams(ctx, tx, "strategy_params", p)
	})
}

func (s *SQLiteStore) WritePendingParams(ctx context.Context, p *model.StrategyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertParams(ctx, tx, "strategy_params_pending", p)
	})
}

func (s *SQLiteStore) ListPendingParams(ctx context.Context) ([]*model.StrategyParams, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paramsColumns+`
		FROM strategy_params_pending WHERE resolved_at IS NULL ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending params: %w", err)
	}
	defer rows.Close()

	var out []*model.StrategyParams
	for rows.Next() {
		p, err := scanParams(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending params: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApprovePending(ctx context.Context, id, operator string, at time.Time) (*model.StrategyParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var approved *model.StrategyParams
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+paramsColumns+`
			FROM strategy_params_pending WHERE id = ? AND resolved_at IS NULL`, id)
		p, err := scanParams(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: pending params %s", model.ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		approved = promote(p, operator, at)
		if err := insertParams(ctx, tx, "strategy_params", approved); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE strategy_params_pending SET resolved_at = ?, resolved_by = ? WHERE id = ?`,
			at.UnixNano(), operator, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *SQLiteStore) WriteProtocolAlert(ctx context.Context, a *model.ProtocolAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, insertAlertSQL, alertArgs(a)...)
	return err
}

// WriteCycle commits params, alerts and history in one transaction. History goes
// last so a rejected row rolls back everything before it.
func (s *SQLiteStore) WriteCycle(ctx context.Context, w *CycleWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if w.Current != nil {
			if err := insertParams(ctx, tx, "strategy_params", w.Current); err != nil {
				return err
			}
		}
		if w.Pending != nil {
			if err := insertParams(ctx, tx, "strategy_params_pending", w.Pending); err != nil {
				return err
			}
		}
		for i := range w.Alerts {
			if _, err := tx.ExecContext(ctx, insertAlertSQL, alertArgs(&w.Alerts[i])...); err != nil {
				return fmt.Errorf("insert protocol alert: %w", err)
			}
		}
		if w.History != nil {
			return insertHistory(ctx, tx, w.History)
		}
		return nil
	})
}

const insertAlertSQL = `INSERT INTO protocol_alerts
	(timestamp, protocol, asset, alert_type, severity, utilization_ratio, health_factor, message)
	VALUES (?,?,?,?,?,?,?,?)`

func alertArgs(a *model.ProtocolAlert) []any {
	return []any{
		a.Timestamp.UnixNano(), a.Protocol, a.Asset, string(a.Type), string(a.Severity),
		a.UtilizationRatio, a.HealthFactor, a.Message,
	}
}

// insertHistory skips a duplicate (timestamp, source) and rejects rows older than
// the newest one of the same source.
func insertHistory(ctx context.Context, tx *sql.Tx, rec *model.RegimeHistoryRecord) error {
	ts := rec.Timestamp.UnixNano()
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM regime_history WHERE timestamp = ? AND source = ?`, ts, rec.Source).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM regime_history WHERE source = ?`, rec.Source).Scan(&latest); err != nil {
		return err
	}
	if latest.Valid && ts < latest.Int64 {
		return fmt.Errorf("%w: %s at %s", model.ErrNonMonotonicHistory, rec.Source, rec.Timestamp.Format(time.RFC3339))
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO regime_history
		(timestamp, source, regime, oi_growth, funding_avg, liquidity_ratio, raw_data)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (timestamp, source) DO NOTHING`,
		ts, rec.Source, string(rec.Regime), rec.OIGrowth, rec.FundingAvg, rec.LiquidityRatio, string(rec.RawData),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	s.log.Info("closing sqlite store")
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertParams(ctx context.Context, tx *sql.Tx, table string, p *model.StrategyParams) error {
	alerts, err := json.Marshal(nonNil(p.ProtocolAlerts))
	if err != nil {
		return fmt.Errorf("encode protocol alerts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (`+paramsColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.UpdatedAt.UnixNano(), string(p.Regime),
		p.MaxPositionSizeBTC.String(), p.LeverageLimit.String(), p.RiskBudgetMultiplier.String(),
		string(p.LiquidityHealth), string(alerts), p.ApprovedBy, string(p.SourceData),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParams(row rowScanner) (*model.StrategyParams, error) {
	var (
		p                        model.StrategyParams
		updated                  int64
		regime, health           string
		position, leverage, mult string
		alerts                   string
		source                   sql.NullString
	)
	if err := row.Scan(&p.ID, &updated, &regime, &position, &leverage, &mult, &health, &alerts, &p.ApprovedBy, &source); err != nil {
		return nil, err
	}

	var err error
	if p.MaxPositionSizeBTC, err = decimal.NewFromString(position); err != nil {
		return nil, fmt.Errorf("decode max_position_size_btc: %w", err)
	}
	if p.LeverageLimit, err = decimal.NewFromString(leverage); err != nil {
		return nil, fmt.Errorf("decode leverage_limit: %w", err)
	}
	if p.RiskBudgetMultiplier, err = decimal.NewFromString(mult); err != nil {
		return nil, fmt.Errorf("decode risk_budget_multiplier: %w", err)
	}
	if err := json.Unmarshal([]byte(alerts), &p.ProtocolAlerts); err != nil {
		return nil, fmt.Errorf("decode protocol_alerts: %w", err)
	}
	p.UpdatedAt = time.Unix(0, updated).UTC()
	p.Regime = model.Regime(regime)
	p.LiquidityHealth = model.LiquidityHealth(health)
	if source.Valid && source.String != "" {
		p.SourceData = json.RawMessage(source.String)
	}
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
