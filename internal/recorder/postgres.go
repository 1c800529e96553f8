package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"RegimeSentinel/internal/model"
)

// writerLockKey serializes cycle writers across processes via pg_advisory_xact_lock.
const writerLockKey int64 = 0x5245474d

// PostgresConfig mirrors the pool settings of the database section.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type historyRow struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement"`
	Timestamp      time.Time      `gorm:"not null;uniqueIndex:uq_regime_history_ts_source,priority:1"`
	Source         string         `gorm:"type:text;not null;uniqueIndex:uq_regime_history_ts_source,priority:2"`
	Regime         string         `gorm:"type:text;not null"`
	OIGrowth       float64        `gorm:"column:oi_growth"`
	FundingAvg     float64        `gorm:"column:funding_avg"`
	LiquidityRatio float64        `gorm:"column:liquidity_ratio"`
	RawData        datatypes.JSON `gorm:"column:raw_data"`
}

func (historyRow) TableName() string { return "regime_history" }

type paramsRow struct {
	ID                   string          `gorm:"primaryKey;type:text"`
	UpdatedAt            time.Time       `gorm:"not null;index;autoUpdateTime:false"`
	Regime               string          `gorm:"type:text;not null"`
	MaxPositionSizeBTC   decimal.Decimal `gorm:"column:max_position_size_btc;type:numeric(20,8);not null"`
	LeverageLimit        decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	RiskBudgetMultiplier decimal.Decimal `gorm:"type:numeric(6,4);not null"`
	LiquidityHealth      string          `gorm:"type:text;not null"`
	ProtocolAlerts       pq.StringArray  `gorm:"type:text[]"`
	ApprovedBy           string          `gorm:"type:text;not null"`
	SourceData           datatypes.JSON  `gorm:"column:source_data"`
}

func (paramsRow) TableName() string { return "strategy_params" }

type pendingRow struct {
	paramsRow  `gorm:"embedded"`
	ResolvedAt *time.Time
	ResolvedBy *string `gorm:"type:text"`
}

func (pendingRow) TableName() string { return "strategy_params_pending" }

type alertRow struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	Timestamp        time.Time `gorm:"not null;index"`
	Protocol         string    `gorm:"type:text;not null"`
	Asset            string    `gorm:"type:text;not null"`
	AlertType        string    `gorm:"type:text;not null"`
	Severity         string    `gorm:"type:text;not null"`
	UtilizationRatio float64
	HealthFactor     float64
	Message          string `gorm:"type:text"`
}

func (alertRow) TableName() string { return "protocol_alerts" }

// PostgresStore is the production store shared with the trading system.
type PostgresStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewPostgresStore connects, configures the pool and migrates the schema.
func NewPostgresStore(cfg PostgresConfig, log *zap.Logger) (*PostgresStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := gdb.AutoMigrate(&historyRow{}, &paramsRow{}, &pendingRow{}, &alertRow{}); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("postgres store opened")
	return &PostgresStore{db: gdb, log: log}, nil
}

// locked runs fn in a transaction holding the writer advisory lock.
func (s *PostgresStore) locked(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", writerLockKey).Error; err != nil {
			return fmt.Errorf("acquire writer lock: %w", err)
		}
		return fn(tx)
	})
}

func (s *PostgresStore) WriteHistory(ctx context.Context, rec *model.RegimeHistoryRecord) error {
	return s.locked(ctx, func(tx *gorm.DB) error {
		return insertHistoryRow(tx, rec)
	})
}

func insertHistoryRow(tx *gorm.DB, rec *model.RegimeHistoryRecord) error {
	var existing int64
	if err := tx.Model(&historyRow{}).
		Where("timestamp = ? AND source = ?", rec.Timestamp, rec.Source).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	var latest historyRow
	err := tx.Where("source = ?", rec.Source).Order("timestamp DESC").Limit(1).Take(&latest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	case rec.Timestamp.Before(latest.Timestamp):
		return fmt.Errorf("%w: %s at %s", model.ErrNonMonotonicHistory, rec.Source, rec.Timestamp.Format(time.RFC3339))
	}

	row := historyRow{
		Timestamp:      rec.Timestamp,
		Source:         rec.Source,
		Regime:         string(rec.Regime),
		OIGrowth:       rec.OIGrowth,
		FundingAvg:     rec.FundingAvg,
		LiquidityRatio: rec.LiquidityRatio,
		RawData:        jsonOrNull(rec.RawData),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "timestamp"}, {Name: "source"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (s *PostgresStore) LatestHistory(ctx context.Context, source string) (*model.RegimeHistoryRecord, error) {
	var row historyRow
	q := s.db.WithContext(ctx)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Order("timestamp DESC").Order("id DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest history: %w", err)
	}
	return &model.RegimeHistoryRecord{
		Timestamp:      row.Timestamp,
		Source:         row.Source,
		Regime:         model.Regime(row.Regime),
		OIGrowth:       row.OIGrowth,
		FundingAvg:     row.FundingAvg,
		LiquidityRatio: row.LiquidityRatio,
		RawData:        []byte(row.RawData),
	}, nil
}

func (s *PostgresStore) ReadCurrentParams(ctx context.Context) (*model.StrategyParams, error) {
	var row paramsRow
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current params: %w", err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) WriteCurrentParams(ctx context.Context, p *model.StrategyParams) error {
	return s.locked(ctx, func(tx *gorm.DB) error {
		row := toParamsRow(p)
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func (s *PostgresStore) WritePendingParams(ctx context.Context, p *model.StrategyParams) error {
	return s.locked(ctx, func(tx *gorm.DB) error {
		row := pendingRow{paramsRow: toParamsRow(p)}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func (s *PostgresStore) ListPendingParams(ctx context.Context) ([]*model.StrategyParams, error) {
	var rows []pendingRow
	if err := s.db.WithContext(ctx).Where("resolved_at IS NULL").Order("updated_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending params: %w", err)
	}
	out := make([]*model.StrategyParams, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].paramsRow.toModel())
	}
	return out, nil
}

func (s *PostgresStore) ApprovePending(ctx context.Context, id, operator string, at time.Time) (*model.StrategyParams, error) {
	var approved *model.StrategyParams
	err := s.locked(ctx, func(tx *gorm.DB) error {
		var row pendingRow
		err := tx.Where("id = ? AND resolved_at IS NULL", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: pending params %s", model.ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		approved = promote(row.paramsRow.toModel(), operator, at)
		current := toParamsRow(approved)
		if err := tx.Create(&current).Error; err != nil {
			return fmt.Errorf("insert approved params: %w", err)
		}
		return tx.Model(&pendingRow{}).Where("id = ?", id).
			Updates(map[string]any{"resolved_at": at, "resolved_by": operator}).Error
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *PostgresStore) WriteProtocolAlert(ctx context.Context, a *model.ProtocolAlert) error {
	row := toAlertRow(a)
	return s.db.WithContext(ctx).Create(&row).Error
}

// WriteCycle commits params, alerts and history in one locked transaction.
func (s *PostgresStore) WriteCycle(ctx context.Context, w *CycleWrite) error {
	return s.locked(ctx, func(tx *gorm.DB) error {
		if w.Current != nil {
			row := toParamsRow(w.Current)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("insert current params: %w", err)
			}
		}
		if w.Pending != nil {
			row := pendingRow{paramsRow: toParamsRow(w.Pending)}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("insert pending params: %w", err)
			}
		}
		if len(w.Alerts) > 0 {
			rows := make([]alertRow, 0, len(w.Alerts))
			for i := range w.Alerts {
				rows = append(rows, toAlertRow(&w.Alerts[i]))
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert protocol alerts: %w", err)
			}
		}
		if w.History != nil {
			return insertHistoryRow(tx, w.History)
		}
		return nil
	})
}

func toAlertRow(a *model.ProtocolAlert) alertRow {
	return alertRow{
		Timestamp:        a.Timestamp,
		Protocol:         a.Protocol,
		Asset:            a.Asset,
		AlertType:        string(a.Type),
		Severity:         string(a.Severity),
		UtilizationRatio: a.UtilizationRatio,
		HealthFactor:     a.HealthFactor,
		Message:          a.Message,
	}
}

func (s *PostgresStore) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	s.log.Info("closing postgres store")
	return sqldb.Close()
}

func toParamsRow(p *model.StrategyParams) paramsRow {
	return paramsRow{
		ID:                   p.ID,
		UpdatedAt:            p.UpdatedAt,
		Regime:               string(p.Regime),
		MaxPositionSizeBTC:   p.MaxPositionSizeBTC,
		LeverageLimit:        p.LeverageLimit,
		RiskBudgetMultiplier: p.RiskBudgetMultiplier,
		LiquidityHealth:      string(p.LiquidityHealth),
		ProtocolAlerts:       pq.StringArray(nonNil(p.ProtocolAlerts)),
		ApprovedBy:           p.ApprovedBy,
		SourceData:           jsonOrNull(p.SourceData),
	}
}

func (r paramsRow) toModel() *model.StrategyParams {
	return &model.StrategyParams{
		ID:                   r.ID,
		Regime:               model.Regime(r.Regime),
		MaxPositionSizeBTC:   r.MaxPositionSizeBTC,
		LeverageLimit:        r.LeverageLimit,
		RiskBudgetMultiplier: r.RiskBudgetMultiplier,
		LiquidityHealth:      model.LiquidityHealth(r.LiquidityHealth),
		ProtocolAlerts:       []string(r.ProtocolAlerts),
		ApprovedBy:           r.ApprovedBy,
		SourceData:           []byte(r.SourceData),
		UpdatedAt:            r.UpdatedAt,
	}
}

func jsonOrNull(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}
