package storage

// Storage —— 扫描结果持久化
// =============================================================================
// 三张表：sweeps（一次扫描）→ sweep_runs（每个组合 × 品种）→ sweep_trades（逐笔成交）。
// 金额列用 decimal 落库；参数与曲线用 JSON 列。写入在一个事务里完成，要么全有要么全无。

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trendlab/src/analytics"
	"trendlab/src/equity"
	"trendlab/src/position"
	"trendlab/src/strategy"
)

var ErrNotFound = errors.New("storage: not found")

const tradeBatch = 500

// ===================== 领域对象 =====================

type Sweep struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	StopMode     strategy.StopMode `json:"stop_mode"`
	MAPeriod     int               `json:"ma_period"`
	Assets       []string          `json:"assets"`
	Params       strategy.Config   `json:"params"`
	OptimalRunID string            `json:"optimal_run_id,omitempty"`
	PeriodStart  time.Time         `json:"period_start"`
	PeriodEnd    time.Time         `json:"period_end"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Runs         []Run             `json:"runs,omitempty"`
}

type Run struct {
	ID        string            `json:"id"`
	Asset     string            `json:"asset"`
	GridIndex int               `json:"grid_index"`
	Config    strategy.Config   `json:"config"`
	Metrics   analytics.Metrics `json:"metrics"`
	Optimal   bool              `json:"optimal"`
	Curve     []equity.Point    `json:"curve,omitempty"`
	Trades    []position.Trade  `json:"-"`
}

// ===================== 仓储 =====================

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveSweep 缺少 ID 的扫描/组合会分配 UUID；返回扫描 ID。同一 ID 重复保存会覆盖扫描头。
// OptimalRunID 未指定时取第一个标记为最优的组合。
func (r *Repository) SaveSweep(ctx context.Context, s *Sweep) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	for i := range s.Runs {
		if s.Runs[i].ID == "" {
			s.Runs[i].ID = uuid.NewString()
		}
		if s.Runs[i].Optimal && s.OptimalRunID == "" {
			s.OptimalRunID = s.Runs[i].ID
		}
	}

	head, err := toSweepModel(*s)
	if err != nil {
		return "", err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&head).Error; err != nil {
			return fmt.Errorf("save sweep: %w", err)
		}
		for _, run := range s.Runs {
			m, err := toRunModel(s.ID, run)
			if err != nil {
				return err
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("save run %s: %w", run.ID, err)
			}
			if len(run.Trades) == 0 {
				continue
			}
			trades := toTradeModels(run.ID, run.Trades)
			if err := tx.CreateInBatches(&trades, tradeBatch).Error; err != nil {
				return fmt.Errorf("save trades for run %s: %w", run.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// ListSweeps 按开始时间倒序，不含组合明细
func (r *Repository) ListSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	var models []SweepModel
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Sweep, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

// GetSweep 含全部组合（按品种、网格顺序），不含逐笔成交
func (r *Repository) GetSweep(ctx context.Context, id string) (Sweep, error) {
	var m SweepModel
	err := r.db.WithContext(ctx).
		Preload("Runs", func(db *gorm.DB) *gorm.DB { return db.Order("asset ASC, grid_index ASC") }).
		First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Sweep{}, ErrNotFound
	}
	if err != nil {
		return Sweep{}, err
	}
	s := m.toDomain()
	s.Runs = make([]Run, len(m.Runs))
	for i, rm := range m.Runs {
		s.Runs[i] = rm.toDomain()
	}
	return s, nil
}

func (r *Repository) ListTrades(ctx context.Context, runID string) ([]position.Trade, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	var models []TradeModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]position.Trade, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

// ===================== 转换 =====================

func toSweepModel(s Sweep) (SweepModel, error) {
	assets, err := json.Marshal(s.Assets)
	if err != nil {
		return SweepModel{}, err
	}
	params, err := json.Marshal(s.Params)
	if err != nil {
		return SweepModel{}, err
	}
	return SweepModel{
		ID:           s.ID,
		Kind:         s.Kind,
		StopMode:     string(s.StopMode),
		MAPeriod:     s.MAPeriod,
		Assets:       datatypes.JSON(assets),
		Params:       datatypes.JSON(params),
		OptimalRunID: s.OptimalRunID,
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}, nil
}

func (m SweepModel) toDomain() Sweep {
	s := Sweep{
		ID:           m.ID,
		Kind:         m.Kind,
		StopMode:     strategy.StopMode(m.StopMode),
		MAPeriod:     m.MAPeriod,
		OptimalRunID: m.OptimalRunID,
		PeriodStart:  m.PeriodStart,
		PeriodEnd:    m.PeriodEnd,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	_ = json.Unmarshal(m.Assets, &s.Assets)
	_ = json.Unmarshal(m.Params, &s.Params)
	return s
}

func toRunModel(sweepID string, r Run) (RunModel, error) {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return RunModel{}, err
	}
	m := RunModel{
		ID:            r.ID,
		SweepID:       sweepID,
		Asset:         r.Asset,
		GridIndex:     r.GridIndex,
		Label:         r.Config.Label(),
		StopLevel:     r.Config.StopLevel,
		ProfitTarget:  r.Config.ProfitTarget,
		FinalEquity:   decimal.NewFromFloat(r.Metrics.FinalEquity).Round(4),
		PnL:           decimal.NewFromFloat(r.Metrics.PnL).Round(4),
		CAGR:          r.Metrics.CAGR,
		MaxDrawdown:   r.Metrics.MaxDrawdown,
		Calmar:        r.Metrics.Calmar,
		TotalTrades:   r.Metrics.TotalTrades,
		PctProfitable: r.Metrics.PctProfitable,
		Optimal:       r.Optimal,
		Config:        datatypes.JSON(cfg),
	}
	if len(r.Curve) > 0 {
		curve, err := json.Marshal(r.Curve)
		if err != nil {
			return RunModel{}, err
		}
		m.Curve = datatypes.JSON(curve)
	}
	return m, nil
}

func (m RunModel) toDomain() Run {
	r := Run{
		ID:        m.ID,
		Asset:     m.Asset,
		GridIndex: m.GridIndex,
		Optimal:   m.Optimal,
		Metrics: analytics.Metrics{
			FinalEquity:   m.FinalEquity.InexactFloat64(),
			PnL:           m.PnL.InexactFloat64(),
			CAGR:          m.CAGR,
			MaxDrawdown:   m.MaxDrawdown,
			Calmar:        m.Calmar,
			TotalTrades:   m.TotalTrades,
			PctProfitable: m.PctProfitable,
		},
	}
	_ = json.Unmarshal(m.Config, &r.Config)
	if len(m.Curve) > 0 {
		_ = json.Unmarshal(m.Curve, &r.Curve)
	}
	return r
}

func toTradeModels(runID string, ts []position.Trade) []TradeModel {
	out := make([]TradeModel, len(ts))
	for i, t := range ts {
		out[i] = TradeModel{
			RunID:      runID,
			Seq:        i,
			Asset:      t.Asset,
			EntryDate:  t.EntryDate,
			EntryPrice: decimal.NewFromFloat(t.EntryPrice),
			ExitDate:   t.ExitDate,
			ExitPrice:  decimal.NewFromFloat(t.ExitPrice),
			Shares:     t.Shares,
			Reason:     string(t.Reason),
		}
	}
	return out
}

func (m TradeModel) toDomain() position.Trade {
	return position.Trade{
		Asset:      m.Asset,
		EntryDate:  m.EntryDate,
		EntryPrice: m.EntryPrice.InexactFloat64(),
		ExitDate:   m.ExitDate,
		ExitPrice:  m.ExitPrice.InexactFloat64(),
		Shares:     m.Shares,
		Reason:     strategy.ExitReason(m.Reason),
	}
}
