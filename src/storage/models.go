package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SweepModel —— 一次参数扫描（单品种全集或组合）
type SweepModel struct {
	ID           string         `gorm:"primaryKey;size:36"`
	Kind         string         `gorm:"size:16;not null;index"` // individual|portfolio
	StopMode     string         `gorm:"size:32;not null"`
	MAPeriod     int            `gorm:"not null"`
	Assets       datatypes.JSON `gorm:"type:json"` // ["AAPL","MSFT"]
	Params       datatypes.JSON `gorm:"type:json"` // 基础 strategy.Config
	OptimalRunID string         `gorm:"size:36"`
	PeriodStart  time.Time
	PeriodEnd    time.Time
	StartedAt    time.Time `gorm:"not null;index"`
	FinishedAt   time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`

	Runs []RunModel `gorm:"foreignKey:SweepID;constraint:OnDelete:CASCADE"`
}

func (SweepModel) TableName() string { return "sweeps" }

// RunModel —— 网格中的一个组合在一个品种（或整个组合）上的结果
type RunModel struct {
	ID            string          `gorm:"primaryKey;size:36"`
	SweepID       string          `gorm:"size:36;not null;index"`
	Asset         string          `gorm:"size:32;not null;index"`
	GridIndex     int             `gorm:"not null"`
	Label         string          `gorm:"size:64;not null"`
	StopLevel     *float64        `gorm:"column:stop_level"`
	ProfitTarget  *float64        `gorm:"column:profit_target"`
	FinalEquity   decimal.Decimal `gorm:"type:numeric;not null"`
	PnL           decimal.Decimal `gorm:"column:pnl;type:numeric;not null"`
	CAGR          float64         `gorm:"column:cagr_pct"`
	MaxDrawdown   float64         `gorm:"column:max_drawdown_pct"`
	Calmar        float64
	TotalTrades   int
	PctProfitable float64
	Optimal       bool           `gorm:"not null;default:false"`
	Config        datatypes.JSON `gorm:"type:json"`
	Curve         datatypes.JSON `gorm:"type:json"` // 仅最优组合保存权益曲线
}

func (RunModel) TableName() string { return "sweep_runs" }

type TradeModel struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	RunID      string          `gorm:"size:36;not null;index:idx_trade_run_seq,priority:1"`
	Seq        int             `gorm:"not null;index:idx_trade_run_seq,priority:2"`
	Asset      string          `gorm:"size:32;not null"`
	EntryDate  time.Time       `gorm:"not null"`
	EntryPrice decimal.Decimal `gorm:"type:numeric;not null"`
	ExitDate   time.Time       `gorm:"not null"`
	ExitPrice  decimal.Decimal `gorm:"type:numeric;not null"`
	Shares     float64         `gorm:"not null"`
	Reason     string          `gorm:"size:32;not null"`
}

func (TradeModel) TableName() string { return "sweep_trades" }
