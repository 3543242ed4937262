package strategy

// Strategy —— SMA 上穿趋势策略的参数与入场信号
// =============================================================================
// 1) Config：一次回测的全部参数（止损模式/止损幅度/止盈/手续费/资金/仓位比例/均线/无风险利率/出场优先级），
//    按值传递，构造后不再修改；
// 2) 入场信号：前两日收盘 ≤ SMA、前一日收盘 > SMA（确认后的上穿），当日开盘价成交；
// 3) 出场原因与止损模式的枚举。

import (
	"errors"
	"fmt"
	"strings"

	"trendlab/src/market"
)

// ===================== 枚举 =====================

type StopMode string

const (
	StopTrailing    StopMode = "TRAILING"
	StopFixed       StopMode = "FIXED"
	StopPrevYearLow StopMode = "PREVIOUS_YEAR_LOW"
	StopNone        StopMode = "NONE"
)

// ParseStopMode 大小写不敏感
func ParseStopMode(s string) (StopMode, error) {
	switch m := StopMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case StopTrailing, StopFixed, StopPrevYearLow, StopNone:
		return m, nil
	}
	return "", fmt.Errorf("unknown stop mode %q", s)
}

// SweepsLevel 该模式是否需要扫描止损幅度
func (m StopMode) SweepsLevel() bool { return m == StopTrailing || m == StopFixed }

type ExitReason string

const (
	ExitTrailingStop    ExitReason = "Trailing Stop"
	ExitFixedStop       ExitReason = "Fixed Stop"
	ExitPrevYearLowStop ExitReason = "Previous Year Low Stop"
	ExitProfitTarget    ExitReason = "Profit Target"
	ExitEndOfData       ExitReason = "End of Data"
)

// ExitPriority 同一天止损与止盈同时触发时的判定顺序
type ExitPriority string

const (
	StopFirst   ExitPriority = "stop_first"
	TargetFirst ExitPriority = "target_first"
)

func ParseExitPriority(s string) (ExitPriority, error) {
	switch p := ExitPriority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return StopFirst, nil
	case StopFirst, TargetFirst:
		return p, nil
	}
	return "", fmt.Errorf("unknown exit priority %q", s)
}

// ===================== 参数 =====================

type Config struct {
	StopMode       StopMode     `json:"stop_mode"`
	StopLevel      *float64     `json:"stop_level,omitempty"`    // %，nil 表示无
	ProfitTarget   *float64     `json:"profit_target,omitempty"` // %，nil 表示不设止盈
	Commission     float64      `json:"commission"`              // 单边费率
	InitialCapital float64      `json:"initial_capital"`
	SizingFraction float64      `json:"sizing_fraction"` // 1.0 = 全仓
	MAPeriod       int          `json:"ma_period"`
	RiskFreeRate   float64      `json:"risk_free_rate"` // 年化，闲置现金收益
	ExitPriority   ExitPriority `json:"exit_priority"`
}

// Default 单品种默认参数
func Default() Config {
	return Config{
		StopMode:       StopTrailing,
		StopLevel:      Pct(20),
		Commission:     0.0005,
		InitialCapital: 100000,
		SizingFraction: 1.0,
		MAPeriod:       52,
		RiskFreeRate:   0.02,
		ExitPriority:   StopFirst,
	}
}

// WithDefaults 返回补齐零值后的副本（指针字段深拷贝）
func (c Config) WithDefaults() Config {
	q := c.Clone()
	if q.StopMode == "" {
		q.StopMode = StopNone
	}
	if q.InitialCapital == 0 {
		q.InitialCapital = 100000
	}
	if q.SizingFraction == 0 {
		q.SizingFraction = 1.0
	}
	if q.MAPeriod == 0 {
		q.MAPeriod = 52
	}
	if q.ExitPriority == "" {
		q.ExitPriority = StopFirst
	}
	return q
}

// WithGrid 替换止损幅度与止盈，用于网格扫描
func (c Config) WithGrid(stopLevel, profitTarget *float64) Config {
	q := c.Clone()
	q.StopLevel = copyPct(stopLevel)
	q.ProfitTarget = copyPct(profitTarget)
	return q
}

func (c Config) Clone() Config {
	q := c
	q.StopLevel = copyPct(c.StopLevel)
	q.ProfitTarget = copyPct(c.ProfitTarget)
	return q
}

func (c Config) Validate() error {
	if _, err := ParseStopMode(string(c.StopMode)); err != nil {
		return err
	}
	if c.StopMode.SweepsLevel() && c.StopLevel == nil {
		return fmt.Errorf("stop mode %s requires a stop level", c.StopMode)
	}
	if c.StopLevel != nil && (*c.StopLevel < 0 || *c.StopLevel >= 100) {
		return fmt.Errorf("stop level %.2f out of range [0,100)", *c.StopLevel)
	}
	if c.ProfitTarget != nil && *c.ProfitTarget <= 0 {
		return fmt.Errorf("profit target %.2f must be > 0", *c.ProfitTarget)
	}
	if c.Commission < 0 || c.Commission >= 1 {
		return errors.New("commission must be in [0,1)")
	}
	if c.InitialCapital <= 0 {
		return errors.New("initial capital must be > 0")
	}
	if c.SizingFraction <= 0 || c.SizingFraction > 1 {
		return errors.New("sizing fraction must be in (0,1]")
	}
	if c.MAPeriod <= 0 {
		return errors.New("ma period must be > 0")
	}
	if _, err := ParseExitPriority(string(c.ExitPriority)); err != nil {
		return err
	}
	return nil
}

// Label 形如 "SL:20 PT:None"，与报表一致
func (c Config) Label() string {
	return fmt.Sprintf("SL:%s PT:%s", FormatPct(c.StopLevel, string(c.StopMode)), FormatPct(c.ProfitTarget, "None"))
}

// ===================== 入场信号 =====================

// Entry 入场指令：当日开盘成交
type Entry struct {
	Index int
	Price float64
}

// Crossed 第 i 天之前两日是否构成确认上穿（不看第 i 天本身）
func Crossed(s market.Series, i int) bool {
	if i < 2 || i >= s.Len() {
		return false
	}
	p2, p1 := s.At(i-2), s.At(i-1)
	if isNaN(p2.SMA) || isNaN(p1.SMA) {
		return false
	}
	return p2.Close <= p2.SMA && p1.Close > p1.SMA
}

// Signal 持仓中不产生信号；开盘价 ≤ 0 时信号作废
func Signal(s market.Series, i int, inPosition bool) (Entry, bool) {
	if inPosition || !Crossed(s, i) {
		return Entry{}, false
	}
	px := s.At(i).Open
	if px <= 0 {
		return Entry{}, false
	}
	return Entry{Index: i, Price: px}, true
}

// ===================== 小工具 =====================

func Pct(v float64) *float64 { return &v }

func copyPct(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// FormatPct nil 时返回 fallback
func FormatPct(p *float64, fallback string) string {
	if p == nil {
		return fallback
	}
	return fmt.Sprintf("%g", *p)
}

func isNaN(f float64) bool { return f != f }
