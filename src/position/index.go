package position

// Position —— 单品种持仓状态机（FLAT / LONG）
// =============================================================================
// - 入场：由调用方决定股数（全仓 / 按权益比例 / 组合上限），入场价为当日开盘；
// - 每日：推进止损，按出场优先级检查止损与止盈，触发则以止损价/目标价平仓；
// - 收尾：最后一天仍持仓，按收盘价强制平仓（End of Data）；
// - 平仓后持仓转为不可变 Trade，追加进 TradeLog。
// 现金不在这里记账：平仓返回扣除手续费后的回款（Fill.Proceeds），由引擎入账。

import (
	"fmt"
	"time"

	"trendlab/src/market"
	"trendlab/src/risk"
	"trendlab/src/strategy"
)

type State int

const (
	Flat State = iota
	Long
)

func (s State) String() string {
	if s == Long {
		return "LONG"
	}
	return "FLAT"
}

// Position 仅在 LONG 时存在，由唯一的 Machine 持有
type Position struct {
	Asset      string
	Shares     float64
	EntryPrice float64
	EntryDate  time.Time
	Peak       float64
	StaticStop float64
}

// Trade —— 已平仓的交易记录（不可变）
type Trade struct {
	Asset        string              `json:"asset"`
	EntryDate    time.Time           `json:"entry_date"`
	EntryPrice   float64             `json:"entry_price"`
	ExitDate     time.Time           `json:"exit_date"`
	ExitPrice    float64             `json:"exit_price"`
	Shares       float64             `json:"shares"`
	Reason       strategy.ExitReason `json:"reason"`
	StopMode     strategy.StopMode   `json:"stop_mode"`
	StopLevel    *float64            `json:"stop_level,omitempty"`
	ProfitTarget *float64            `json:"profit_target,omitempty"`
}

// Won 胜负只看价格，不含手续费
func (t Trade) Won() bool { return t.ExitPrice > t.EntryPrice }

func (t Trade) ReturnPct() float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	return (t.ExitPrice/t.EntryPrice - 1) * 100
}

// GrossPnL 不含手续费
func (t Trade) GrossPnL() float64 { return (t.ExitPrice - t.EntryPrice) * t.Shares }

func (t Trade) HoldingDays() int { return int(t.ExitDate.Sub(t.EntryDate).Hours() / 24) }

// ===================== TradeLog =====================

// TradeLog 只追加；对外只给副本
type TradeLog struct {
	trades []Trade
}

func (l *TradeLog) Len() int       { return len(l.trades) }
func (l *TradeLog) At(i int) Trade { return l.trades[i] }

func (l *TradeLog) Trades() []Trade {
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *TradeLog) append(t Trade) { l.trades = append(l.trades, t) }

// ===================== Machine =====================

// Fill —— 一次平仓的结果
type Fill struct {
	Price    float64
	Shares   float64
	Proceeds float64 // shares × price × (1 − commission)
	Reason   strategy.ExitReason
	Trade    Trade
}

type Machine struct {
	asset string
	cfg   strategy.Config
	stop  risk.StopPolicy
	pos   *Position
	st    risk.Stop
	log   *TradeLog
}

// New 每个品种一个；log 可在多个 Machine 之间共享（组合模式）
func New(asset string, cfg strategy.Config, log *TradeLog) *Machine {
	if log == nil {
		log = &TradeLog{}
	}
	c := cfg.Clone()
	return &Machine{
		asset: asset,
		cfg:   c,
		stop:  risk.For(c.StopMode, c.StopLevel),
		log:   log,
	}
}

func (m *Machine) Asset() string  { return m.asset }
func (m *Machine) Log() *TradeLog { return m.log }

func (m *Machine) State() State {
	if m.pos != nil {
		return Long
	}
	return Flat
}

// OpenTrade 持仓期间唯一一条未结束的交易记录
func (m *Machine) OpenTrade() (Trade, bool) {
	if m.pos == nil {
		return Trade{}, false
	}
	return m.trade(time.Time{}, 0, ""), true
}

// MarketValue 按给定价格估值；空仓为 0
func (m *Machine) MarketValue(price float64) float64 {
	if m.pos == nil {
		return 0
	}
	return m.pos.Shares * price
}

// StopLevel 当前生效止损价（用于止损线导出）
func (m *Machine) StopLevel() (float64, bool) {
	if m.pos == nil {
		return 0, false
	}
	return m.stop.Level(m.st)
}

// Enter FLAT→LONG，以 day.Open 成交。价格 ≤ 0 / 股数 ≤ 0 / 已持仓时不做任何变化。
func (m *Machine) Enter(day market.PricePoint, shares float64) bool {
	if m.pos != nil || day.Open <= 0 || !(shares > 0) {
		return false
	}
	m.st = m.stop.Arm(day.Open, day)
	m.pos = &Position{
		Asset:      m.asset,
		Shares:     shares,
		EntryPrice: day.Open,
		EntryDate:  day.Date,
		Peak:       m.st.Peak,
		StaticStop: m.st.Static,
	}
	return true
}

// Evaluate LONG 时每日调用：推进止损并检查出场
func (m *Machine) Evaluate(day market.PricePoint) (Fill, bool) {
	if m.pos == nil {
		return Fill{}, false
	}
	stopPx, hasStop := m.stop.Step(&m.st, day)
	stopHit := hasStop && day.Low <= stopPx

	var targetPx float64
	targetHit := false
	if m.cfg.ProfitTarget != nil {
		targetPx = m.pos.EntryPrice * (1 + *m.cfg.ProfitTarget/100)
		targetHit = day.High >= targetPx
	}

	if m.cfg.ExitPriority == strategy.TargetFirst {
		if targetHit {
			return m.close(day.Date, targetPx, strategy.ExitProfitTarget), true
		}
		if stopHit {
			return m.close(day.Date, stopPx, m.stop.Reason()), true
		}
		return Fill{}, false
	}
	if stopHit {
		return m.close(day.Date, stopPx, m.stop.Reason()), true
	}
	if targetHit {
		return m.close(day.Date, targetPx, strategy.ExitProfitTarget), true
	}
	return Fill{}, false
}

// ForceClose 数据结束时按收盘价平仓
func (m *Machine) ForceClose(day market.PricePoint) (Fill, bool) {
	if m.pos == nil {
		return Fill{}, false
	}
	return m.close(day.Date, day.Close, strategy.ExitEndOfData), true
}

func (m *Machine) close(date time.Time, price float64, reason strategy.ExitReason) Fill {
	t := m.trade(date, price, reason)
	f := Fill{
		Price:    price,
		Shares:   m.pos.Shares,
		Proceeds: m.pos.Shares * price * (1 - m.cfg.Commission),
		Reason:   reason,
		Trade:    t,
	}
	m.log.append(t)
	m.pos = nil
	m.st = risk.Stop{}
	return f
}

func (m *Machine) trade(exitDate time.Time, exitPrice float64, reason strategy.ExitReason) Trade {
	return Trade{
		Asset:        m.asset,
		EntryDate:    m.pos.EntryDate,
		EntryPrice:   m.pos.EntryPrice,
		ExitDate:     exitDate,
		ExitPrice:    exitPrice,
		Shares:       m.pos.Shares,
		Reason:       reason,
		StopMode:     m.cfg.StopMode,
		StopLevel:    m.cfg.Clone().StopLevel,
		ProfitTarget: m.cfg.Clone().ProfitTarget,
	}
}

func (m *Machine) String() string {
	if m.pos == nil {
		return fmt.Sprintf("%s FLAT", m.asset)
	}
	return fmt.Sprintf("%s LONG %.4f@%.4f", m.asset, m.pos.Shares, m.pos.EntryPrice)
}
