package risk

// Risk —— 止损规则
// =============================================================================
// 四种止损模式统一成一个按日推进的接口（StopPolicy）：
//   - TRAILING：入场后最高价回撤 level%；
//   - FIXED：入场价下方 level%，入场时冻结；
//   - PREVIOUS_YEAR_LOW：入场当日的“上一自然年最低价”，入场时冻结；
//   - NONE：不设止损。
// 状态（Stop）由持仓状态机持有，策略对象本身无状态，可在多次回测间共享。

import (
	"trendlab/src/market"
	"trendlab/src/strategy"
)

// Stop —— 单笔持仓的止损状态
type Stop struct {
	Peak   float64 // 入场以来最高价
	Static float64 // 冻结止损价；0 表示无
}

type StopPolicy interface {
	Mode() strategy.StopMode
	Reason() strategy.ExitReason
	// Arm 入场时初始化
	Arm(entry float64, day market.PricePoint) Stop
	// Step 用当日 bar 推进状态并返回当日止损价；ok=false 表示当日不检查止损
	Step(st *Stop, day market.PricePoint) (price float64, ok bool)
	// Level 当前止损价（不推进状态）
	Level(st Stop) (price float64, ok bool)
}

// For 按模式构造；level 为 nil 时按 0% 处理
func For(mode strategy.StopMode, level *float64) StopPolicy {
	pct := 0.0
	if level != nil {
		pct = *level
	}
	switch mode {
	case strategy.StopTrailing:
		return trailing{pct: pct}
	case strategy.StopFixed:
		return fixed{pct: pct}
	case strategy.StopPrevYearLow:
		return prevYearLow{}
	default:
		return none{}
	}
}

// ===================== TRAILING =====================

type trailing struct{ pct float64 }

func (trailing) Mode() strategy.StopMode     { return strategy.StopTrailing }
func (trailing) Reason() strategy.ExitReason { return strategy.ExitTrailingStop }

func (trailing) Arm(entry float64, _ market.PricePoint) Stop { return Stop{Peak: entry} }

func (t trailing) Step(st *Stop, day market.PricePoint) (float64, bool) {
	if day.High > st.Peak {
		st.Peak = day.High
	}
	return t.Level(*st)
}

func (t trailing) Level(st Stop) (float64, bool) {
	return st.Peak * (1 - t.pct/100), true
}

// ===================== FIXED =====================

type fixed struct{ pct float64 }

func (fixed) Mode() strategy.StopMode     { return strategy.StopFixed }
func (fixed) Reason() strategy.ExitReason { return strategy.ExitFixedStop }

func (f fixed) Arm(entry float64, _ market.PricePoint) Stop {
	return Stop{Peak: entry, Static: entry * (1 - f.pct/100)}
}

func (f fixed) Step(st *Stop, day market.PricePoint) (float64, bool) {
	if day.High > st.Peak {
		st.Peak = day.High
	}
	return f.Level(*st)
}

func (fixed) Level(st Stop) (float64, bool) { return st.Static, true }

// ===================== PREVIOUS_YEAR_LOW =====================

type prevYearLow struct{}

func (prevYearLow) Mode() strategy.StopMode     { return strategy.StopPrevYearLow }
func (prevYearLow) Reason() strategy.ExitReason { return strategy.ExitPrevYearLowStop }

func (prevYearLow) Arm(entry float64, day market.PricePoint) Stop {
	s := Stop{Peak: entry}
	if day.PrevYearLow > 0 {
		s.Static = day.PrevYearLow
	}
	return s
}

func (p prevYearLow) Step(st *Stop, day market.PricePoint) (float64, bool) {
	if day.High > st.Peak {
		st.Peak = day.High
	}
	return p.Level(*st)
}

// 上一年最低价不可用时整笔交易不设止损
func (prevYearLow) Level(st Stop) (float64, bool) { return st.Static, st.Static > 0 }

// ===================== NONE =====================

type none struct{}

func (none) Mode() strategy.StopMode                     { return strategy.StopNone }
func (none) Reason() strategy.ExitReason                 { return "" }
func (none) Arm(entry float64, _ market.PricePoint) Stop { return Stop{Peak: entry} }
func (none) Level(Stop) (float64, bool)                  { return 0, false }

func (none) Step(st *Stop, day market.PricePoint) (float64, bool) {
	if day.High > st.Peak {
		st.Peak = day.High
	}
	return 0, false
}
