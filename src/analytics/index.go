package analytics

// Analytics —— 绩效指标
// =============================================================================
// 年数按 252 个交易日折算；回撤用滚动峰值；Calmar = CAGR / 最大回撤。
// 所有退化情形（无交易、零回撤、零年数、非正初始资金）都返回 0 而不是 NaN/Inf。

import (
	"math"

	"trendlab/src/market"
	"trendlab/src/position"
)

const TradingDaysPerYear = 252

type Metrics struct {
	FinalEquity   float64 `json:"final_equity"`
	PnL           float64 `json:"pnl"`
	CAGR          float64 `json:"cagr_pct"`
	MaxDrawdown   float64 `json:"max_drawdown_pct"` // ≥ 0
	Calmar        float64 `json:"calmar"`
	TotalTrades   int     `json:"total_trades"`
	PctProfitable float64 `json:"pct_profitable"`
}

// Analyze 由逐日权益与已平仓交易计算指标
func Analyze(equities []float64, initial float64, trades []position.Trade) Metrics {
	m := Metrics{}
	if len(equities) == 0 {
		return m
	}
	m.FinalEquity = equities[len(equities)-1]
	m.PnL = m.FinalEquity - initial
	m.CAGR = CAGR(initial, m.FinalEquity, len(equities))
	m.MaxDrawdown = MaxDrawdown(equities)
	m.Calmar = Calmar(m.CAGR, m.MaxDrawdown)
	m.TotalTrades = len(trades)
	m.PctProfitable = WinRate(trades)
	return m
}

// CAGR 百分比
func CAGR(initial, final float64, days int) float64 {
	years := float64(days) / TradingDaysPerYear
	if years <= 0 || initial <= 0 || final < 0 {
		return 0
	}
	return (math.Pow(final/initial, 1/years) - 1) * 100
}

func Calmar(cagr, maxDD float64) float64 {
	if maxDD <= 0 {
		return 0
	}
	return cagr / maxDD
}

// Drawdowns 每日回撤（≤ 0 的小数）
func Drawdowns(equities []float64) []float64 {
	out := make([]float64, len(equities))
	peak := math.Inf(-1)
	for i, v := range equities {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = (v - peak) / peak
		}
	}
	return out
}

// MaxDrawdown 百分比，恒 ≥ 0
func MaxDrawdown(equities []float64) float64 {
	worst := 0.0
	for _, d := range Drawdowns(equities) {
		if d < worst {
			worst = d
		}
	}
	return math.Abs(worst) * 100
}

// WinRate 出场价 > 入场价计为盈利，百分比
func WinRate(trades []position.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.Won() {
			wins++
		}
	}
	return float64(wins) / float64(len(trades)) * 100
}

// ===================== Buy & Hold =====================

// BuyAndHold 首日开盘全仓买入、不计手续费，按每日收盘估值
func BuyAndHold(s market.Series, capital float64) ([]float64, Metrics) {
	if s.Empty() || s.First().Open <= 0 {
		return nil, Metrics{}
	}
	shares := capital / s.First().Open
	values := make([]float64, s.Len())
	for i := range values {
		values[i] = shares * s.At(i).Close
	}
	return values, Analyze(values, capital, nil)
}
