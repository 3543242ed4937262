package backtest

// Backtest —— 单品种日线回测引擎
// =============================================================================
// 驱动链路：Signal（前两日上穿）→ Position 状态机（止损/止盈/收尾平仓）→ Equity（逐日收盘记账）→ Analytics。
// 每日顺序：
//  1. 持仓中：推进止损，检查出场（优先级由 Config.ExitPriority 决定），回款入现金；
//  2. 空仓（含当日刚出场）：检查入场信号，开盘成交；
//  3. 最后一天仍持仓：按收盘价强制平仓；
//  4. 收盘估值，记一笔权益。
// 引擎本身无状态，Run 可以并发调用；同一输入永远得到同一输出。

import (
	"encoding/json"

	"trendlab/src/analytics"
	"trendlab/src/equity"
	"trendlab/src/market"
	"trendlab/src/position"
	"trendlab/src/strategy"
)

// ===================== 结果 =====================

type Result struct {
	Asset   string
	Config  strategy.Config
	Curve   *equity.Curve
	Trades  []position.Trade
	Stops   []float64 // 每日生效止损价，空仓或无止损为 0
	Metrics analytics.Metrics
}

func (r Result) Summary() string {
	b, _ := json.MarshalIndent(map[string]any{
		"asset":          r.Asset,
		"config":         r.Config.Label(),
		"final_equity":   r.Metrics.FinalEquity,
		"pnl":            r.Metrics.PnL,
		"cagr_pct":       r.Metrics.CAGR,
		"max_dd_pct":     r.Metrics.MaxDrawdown,
		"calmar":         r.Metrics.Calmar,
		"num_trades":     r.Metrics.TotalTrades,
		"pct_profitable": r.Metrics.PctProfitable,
	}, "", "  ")
	return string(b)
}

// ===================== 引擎 =====================

type Engine struct {
	cfg strategy.Config
}

func New(cfg strategy.Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

// Run 执行一次完整回测；空序列返回只含配置的空结果
func (e *Engine) Run(s market.Series) Result {
	res := Result{Asset: s.Ticker(), Config: e.cfg.Clone(), Curve: &equity.Curve{}}
	n := s.Len()
	if n == 0 {
		return res
	}

	m := position.New(s.Ticker(), e.cfg, nil)
	cash := e.cfg.InitialCapital
	res.Stops = make([]float64, n)

	for i := 0; i < n; i++ {
		day := s.At(i)

		// 1) 出场
		if m.State() == position.Long {
			if f, ok := m.Evaluate(day); ok {
				cash += f.Proceeds
			}
		}

		// 2) 入场（允许当日出场后再入场）
		if _, ok := strategy.Signal(s, i, m.State() == position.Long); ok {
			if shares, cost := e.size(cash, day.Open); m.Enter(day, shares) {
				cash -= cost
			}
		}

		// 3) 收尾
		if i == n-1 {
			if f, ok := m.ForceClose(day); ok {
				cash += f.Proceeds
			}
		}

		if px, ok := m.StopLevel(); ok {
			res.Stops[i] = px
		}

		// 4) 记账
		_ = res.Curve.Record(day.Date, cash, m.MarketValue(day.Close))
	}

	res.Trades = m.Log().Trades()
	res.Metrics = analytics.Analyze(res.Curve.Equities(), e.cfg.InitialCapital, res.Trades)
	return res
}

// size 返回股数与现金扣减额（含手续费）；空仓时权益即现金
func (e *Engine) size(cash, open float64) (shares, cost float64) {
	if open <= 0 || cash <= 0 {
		return 0, 0
	}
	c := e.cfg.Commission
	if e.cfg.SizingFraction >= 1 {
		return cash * (1 - c) / open, cash
	}
	notional := cash * e.cfg.SizingFraction
	if notional*(1+c) > cash {
		notional = cash / (1 + c)
	}
	return notional / open, notional * (1 + c)
}
