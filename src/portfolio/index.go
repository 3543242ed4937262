package portfolio

// Portfolio —— 多品种组合回测
// ==================================================================================
// 三种资金分配方式，共用同一对齐后的日期索引（market.Panel）：
// 1) Rebalanced：等权，首日与每年第一个交易日按收盘价再平衡，不设止损、不计手续费；
// 2) BuyAndForget：首日收盘等权买入，此后股数不变；
// 3) Engine（主动策略）：每个品种一个持仓状态机，共用一个现金池；
//    闲置现金按无风险利率逐日计息，单品种仓位上限 = 当前权益 / N。
//
// 分层关系：
// Signal → Portfolio（本文件，仓位上限与资金池）→ Position（止损/止盈）→ Equity

import (
	"encoding/json"
	"math"
	"time"

	"trendlab/src/analytics"
	"trendlab/src/equity"
	"trendlab/src/market"
	"trendlab/src/position"
	"trendlab/src/strategy"
)

const (
	NameRebalanced   = "Rebalanced B&H"
	NameBuyAndForget = "Buy & Forget B&H"
)

// minOrder 低于该金额的建仓忽略
const minOrder = 1.0

// ===================== 结果 =====================

type Result struct {
	Name       string
	Config     strategy.Config
	Curve      *equity.Curve
	Trades     []position.Trade
	Rebalances []time.Time // 仅 Rebalanced 填写
	Metrics    analytics.Metrics
}

func (r Result) Summary() string {
	b, _ := json.MarshalIndent(map[string]any{
		"name":         r.Name,
		"final_value":  r.Metrics.FinalEquity,
		"pnl":          r.Metrics.PnL,
		"cagr_pct":     r.Metrics.CAGR,
		"max_dd_pct":   r.Metrics.MaxDrawdown,
		"calmar":       r.Metrics.Calmar,
		"total_trades": r.Metrics.TotalTrades,
	}, "", "  ")
	return string(b)
}

func finish(r *Result, capital float64) {
	r.Metrics = analytics.Analyze(r.Curve.Equities(), capital, r.Trades)
}

// ===================== 基准：年度再平衡 =====================

// Rebalanced 再平衡在当日收盘完成，记账在再平衡之后（再平衡本身不改变权益）。
// 收盘价 ≤ 0 的品种本次不持仓，其份额留在现金里。
func Rebalanced(p market.Panel, capital float64) Result {
	res := Result{Name: NameRebalanced, Curve: &equity.Curve{}}
	n := p.NumAssets()
	if n == 0 || p.Len() == 0 {
		return res
	}
	shares := make([]float64, n)
	cash := capital
	lastYear := math.MinInt

	for i, d := range p.Dates {
		if d.Year() != lastYear {
			lastYear = d.Year()
			value := cash + holdings(p, shares, i)
			alloc := value / float64(n)
			cash = value
			for a := 0; a < n; a++ {
				shares[a] = 0
				if px := p.Close(a, i); px > 0 {
					shares[a] = alloc / px
					cash -= alloc
				}
			}
			res.Rebalances = append(res.Rebalances, d)
		}
		_ = res.Curve.Record(d, cash, holdings(p, shares, i))
	}
	finish(&res, capital)
	return res
}

// ===================== 基准：买入后不动 =====================

func BuyAndForget(p market.Panel, capital float64) Result {
	res := Result{Name: NameBuyAndForget, Curve: &equity.Curve{}}
	n := p.NumAssets()
	if n == 0 || p.Len() == 0 {
		return res
	}
	shares := make([]float64, n)
	alloc := capital / float64(n)
	cash := capital
	for a := 0; a < n; a++ {
		if px := p.Close(a, 0); px > 0 {
			shares[a] = alloc / px
			cash -= alloc
		}
	}
	for i, d := range p.Dates {
		_ = res.Curve.Record(d, cash, holdings(p, shares, i))
	}
	finish(&res, capital)
	return res
}

// ===================== 主动策略 =====================

type Engine struct {
	cfg strategy.Config
}

func NewEngine(cfg strategy.Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

// DailyRate 年化无风险利率折算到单个交易日
func DailyRate(annual float64) float64 {
	return math.Pow(1+annual, 1.0/analytics.TradingDaysPerYear) - 1
}

// Run 同一天内先处理所有品种的出场，再按出场后的权益计算仓位上限并处理入场。
// 品种顺序 = Panel.Tickers（升序）。
func (e *Engine) Run(p market.Panel) Result {
	res := Result{Name: "Active Strategy (" + e.cfg.Label() + ")", Config: e.cfg.Clone(), Curve: &equity.Curve{}}
	n := p.NumAssets()
	if n == 0 || p.Len() == 0 {
		return res
	}

	log := &position.TradeLog{}
	machines := make([]*position.Machine, n)
	for a, t := range p.Tickers {
		machines[a] = position.New(t, e.cfg, log)
	}
	cash := e.cfg.InitialCapital
	rate := DailyRate(e.cfg.RiskFreeRate)
	last := p.Len() - 1

	for i, d := range p.Dates {
		// 1) 闲置现金计息
		if i > 0 {
			cash *= 1 + rate
		}

		// 2) 出场
		if i > 1 {
			for a, m := range machines {
				if m.State() != position.Long {
					continue
				}
				if f, ok := m.Evaluate(p.Series[a].At(i)); ok {
					cash += f.Proceeds
				}
			}
		}

		// 3) 仓位上限
		invested := 0.0
		for a, m := range machines {
			invested += m.MarketValue(p.Close(a, i))
		}
		limit := (cash + invested) / float64(n)

		// 4) 入场
		for a, m := range machines {
			s := p.Series[a]
			if _, ok := strategy.Signal(s, i, m.State() == position.Long); !ok {
				continue
			}
			day := s.At(i)
			size := math.Min(limit-m.MarketValue(day.Close), cash)
			if size <= minOrder {
				continue
			}
			if m.Enter(day, size/day.Open) {
				cash -= size * (1 + e.cfg.Commission)
			}
		}

		// 5) 收尾
		if i == last {
			for a, m := range machines {
				if f, ok := m.ForceClose(p.Series[a].At(i)); ok {
					cash += f.Proceeds
				}
			}
		}

		// 6) 记账
		invested = 0
		for a, m := range machines {
			invested += m.MarketValue(p.Close(a, i))
		}
		_ = res.Curve.Record(d, cash, invested)
	}

	res.Trades = log.Trades()
	finish(&res, e.cfg.InitialCapital)
	return res
}

// ===================== 小工具 =====================

func holdings(p market.Panel, shares []float64, i int) float64 {
	v := 0.0
	for a, s := range shares {
		if s != 0 {
			v += s * p.Close(a, i)
		}
	}
	return v
}
