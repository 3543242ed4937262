package optimizer

// Optimizer —— 止损幅度 × 止盈 网格扫描
// =============================================================================
// 1) Grid：止损幅度为外层、止盈为内层，顺序稳定；PREVIOUS_YEAR_LOW / NONE 只有一个空止损幅度；
// 2) Sweep：每个组合独立回测，errgroup 限并发，结果按网格下标落位，顺序与并发度无关；
// 3) Select：Calmar 最大者胜出，并列取网格中靠前者；全部 ≤ 0（或 NaN）视为无可用组合；
// 4) Aggregate：同一组合跨品种累加 P&L，取总和最大者。

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"trendlab/src/analytics"
	"trendlab/src/strategy"
)

var ErrEmptyGrid = errors.New("optimizer: empty grid")

// ===================== 网格 =====================

type Combo struct {
	Index        int      `json:"index"`
	StopLevel    *float64 `json:"stop_level,omitempty"`
	ProfitTarget *float64 `json:"profit_target,omitempty"`
}

// Apply 把组合写进一份配置副本
func (c Combo) Apply(base strategy.Config) strategy.Config {
	return base.WithGrid(c.StopLevel, c.ProfitTarget)
}

// Grid 止盈 ≤ 0 表示不设止盈
func Grid(mode strategy.StopMode, stopLevels, targets []float64) ([]Combo, error) {
	levels := lo.Map(stopLevels, func(v float64, _ int) *float64 { return strategy.Pct(v) })
	if !mode.SweepsLevel() {
		levels = []*float64{nil}
	}
	pts := lo.Map(targets, func(v float64, _ int) *float64 {
		if v <= 0 {
			return nil
		}
		return strategy.Pct(v)
	})
	if len(pts) == 0 {
		pts = []*float64{nil}
	}
	grid := lo.FlatMap(levels, func(sl *float64, _ int) []Combo {
		return lo.Map(pts, func(pt *float64, _ int) Combo {
			return Combo{StopLevel: sl, ProfitTarget: pt}
		})
	})
	if len(grid) == 0 {
		return nil, ErrEmptyGrid
	}
	for i := range grid {
		grid[i].Index = i
	}
	return grid, nil
}

// ===================== 扫描 =====================

// Entry —— 一个组合的回测结果
type Entry[R any] struct {
	Combo   Combo
	Config  strategy.Config
	Result  R
	Metrics analytics.Metrics
}

// Progress 每完成一个组合回调一次（可能来自不同 goroutine）
type Progress struct {
	Done    int
	Total   int
	Combo   Combo
	Metrics analytics.Metrics
}

type Options struct {
	Workers    int // ≤ 0 时取 GOMAXPROCS
	OnProgress func(Progress)
}

// RunFunc 单次回测；必须无副作用、可并发调用
type RunFunc[R any] func(cfg strategy.Config) (R, analytics.Metrics)

func Sweep[R any](parent context.Context, base strategy.Config, grid []Combo, run RunFunc[R], opt Options) ([]Entry[R], error) {
	if len(grid) == 0 {
		return nil, ErrEmptyGrid
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]Entry[R], len(grid))
	var done atomic.Int64
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(workers)
	for i, c := range grid {
		if err := ctx.Err(); err != nil {
			break
		}
		i, c := i, c // per-iteration copies for go < 1.22 loop semantics
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cfg := c.Apply(base)
			r, m := run(cfg)
			out[i] = Entry[R]{Combo: c, Config: cfg, Result: r, Metrics: m}
			if opt.OnProgress != nil {
				opt.OnProgress(Progress{Done: int(done.Add(1)), Total: len(grid), Combo: c, Metrics: m})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// 子 ctx 在 Wait 返回后总会被取消，这里只看调用方
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ===================== 选择 =====================

// Select 返回 Calmar 最大的下标；没有任何 Calmar > 0 时 ok=false
func Select(ms []analytics.Metrics) (best int, ok bool) {
	best = -1
	bestCalmar := 0.0
	for i, m := range ms {
		if math.IsNaN(m.Calmar) || m.Calmar <= 0 {
			continue
		}
		if best < 0 || m.Calmar > bestCalmar {
			best, bestCalmar = i, m.Calmar
		}
	}
	return best, best >= 0
}

// Best 对 Sweep 结果做 Select
func Best[R any](entries []Entry[R]) (Entry[R], bool) {
	i, ok := Select(lo.Map(entries, func(e Entry[R], _ int) analytics.Metrics { return e.Metrics }))
	if !ok {
		return Entry[R]{}, false
	}
	return entries[i], true
}

// ===================== 跨品种汇总 =====================

type Total struct {
	Combo  Combo   `json:"combo"`
	PnL    float64 `json:"pnl"`
	Assets int     `json:"assets"`
}

// Aggregate perAsset[k][j] 为第 k 个品种在第 j 个组合上的指标；
// 返回每个组合的 P&L 合计与合计最大的组合下标（并列取靠前者）。
func Aggregate(grid []Combo, perAsset [][]analytics.Metrics) ([]Total, int, bool) {
	if len(grid) == 0 || len(perAsset) == 0 {
		return nil, -1, false
	}
	totals := lo.Map(grid, func(c Combo, j int) Total {
		t := Total{Combo: c}
		for _, ms := range perAsset {
			if j < len(ms) {
				t.PnL += ms[j].PnL
				t.Assets++
			}
		}
		return t
	})
	best := 0
	for j, t := range totals {
		if t.PnL > totals[best].PnL {
			best = j
		}
	}
	return totals, best, true
}
