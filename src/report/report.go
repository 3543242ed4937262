package report

// Report —— 扫描结果展示
// =============================================================================
// 控制台表格（tabwriter）、Markdown 报告、扫描表 CSV。
// 金额一律经 decimal 四舍五入到分，再加千分位；百分比保留两位。

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"trendlab/src/analytics"
	"trendlab/src/optimizer"
	"trendlab/src/storage"
	"trendlab/src/strategy"
)

// ===================== 行 =====================

// Row 扫描表中的一行（一个组合）
type Row struct {
	Index        int               `json:"index"`
	StopLevel    string            `json:"stop_level"`
	ProfitTarget string            `json:"profit_target"`
	Metrics      analytics.Metrics `json:"metrics"`
	Optimal      bool              `json:"optimal"`
}

// Rows 按网格顺序生成；best < 0 表示没有最优组合
func Rows(mode strategy.StopMode, grid []optimizer.Combo, ms []analytics.Metrics, best int) []Row {
	n := min(len(grid), len(ms))
	return lo.Times(n, func(i int) Row {
		return Row{
			Index:        grid[i].Index,
			StopLevel:    strategy.FormatPct(grid[i].StopLevel, stopFallback(mode)),
			ProfitTarget: strategy.FormatPct(grid[i].ProfitTarget, "None"),
			Metrics:      ms[i],
			Optimal:      i == best,
		}
	})
}

// ByCalmar 返回按 Calmar 降序的副本（稳定排序，NaN 置底）
func ByCalmar(rows []Row) []Row {
	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Metrics.Calmar, out[j].Metrics.Calmar
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a > b
	})
	return out
}

func stopFallback(mode strategy.StopMode) string {
	if mode == strategy.StopPrevYearLow {
		return "Struct"
	}
	return "N/A"
}

// ===================== 格式化 =====================

// Money 两位小数 + 千分位，如 -1,234.57
func Money(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	s := decimal.NewFromFloat(v).Round(2).StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "." + frac
	if neg && strings.Trim(out, "0.,") != "" {
		out = "-" + out
	}
	return out
}

func Num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}

// Years 按 252 个交易日折算
func Years(days int) float64 { return float64(days) / analytics.TradingDaysPerYear }

const dateLayout = "2006-01-02"

// ===================== 控制台 =====================

// PrintSweep 单品种扫描表，按 Calmar 降序，最优组合标 *
func PrintSweep(w io.Writer, title string, rows []Row) error {
	if _, err := fmt.Fprintf(w, "\n%s\n", title); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tSL\tPT\tP&L\tCAGR%\tMaxDD%\tCalmar\tTrades\tWin%\t")
	for _, r := range ByCalmar(rows) {
		mark := ""
		if r.Optimal {
			mark = "*"
		}
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t\n",
			mark, r.StopLevel, r.ProfitTarget, Money(m.PnL), Num(m.CAGR), Num(m.MaxDrawdown), Num(m.Calmar), m.TotalTrades, Num(m.PctProfitable))
	}
	return tw.Flush()
}

// Line 对比表中的一行（策略或基准）
type Line struct {
	Name    string            `json:"name"`
	Metrics analytics.Metrics `json:"metrics"`
}

// PrintComparison 组合回测：最优主动策略 vs 两个基准
func PrintComparison(w io.Writer, lines []Line) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Strategy\tFinal Value\tP&L\tCAGR\tMax Drawdown\tCalmar\tTotal Trades")
	for _, l := range lines {
		m := l.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			l.Name, Money(m.FinalEquity), Money(m.PnL), Num(m.CAGR), Num(m.MaxDrawdown), Num(m.Calmar), m.TotalTrades)
	}
	return tw.Flush()
}

// PrintTotals 跨品种 P&L 汇总，best 行标 *
func PrintTotals(w io.Writer, mode strategy.StopMode, totals []optimizer.Total, best int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tSL\tPT\tTotal P&L\tAssets\t")
	for i, t := range totals {
		mark := ""
		if i == best {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t\n", mark,
			strategy.FormatPct(t.Combo.StopLevel, stopFallback(mode)),
			strategy.FormatPct(t.Combo.ProfitTarget, "None"),
			Money(t.PnL), t.Assets)
	}
	return tw.Flush()
}

// ===================== Markdown：单品种 =====================

type Individual struct {
	Ticker         string
	MAPeriod       int
	StopMode       strategy.StopMode
	InitialCapital float64
	SizingFraction float64
	Commission     float64
	Start, End     time.Time
	Days           int
	Rows           []Row
	BuyAndHold     analytics.Metrics
}

// Optimal 标记为最优的行
func (r Individual) Optimal() (Row, bool) {
	return lo.Find(r.Rows, func(x Row) bool { return x.Optimal })
}

func (r Individual) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Backtest Report (Individual Asset Focus) for %s\n\n", strings.ToUpper(r.Ticker))

	b.WriteString("## Backtest Configuration\n")
	b.WriteString("- **Universe:** This asset ONLY.\n")
	fmt.Fprintf(&b, "- **Starting Capital:** `$%s`\n", Money(r.InitialCapital))
	fmt.Fprintf(&b, "- **Position Sizing:** Each trade uses **%s%%** of available equity (compounding).\n", Num(r.SizingFraction*100))
	fmt.Fprintf(&b, "- **Strategy:** Buy on Close crossing above the **%d-period SMA**.\n", r.MAPeriod)
	fmt.Fprintf(&b, "- **Stop Loss Mode:** `%s`\n", r.StopMode)
	fmt.Fprintf(&b, "- **Commission (per side):** %.3f%%\n", r.Commission*100)
	fmt.Fprintf(&b, "- **Analysis Period:** %s to %s (%.1f years)\n\n", r.Start.Format(dateLayout), r.End.Format(dateLayout), Years(r.Days))

	b.WriteString("## Performance Summary\n\n")
	opt, ok := r.Optimal()
	if !ok {
		b.WriteString("_No profitable configuration._\n\n")
	} else {
		bh := r.BuyAndHold
		m := opt.Metrics
		b.WriteString("| Metric | Strategy (Optimal) | Buy & Hold |\n")
		b.WriteString("|:--|:--|:--|\n")
		fmt.Fprintf(&b, "| **Optimal Combination** | SL: `%s`, PT: `%s` | N/A |\n", opt.StopLevel, opt.ProfitTarget)
		fmt.Fprintf(&b, "| **Final P&L ($)** | `$%s` | `$%s` |\n", Money(m.PnL), Money(bh.PnL))
		fmt.Fprintf(&b, "| **CAGR (%%)** | `%s`%% | `%s`%% |\n", Num(m.CAGR), Num(bh.CAGR))
		fmt.Fprintf(&b, "| **Max Drawdown (%%)** | `%s`%% | `%s`%% |\n", Num(m.MaxDrawdown), Num(bh.MaxDrawdown))
		fmt.Fprintf(&b, "| **Calmar Ratio** | `%s` | `%s` |\n", Num(m.Calmar), Num(bh.Calmar))
		fmt.Fprintf(&b, "| **Total Trades** | `%d` | N/A |\n\n", m.TotalTrades)
	}

	b.WriteString("## Full Optimization Grid\n\n")
	b.WriteString("| Stop Level (%) | Profit Target (%) | P&L ($) | CAGR (%) | Max Drawdown (%) | Calmar Ratio | Total Trades | % Profitable |\n")
	b.WriteString("|:--|:--|--:|--:|--:|--:|--:|--:|\n")
	for _, row := range ByCalmar(r.Rows) {
		m := row.Metrics
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %d | %s |\n",
			row.StopLevel, row.ProfitTarget, Money(m.PnL), Num(m.CAGR), Num(m.MaxDrawdown), Num(m.Calmar), m.TotalTrades, Num(m.PctProfitable))
	}
	return b.String()
}

// Path reports/individual/<TICKER>/<TICKER>_<MA>_<MODE>.md
func (r Individual) Path(dir string) string {
	t := storage.Sanitize(strings.ToUpper(r.Ticker))
	return filepath.Join(dir, "individual", t, fmt.Sprintf("%s_%d_%s.md", t, r.MAPeriod, r.StopMode))
}

// ===================== Markdown：组合 =====================

type Portfolio struct {
	GeneratedAt    time.Time
	Start, End     time.Time
	Universe       []string
	MAPeriod       int
	StopMode       strategy.StopMode
	InitialCapital float64
	Commission     float64
	CashReturn     float64
	Lines          []Line
}

func (r Portfolio) Markdown() string {
	var b strings.Builder
	b.WriteString("# Final Portfolio Analysis\n\n")
	fmt.Fprintf(&b, "- **Date of Analysis:** %s\n", r.GeneratedAt.Format(dateLayout))
	fmt.Fprintf(&b, "- **Analysis Period:** %s to %s\n", r.Start.Format(dateLayout), r.End.Format(dateLayout))
	fmt.Fprintf(&b, "- **Portfolio Universe (%d assets):** %s\n\n", len(r.Universe), strings.Join(r.Universe, ", "))

	b.WriteString("## Strategy Configuration\n")
	fmt.Fprintf(&b, "- **Initial Capital:** $%s\n", Money(r.InitialCapital))
	fmt.Fprintf(&b, "- **MA Period:** %d\n", r.MAPeriod)
	fmt.Fprintf(&b, "- **Stop Loss Mode:** %s\n", r.StopMode)
	fmt.Fprintf(&b, "- **Commission (%% per side):** %.3f%%\n", r.Commission*100)
	fmt.Fprintf(&b, "- **Cash Return (Annual):** %.2f%%\n\n", r.CashReturn*100)

	b.WriteString("## Final Performance Comparison\n\n")
	b.WriteString("| Strategy | Final Value | P&L | CAGR | Max Drawdown | Calmar | Total Trades |\n")
	b.WriteString("|:--|--:|--:|--:|--:|--:|--:|\n")
	for _, l := range r.Lines {
		m := l.Metrics
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %d |\n",
			l.Name, Money(m.FinalEquity), Money(m.PnL), Num(m.CAGR), Num(m.MaxDrawdown), Num(m.Calmar), m.TotalTrades)
	}
	return b.String()
}

// Path reports/final_portfolio_report_<MA>_<MODE>.md
func (r Portfolio) Path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("final_portfolio_report_%d_%s.md", r.MAPeriod, r.StopMode))
}

// ===================== 落盘 =====================

// WriteMarkdown 覆盖写，自动建目录
func WriteMarkdown(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// WriteSweepCSV 扫描表导出（网格顺序）
func WriteSweepCSV(path string, rows []Row) error {
	header := []string{"stop_level", "profit_target", "pnl", "cagr_pct", "max_drawdown_pct", "calmar", "total_trades", "pct_profitable", "optimal"}
	recs := lo.Map(rows, func(r Row, _ int) []string {
		m := r.Metrics
		return []string{
			r.StopLevel,
			r.ProfitTarget,
			Num(m.PnL),
			Num(m.CAGR),
			Num(m.MaxDrawdown),
			Num(m.Calmar),
			fmt.Sprintf("%d", m.TotalTrades),
			Num(m.PctProfitable),
			fmt.Sprintf("%t", r.Optimal),
		}
	})
	return storage.WriteCSV(path, header, recs)
}
