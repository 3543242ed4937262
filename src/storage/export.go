package storage

// 文件导出：权益曲线 / 交易明细 CSV，任意结果 JSON。覆盖写，自动建目录。

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trendlab/src/analytics"
	"trendlab/src/equity"
	"trendlab/src/position"
	"trendlab/src/strategy"
)

// WriteEquityCSV 表头：date,equity,cash,invested,drawdown,stop；stops 可为 nil
func WriteEquityCSV(path string, curve *equity.Curve, stops []float64) error {
	pts := curve.Points()
	dd := analytics.Drawdowns(curve.Equities())
	rows := make([][]string, 0, len(pts))
	for i, p := range pts {
		stop := ""
		if i < len(stops) && stops[i] > 0 {
			stop = fmt.Sprintf("%.4f", stops[i])
		}
		rows = append(rows, []string{
			p.Date.Format("2006-01-02"),
			fmt.Sprintf("%.2f", p.Equity),
			fmt.Sprintf("%.2f", p.Cash),
			fmt.Sprintf("%.2f", p.Invested),
			fmt.Sprintf("%.6f", dd[i]),
			stop,
		})
	}
	return writeCSV(path, []string{"date", "equity", "cash", "invested", "drawdown", "stop"}, rows)
}

func WriteTradesCSV(path string, trades []position.Trade) error {
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			t.Asset,
			t.EntryDate.Format("2006-01-02"),
			fmt.Sprintf("%.4f", t.EntryPrice),
			t.ExitDate.Format("2006-01-02"),
			fmt.Sprintf("%.4f", t.ExitPrice),
			fmt.Sprintf("%.6f", t.Shares),
			fmt.Sprintf("%.2f", t.ReturnPct()),
			fmt.Sprintf("%.2f", t.GrossPnL()),
			fmt.Sprint(t.HoldingDays()),
			string(t.Reason),
			strategy.FormatPct(t.StopLevel, string(t.StopMode)),
			strategy.FormatPct(t.ProfitTarget, "None"),
		})
	}
	header := []string{"asset", "entry_date", "entry_price", "exit_date", "exit_price", "shares", "return_pct", "gross_pnl", "holding_days", "reason", "stop_level", "profit_target"}
	return writeCSV(path, header, rows)
}

func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// WriteCSV 通用表格导出
func WriteCSV(path string, header []string, rows [][]string) error {
	return writeCSV(path, header, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return w.Error()
}

// Sanitize 文件名里只保留安全字符
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
