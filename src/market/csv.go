package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// LoadError —— 单个文件读取/预处理失败（不影响其它品种）
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e LoadError) Unwrap() error { return e.Err }

// TickerFromPath 文件名第一个 "_" 之前的部分，如 AAPL_daily.csv -> AAPL
func TickerFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	return base
}

// LoadCSV 读取一个日线 CSV 文件
func LoadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV 按表头识别 Date/Open/High/Low/Close/Volume（大小写不敏感）。
// 无法解析的价格记为 NaN，稍后前向填充；无法解析的日期整行丢弃。
func ReadCSV(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, ErrEmptyFile
	}

	idx := map[string]int{}
	for i, h := range records[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"date", "open", "high", "low", "close"} {
		if _, ok := idx[col]; !ok {
			return nil, ErrMissingColumns
		}
	}
	volIdx, hasVol := idx["volume"]

	out := make([]Bar, 0, len(records)-1)
	for _, rec := range records[1:] {
		d, ok := parseDate(field(rec, idx["date"]))
		if !ok {
			continue
		}
		b := Bar{
			Date:  d,
			Open:  parseNum(field(rec, idx["open"])),
			High:  parseNum(field(rec, idx["high"])),
			Low:   parseNum(field(rec, idx["low"])),
			Close: parseNum(field(rec, idx["close"])),
		}
		if hasVol {
			b.Volume = parseNum(field(rec, volIdx))
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}

// Prepare 排序去重 → OHLC 前向填充 → SMA / PrevYearLow → 丢弃指标未就绪的前导行
func Prepare(ticker string, bars []Bar, maPeriod int) (Series, error) {
	xs := ensureAscUnique(bars)
	n := len(xs)
	if n == 0 {
		return Series{}, ErrEmptyFile
	}

	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	cls := make([]float64, n)
	years := make([]int, n)
	for i, b := range xs {
		open[i], high[i], low[i], cls[i] = b.Open, b.High, b.Low, b.Close
		years[i] = b.Date.Year()
	}
	for _, col := range [][]float64{open, high, low, cls} {
		forwardFill(col)
	}
	sma := SMA(cls, maPeriod)
	pyl := PrevYearLows(years, low)

	points := make([]PricePoint, 0, n)
	for i, b := range xs {
		p := PricePoint{
			Date: b.Date, Open: open[i], High: high[i], Low: low[i], Close: cls[i],
			SMA: sma[i], PrevYearLow: pyl[i],
		}
		if len(points) == 0 && !complete(p) {
			continue
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return Series{}, ErrInsufficientHistory
	}
	return Series{ticker: ticker, points: points}, nil
}

// LoadDir 读取目录下全部 *.csv；失败的文件跳过并通过 LoadError 返回
func LoadDir(dir string, maPeriod int) ([]Series, []LoadError) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, []LoadError{{Path: dir, Err: err}}
	}
	sort.Strings(paths)
	var out []Series
	var fails []LoadError
	for _, p := range paths {
		bars, err := LoadCSV(p)
		if err != nil {
			fails = append(fails, LoadError{Path: p, Err: err})
			continue
		}
		s, err := Prepare(TickerFromPath(p), bars, maPeriod)
		if err != nil {
			fails = append(fails, LoadError{Path: p, Err: err})
			continue
		}
		out = append(out, s)
	}
	if len(paths) == 0 {
		fails = append(fails, LoadError{Path: dir, Err: errors.New("no csv files found")})
	}
	return out, fails
}

// ===================== 内部 =====================

// ensureAscUnique 日期升序，重复日期保留最后一条
func ensureAscUnique(xs []Bar) []Bar {
	sorted := make([]Bar, len(xs))
	copy(sorted, xs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	out := make([]Bar, 0, len(sorted))
	for _, b := range sorted {
		if n := len(out); n > 0 && out[n-1].Date.Equal(b.Date) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func complete(p PricePoint) bool {
	for _, v := range []float64{p.Open, p.High, p.Low, p.Close, p.SMA, p.PrevYearLow} {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseNum(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), true
		}
	}
	return time.Time{}, false
}
