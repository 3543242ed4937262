package market

// Market —— 日线行情准备层
// 1) CSV 读取：按表头识别列，日期去掉时区、截断到自然日；
// 2) 指标预计算：SMA、上一自然年最低价（PrevYearLow），前向填充；
// 3) 多品种对齐：从所有品种都有数据的首日开始，缺失交易日前向填充。
// 产出的 Series / Panel 只读，回测引擎按下标访问，不做任何修改。

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrMissingColumns      = errors.New("market: csv must contain Date, Open, High, Low, Close columns")
	ErrEmptyFile           = errors.New("market: csv has no data rows")
	ErrInsufficientHistory = errors.New("market: not enough history after indicator warm-up")
	ErrNoAssets            = errors.New("market: no assets to align")
)

// ===================== 基础类型 =====================

// Bar —— 原始日线（未加指标）
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// PricePoint —— 带预计算指标的一行
type PricePoint struct {
	Date        time.Time `json:"date"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	SMA         float64   `json:"sma"`
	PrevYearLow float64   `json:"prev_year_low"` // 0 表示不可用
}

// Series —— 单品种按日期升序、无重复日期的只读序列
type Series struct {
	ticker string
	points []PricePoint
}

// NewSeries 复制后按日期升序；重复日期保留最后一条，与 CSV 读取一致
func NewSeries(ticker string, points []PricePoint) Series {
	cp := make([]PricePoint, len(points))
	copy(cp, points)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Date.Before(cp[j].Date) })
	out := cp[:0]
	for _, p := range cp {
		if n := len(out); n > 0 && out[n-1].Date.Equal(p.Date) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return Series{ticker: ticker, points: out}
}

func (s Series) Ticker() string       { return s.ticker }
func (s Series) Len() int             { return len(s.points) }
func (s Series) At(i int) PricePoint  { return s.points[i] }
func (s Series) Empty() bool          { return len(s.points) == 0 }
func (s Series) Last() PricePoint     { return s.points[len(s.points)-1] }
func (s Series) First() PricePoint    { return s.points[0] }
func (s Series) Points() []PricePoint { return append([]PricePoint(nil), s.points...) }

// Panel —— 多品种对齐后的共同日期索引
type Panel struct {
	Dates   []time.Time
	Tickers []string // 升序
	Series  []Series // 与 Tickers 同序，每个 Len()==len(Dates)
}

func (p Panel) Len() int       { return len(p.Dates) }
func (p Panel) NumAssets() int { return len(p.Tickers) }

// Close 返回第 a 个品种第 i 天收盘价
func (p Panel) Close(a, i int) float64 { return p.Series[a].points[i].Close }

// ===================== 对齐 =====================

// Align 取所有品种都有数据的首日为起点，使用日期并集，逐品种前向填充。
func Align(series []Series) (Panel, error) {
	var live []Series
	for _, s := range series {
		if !s.Empty() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return Panel{}, ErrNoAssets
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].ticker < live[j].ticker })

	start := live[0].First().Date
	for _, s := range live[1:] {
		if d := s.First().Date; d.After(start) {
			start = d
		}
	}

	seen := map[time.Time]bool{}
	var all []time.Time
	for _, s := range live {
		for _, p := range s.points {
			if p.Date.Before(start) || seen[p.Date] {
				continue
			}
			seen[p.Date] = true
			all = append(all, p.Date)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })

	out := Panel{Dates: all}
	for _, s := range live {
		filled := make([]PricePoint, 0, len(all))
		k := 0
		var cur PricePoint
		for _, d := range all {
			for k < len(s.points) && !s.points[k].Date.After(d) {
				cur = s.points[k]
				k++
			}
			row := cur
			row.Date = d
			filled = append(filled, row)
		}
		out.Tickers = append(out.Tickers, s.ticker)
		out.Series = append(out.Series, Series{ticker: s.ticker, points: filled})
	}
	return out, nil
}

// ===================== 小工具 =====================

// Day 去掉时区与时分秒，只保留自然日
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
