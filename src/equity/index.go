package equity

// Equity —— 逐日权益记账
// 每个交易日收盘后记一笔：权益 = 现金 + Σ 持股 × 当日收盘。
// 曲线与价格日期一一对应，只追加，不回改。

import (
	"fmt"
	"math"
	"time"
)

// Point —— 某日收盘后的账户快照
type Point struct {
	Date     time.Time `json:"date"`
	Equity   float64   `json:"equity"`
	Cash     float64   `json:"cash"`
	Invested float64   `json:"invested"`
}

type Curve struct {
	points []Point
}

func (c *Curve) Len() int       { return len(c.points) }
func (c *Curve) At(i int) Point { return c.points[i] }

func (c *Curve) Points() []Point {
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

func (c *Curve) Equities() []float64 {
	out := make([]float64, len(c.points))
	for i, p := range c.points {
		out[i] = p.Equity
	}
	return out
}

func (c *Curve) Cash() []float64 {
	out := make([]float64, len(c.points))
	for i, p := range c.points {
		out[i] = p.Cash
	}
	return out
}

func (c *Curve) Dates() []time.Time {
	out := make([]time.Time, len(c.points))
	for i, p := range c.points {
		out[i] = p.Date
	}
	return out
}

// Final 最后一天的权益；空曲线返回 0
func (c *Curve) Final() float64 {
	if len(c.points) == 0 {
		return 0
	}
	return c.points[len(c.points)-1].Equity
}

// Record 追加一天。日期必须严格递增。
func (c *Curve) Record(date time.Time, cash, invested float64) error {
	if n := len(c.points); n > 0 && !date.After(c.points[n-1].Date) {
		return fmt.Errorf("equity: date %s not after %s", date.Format("2006-01-02"), c.points[n-1].Date.Format("2006-01-02"))
	}
	c.points = append(c.points, Point{Date: date, Equity: cash + invested, Cash: cash, Invested: invested})
	return nil
}

// Check 校验每一行 equity == cash + invested（相对误差 tol）
func (c *Curve) Check(tol float64) error {
	for i, p := range c.points {
		diff := math.Abs(p.Equity - (p.Cash + p.Invested))
		if diff > tol*math.Max(1, math.Abs(p.Equity)) {
			return fmt.Errorf("equity: row %d (%s) equity %.6f != cash %.6f + invested %.6f",
				i, p.Date.Format("2006-01-02"), p.Equity, p.Cash, p.Invested)
		}
	}
	return nil
}
