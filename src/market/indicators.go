package market

import (
	"math"
	"sort"
)

// SMA 返回与输入等长的简单移动平均，前 period-1 个位置为 NaN。
// 窗口内出现 NaN 时该位置同样为 NaN。
func SMA(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	if period <= 0 {
		period = 1
	}
	sum := 0.0
	bad := 0
	for i, v := range vals {
		if math.IsNaN(v) {
			bad++
		} else {
			sum += v
		}
		if i >= period {
			old := vals[i-period]
			if math.IsNaN(old) {
				bad--
			} else {
				sum -= old
			}
		}
		if i < period-1 || bad > 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// PrevYearLows 每行取“数据中上一个自然年”的最低 Low；首年为 NaN。
// 某年整年缺失时，沿用数据中更早的那一年。
func PrevYearLows(years []int, lows []float64) []float64 {
	yearLow := map[int]float64{}
	for i, y := range years {
		l := lows[i]
		if math.IsNaN(l) {
			continue
		}
		if cur, ok := yearLow[y]; !ok || l < cur {
			yearLow[y] = l
		}
	}
	ys := make([]int, 0, len(yearLow))
	for y := range yearLow {
		ys = append(ys, y)
	}
	sort.Ints(ys)
	prev := map[int]float64{}
	for k := 1; k < len(ys); k++ {
		prev[ys[k]] = yearLow[ys[k-1]]
	}

	out := make([]float64, len(years))
	for i, y := range years {
		if v, ok := prev[y]; ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// forwardFill 用上一个有效值填补 NaN，前导 NaN 保持不变
func forwardFill(vals []float64) {
	last := math.NaN()
	for i, v := range vals {
		if math.IsNaN(v) {
			vals[i] = last
			continue
		}
		last = v
	}
}
