package portfolio

import (
	"math"
	"testing"
	"time"

	"trendlab/src/market"
	"trendlab/src/strategy"
)

func mkSeries(t *testing.T, ticker string, dates []time.Time, closes, smas []float64) market.Series {
	t.Helper()
	pts := make([]market.PricePoint, len(dates))
	for i, d := range dates {
		c := closes[i]
		pts[i] = market.PricePoint{Date: d, Open: c, High: c, Low: c, Close: c, SMA: smas[i]}
	}
	return market.NewSeries(ticker, pts)
}

func days(n int) []time.Time {
	d := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = d.AddDate(0, 0, i)
	}
	return out
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func mkPanel(t *testing.T, series ...market.Series) market.Panel {
	t.Helper()
	p, err := market.Align(series)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	return p
}

func TestBuyAndForgetKeepsShares(t *testing.T) {
	ds := days(4)
	a := mkSeries(t, "A", ds, []float64{10, 20, 5, 10}, constant(4, 1))
	b := mkSeries(t, "B", ds, []float64{50, 50, 100, 25}, constant(4, 1))
	res := BuyAndForget(mkPanel(t, a, b), 1000)
	// 500/10 = 50 股 A，500/50 = 10 股 B
	want := []float64{1000, 1500, 1250, 750}
	for i, w := range want {
		if got := res.Curve.At(i).Equity; math.Abs(got-w) > 1e-9 {
			t.Fatalf("day %d: expected %.2f, got %.2f", i, w, got)
		}
	}
}

func TestBuyAndForgetBadPriceStaysCash(t *testing.T) {
	ds := days(2)
	a := mkSeries(t, "A", ds, []float64{10, 20}, constant(2, 1))
	b := mkSeries(t, "B", ds, []float64{0, 50}, constant(2, 1))
	res := BuyAndForget(mkPanel(t, a, b), 1000)
	if got := res.Curve.At(1); got.Cash != 500 || got.Equity != 1500 {
		t.Fatalf("expected 500 cash and 1500 equity, got %+v", got)
	}
}

func TestRebalanceOnlyOnYearChange(t *testing.T) {
	ds := []time.Time{
		time.Date(2020, 12, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	a := mkSeries(t, "A", ds, []float64{10, 20, 20, 40, 40}, constant(5, 1))
	b := mkSeries(t, "B", ds, []float64{10, 10, 10, 10, 20}, constant(5, 1))
	res := Rebalanced(mkPanel(t, a, b), 1000)

	if len(res.Rebalances) != 3 {
		t.Fatalf("expected 3 rebalances, got %v", res.Rebalances)
	}
	for k, i := range []int{0, 2, 4} {
		if !res.Rebalances[k].Equal(ds[i]) {
			t.Fatalf("rebalance %d: expected %s, got %s", k, ds[i], res.Rebalances[k])
		}
	}
	// day1: 50A×20 + 50B×10 = 1500；day2 再平衡为 37.5A / 75B；day3: 37.5×40 + 75×10 = 2250
	if got := res.Curve.At(3).Equity; math.Abs(got-2250) > 1e-9 {
		t.Fatalf("expected 2250 on day 3, got %.4f", got)
	}
	if err := res.Curve.Check(1e-9); err != nil {
		t.Fatalf("equity identity broken: %v", err)
	}
}

func activeCfg() strategy.Config {
	c := strategy.Default().WithGrid(strategy.Pct(20), nil)
	c.RiskFreeRate = 0
	return c
}

func TestActiveCapsAllocationPerAsset(t *testing.T) {
	ds := days(6)
	// A 在第 0/1 天上穿，第 2 天开盘入场；B 始终在均线下方
	a := mkSeries(t, "A", ds, []float64{9, 11, 102, 103, 104, 105}, constant(6, 10))
	b := mkSeries(t, "B", ds, constant(6, 5), constant(6, 10))
	res := NewEngine(activeCfg()).Run(mkPanel(t, a, b))

	if got := res.Curve.At(2).Cash; math.Abs(got-(100000-50000*1.0005)) > 1e-6 {
		t.Fatalf("expected cash 49975 after capped entry, got %.6f", got)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Asset != "A" || tr.Reason != strategy.ExitEndOfData || tr.ExitPrice != 105 {
		t.Fatalf("expected A closed at 105 at end of data, got %+v", tr)
	}
	if last := res.Curve.At(5); last.Invested != 0 {
		t.Fatalf("expected flat book after final day, got invested %.2f", last.Invested)
	}
	if err := res.Curve.Check(1e-9); err != nil {
		t.Fatalf("equity identity broken: %v", err)
	}
}

func TestActiveCashEarnsInterest(t *testing.T) {
	ds := days(11)
	a := mkSeries(t, "A", ds, constant(11, 5), constant(11, 10))
	cfg := activeCfg()
	cfg.RiskFreeRate = 0.02
	res := NewEngine(cfg).Run(mkPanel(t, a))
	want := 100000 * math.Pow(1+DailyRate(0.02), 10)
	if got := res.Curve.Final(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %.6f after 10 days of interest, got %.6f", want, got)
	}
	if res.Metrics.TotalTrades != 0 {
		t.Fatalf("expected no trades")
	}
}

func TestEmptyPanel(t *testing.T) {
	if r := NewEngine(activeCfg()).Run(market.Panel{}); r.Curve.Len() != 0 {
		t.Fatalf("expected empty curve")
	}
	if r := Rebalanced(market.Panel{}, 1); r.Curve.Len() != 0 {
		t.Fatalf("expected empty curve")
	}
}

func TestActiveExitsFundSameDayEntries(t *testing.T) {
	// 第 2 天 A 入场；B/C 在第 2/3 天上穿，第 4 天开盘 50 入场
	late := []float64{5, 5, 5, 11, 50, 50, 50, 50}
	rising := []float64{9, 11, 100, 150, 250, 250, 250, 250}

	type fill struct {
		asset  string
		reason strategy.ExitReason
		exitPx float64
		shares float64
	}
	cases := []struct {
		name     string
		target   *float64
		closes   map[string][]float64
		cashDay4 float64
		trades   []fill
		final    float64
	}{
		{
			// 止损回款 40000 后上限 = 90000/2
			name:     "stop proceeds resize the cap",
			closes:   map[string][]float64{"A": {9, 11, 100, 100, 70, 70, 70, 70}, "B": late},
			cashDay4: 45000,
			trades: []fill{
				{"A", strategy.ExitTrailingStop, 80, 500},
				{"B", strategy.ExitEndOfData, 50, 900},
			},
			final: 90000,
		},
		{
			name:     "profit target then two entries share the pool",
			target:   strategy.Pct(150),
			closes:   map[string][]float64{"A": rising, "B": late, "C": late},
			cashDay4: 50000,
			trades: []fill{
				{"A", strategy.ExitProfitTarget, 250, 1000.0 / 3},
				{"B", strategy.ExitEndOfData, 50, 1000},
				{"C", strategy.ExitEndOfData, 50, 1000},
			},
			final: 150000,
		},
		{
			// 上限 50000，但 B 入场后只剩 16666.67 现金给 C
			name:     "second entry clamps to remaining cash",
			closes:   map[string][]float64{"A": rising, "B": late, "C": late},
			cashDay4: 0,
			trades: []fill{
				{"A", strategy.ExitEndOfData, 250, 1000.0 / 3},
				{"B", strategy.ExitEndOfData, 50, 1000},
				{"C", strategy.ExitEndOfData, 50, 1000.0 / 3},
			},
			final: 150000,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ds := days(8)
			var series []market.Series
			for name, closes := range tc.closes {
				series = append(series, mkSeries(t, name, ds, closes, constant(8, 10)))
			}
			cfg := activeCfg().WithGrid(strategy.Pct(20), tc.target)
			cfg.Commission = 0
			res := NewEngine(cfg).Run(mkPanel(t, series...))

			if got := res.Curve.At(4).Cash; math.Abs(got-tc.cashDay4) > 1e-6 {
				t.Fatalf("expected day-4 cash %.2f, got %.6f", tc.cashDay4, got)
			}
			if len(res.Trades) != len(tc.trades) {
				t.Fatalf("expected %d trades, got %+v", len(tc.trades), res.Trades)
			}
			for i, w := range tc.trades {
				tr := res.Trades[i]
				if tr.Asset != w.asset || tr.Reason != w.reason || math.Abs(tr.ExitPrice-w.exitPx) > 1e-9 || math.Abs(tr.Shares-w.shares) > 1e-6 {
					t.Fatalf("trade %d: expected %+v, got %+v", i, w, tr)
				}
			}
			if got := res.Curve.Final(); math.Abs(got-tc.final) > 1e-6 {
				t.Fatalf("expected final equity %.2f, got %.6f", tc.final, got)
			}
			if err := res.Curve.Check(1e-9); err != nil {
				t.Fatalf("equity identity broken: %v", err)
			}
		})
	}
}
