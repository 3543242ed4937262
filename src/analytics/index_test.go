package analytics

import (
	"math"
	"testing"
	"time"

	"trendlab/src/market"
	"trendlab/src/position"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCAGROverOneYear(t *testing.T) {
	eq := make([]float64, 252)
	for i := range eq {
		eq[i] = 100
	}
	eq[251] = 121
	m := Analyze(eq, 100, nil)
	if !approx(m.CAGR, 21) {
		t.Fatalf("expected CAGR 21%%, got %.6f", m.CAGR)
	}
	if m.PnL != 21 || m.FinalEquity != 121 {
		t.Fatalf("unexpected pnl/final: %+v", m)
	}
}

func TestCalmarZeroWhenNoDrawdown(t *testing.T) {
	m := Analyze([]float64{100, 101, 102, 103}, 100, nil)
	if m.MaxDrawdown != 0 {
		t.Fatalf("expected no drawdown, got %.4f", m.MaxDrawdown)
	}
	if m.Calmar != 0 {
		t.Fatalf("expected Calmar 0 when drawdown is 0, got %.4f", m.Calmar)
	}
}

func TestMaxDrawdownUsesRunningPeak(t *testing.T) {
	dd := MaxDrawdown([]float64{100, 120, 90, 130, 117})
	if !approx(dd, 25) {
		t.Fatalf("expected max drawdown 25%%, got %.6f", dd)
	}
	for _, d := range Drawdowns([]float64{100, 80, 120}) {
		if d > 0 {
			t.Fatalf("drawdown must be <= 0, got %.4f", d)
		}
	}
}

func TestDegenerateInputs(t *testing.T) {
	if got := Analyze(nil, 100, nil); got != (Metrics{}) {
		t.Fatalf("expected zero metrics for empty curve, got %+v", got)
	}
	if CAGR(0, 100, 500) != 0 {
		t.Fatalf("expected CAGR 0 with non-positive initial capital")
	}
	if WinRate(nil) != 0 {
		t.Fatalf("expected win rate 0 without trades")
	}
}

func TestWinRate(t *testing.T) {
	ts := []position.Trade{
		{EntryPrice: 10, ExitPrice: 11},
		{EntryPrice: 10, ExitPrice: 10},
		{EntryPrice: 10, ExitPrice: 9},
		{EntryPrice: 10, ExitPrice: 30},
	}
	if got := WinRate(ts); got != 50 {
		t.Fatalf("expected 50%% profitable, got %.2f", got)
	}
}

func TestBuyAndHold(t *testing.T) {
	d := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	s := market.NewSeries("X", []market.PricePoint{
		{Date: d, Open: 50, Close: 55},
		{Date: d.AddDate(0, 0, 1), Open: 55, Close: 60},
	})
	vals, m := BuyAndHold(s, 1000)
	if len(vals) != 2 || vals[0] != 1100 || vals[1] != 1200 {
		t.Fatalf("unexpected buy & hold curve %v", vals)
	}
	if m.FinalEquity != 1200 || m.TotalTrades != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	bad := market.NewSeries("X", []market.PricePoint{{Date: d, Open: 0, Close: 1}})
	if v, m := BuyAndHold(bad, 1000); v != nil || m != (Metrics{}) {
		t.Fatalf("expected empty benchmark when first open <= 0")
	}
}
