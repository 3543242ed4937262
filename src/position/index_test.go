package position

import (
	"math"
	"testing"
	"time"

	"trendlab/src/market"
	"trendlab/src/strategy"
)

var d0 = time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, o, h, l, c float64) market.PricePoint {
	return market.PricePoint{Date: d0.AddDate(0, 0, i), Open: o, High: h, Low: l, Close: c}
}

func cfg(mode strategy.StopMode, level, target *float64) strategy.Config {
	c := strategy.Default().WithGrid(level, target)
	c.StopMode = mode
	c.Commission = 0.001
	return c
}

func TestEnterVoidedByBadPrice(t *testing.T) {
	m := New("A", cfg(strategy.StopNone, nil, nil), nil)
	if m.Enter(bar(0, 0, 1, 1, 1), 10) {
		t.Fatalf("expected entry at price 0 to be voided")
	}
	if m.State() != Flat || m.Log().Len() != 0 {
		t.Fatalf("void entry must not change state")
	}
	if !m.Enter(bar(0, 5, 5, 5, 5), 10) {
		t.Fatalf("expected valid entry")
	}
	if m.Enter(bar(1, 5, 5, 5, 5), 10) {
		t.Fatalf("expected second entry while LONG to be rejected")
	}
}

func TestTrailingStopExitAtPeakTimes85(t *testing.T) {
	m := New("A", cfg(strategy.StopTrailing, strategy.Pct(15), nil), nil)
	m.Enter(bar(0, 100, 100, 100, 100), 10)
	for i, h := range []float64{110, 130, 150} {
		if _, ok := m.Evaluate(bar(i+1, h, h, h-1, h)); ok {
			t.Fatalf("unexpected exit on rising day %d", i+1)
		}
	}
	f, ok := m.Evaluate(bar(4, 140, 140, 120, 125))
	if !ok {
		t.Fatalf("expected trailing stop exit")
	}
	want := 150 * 0.85
	if math.Abs(f.Price-want) > 1e-9 {
		t.Fatalf("expected exit %.4f, got %.4f", want, f.Price)
	}
	if f.Reason != strategy.ExitTrailingStop {
		t.Fatalf("expected reason %q, got %q", strategy.ExitTrailingStop, f.Reason)
	}
	if math.Abs(f.Proceeds-10*want*0.999) > 1e-9 {
		t.Fatalf("expected proceeds net of commission, got %.4f", f.Proceeds)
	}
	if !f.Trade.Won() {
		t.Fatalf("exit %.2f > entry 100 must be a win", f.Price)
	}
	if m.State() != Flat || m.Log().Len() != 1 {
		t.Fatalf("expected FLAT with one closed trade")
	}
}

func TestExitPriorityTieBreak(t *testing.T) {
	// 同一天既跌破止损又触及止盈
	day := bar(1, 100, 160, 70, 100)
	stopFirst := New("A", cfg(strategy.StopFixed, strategy.Pct(20), strategy.Pct(50)), nil)
	stopFirst.Enter(bar(0, 100, 100, 100, 100), 1)
	f, _ := stopFirst.Evaluate(day)
	if f.Reason != strategy.ExitFixedStop || f.Price != 80 {
		t.Fatalf("stop-first: expected Fixed Stop at 80, got %s at %.2f", f.Reason, f.Price)
	}

	c := cfg(strategy.StopFixed, strategy.Pct(20), strategy.Pct(50))
	c.ExitPriority = strategy.TargetFirst
	targetFirst := New("A", c, nil)
	targetFirst.Enter(bar(0, 100, 100, 100, 100), 1)
	f, _ = targetFirst.Evaluate(day)
	if f.Reason != strategy.ExitProfitTarget || f.Price != 150 {
		t.Fatalf("target-first: expected Profit Target at 150, got %s at %.2f", f.Reason, f.Price)
	}
}

func TestPrevYearLowStopReason(t *testing.T) {
	m := New("A", cfg(strategy.StopPrevYearLow, nil, nil), nil)
	entry := bar(0, 50, 50, 50, 50)
	entry.PrevYearLow = 40
	m.Enter(entry, 2)
	f, ok := m.Evaluate(bar(1, 45, 46, 39, 41))
	if !ok || f.Price != 40 || f.Reason != strategy.ExitPrevYearLowStop {
		t.Fatalf("expected Previous Year Low Stop at 40, got %+v", f)
	}
}

func TestOneOpenTradeWhileLong(t *testing.T) {
	m := New("A", cfg(strategy.StopNone, nil, nil), nil)
	if _, ok := m.OpenTrade(); ok {
		t.Fatalf("expected no open trade while FLAT")
	}
	m.Enter(bar(0, 10, 10, 10, 10), 3)
	open, ok := m.OpenTrade()
	if !ok || !open.ExitDate.IsZero() {
		t.Fatalf("expected one unterminated trade while LONG")
	}
	if m.Log().Len() != 0 {
		t.Fatalf("open trade must not be in the closed log")
	}
	f, ok := m.ForceClose(bar(5, 12, 12, 12, 12))
	if !ok || f.Reason != strategy.ExitEndOfData || f.Price != 12 {
		t.Fatalf("expected End of Data at 12, got %+v", f)
	}
	if _, ok := m.OpenTrade(); ok {
		t.Fatalf("expected no open trade after close")
	}
}

func TestTradeLogReturnsCopies(t *testing.T) {
	m := New("A", cfg(strategy.StopFixed, strategy.Pct(10), nil), nil)
	m.Enter(bar(0, 10, 10, 10, 10), 1)
	m.ForceClose(bar(1, 11, 11, 11, 11))
	ts := m.Log().Trades()
	ts[0].ExitPrice = 0
	*ts[0].StopLevel = 99
	if got := m.Log().At(0); got.ExitPrice != 11 || *got.StopLevel != 10 {
		t.Fatalf("trade log was mutated through a copy: %+v", got)
	}
}
