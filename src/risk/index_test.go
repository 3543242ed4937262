package risk

import (
	"math"
	"testing"

	"trendlab/src/market"
	"trendlab/src/strategy"
)

func TestTrailingStopFollowsPeak(t *testing.T) {
	p := For(strategy.StopTrailing, strategy.Pct(10))
	st := p.Arm(100, market.PricePoint{})
	px, ok := p.Step(&st, market.PricePoint{High: 120})
	if !ok || math.Abs(px-108) > 1e-9 {
		t.Fatalf("expected stop 108, got %.4f (ok=%v)", px, ok)
	}
	// 高点回落，止损价不下调
	px, _ = p.Step(&st, market.PricePoint{High: 110})
	if math.Abs(px-108) > 1e-9 {
		t.Fatalf("trailing stop must never decrease, got %.4f", px)
	}
}

func TestFixedStopFrozenAtEntry(t *testing.T) {
	p := For(strategy.StopFixed, strategy.Pct(25))
	st := p.Arm(80, market.PricePoint{})
	px, ok := p.Step(&st, market.PricePoint{High: 200})
	if !ok || px != 60 {
		t.Fatalf("expected frozen stop 60, got %.2f (ok=%v)", px, ok)
	}
}

func TestPrevYearLowStop(t *testing.T) {
	p := For(strategy.StopPrevYearLow, nil)
	st := p.Arm(50, market.PricePoint{PrevYearLow: 42})
	if px, ok := p.Step(&st, market.PricePoint{High: 60, PrevYearLow: 55}); !ok || px != 42 {
		t.Fatalf("expected stop frozen at entry-day prior-year low 42, got %.2f", px)
	}
	st = p.Arm(50, market.PricePoint{})
	if _, ok := p.Level(st); ok {
		t.Fatalf("expected no stop when prior-year low unavailable")
	}
}

func TestNoneNeverStops(t *testing.T) {
	p := For(strategy.StopNone, nil)
	st := p.Arm(10, market.PricePoint{})
	if _, ok := p.Step(&st, market.PricePoint{High: 1, Low: 0.01}); ok {
		t.Fatalf("NONE must not evaluate a stop")
	}
	if p.Mode() != strategy.StopNone {
		t.Fatalf("unexpected mode %s", p.Mode())
	}
}
