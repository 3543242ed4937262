package optimizer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"trendlab/src/analytics"
	"trendlab/src/strategy"
)

func TestGridIsStopMajor(t *testing.T) {
	g, err := Grid(strategy.StopTrailing, []float64{10, 20}, []float64{0, 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"SL:10 PT:None", "SL:10 PT:50", "SL:20 PT:None", "SL:20 PT:50"}
	if len(g) != len(want) {
		t.Fatalf("expected %d combos, got %d", len(want), len(g))
	}
	for i, c := range g {
		if got := c.Apply(strategy.Default()).Label(); got != want[i] || c.Index != i {
			t.Fatalf("combo %d: expected %s, got %s (index %d)", i, want[i], got, c.Index)
		}
	}
}

func TestGridSingleNilLevelForStructuralModes(t *testing.T) {
	for _, mode := range []strategy.StopMode{strategy.StopPrevYearLow, strategy.StopNone} {
		g, _ := Grid(mode, []float64{10, 20, 30}, []float64{0, 100})
		if len(g) != 2 || g[0].StopLevel != nil {
			t.Fatalf("%s: expected 2 combos with nil stop level, got %+v", mode, g)
		}
	}
	if _, err := Grid(strategy.StopTrailing, nil, nil); !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("expected ErrEmptyGrid, got %v", err)
	}
}

func TestSelectHighestCalmar(t *testing.T) {
	g, err := Grid(strategy.StopTrailing, []float64{10, 20}, []float64{0, 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 每个组合的 CAGR / 最大回撤
	table := map[string][2]float64{
		"SL:10 PT:None": {12, 20},
		"SL:10 PT:50":   {15, 10},
		"SL:20 PT:None": {30, 25},
		"SL:20 PT:50":   {8, 2},
	}
	run := func(cfg strategy.Config) (string, analytics.Metrics) {
		r, ok := table[cfg.Label()]
		if !ok {
			t.Errorf("unexpected combo %s", cfg.Label())
		}
		return cfg.Label(), analytics.Metrics{CAGR: r[0], MaxDrawdown: r[1], Calmar: analytics.Calmar(r[0], r[1])}
	}
	out, err := Sweep(context.Background(), strategy.Default(), g, run, Options{Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	best, ok := Best(out)
	if !ok {
		t.Fatalf("expected an optimum")
	}
	c := best.Combo
	if c.StopLevel == nil || *c.StopLevel != 20 || c.ProfitTarget == nil || *c.ProfitTarget != 50 {
		t.Fatalf("expected SL:20 PT:50 (Calmar 4.0), got %s", best.Result)
	}
	if best.Metrics.Calmar != 4 {
		t.Fatalf("expected Calmar 4.0, got %.2f", best.Metrics.Calmar)
	}
}

func TestSelectNoProfitableConfiguration(t *testing.T) {
	ms := []analytics.Metrics{{Calmar: -1}, {Calmar: 0}, {Calmar: math.NaN()}, {Calmar: -0.5}}
	if _, ok := Select(ms); ok {
		t.Fatalf("expected no optimum when every Calmar <= 0")
	}
	if _, ok := Select(nil); ok {
		t.Fatalf("expected no optimum for empty table")
	}
}

func TestSelectTieKeepsGridOrder(t *testing.T) {
	ms := []analytics.Metrics{{Calmar: 1}, {Calmar: 2}, {Calmar: 2}}
	if best, _ := Select(ms); best != 1 {
		t.Fatalf("expected first maximum (1), got %d", best)
	}
}

func TestSweepStoresResultsByIndex(t *testing.T) {
	g, _ := Grid(strategy.StopFixed, []float64{5, 10, 15, 20, 25}, []float64{0, 100})
	var mu sync.Mutex
	seen := 0
	run := func(cfg strategy.Config) (float64, analytics.Metrics) {
		return *cfg.StopLevel, analytics.Metrics{Calmar: *cfg.StopLevel}
	}
	out, err := Sweep(context.Background(), strategy.Default(), g, run, Options{
		Workers: 3,
		OnProgress: func(p Progress) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != len(g) {
		t.Fatalf("expected %d progress callbacks, got %d", len(g), seen)
	}
	for i, e := range out {
		if e.Combo.Index != i || e.Result != *g[i].StopLevel {
			t.Fatalf("entry %d out of order: %+v", i, e.Combo)
		}
	}
	best, ok := Best(out)
	if !ok || *best.Combo.StopLevel != 25 || best.Combo.ProfitTarget != nil {
		t.Fatalf("expected SL:25 PT:None to win, got %+v", best.Combo)
	}
}

func TestSweepHonoursCancellation(t *testing.T) {
	g, _ := Grid(strategy.StopNone, nil, []float64{0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := func(strategy.Config) (int, analytics.Metrics) { return 0, analytics.Metrics{} }
	if _, err := Sweep(ctx, strategy.Default(), g, run, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAggregateSumsPnLAcrossAssets(t *testing.T) {
	g, _ := Grid(strategy.StopTrailing, []float64{10, 20}, []float64{0})
	per := [][]analytics.Metrics{
		{{PnL: 100}, {PnL: -50}},
		{{PnL: -20}, {PnL: 200}},
	}
	totals, best, ok := Aggregate(g, per)
	if !ok || best != 1 {
		t.Fatalf("expected combo 1 to win, got %d ok=%v", best, ok)
	}
	if totals[0].PnL != 80 || totals[1].PnL != 150 || totals[1].Assets != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if _, _, ok := Aggregate(g, nil); ok {
		t.Fatalf("expected no result for empty input")
	}
}
