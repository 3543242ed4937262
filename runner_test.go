package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"trendlab/src/api"
	"trendlab/src/config"
	"trendlab/src/report"
	"trendlab/src/storage"
	"trendlab/src/strategy"
	"trendlab/src/stream"
)

type memSaver struct {
	mu     sync.Mutex
	sweeps []storage.Sweep
}

func (m *memSaver) SaveSweep(_ context.Context, s *storage.Sweep) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, *s)
	return s.ID, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []stream.Event
}

func (m *memPublisher) Publish(ev stream.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memPublisher) last() stream.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

// writeTrend 两个自然年的工作日：缓慢上涨叠加正弦波动
func writeTrend(t *testing.T, dir, name string, phase float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("Date,Open,High,Low,Close,Volume\n")
	d := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; d.Year() < 2022; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		px := 100 + 0.1*float64(i) + 8*math.Sin(float64(i)/9+phase)
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.4f,%.4f,1000\n", d.Format("2006-01-02"), px, px*1.01, px*0.99, px)
		i++
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	data := t.TempDir()
	writeTrend(t, data, "AAA_daily.csv", 0)
	writeTrend(t, data, "BBB_daily.csv", 1.5)
	if err := os.WriteFile(filepath.Join(data, "BAD.csv"), []byte("when,price\n2020-01-01,1\n"), 0o644); err != nil {
		t.Fatalf("write bad: %v", err)
	}

	cfg := config.Default()
	cfg.Data.Dir = data
	cfg.Data.MAPeriod = 5
	cfg.Grid.StopLevels = []float64{10, 20}
	cfg.Grid.ProfitTargets = []float64{0, 50}
	cfg.Grid.Workers = 2
	cfg.Portfolio.MAPeriod = 5
	cfg.Portfolio.StopLevels = []float64{20}
	cfg.Portfolio.ProfitTargets = []float64{0, 100}
	cfg.Output.Dir = t.TempDir()
	cfg.Output.ExportJSON = true
	return &cfg
}

func TestRunIndividual(t *testing.T) {
	cfg := testConfig(t)
	saver := &memSaver{}
	pub := &memPublisher{}
	var out strings.Builder
	r := NewSweepRunner(cfg, nil, saver, pub, &out)

	sum, err := r.RunIndividual(context.Background(), "sweep-1", api.SweepRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sum.Skipped) != 1 || !strings.HasSuffix(sum.Skipped[0].Path, "BAD.csv") {
		t.Fatalf("expected BAD.csv to be skipped, got %+v", sum.Skipped)
	}
	if len(sum.Assets) != 2 || sum.Assets[0].Ticker != "AAA" || sum.Assets[1].Ticker != "BBB" {
		t.Fatalf("unexpected assets %+v", sum.Assets)
	}
	if len(sum.Totals) != 4 || sum.BestTotal < 0 {
		t.Fatalf("expected 4 aggregated combos, got %d best %d", len(sum.Totals), sum.BestTotal)
	}
	want := sum.Assets[0].Rows[0].Metrics.PnL + sum.Assets[1].Rows[0].Metrics.PnL
	if math.Abs(sum.Totals[0].PnL-want) > 1e-6 {
		t.Fatalf("expected aggregated P&L %f, got %f", want, sum.Totals[0].PnL)
	}

	for _, a := range sum.Assets {
		if a.Best == nil {
			continue
		}
		doc := report.Individual{Ticker: a.Ticker, MAPeriod: 5, StopMode: strategy.StopTrailing}
		path := doc.Path(cfg.Output.Dir)
		for _, p := range []string{path, strings.TrimSuffix(path, ".md") + "_equity.csv", strings.TrimSuffix(path, ".md") + "_result.json"} {
			if _, err := os.Stat(p); err != nil {
				t.Fatalf("expected %s to exist: %v", p, err)
			}
		}
	}

	if len(saver.sweeps) != 1 {
		t.Fatalf("expected one saved sweep, got %d", len(saver.sweeps))
	}
	s := saver.sweeps[0]
	if s.ID != "sweep-1" || len(s.Runs) != 8 || len(s.Assets) != 2 || s.PeriodStart.Year() != 2021 {
		t.Fatalf("unexpected saved sweep id=%s runs=%d assets=%v start=%s", s.ID, len(s.Runs), s.Assets, s.PeriodStart)
	}
	if ev := pub.last(); !ev.Finished || ev.SweepID != "sweep-1" {
		t.Fatalf("expected final finished event, got %+v", ev)
	}
	if !strings.Contains(out.String(), "--- AAA ---") || !strings.Contains(out.String(), "Aggregate P&L") {
		t.Fatalf("unexpected console output:\n%s", out.String())
	}
}

func TestRunPortfolio(t *testing.T) {
	cfg := testConfig(t)
	saver := &memSaver{}
	r := NewSweepRunner(cfg, nil, saver, nil, nil)

	sum, err := r.RunPortfolio(context.Background(), "p-1", api.SweepRequest{Kind: api.KindPortfolio})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Panel.NumAssets() != 2 {
		t.Fatalf("expected 2 aligned assets, got %d", sum.Panel.NumAssets())
	}
	if n := len(sum.Lines); n < 2 || sum.Lines[n-1].Name != "Buy & Forget B&H" {
		t.Fatalf("unexpected comparison lines %+v", sum.Lines)
	}
	path := report.Portfolio{MAPeriod: 5, StopMode: strategy.StopTrailing}.Path(cfg.Output.Dir)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected portfolio report: %v", err)
	}
	// 2 个组合 + 2 个基准
	if len(saver.sweeps) != 1 || len(saver.sweeps[0].Runs) != 4 {
		t.Fatalf("unexpected saved runs %+v", saver.sweeps)
	}
	if saver.sweeps[0].Runs[2].GridIndex != -1 {
		t.Fatalf("expected benchmark runs to use negative grid index")
	}
}

func TestRequestOverridesGrid(t *testing.T) {
	base := strategy.Default()
	cfg, grid, err := plan(base, []float64{10, 20}, []float64{0, 50, 100}, api.SweepRequest{StopMode: "none"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StopMode != strategy.StopNone || len(grid) != 3 {
		t.Fatalf("expected NONE with 3 combos, got %s/%d", cfg.StopMode, len(grid))
	}
	if _, grid, _ = plan(base, []float64{10}, []float64{0}, api.SweepRequest{StopLevels: []float64{5, 6, 7}}); len(grid) != 3 {
		t.Fatalf("expected request stop levels to win, got %d", len(grid))
	}
	if _, _, err := plan(base, nil, nil, api.SweepRequest{StopMode: "sometimes"}); err == nil {
		t.Fatalf("expected bad stop mode error")
	}
}

func TestSingleSweepAtATime(t *testing.T) {
	cfg := testConfig(t)
	r := NewSweepRunner(cfg, nil, nil, nil, nil)
	if !r.begin() {
		t.Fatalf("expected first begin to succeed")
	}
	if _, err := r.Launch(api.SweepRequest{}); !errors.Is(err, ErrSweepBusy) {
		t.Fatalf("expected ErrSweepBusy, got %v", err)
	}
	if _, err := r.Run(context.Background(), api.SweepRequest{}); !errors.Is(err, ErrSweepBusy) {
		t.Fatalf("expected ErrSweepBusy, got %v", err)
	}
	r.end()

	id, err := r.Launch(api.SweepRequest{Kind: api.KindIndividual})
	if err != nil || id == "" {
		t.Fatalf("expected launch to succeed, got %q %v", id, err)
	}
	r.Wait()
	if !r.begin() {
		t.Fatalf("expected runner to be idle after Wait")
	}
}

func TestAllFilesSkipped(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.Output.Dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.Data.Dir, "BAD.csv"), []byte("when,price\n2020-01-01,1\n"), 0o644); err != nil {
		t.Fatalf("write bad: %v", err)
	}
	saver := &memSaver{}
	pub := &memPublisher{}
	var out strings.Builder
	r := NewSweepRunner(&cfg, nil, saver, pub, &out)

	sum, err := r.RunIndividual(context.Background(), "x", api.SweepRequest{})
	if err != nil {
		t.Fatalf("expected an all-skipped run to succeed, got %v", err)
	}
	if len(sum.Assets) != 0 || len(sum.Skipped) != 1 || sum.BestTotal != -1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !strings.Contains(out.String(), "No trades / no profitable configuration") || !strings.Contains(out.String(), "BAD.csv") {
		t.Fatalf("unexpected console output:\n%s", out.String())
	}
	if len(saver.sweeps) != 1 || len(saver.sweeps[0].Runs) != 0 || saver.sweeps[0].Kind != api.KindIndividual {
		t.Fatalf("expected one empty saved sweep, got %+v", saver.sweeps)
	}
	if ev := pub.last(); !ev.Finished || ev.Error != "" {
		t.Fatalf("expected clean finished event, got %+v", ev)
	}

	psum, err := r.RunPortfolio(context.Background(), "y", api.SweepRequest{Kind: api.KindPortfolio})
	if err != nil {
		t.Fatalf("expected an all-skipped portfolio run to succeed, got %v", err)
	}
	if psum.Best != nil || len(psum.Skipped) != 1 || len(saver.sweeps) != 2 {
		t.Fatalf("unexpected portfolio summary %+v", psum)
	}

	if _, err := r.Run(context.Background(), api.SweepRequest{}); err != nil {
		t.Fatalf("expected CLI path to succeed, got %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-mode", "portfolio", "-data", "/tmp/x"})
	if err != nil || o.mode != modePortfolio || o.dataDir != "/tmp/x" {
		t.Fatalf("unexpected options %+v %v", o, err)
	}
	if _, err := parseFlags([]string{"-mode", "both"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
