package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"trendlab/src/analytics"
	"trendlab/src/api"
	"trendlab/src/backtest"
	"trendlab/src/config"
	"trendlab/src/market"
	"trendlab/src/optimizer"
	"trendlab/src/portfolio"
	"trendlab/src/report"
	"trendlab/src/storage"
	"trendlab/src/strategy"
	"trendlab/src/stream"
)

var ErrSweepBusy = errors.New("a sweep is already running")

// 组合扫描在进度事件与落库记录中的品种名
const portfolioName = "PORTFOLIO"

// ==================== Runner ====================

// Publisher 进度推送（serve 模式下为 stream.Hub）
type Publisher interface {
	Publish(ev stream.Event)
}

// Saver 结果落库（storage 关闭时为 nil）
type Saver interface {
	SaveSweep(ctx context.Context, s *storage.Sweep) (string, error)
}

type SweepRunner struct {
	cfg    *config.Config
	logger *zap.Logger
	repo   Saver
	pub    Publisher
	out    io.Writer
	now    func() time.Time

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewSweepRunner(cfg *config.Config, logger *zap.Logger, repo Saver, pub Publisher, out io.Writer) *SweepRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &SweepRunner{
		cfg:     cfg,
		logger:  logger,
		repo:    repo,
		pub:     pub,
		out:     out,
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// SetBaseContext 后台扫描使用的 ctx（进程退出时取消）
func (r *SweepRunner) SetBaseContext(ctx context.Context) { r.baseCtx = ctx }

// Launch 后台执行；同一时间只允许一个扫描
func (r *SweepRunner) Launch(req api.SweepRequest) (string, error) {
	if !r.begin() {
		return "", ErrSweepBusy
	}
	id := uuid.NewString()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.end()
		if err := r.dispatch(r.baseCtx, id, req); err != nil {
			r.logger.Error("background sweep failed", zap.String("sweep_id", id), zap.Error(err))
			r.publish(stream.Event{SweepID: id, Kind: req.Kind, Finished: true, Error: err.Error()})
		}
	}()
	return id, nil
}

// Run 前台执行（CLI / 定时任务）
func (r *SweepRunner) Run(ctx context.Context, req api.SweepRequest) (string, error) {
	if !r.begin() {
		return "", ErrSweepBusy
	}
	defer r.end()
	id := uuid.NewString()
	return id, r.dispatch(ctx, id, req)
}

// Wait 等待后台扫描退出
func (r *SweepRunner) Wait() { r.wg.Wait() }

func (r *SweepRunner) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *SweepRunner) end() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *SweepRunner) dispatch(ctx context.Context, id string, req api.SweepRequest) error {
	switch req.Kind {
	case api.KindPortfolio:
		_, err := r.RunPortfolio(ctx, id, req)
		return err
	case api.KindIndividual, "":
		_, err := r.RunIndividual(ctx, id, req)
		return err
	}
	return fmt.Errorf("unknown sweep kind %q", req.Kind)
}

func (r *SweepRunner) publish(ev stream.Event) {
	if r.pub != nil {
		r.pub.Publish(ev)
	}
}

func (r *SweepRunner) progress(id, kind, asset string) func(optimizer.Progress) {
	return func(p optimizer.Progress) {
		r.publish(stream.Event{
			SweepID:      id,
			Kind:         kind,
			Asset:        asset,
			Done:         p.Done,
			Total:        p.Total,
			StopLevel:    deref(p.Combo.StopLevel),
			ProfitTarget: deref(p.Combo.ProfitTarget),
			Calmar:       p.Metrics.Calmar,
		})
	}
}

// plan 请求覆盖配置：止损模式、止损幅度、止盈
func plan(base strategy.Config, levels, targets []float64, req api.SweepRequest) (strategy.Config, []optimizer.Combo, error) {
	if req.StopMode != "" {
		mode, err := strategy.ParseStopMode(req.StopMode)
		if err != nil {
			return base, nil, err
		}
		base.StopMode = mode
	}
	if len(req.StopLevels) > 0 {
		levels = req.StopLevels
	}
	if len(req.ProfitTargets) > 0 {
		targets = req.ProfitTargets
	}
	grid, err := optimizer.Grid(base.StopMode, levels, targets)
	return base, grid, err
}

// ==================== 单品种 ====================

type AssetOutcome struct {
	Ticker     string
	Rows       []report.Row
	Best       *optimizer.Entry[backtest.Result]
	BuyAndHold analytics.Metrics
}

type IndividualSummary struct {
	SweepID   string
	Assets    []AssetOutcome
	Skipped   []market.LoadError
	Totals    []optimizer.Total
	BestTotal int
}

func (r *SweepRunner) RunIndividual(ctx context.Context, id string, req api.SweepRequest) (IndividualSummary, error) {
	started := r.now()
	sum := IndividualSummary{SweepID: id, BestTotal: -1}

	base, grid, err := plan(r.cfg.IndividualStrategy(), r.cfg.Grid.StopLevels, r.cfg.Grid.ProfitTargets, req)
	if err != nil {
		return sum, err
	}
	series, fails := market.LoadDir(r.cfg.Data.Dir, base.MAPeriod)
	sum.Skipped = fails
	for _, f := range fails {
		r.logger.Warn("skipping asset", zap.String("file", f.Path), zap.Error(f.Err))
	}
	if len(series) == 0 {
		return sum, r.noData(ctx, id, api.KindIndividual, base, started, fails)
	}
	r.logger.Info("individual sweep started",
		zap.String("sweep_id", id),
		zap.Int("assets", len(series)),
		zap.Int("combinations", len(grid)),
		zap.String("stop_mode", string(base.StopMode)))

	rec := &storage.Sweep{
		ID:        id,
		Kind:      api.KindIndividual,
		StopMode:  base.StopMode,
		MAPeriod:  base.MAPeriod,
		Params:    base,
		StartedAt: started,
	}
	var perAsset [][]analytics.Metrics

	for _, s := range series {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out, entries, err := r.sweepAsset(ctx, id, s, base, grid)
		if err != nil {
			return sum, err
		}
		sum.Assets = append(sum.Assets, out)
		perAsset = append(perAsset, lo.Map(entries, func(e optimizer.Entry[backtest.Result], _ int) analytics.Metrics { return e.Metrics }))

		rec.Assets = append(rec.Assets, s.Ticker())
		rec.PeriodStart = earliest(rec.PeriodStart, s.First().Date)
		rec.PeriodEnd = latest(rec.PeriodEnd, s.Last().Date)
		for _, e := range entries {
			optimal := out.Best != nil && out.Best.Combo.Index == e.Combo.Index
			run := storage.Run{
				Asset:     s.Ticker(),
				GridIndex: e.Combo.Index,
				Config:    e.Config,
				Metrics:   e.Metrics,
				Optimal:   optimal,
				Trades:    e.Result.Trades,
			}
			if optimal {
				run.Curve = e.Result.Curve.Points()
			}
			rec.Runs = append(rec.Runs, run)
		}
	}

	if totals, best, ok := optimizer.Aggregate(grid, perAsset); ok {
		sum.Totals, sum.BestTotal = totals, best
		if len(perAsset) > 1 {
			fmt.Fprintf(r.out, "\nAggregate P&L across %d assets\n", len(perAsset))
			if err := report.PrintTotals(r.out, base.StopMode, totals, best); err != nil {
				return sum, err
			}
		}
	}

	rec.FinishedAt = r.now()
	if err := r.save(ctx, rec); err != nil {
		return sum, err
	}
	r.publish(stream.Event{SweepID: id, Kind: api.KindIndividual, Done: len(series), Total: len(series), Finished: true})
	r.logger.Info("individual sweep finished", zap.String("sweep_id", id), zap.Duration("elapsed", r.now().Sub(started)))
	return sum, nil
}

func (r *SweepRunner) sweepAsset(ctx context.Context, id string, s market.Series, base strategy.Config, grid []optimizer.Combo) (AssetOutcome, []optimizer.Entry[backtest.Result], error) {
	out := AssetOutcome{Ticker: s.Ticker()}
	run := func(c strategy.Config) (backtest.Result, analytics.Metrics) {
		res := backtest.New(c).Run(s)
		return res, res.Metrics
	}
	entries, err := optimizer.Sweep(ctx, base, grid, run, optimizer.Options{
		Workers:    r.cfg.Grid.Workers,
		OnProgress: r.progress(id, api.KindIndividual, s.Ticker()),
	})
	if err != nil {
		return out, nil, fmt.Errorf("sweep %s: %w", s.Ticker(), err)
	}
	_, out.BuyAndHold = analytics.BuyAndHold(s, base.InitialCapital)

	bestIdx := -1
	if best, ok := optimizer.Best(entries); ok {
		out.Best = &best
		bestIdx = best.Combo.Index
	}
	ms := lo.Map(entries, func(e optimizer.Entry[backtest.Result], _ int) analytics.Metrics { return e.Metrics })
	out.Rows = report.Rows(base.StopMode, grid, ms, bestIdx)

	if err := report.PrintSweep(r.out, fmt.Sprintf("--- %s ---", strings.ToUpper(s.Ticker())), out.Rows); err != nil {
		return out, nil, err
	}
	if out.Best == nil {
		r.logger.Warn("no profitable configuration", zap.String("asset", s.Ticker()))
		return out, entries, nil
	}

	doc := report.Individual{
		Ticker:         s.Ticker(),
		MAPeriod:       base.MAPeriod,
		StopMode:       base.StopMode,
		InitialCapital: base.InitialCapital,
		SizingFraction: base.SizingFraction,
		Commission:     base.Commission,
		Start:          s.First().Date,
		End:            s.Last().Date,
		Days:           s.Len(),
		Rows:           out.Rows,
		BuyAndHold:     out.BuyAndHold,
	}
	path := doc.Path(r.cfg.Output.Dir)
	if err := report.WriteMarkdown(path, doc.Markdown()); err != nil {
		return out, nil, fmt.Errorf("write report %s: %w", s.Ticker(), err)
	}
	r.logger.Info("report saved", zap.String("asset", s.Ticker()), zap.String("path", path), zap.String("optimal", out.Best.Config.Label()))
	r.logger.Debug("optimal run", zap.String("summary", out.Best.Result.Summary()))

	stem := strings.TrimSuffix(path, ".md")
	if err := r.export(stem, out.Best.Result, out.Rows); err != nil {
		return out, nil, err
	}
	return out, entries, nil
}

// export 最优组合的曲线、成交与整张扫描表
func (r *SweepRunner) export(stem string, best backtest.Result, rows []report.Row) error {
	if r.cfg.Output.ExportCSV {
		if err := storage.WriteEquityCSV(stem+"_equity.csv", best.Curve, best.Stops); err != nil {
			return fmt.Errorf("export equity: %w", err)
		}
		if err := storage.WriteTradesCSV(stem+"_trades.csv", best.Trades); err != nil {
			return fmt.Errorf("export trades: %w", err)
		}
		if err := report.WriteSweepCSV(stem+"_sweep.csv", rows); err != nil {
			return fmt.Errorf("export sweep: %w", err)
		}
	}
	if r.cfg.Output.ExportJSON {
		payload := map[string]any{
			"asset":   best.Asset,
			"config":  best.Config,
			"metrics": best.Metrics,
			"trades":  best.Trades,
			"sweep":   rows,
		}
		if err := storage.WriteJSON(stem+"_result.json", payload); err != nil {
			return fmt.Errorf("export json: %w", err)
		}
	}
	return nil
}

// ==================== 组合 ====================

type PortfolioSummary struct {
	SweepID    string
	Panel      market.Panel
	Best       *optimizer.Entry[portfolio.Result]
	Rebalanced portfolio.Result
	Forget     portfolio.Result
	Lines      []report.Line
	Skipped    []market.LoadError
}

func (r *SweepRunner) RunPortfolio(ctx context.Context, id string, req api.SweepRequest) (PortfolioSummary, error) {
	started := r.now()
	sum := PortfolioSummary{SweepID: id}

	base, grid, err := plan(r.cfg.PortfolioStrategy(), r.cfg.Portfolio.StopLevels, r.cfg.Portfolio.ProfitTargets, req)
	if err != nil {
		return sum, err
	}
	series, fails := market.LoadDir(r.cfg.Data.Dir, base.MAPeriod)
	sum.Skipped = fails
	for _, f := range fails {
		r.logger.Warn("skipping asset", zap.String("file", f.Path), zap.Error(f.Err))
	}
	if len(series) == 0 {
		return sum, r.noData(ctx, id, api.KindPortfolio, base, started, fails)
	}
	panel, err := market.Align(series)
	if err != nil {
		return sum, err
	}
	sum.Panel = panel
	r.logger.Info("portfolio sweep started",
		zap.String("sweep_id", id),
		zap.Strings("universe", panel.Tickers),
		zap.Int("days", panel.Len()),
		zap.Int("combinations", len(grid)))

	run := func(c strategy.Config) (portfolio.Result, analytics.Metrics) {
		res := portfolio.NewEngine(c).Run(panel)
		return res, res.Metrics
	}
	entries, err := optimizer.Sweep(ctx, base, grid, run, optimizer.Options{
		Workers:    r.cfg.Grid.Workers,
		OnProgress: r.progress(id, api.KindPortfolio, portfolioName),
	})
	if err != nil {
		return sum, err
	}
	sum.Rebalanced = portfolio.Rebalanced(panel, base.InitialCapital)
	sum.Forget = portfolio.BuyAndForget(panel, base.InitialCapital)

	if best, ok := optimizer.Best(entries); ok {
		sum.Best = &best
		sum.Lines = append(sum.Lines, report.Line{Name: best.Result.Name, Metrics: best.Metrics})
		r.logger.Debug("optimal portfolio run", zap.String("summary", best.Result.Summary()))
	} else {
		r.logger.Warn("no profitable portfolio configuration", zap.String("sweep_id", id))
	}
	sum.Lines = append(sum.Lines,
		report.Line{Name: sum.Rebalanced.Name, Metrics: sum.Rebalanced.Metrics},
		report.Line{Name: sum.Forget.Name, Metrics: sum.Forget.Metrics},
	)

	fmt.Fprintf(r.out, "\n--- FINAL PORTFOLIO COMPARISON ---\nAnalysis Period: %s to %s\n",
		panel.Dates[0].Format("2006-01-02"), panel.Dates[panel.Len()-1].Format("2006-01-02"))
	if err := report.PrintComparison(r.out, sum.Lines); err != nil {
		return sum, err
	}

	doc := report.Portfolio{
		GeneratedAt:    r.now(),
		Start:          panel.Dates[0],
		End:            panel.Dates[panel.Len()-1],
		Universe:       panel.Tickers,
		MAPeriod:       base.MAPeriod,
		StopMode:       base.StopMode,
		InitialCapital: base.InitialCapital,
		Commission:     base.Commission,
		CashReturn:     base.RiskFreeRate,
		Lines:          sum.Lines,
	}
	path := doc.Path(r.cfg.Output.Dir)
	if err := report.WriteMarkdown(path, doc.Markdown()); err != nil {
		return sum, fmt.Errorf("write portfolio report: %w", err)
	}
	r.logger.Info("report saved", zap.String("path", path))

	ms := lo.Map(entries, func(e optimizer.Entry[portfolio.Result], _ int) analytics.Metrics { return e.Metrics })
	bestIdx := -1
	if sum.Best != nil {
		bestIdx = sum.Best.Combo.Index
	}
	rows := report.Rows(base.StopMode, grid, ms, bestIdx)
	if err := r.exportPortfolio(strings.TrimSuffix(path, ".md"), sum.Best, rows); err != nil {
		return sum, err
	}

	rec := &storage.Sweep{
		ID:          id,
		Kind:        api.KindPortfolio,
		StopMode:    base.StopMode,
		MAPeriod:    base.MAPeriod,
		Assets:      panel.Tickers,
		Params:      base,
		PeriodStart: panel.Dates[0],
		PeriodEnd:   panel.Dates[panel.Len()-1],
		StartedAt:   started,
	}
	for _, e := range entries {
		optimal := bestIdx == e.Combo.Index
		run := storage.Run{
			Asset:     portfolioName,
			GridIndex: e.Combo.Index,
			Config:    e.Config,
			Metrics:   e.Metrics,
			Optimal:   optimal,
			Trades:    e.Result.Trades,
		}
		if optimal {
			run.Curve = e.Result.Curve.Points()
		}
		rec.Runs = append(rec.Runs, run)
	}
	// 基准用负的网格下标区分
	for i, b := range []portfolio.Result{sum.Rebalanced, sum.Forget} {
		rec.Runs = append(rec.Runs, storage.Run{
			Asset:     b.Name,
			GridIndex: -(i + 1),
			Config:    base,
			Metrics:   b.Metrics,
			Curve:     b.Curve.Points(),
		})
	}
	rec.FinishedAt = r.now()
	if err := r.save(ctx, rec); err != nil {
		return sum, err
	}
	r.publish(stream.Event{SweepID: id, Kind: api.KindPortfolio, Asset: portfolioName, Done: len(grid), Total: len(grid), Finished: true})
	r.logger.Info("portfolio sweep finished", zap.String("sweep_id", id), zap.Duration("elapsed", r.now().Sub(started)))
	return sum, nil
}

func (r *SweepRunner) exportPortfolio(stem string, best *optimizer.Entry[portfolio.Result], rows []report.Row) error {
	if r.cfg.Output.ExportCSV {
		if err := report.WriteSweepCSV(stem+"_sweep.csv", rows); err != nil {
			return fmt.Errorf("export sweep: %w", err)
		}
		if best != nil {
			if err := storage.WriteEquityCSV(stem+"_equity.csv", best.Result.Curve, nil); err != nil {
				return fmt.Errorf("export equity: %w", err)
			}
			if err := storage.WriteTradesCSV(stem+"_trades.csv", best.Result.Trades); err != nil {
				return fmt.Errorf("export trades: %w", err)
			}
		}
	}
	if r.cfg.Output.ExportJSON && best != nil {
		payload := map[string]any{
			"name":    best.Result.Name,
			"config":  best.Config,
			"metrics": best.Metrics,
			"sweep":   rows,
		}
		if err := storage.WriteJSON(stem+"_result.json", payload); err != nil {
			return fmt.Errorf("export json: %w", err)
		}
	}
	return nil
}

// noData 目录里没有可用文件：照常收尾，只记一条空扫描
func (r *SweepRunner) noData(ctx context.Context, id, kind string, base strategy.Config, started time.Time, fails []market.LoadError) error {
	r.logger.Warn("no usable price files", zap.String("sweep_id", id), zap.String("dir", r.cfg.Data.Dir), zap.Int("skipped", len(fails)))
	fmt.Fprintf(r.out, "\nNo usable price files in %s\n", r.cfg.Data.Dir)
	for _, f := range fails {
		fmt.Fprintf(r.out, "  skipped %s\n", f.Error())
	}
	fmt.Fprintln(r.out, "No trades / no profitable configuration.")

	rec := &storage.Sweep{
		ID:         id,
		Kind:       kind,
		StopMode:   base.StopMode,
		MAPeriod:   base.MAPeriod,
		Params:     base,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	if err := r.save(ctx, rec); err != nil {
		return err
	}
	r.publish(stream.Event{SweepID: id, Kind: kind, Finished: true})
	return nil
}

func (r *SweepRunner) save(ctx context.Context, rec *storage.Sweep) error {
	if r.repo == nil {
		return nil
	}
	id, err := r.repo.SaveSweep(ctx, rec)
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	r.logger.Info("sweep saved", zap.String("sweep_id", id), zap.Int("runs", len(rec.Runs)))
	return nil
}

// ==================== 小工具 ====================

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func earliest(cur, t time.Time) time.Time {
	if cur.IsZero() || t.Before(cur) {
		return t
	}
	return cur
}

func latest(cur, t time.Time) time.Time {
	if t.After(cur) {
		return t
	}
	return cur
}
