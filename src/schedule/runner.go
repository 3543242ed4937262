package schedule

// 定时重跑参数扫描（serve 模式）。表达式为标准 5 段 cron；
// 上一次扫描尚未结束时跳过本次触发。

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add 注册任务；job 收到的 ctx 在 Stop 前一直有效
func (r *Runner) Add(spec string, name string, job func(context.Context) error) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if err := r.baseCtx.Err(); err != nil {
			return
		}
		r.logger.Info("scheduled job started", zap.String("job", name))
		if err := job(r.baseCtx); err != nil {
			r.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			return
		}
		r.logger.Info("scheduled job finished", zap.String("job", name))
	})
}

func (r *Runner) Entries() []cron.Entry { return r.cron.Entries() }

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop 等待正在执行的任务结束
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
