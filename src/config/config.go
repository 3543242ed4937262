package config

// 配置（Config）层 —— 趋势策略参数扫描
//
// 设计目标：
// 1) 支持 YAML 文件 + .env + 环境变量（ENV）覆盖；
// 2) 默认值开箱可用（单品种 MA52 / 组合 MA20，与历史报表一致）；
// 3) 启动时 Validate，尽早发现问题。
//
// 常用环境变量（统一前缀：TRENDLAB_）：
//   TRENDLAB_APP_NAME=trendlab
//   TRENDLAB_APP_ENV=dev                  # dev|staging|prod
//   TRENDLAB_DATA_DIR=./stock_data
//   TRENDLAB_DATA_MA_PERIOD=52
//
//   TRENDLAB_STRATEGY_STOP_MODE=TRAILING   # TRAILING|FIXED|PREVIOUS_YEAR_LOW|NONE
//   TRENDLAB_STRATEGY_COMMISSION=0.0005
//   TRENDLAB_STRATEGY_INITIAL_CAPITAL=100000
//   TRENDLAB_STRATEGY_SIZING_FRACTION=1.0
//   TRENDLAB_STRATEGY_EXIT_PRIORITY=stop_first
//
//   TRENDLAB_GRID_STOP_LEVELS=10,15,20,25,30
//   TRENDLAB_GRID_PROFIT_TARGETS=0,50,100,150,200   # 0 = 不设止盈
//   TRENDLAB_GRID_WORKERS=8
//
//   TRENDLAB_PORTFOLIO_MA_PERIOD=20
//   TRENDLAB_PORTFOLIO_STOP_MODE=TRAILING
//   TRENDLAB_PORTFOLIO_RISK_FREE_RATE=0.02
//
//   TRENDLAB_OUTPUT_DIR=./reports
//   TRENDLAB_STORAGE_ENABLE=true
//   TRENDLAB_STORAGE_DSN=./data/trendlab.db
//   TRENDLAB_SERVER_ADDR=:8080
//   TRENDLAB_SERVER_SCHEDULE="0 22 * * 1-5"
//   TRENDLAB_LOG_LEVEL=info
//   TRENDLAB_LOG_JSON=false
//
// 示例 YAML（configs/trendlab.yaml）：
// ---
// app:
//   name: trendlab
//   env: dev
// data:
//   dir: ./stock_data
//   maPeriod: 52
// strategy:
//   stopMode: TRAILING
//   commission: 0.0005
//   initialCapital: 100000
//   sizingFraction: 1.0
//   exitPriority: stop_first
// grid:
//   stopLevels: [10, 15, 20, 25, 30]
//   profitTargets: [0, 50, 100, 150, 200]
// portfolio:
//   maPeriod: 20
//   initialCapital: 100000
//   stopMode: TRAILING
//   stopLevels: [15, 20, 25, 30, 50, 60]
//   profitTargets: [0, 100, 200]
//   riskFreeRate: 0.02
// output:
//   dir: ./reports
//   exportCSV: true
// storage:
//   enable: true
//   dsn: ./data/trendlab.db
// server:
//   addr: ":8080"
//   schedule: ""
// logging:
//   level: info
//   json: false

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trendlab/src/strategy"
)

const EnvPrefix = "TRENDLAB_"

// 根配置结构体
type Config struct {
	App       AppConfig       `yaml:"app"`
	Data      DataConfig      `yaml:"data"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Grid      GridConfig      `yaml:"grid"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`

	// 实际使用的配置文件（未找到为空）
	Source string `yaml:"-"`
}

type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"` // dev|staging|prod
}

// 行情数据：每个品种一个 CSV
type DataConfig struct {
	Dir      string `yaml:"dir"`
	MAPeriod int    `yaml:"maPeriod"` // 单品种扫描使用
}

// 单品种扫描的基础参数（止损幅度/止盈由 grid 覆盖）
type StrategyConfig struct {
	StopMode       string  `yaml:"stopMode"`
	Commission     float64 `yaml:"commission"`
	InitialCapital float64 `yaml:"initialCapital"`
	SizingFraction float64 `yaml:"sizingFraction"`
	RiskFreeRate   float64 `yaml:"riskFreeRate"`
	ExitPriority   string  `yaml:"exitPriority"` // stop_first|target_first
}

type GridConfig struct {
	StopLevels    []float64 `yaml:"stopLevels"`
	ProfitTargets []float64 `yaml:"profitTargets"` // 0 = 不设止盈
	Workers       int       `yaml:"workers"`       // 0 = GOMAXPROCS
}

// 组合回测（共用 strategy.commission / strategy.exitPriority）
type PortfolioConfig struct {
	MAPeriod       int       `yaml:"maPeriod"`
	InitialCapital float64   `yaml:"initialCapital"`
	StopMode       string    `yaml:"stopMode"`
	StopLevels     []float64 `yaml:"stopLevels"`
	ProfitTargets  []float64 `yaml:"profitTargets"`
	RiskFreeRate   float64   `yaml:"riskFreeRate"`
}

type OutputConfig struct {
	Dir        string `yaml:"dir"`
	ExportCSV  bool   `yaml:"exportCSV"`
	ExportJSON bool   `yaml:"exportJSON"`
}

type StorageConfig struct {
	Enable bool   `yaml:"enable"`
	DSN    string `yaml:"dsn"` // SQLite 文件路径
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Schedule string `yaml:"schedule"` // cron 表达式；空 = 不定时重跑
	Mode     string `yaml:"mode"`     // 定时任务跑 individual|portfolio
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
}

// ===================== 对外 API =====================

func Default() Config {
	return Config{
		App:  AppConfig{Name: "trendlab", Env: "dev"},
		Data: DataConfig{Dir: "./stock_data", MAPeriod: 52},
		Strategy: StrategyConfig{
			StopMode:       string(strategy.StopTrailing),
			Commission:     0.0005,
			InitialCapital: 100000,
			SizingFraction: 1.0,
			RiskFreeRate:   0.02,
			ExitPriority:   string(strategy.StopFirst),
		},
		Grid: GridConfig{
			StopLevels:    []float64{10, 15, 20, 25, 30},
			ProfitTargets: []float64{0, 50, 100, 150, 200},
		},
		Portfolio: PortfolioConfig{
			MAPeriod:       20,
			InitialCapital: 100000,
			StopMode:       string(strategy.StopTrailing),
			StopLevels:     []float64{15, 20, 25, 30, 50, 60},
			ProfitTargets:  []float64{0, 100, 200},
			RiskFreeRate:   0.02,
		},
		Output:  OutputConfig{Dir: "./reports", ExportCSV: true},
		Storage: StorageConfig{Enable: true, DSN: "./data/trendlab.db"},
		Server:  ServerConfig{Addr: ":8080", Mode: "individual"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load 按优先顺序读取 YAML，然后加载 .env 与 ENV 覆盖，最后校验。
//   - paths 为空时尝试：./configs/trendlab.yaml、./config.yaml、./trendlab.yaml
//   - 找不到任何文件时只用默认值 + 环境变量。
func Load(paths ...string) (*Config, error) {
	c := Default()

	if len(paths) == 0 {
		paths = []string{
			"./configs/trendlab.yaml",
			"./config.yaml",
			"./trendlab.yaml",
		}
	}

	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(p) {
			abs, _ = filepath.Abs(p)
		}
		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		b, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("解析 YAML 失败 %s: %w", abs, err)
		}
		c.Source = abs
		break
	}

	// .env 不存在不算错
	_ = godotenv.Load()
	c.applyEnv(EnvPrefix)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 一致性与边界校验；部分空值会被补成默认值。
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name 不能为空")
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	switch strings.ToLower(c.App.Env) {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("app.env 无效: %s (允许: dev|staging|prod)", c.App.Env)
	}

	// Data
	if c.Data.Dir == "" {
		return errors.New("data.dir 不能为空")
	}
	if c.Data.MAPeriod <= 0 {
		return errors.New("data.maPeriod 必须 > 0")
	}

	// Strategy
	if _, err := strategy.ParseStopMode(c.Strategy.StopMode); err != nil {
		return fmt.Errorf("strategy.stopMode 无效: %w", err)
	}
	if _, err := strategy.ParseExitPriority(c.Strategy.ExitPriority); err != nil {
		return fmt.Errorf("strategy.exitPriority 无效: %w", err)
	}
	if c.Strategy.Commission < 0 || c.Strategy.Commission >= 1 {
		return errors.New("strategy.commission 需在 [0,1) 之间")
	}
	if c.Strategy.InitialCapital <= 0 {
		return errors.New("strategy.initialCapital 必须 > 0")
	}
	if c.Strategy.SizingFraction <= 0 || c.Strategy.SizingFraction > 1 {
		return errors.New("strategy.sizingFraction 需在 (0,1] 之间")
	}

	// Grid
	if err := checkLevels("grid", c.Strategy.StopMode, c.Grid.StopLevels, c.Grid.ProfitTargets); err != nil {
		return err
	}
	if c.Grid.Workers < 0 {
		return errors.New("grid.workers 不能为负")
	}

	// Portfolio
	if c.Portfolio.MAPeriod <= 0 {
		return errors.New("portfolio.maPeriod 必须 > 0")
	}
	if c.Portfolio.InitialCapital <= 0 {
		return errors.New("portfolio.initialCapital 必须 > 0")
	}
	if _, err := strategy.ParseStopMode(c.Portfolio.StopMode); err != nil {
		return fmt.Errorf("portfolio.stopMode 无效: %w", err)
	}
	if err := checkLevels("portfolio", c.Portfolio.StopMode, c.Portfolio.StopLevels, c.Portfolio.ProfitTargets); err != nil {
		return err
	}

	// Output / Storage / Server
	if c.Output.Dir == "" {
		c.Output.Dir = "./reports"
	}
	if c.Storage.Enable && c.Storage.DSN == "" {
		return errors.New("storage.enable 时 storage.dsn 不能为空")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	switch strings.ToLower(c.Server.Mode) {
	case "":
		c.Server.Mode = "individual"
	case "individual", "portfolio":
		c.Server.Mode = strings.ToLower(c.Server.Mode)
	default:
		return fmt.Errorf("server.mode 无效: %s (允许: individual|portfolio)", c.Server.Mode)
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
	default:
		return fmt.Errorf("logging.level 无效: %s", c.Logging.Level)
	}
	return nil
}

func checkLevels(section, mode string, levels, targets []float64) error {
	m, _ := strategy.ParseStopMode(mode)
	if m.SweepsLevel() && len(levels) == 0 {
		return fmt.Errorf("%s.stopLevels 在 %s 模式下至少包含一个值", section, m)
	}
	for _, v := range levels {
		if v <= 0 || v >= 100 {
			return fmt.Errorf("%s.stopLevels 需在 (0,100) 之间: %g", section, v)
		}
	}
	for _, v := range targets {
		if v < 0 {
			return fmt.Errorf("%s.profitTargets 不能为负: %g", section, v)
		}
	}
	return nil
}

// ===================== 转换为回测参数 =====================

// IndividualStrategy 单品种扫描的基础参数（止损幅度/止盈待网格填充）
func (c *Config) IndividualStrategy() strategy.Config {
	mode, _ := strategy.ParseStopMode(c.Strategy.StopMode)
	prio, _ := strategy.ParseExitPriority(c.Strategy.ExitPriority)
	return strategy.Config{
		StopMode:       mode,
		Commission:     c.Strategy.Commission,
		InitialCapital: c.Strategy.InitialCapital,
		SizingFraction: c.Strategy.SizingFraction,
		MAPeriod:       c.Data.MAPeriod,
		RiskFreeRate:   c.Strategy.RiskFreeRate,
		ExitPriority:   prio,
	}
}

// PortfolioStrategy 组合扫描的基础参数
func (c *Config) PortfolioStrategy() strategy.Config {
	mode, _ := strategy.ParseStopMode(c.Portfolio.StopMode)
	prio, _ := strategy.ParseExitPriority(c.Strategy.ExitPriority)
	return strategy.Config{
		StopMode:       mode,
		Commission:     c.Strategy.Commission,
		InitialCapital: c.Portfolio.InitialCapital,
		SizingFraction: 1.0,
		MAPeriod:       c.Portfolio.MAPeriod,
		RiskFreeRate:   c.Portfolio.RiskFreeRate,
		ExitPriority:   prio,
	}
}

// ===================== 环境变量覆盖 =====================

// applyEnv 读取以 prefix 开头的环境变量并覆盖配置。
func (c *Config) applyEnv(prefix string) {
	c.App.Name = pickStr(os.Getenv(prefix+"APP_NAME"), c.App.Name)
	c.App.Env = pickStr(os.Getenv(prefix+"APP_ENV"), c.App.Env)

	c.Data.Dir = pickStr(os.Getenv(prefix+"DATA_DIR"), c.Data.Dir)
	c.Data.MAPeriod = pickInt(os.Getenv(prefix+"DATA_MA_PERIOD"), c.Data.MAPeriod)

	c.Strategy.StopMode = pickStr(os.Getenv(prefix+"STRATEGY_STOP_MODE"), c.Strategy.StopMode)
	c.Strategy.Commission = pickFloat(os.Getenv(prefix+"STRATEGY_COMMISSION"), c.Strategy.Commission)
	c.Strategy.InitialCapital = pickFloat(os.Getenv(prefix+"STRATEGY_INITIAL_CAPITAL"), c.Strategy.InitialCapital)
	c.Strategy.SizingFraction = pickFloat(os.Getenv(prefix+"STRATEGY_SIZING_FRACTION"), c.Strategy.SizingFraction)
	c.Strategy.RiskFreeRate = pickFloat(os.Getenv(prefix+"STRATEGY_RISK_FREE_RATE"), c.Strategy.RiskFreeRate)
	c.Strategy.ExitPriority = pickStr(os.Getenv(prefix+"STRATEGY_EXIT_PRIORITY"), c.Strategy.ExitPriority)

	c.Grid.StopLevels = pickFloats(os.Getenv(prefix+"GRID_STOP_LEVELS"), c.Grid.StopLevels)
	c.Grid.ProfitTargets = pickFloats(os.Getenv(prefix+"GRID_PROFIT_TARGETS"), c.Grid.ProfitTargets)
	c.Grid.Workers = pickInt(os.Getenv(prefix+"GRID_WORKERS"), c.Grid.Workers)

	c.Portfolio.MAPeriod = pickInt(os.Getenv(prefix+"PORTFOLIO_MA_PERIOD"), c.Portfolio.MAPeriod)
	c.Portfolio.InitialCapital = pickFloat(os.Getenv(prefix+"PORTFOLIO_INITIAL_CAPITAL"), c.Portfolio.InitialCapital)
	c.Portfolio.StopMode = pickStr(os.Getenv(prefix+"PORTFOLIO_STOP_MODE"), c.Portfolio.StopMode)
	c.Portfolio.StopLevels = pickFloats(os.Getenv(prefix+"PORTFOLIO_STOP_LEVELS"), c.Portfolio.StopLevels)
	c.Portfolio.ProfitTargets = pickFloats(os.Getenv(prefix+"PORTFOLIO_PROFIT_TARGETS"), c.Portfolio.ProfitTargets)
	c.Portfolio.RiskFreeRate = pickFloat(os.Getenv(prefix+"PORTFOLIO_RISK_FREE_RATE"), c.Portfolio.RiskFreeRate)

	c.Output.Dir = pickStr(os.Getenv(prefix+"OUTPUT_DIR"), c.Output.Dir)
	c.Output.ExportCSV = pickBool(os.Getenv(prefix+"OUTPUT_EXPORT_CSV"), c.Output.ExportCSV)
	c.Output.ExportJSON = pickBool(os.Getenv(prefix+"OUTPUT_EXPORT_JSON"), c.Output.ExportJSON)

	c.Storage.Enable = pickBool(os.Getenv(prefix+"STORAGE_ENABLE"), c.Storage.Enable)
	c.Storage.DSN = pickStr(os.Getenv(prefix+"STORAGE_DSN"), c.Storage.DSN)

	c.Server.Addr = pickStr(os.Getenv(prefix+"SERVER_ADDR"), c.Server.Addr)
	c.Server.Schedule = pickStr(os.Getenv(prefix+"SERVER_SCHEDULE"), c.Server.Schedule)
	c.Server.Mode = pickStr(os.Getenv(prefix+"SERVER_MODE"), c.Server.Mode)

	c.Logging.Level = pickStr(os.Getenv(prefix+"LOG_LEVEL"), c.Logging.Level)
	c.Logging.JSON = pickBool(os.Getenv(prefix+"LOG_JSON"), c.Logging.JSON)
}

// ===================== 小工具函数 =====================

func pickStr(env, cur string) string {
	if strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return cur
}

func pickInt(env string, cur int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
		return v
	}
	return cur
}

func pickFloat(env string, cur float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
		return v
	}
	return cur
}

func pickBool(env string, cur bool) bool {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	s := strings.ToLower(strings.TrimSpace(env))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// pickFloats 逗号分隔；任一项解析失败则保留原值
func pickFloats(env string, cur []float64) []float64 {
	parts := splitCSV(env)
	if len(parts) == 0 {
		return cur
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return cur
		}
		out = append(out, v)
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
