package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reconcile/internal/config"
	"reconcile/internal/output"
	"reconcile/internal/progress"
	"reconcile/internal/runner"
	"reconcile/internal/source"
	"reconcile/internal/store"
)

var (
	// 基础参数
	startBlock uint64
	endBlock   uint64
	outputPath string
	format     string

	// 流处理参数
	stream bool

	// 高级参数
	configFile string
	verbose    bool
	dryRun     bool
	compress   bool
	strictMode bool

	// 进度管理参数
	resume        bool // 是否启用断点续传
	resetProgress bool // 是否重置进度
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "ERC20/ERC721转账对账工具",
		Long:  `以太坊Transfer事件对账工具，按区块顺序重建代币、余额和流转历史`,
		RunE:  run,
	}

	// 基础参数
	rootCmd.Flags().Uint64Var(&startBlock, "start-block", 0, "起始区块号")
	rootCmd.Flags().Uint64Var(&endBlock, "end-block", 0, "结束区块号")
	rootCmd.Flags().StringVar(&outputPath, "output", "./outputs", "历史记录输出路径")
	rootCmd.Flags().StringVar(&format, "format", "json", "输出格式 (json)")

	// 流处理参数
	rootCmd.Flags().BoolVar(&stream, "stream", false, "启用实时流式对账")

	// 高级参数
	rootCmd.Flags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "试运行模式，只用内存存储且不写输出")
	rootCmd.Flags().BoolVar(&compress, "compress", false, "启用压缩")
	rootCmd.Flags().BoolVar(&strictMode, "strict", false, "严格模式，数据校验失败时中止")

	// 进度管理参数
	rootCmd.Flags().BoolVar(&resume, "resume", true, "启用断点续传（默认开启）")
	rootCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "重置进度重新开始")

	// 进度查询子命令
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看对账进度",
		RunE:  showProgress,
	}

	rootCmd.AddCommand(progressCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// progressPath 进度文件路径，配置缺省时使用默认位置
func progressPath(cfg *config.Config) string {
	if cfg.Progress != nil && cfg.Progress.Path != "" {
		return cfg.Progress.Path
	}
	return "./progress/reconcile.db"
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 命令行参数覆盖配置中的严格模式开关
	if cfg.Reconciler == nil {
		cfg.Reconciler = &config.ReconcilerConfig{}
	}
	if strictMode {
		cfg.Reconciler.StrictMode = true
	}

	// 创建区块日志源
	src, err := source.NewSource(cfg.Blockchain, logger)
	if err != nil {
		return fmt.Errorf("创建区块日志源失败: %w", err)
	}

	// 创建存储后端
	var backend store.Backend
	if !dryRun && cfg.Store != nil && cfg.Store.Driver == "postgres" {
		backend, err = store.NewPostgresBackend(cfg.Store.DSN, logger)
		if err != nil {
			src.Close()
			return fmt.Errorf("连接存储数据库失败: %w", err)
		}
	} else {
		if dryRun {
			logger.Info("试运行模式，实体只写入内存存储")
		}
		backend = store.NewMemoryBackend()
	}
	st := store.NewStore(backend, logger)

	// 创建历史记录输出器
	var outputter output.Output
	if !dryRun {
		if cfg.Output != nil && cfg.Output.Format == "kafka" {
			outputter, err = output.NewOutputWithConfig(outputPath, cfg.Output.Format, compress, cfg.Output.Kafka)
		} else {
			outputter, err = output.NewOutput(outputPath, format, compress)
		}
		if err != nil {
			src.Close()
			return fmt.Errorf("创建输出器失败: %w", err)
		}
	}

	// 创建进度管理器
	var progressManager *progress.Manager
	if resume || resetProgress {
		progressManager, err = progress.NewManager(progressPath(cfg), logger)
		if err != nil {
			logger.Warnf("创建进度管理器失败: %v，将不支持断点续传", err)
		}
	}

	// 处理进度重置
	if resetProgress && progressManager != nil {
		logger.Info("重置对账进度...")
		if err := progressManager.Reset(); err != nil {
			logger.Warnf("重置进度失败: %v", err)
		} else {
			logger.Info("进度已重置")
		}
	}

	// 创建对账运行器并启动停机信号监听
	r := runner.NewRunner(src, st, outputter, progressManager, cfg.Reconciler, logger)
	r.Start()
	defer r.Close()

	// 使用停机感知的上下文，收到信号后取消
	ctx := r.ShutdownContext()

	if stream {
		logger.Info("启动实时流式对账")
		return r.RunStream(ctx)
	}
	return runBatchMode(r, logger)
}

func runBatchMode(r *runner.Runner, logger *logrus.Logger) error {
	if startBlock == 0 || endBlock == 0 {
		return fmt.Errorf("批量模式需要指定 --start-block 和 --end-block")
	}

	if startBlock > endBlock {
		return fmt.Errorf("起始区块号不能大于结束区块号")
	}

	logger.Infof("开始批量对账区块 %d - %d", startBlock, endBlock)

	result, err := r.RunBatch(r.ShutdownContext(), startBlock, endBlock)
	if err != nil {
		return fmt.Errorf("批量对账失败: %w", err)
	}

	// 输出统计信息
	logger.Info("对账完成，统计信息:")
	logger.Infof("  处理区块数: %d", result.ProcessedBlocks)
	logger.Infof("  事件总数: %d", result.TotalEvents)
	logger.Infof("  跳过日志数: %d", result.SkippedLogs)
	logger.Infof("  耗时: %s", result.Duration)
	logger.Infof("  区块/秒: %.2f", result.BlocksPerSecond)

	return nil
}

// showProgress 显示对账进度
func showProgress(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 打开进度数据库
	progressManager, err := progress.NewManager(progressPath(cfg), logger)
	if err != nil {
		return fmt.Errorf("打开进度数据库失败: %w", err)
	}
	defer progressManager.Close()

	stats := progressManager.GetStats()

	fmt.Println("对账进度信息")
	fmt.Println(strings.Repeat("=", 50))

	for key, value := range stats {
		fmt.Printf("%-22s: %v\n", key, value)
	}

	return nil
}
