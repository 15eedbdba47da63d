package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reconcile/internal/classifier"
	"reconcile/internal/config"
	"reconcile/internal/engine"
	"reconcile/internal/errors"
	"reconcile/internal/output"
	"reconcile/internal/policy"
	"reconcile/internal/progress"
	"reconcile/internal/shutdown"
	"reconcile/internal/source"
	"reconcile/internal/store"
	"reconcile/internal/validation"
	"reconcile/pkg/models"
)

// 运行器常量
const (
	DefaultPollInterval   = 15 * time.Second // 流式对账轮询间隔
	DefaultFlushThreshold = 1000             // 默认落库阈值
	ShutdownTimeout       = 30 * time.Second // 优雅停机超时
)

// BatchResult 批量对账结果
type BatchResult struct {
	StartBlock      uint64
	EndBlock        uint64
	ProcessedBlocks uint64
	TotalEvents     uint64
	SkippedLogs     uint64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	BlocksPerSecond float64
	Errors          []error
}

// Runner 对账运行器
//
// 串起完整的对账流水线：拉取区块日志、格式校验、标准判别、
// 决策入队、批量预加载、排空动作队列，最后按阈值批量落库并
// 输出历史记录、推进进度。区块必须按顺序逐个处理，不做并发。
type Runner struct {
	source           *source.Source
	store            *store.Store
	queue            *engine.Queue
	policy           *policy.Policy
	classifier       *classifier.Classifier
	validator        *validation.Validator
	outputter        output.Output
	progressManager  *progress.Manager
	errorHandler     *errors.ErrorHandler
	reconcilerConfig *config.ReconcilerConfig
	gracefulShutdown *shutdown.GracefulShutdown
	logger           *logrus.Logger

	mu             sync.Mutex
	lastReconciled uint64 // 最近一个已处理但未必已落库的区块
	pendingEvents  uint64 // 自上次落库以来处理的事件数
}

// NewRunner 创建对账运行器
func NewRunner(
	src *source.Source,
	st *store.Store,
	out output.Output,
	progressManager *progress.Manager,
	reconcilerConfig *config.ReconcilerConfig,
	logger *logrus.Logger,
) *Runner {
	queue := engine.NewQueue(st, logger)

	strictMode := false
	if reconcilerConfig != nil {
		strictMode = reconcilerConfig.StrictMode
	}

	r := &Runner{
		source:           src,
		store:            st,
		queue:            queue,
		policy:           policy.New(st, queue, logger),
		classifier:       classifier.NewClassifier(logger),
		validator:        validation.NewValidator(logger, strictMode),
		outputter:        out,
		progressManager:  progressManager,
		errorHandler:     errors.NewErrorHandler(logger),
		reconcilerConfig: reconcilerConfig,
		gracefulShutdown: shutdown.NewGracefulShutdown(ShutdownTimeout, logger),
		logger:           logger,
	}

	r.registerShutdownHandlers()

	return r
}

// registerShutdownHandlers 注册停机处理函数
// 顺序约束：先落库未完成的变更，再关闭输出通道，最后释放连接
func (r *Runner) registerShutdownHandlers() {
	r.gracefulShutdown.RegisterShutdownFunc("flush_store", func(ctx context.Context) error {
		return r.flush(ctx)
	}, shutdown.OrderFlushStore)

	r.gracefulShutdown.RegisterShutdownFunc("flush_outputs", func(ctx context.Context) error {
		if r.outputter != nil {
			return r.outputter.Close()
		}
		return nil
	}, shutdown.OrderFlushOutputs)

	r.gracefulShutdown.RegisterShutdownFunc("close_connections", func(ctx context.Context) error {
		if r.source != nil {
			r.source.Close()
		}
		if r.progressManager != nil {
			return r.progressManager.Close()
		}
		return nil
	}, shutdown.OrderCloseConnections)
}

// Start 启动停机信号监听
func (r *Runner) Start() {
	r.gracefulShutdown.Start()
}

// ShutdownContext 停机感知的上下文，收到信号后取消
func (r *Runner) ShutdownContext() context.Context {
	return r.gracefulShutdown.Context()
}

// flushThreshold 获取落库阈值
func (r *Runner) flushThreshold() int {
	if r.reconcilerConfig != nil && r.reconcilerConfig.FlushThreshold > 0 {
		return r.reconcilerConfig.FlushThreshold
	}
	return DefaultFlushThreshold
}

// pollInterval 获取流式轮询间隔
func (r *Runner) pollInterval() time.Duration {
	if r.reconcilerConfig != nil && r.reconcilerConfig.PollInterval != "" {
		if d, err := time.ParseDuration(r.reconcilerConfig.PollInterval); err == nil && d > 0 {
			return d
		}
		r.logger.Warnf("轮询间隔 %s 无法解析，使用默认值", r.reconcilerConfig.PollInterval)
	}
	return DefaultPollInterval
}

// getResumeBlock 获取断点续传的起始区块
// 进度记录的是最后一个已落库的区块，重启从下一个区块继续
func (r *Runner) getResumeBlock(plannedStart uint64) uint64 {
	if r.progressManager == nil {
		return plannedStart
	}

	lastReconciled := r.progressManager.GetLastReconciledBlock()
	if lastReconciled == 0 {
		return plannedStart
	}

	if lastReconciled+1 > plannedStart {
		return lastReconciled + 1
	}
	return plannedStart
}

// processBlock 处理单个区块的全部Transfer日志
// 返回本区块进入决策的事件数和跳过的日志数
func (r *Runner) processBlock(ctx context.Context, block *models.Block) (uint64, uint64, error) {
	// 格式预校验，严格模式下校验失败中止，宽松模式记录后继续
	blockResult := r.validator.ValidateBlock(block)
	if !blockResult.Valid {
		for _, verr := range blockResult.Errors {
			r.errorHandler.Handle(verr)
		}
		if r.validator.IsStrict() {
			return 0, 0, errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
				"BLOCK_VALIDATION_FAILED", fmt.Sprintf("区块 %d 校验失败", block.Number)).
				WithBlockNumber(block.Number)
		}
	}

	r.queue.SetBlock(engine.BlockContext{
		Height:    block.Number,
		Hash:      block.Hash,
		Timestamp: uint64(block.Timestamp.Unix()),
	})

	var events, skipped uint64
	for _, log := range block.Logs {
		r.queue.SetTransaction(log.TransactionHash)

		logResult := r.validator.ValidateEventLog(log)
		if !logResult.Valid {
			for _, verr := range logResult.Errors {
				r.errorHandler.Handle(verr)
			}
			if r.validator.IsStrict() {
				return events, skipped, errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityHigh,
					"LOG_VALIDATION_FAILED", fmt.Sprintf("日志 %s 校验失败", log.ID)).
					WithBlockNumber(block.Number).WithTxHash(log.TransactionHash)
			}
			skipped++
			continue
		}

		// 源端已按事件签名过滤，这里兜底
		if !classifier.IsTransfer(log) {
			skipped++
			continue
		}

		// 无法判别的日志跳过并上报，不中止对账
		event, err := r.classifier.Classify(log)
		if err != nil {
			r.errorHandler.Handle(err)
			skipped++
			continue
		}

		r.policy.Apply(log.ID, log.Address, event)
		events++
	}

	// 批量预加载声明的实体键，再排空动作队列
	if err := r.store.Load(ctx); err != nil {
		return events, skipped, err
	}
	if err := r.queue.Process(ctx); err != nil {
		return events, skipped, err
	}

	r.mu.Lock()
	r.lastReconciled = block.Number
	r.pendingEvents += events
	r.mu.Unlock()

	return events, skipped, nil
}

// flush 落库挂起的实体变更并输出历史记录、推进进度
// 进度在落库成功之后才推进，崩溃时最多重放未落库的区块
func (r *Runner) flush(ctx context.Context) error {
	if r.store.PendingMutations() == 0 {
		return nil
	}

	r.mu.Lock()
	upToBlock := r.lastReconciled
	events := r.pendingEvents
	r.mu.Unlock()

	batch, err := r.store.Flush(ctx)
	if err != nil {
		return fmt.Errorf("落库批量变更失败: %w", err)
	}

	if r.outputter != nil {
		if err := output.WriteBatch(r.outputter, batch); err != nil {
			// 历史记录输出失败不回滚已落库的实体，记录后继续
			r.errorHandler.Handle(errors.WrapError(err, errors.ErrorTypeStore, errors.SeverityHigh,
				"OUTPUT_BATCH_FAILED", "输出历史记录批次失败").WithBlockNumber(upToBlock))
		}
	}

	if r.progressManager != nil && upToBlock > 0 {
		if err := r.progressManager.UpdateProgress(upToBlock, events); err != nil {
			r.logger.Errorf("更新对账进度失败: %v", err)
		}
	}

	r.mu.Lock()
	r.pendingEvents = 0
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"up_to_block": upToBlock,
		"transfers":   len(batch.Transfers),
		"mints":       len(batch.Mints),
		"burns":       len(batch.Burns),
		"accounts":    len(batch.Accounts),
		"balances":    len(batch.Balances),
		"removed":     len(batch.RemovedBalances),
	}).Info("批量落库完成")

	return nil
}

// RunBatch 批量对账指定区块范围（支持断点续传）
func (r *Runner) RunBatch(ctx context.Context, startBlock, endBlock uint64) (*BatchResult, error) {
	if startBlock > endBlock {
		return nil, errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_BLOCK_RANGE", fmt.Sprintf("起始区块号(%d)不能大于结束区块号(%d)", startBlock, endBlock))
	}

	// 检查断点续传
	actualStart := r.getResumeBlock(startBlock)
	if actualStart != startBlock {
		r.logger.Infof("检测到断点续传，从区块 %d 开始（原计划 %d）", actualStart, startBlock)
		startBlock = actualStart
	}

	if startBlock > endBlock {
		r.logger.Infof("区块范围已全部对账完成，无需处理")
		return &BatchResult{StartBlock: startBlock, EndBlock: endBlock, StartTime: time.Now(), EndTime: time.Now()}, nil
	}

	r.logger.Infof("开始批量对账区块 %d - %d", startBlock, endBlock)

	result := &BatchResult{
		StartBlock: startBlock,
		EndBlock:   endBlock,
		StartTime:  time.Now(),
	}

	threshold := r.flushThreshold()

	for blockNumber := startBlock; blockNumber <= endBlock; blockNumber++ {
		select {
		case <-ctx.Done():
			r.logger.Warn("对账被取消，落库已处理的变更")
			if err := r.flush(context.Background()); err != nil {
				result.Errors = append(result.Errors, err)
			}
			return r.finalize(result), ctx.Err()
		default:
		}

		block, err := r.source.FetchBlock(ctx, blockNumber)
		if err != nil {
			result.Errors = append(result.Errors, err)
			return r.finalize(result), err
		}

		events, skipped, err := r.processBlock(ctx, block)
		result.TotalEvents += events
		result.SkippedLogs += skipped
		if err != nil {
			result.Errors = append(result.Errors, err)
			return r.finalize(result), err
		}

		result.ProcessedBlocks++

		if r.store.PendingMutations() >= threshold {
			if err := r.flush(ctx); err != nil {
				result.Errors = append(result.Errors, err)
				return r.finalize(result), err
			}
		}
	}

	// 收尾落库
	if err := r.flush(ctx); err != nil {
		result.Errors = append(result.Errors, err)
		return r.finalize(result), err
	}

	r.finalize(result)
	r.logger.Infof("批量对账完成: %d 个区块, %d 个事件, %d 条日志跳过, 耗时 %s",
		result.ProcessedBlocks, result.TotalEvents, result.SkippedLogs, result.Duration)

	return result, nil
}

// finalize 计算批量结果的统计字段
func (r *Runner) finalize(result *BatchResult) *BatchResult {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if result.Duration > 0 {
		result.BlocksPerSecond = float64(result.ProcessedBlocks) / result.Duration.Seconds()
	}
	return result
}

// RunStream 流式对账，轮询链上新区块并逐个处理
// 流式模式下每个区块处理完立即落库，保持进度新鲜
func (r *Runner) RunStream(ctx context.Context) error {
	r.logger.Info("开始流式对账")

	latest, err := r.source.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("获取最新区块号失败: %w", err)
	}

	// 有进度记录从断点继续，否则从当前最新区块开始
	lastSynced := latest
	if r.progressManager != nil {
		if reconciled := r.progressManager.GetLastReconciledBlock(); reconciled > 0 {
			lastSynced = reconciled
		}
	}

	r.logger.Infof("开始监听新区块，当前进度: %d，链上最新: %d", lastSynced, latest)

	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			currentLatest, err := r.source.LatestBlock(ctx)
			if err != nil {
				r.logger.Errorf("获取最新区块号失败: %v", err)
				continue
			}

			if currentLatest <= lastSynced {
				continue
			}

			for blockNumber := lastSynced + 1; blockNumber <= currentLatest; blockNumber++ {
				select {
				case <-ctx.Done():
					r.logger.Info("流式对账已停止")
					return ctx.Err()
				default:
				}

				block, err := r.source.FetchBlock(ctx, blockNumber)
				if err != nil {
					r.logger.Errorf("拉取区块 %d 失败: %v", blockNumber, err)
					break
				}

				events, skipped, err := r.processBlock(ctx, block)
				if err != nil {
					r.logger.Errorf("处理区块 %d 失败: %v", blockNumber, err)
					break
				}

				if err := r.flush(ctx); err != nil {
					r.logger.Errorf("落库区块 %d 变更失败: %v", blockNumber, err)
					break
				}

				lastSynced = blockNumber
				r.logger.WithFields(logrus.Fields{
					"block_number": blockNumber,
					"events":       events,
					"skipped":      skipped,
				}).Info("新区块对账完成")
			}

		case <-ctx.Done():
			r.logger.Info("流式对账已停止")
			return ctx.Err()
		}
	}
}

// GetStats 获取运行统计信息
func (r *Runner) GetStats() map[string]interface{} {
	r.mu.Lock()
	lastReconciled := r.lastReconciled
	pendingEvents := r.pendingEvents
	r.mu.Unlock()

	stats := map[string]interface{}{
		"last_reconciled_block": lastReconciled,
		"pending_events":        pendingEvents,
		"pending_mutations":     r.store.PendingMutations(),
		"queue_size":            r.queue.Size(),
		"error_stats":           r.errorHandler.GetStats(),
		"validation":            r.validator.GetValidationStats(),
	}

	if r.source != nil {
		stats["nodes"] = r.source.GetNodeStatus()
	}
	if r.progressManager != nil {
		stats["progress"] = r.progressManager.GetStats()
	}

	return stats
}

// Close 关闭运行器，触发优雅停机流程
func (r *Runner) Close() {
	r.gracefulShutdown.Shutdown()

	if err := r.gracefulShutdown.Close(); err != nil {
		r.logger.Errorf("关闭优雅停机管理器失败: %v", err)
	}
}
