package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序常量，对账流程必须先停止新区块摄入再落库
const (
	OrderStopIngestion    = 10 // 停止拉取新区块
	OrderDrainActions     = 20 // 处理完队列中剩余动作
	OrderFlushStore       = 30 // 将待落库的实体变更写入存储
	OrderFlushOutputs     = 40 // 刷新输出缓冲区（Kafka/文件）
	OrderSaveProgress     = 50 // 保存对账进度
	OrderCloseConnections = 60 // 关闭数据库/节点连接
)

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int // 执行顺序，数字越小越早执行
}

// GracefulShutdown 优雅停机管理器
//
// 停机只会执行一次，信号触发和手动触发走同一条路径。
type GracefulShutdown struct {
	logger        *logrus.Logger
	timeout       time.Duration
	signalChan    chan os.Signal
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
	mu            sync.Mutex
	shutdownFuncs []ShutdownFunc
	shuttingDown  bool
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second // 默认30秒超时
	}

	ctx, cancel := context.WithCancel(context.Background())

	gs := &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	return gs
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})

	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	gs.wg.Add(1)
	go func() {
		defer gs.wg.Done()

		sig, ok := <-gs.signalChan
		if !ok {
			return
		}
		gs.logger.Infof("收到停机信号: %v", sig)
		gs.Shutdown()
	}()

	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Wait 等待停机完成
func (gs *GracefulShutdown) Wait() {
	gs.wg.Wait()
}

// WaitForShutdown 等待停机信号并执行停机
func (gs *GracefulShutdown) WaitForShutdown() {
	gs.Start()
	gs.Wait()
}

// Context 获取停机感知的上下文，停机完成后被取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 触发停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.shutdownOnce.Do(func() {
		gs.mu.Lock()
		gs.shuttingDown = true
		// 快照后排序，避免停机期间的注册引起数据竞争
		funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
		copy(funcs, gs.shutdownFuncs)
		gs.mu.Unlock()

		sort.SliceStable(funcs, func(i, j int) bool {
			return funcs[i].Order < funcs[j].Order
		})

		gs.perform(funcs)
	})
}

// perform 按顺序执行停机函数，整体受超时约束
func (gs *GracefulShutdown) perform(funcs []ShutdownFunc) {
	gs.logger.Info("开始优雅停机流程...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	// 主上下文在停机结束时取消，通知所有goroutine退出
	defer gs.cancel()

	failed := 0
	for _, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，剩余处理函数被跳过（从 %s 开始）", fn.Name)
			return
		}

		gs.logger.Infof("执行停机处理: %s", fn.Name)
		start := time.Now()

		if err := fn.Func(shutdownCtx); err != nil {
			failed++
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			continue
		}
		gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
	}

	if failed > 0 {
		gs.logger.Errorf("优雅停机流程完成，%d 个处理函数失败", failed)
		return
	}
	gs.logger.Info("优雅停机流程完成")
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.shuttingDown
}

// GetTimeout 获取停机超时时间
func (gs *GracefulShutdown) GetTimeout() time.Duration {
	return gs.timeout
}

// Close 停止信号监听并确保停机流程已执行
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.signalChan)
	close(gs.signalChan)
	gs.Shutdown()
	return nil
}
