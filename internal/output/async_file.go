package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reconcile/pkg/models"

	"github.com/sirupsen/logrus"
)

// AsyncFileOutput 异步文件输出器
//
// 每种历史记录类型各自一个写入协程，批量攒够或定时到点后整批写盘，
// 避免逐条Sync拖慢对账主循环。
type AsyncFileOutput struct {
	outputDir string
	format    string
	compress  bool
	logger    *logrus.Logger

	// 文件句柄
	files map[string]*os.File

	// 异步写入通道
	transferChan chan *models.Transfer
	mintChan     chan *models.Mint
	burnChan     chan *models.Burn

	// 控制通道
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputPath, format string, compress bool, logger *logrus.Logger) (*AsyncFileOutput, error) {
	// 确保输出目录存在
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	output := &AsyncFileOutput{
		outputDir:     outputPath,
		format:        format,
		compress:      compress,
		logger:        logger,
		files:         make(map[string]*os.File),
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     100,         // 批量大小
		flushInterval: time.Second, // 刷新间隔
	}

	// 初始化通道 - 使用缓冲通道提高性能
	channelSize := 1000
	output.transferChan = make(chan *models.Transfer, channelSize)
	output.mintChan = make(chan *models.Mint, channelSize)
	output.burnChan = make(chan *models.Burn, channelSize)

	// 创建文件
	if err := output.createFiles(); err != nil {
		return nil, err
	}

	// 启动异步写入处理器
	output.startWorkers()

	logger.Info("异步文件输出器已初始化")
	return output, nil
}

// createFiles 创建输出文件
func (o *AsyncFileOutput) createFiles() error {
	timestamp := time.Now().Format("20060102_150405")

	fileNames := map[string]string{
		"transfers": fmt.Sprintf("transfers_%s.%s", timestamp, o.format),
		"mints":     fmt.Sprintf("mints_%s.%s", timestamp, o.format),
		"burns":     fmt.Sprintf("burns_%s.%s", timestamp, o.format),
	}

	for key, fileName := range fileNames {
		file, err := os.Create(filepath.Join(o.outputDir, fileName))
		if err != nil {
			return fmt.Errorf("创建文件 %s 失败: %w", fileName, err)
		}
		o.files[key] = file
	}

	return nil
}

// startWorkers 启动异步写入工作器
func (o *AsyncFileOutput) startWorkers() {
	// 转账记录写入器
	o.wg.Add(1)
	go o.transferWriter()

	// 铸造记录写入器
	o.wg.Add(1)
	go o.mintWriter()

	// 销毁记录写入器
	o.wg.Add(1)
	go o.burnWriter()
}

// transferWriter 转账记录写入工作器
func (o *AsyncFileOutput) transferWriter() {
	defer o.wg.Done()

	file := o.files["transfers"]
	batch := make([]interface{}, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case transfer := <-o.transferChan:
			batch = append(batch, transfer)
			if len(batch) >= o.batchSize {
				o.flushBatch(file, batch, "转账")
				batch = batch[:0] // 重置切片
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(file, batch, "转账")
				batch = batch[:0]
			}

		case <-o.ctx.Done():
			// 写入剩余数据，包括关闭时通道里尚未消费的记录
			for {
				select {
				case transfer := <-o.transferChan:
					batch = append(batch, transfer)
				default:
					if len(batch) > 0 {
						o.flushBatch(file, batch, "转账")
					}
					return
				}
			}
		}
	}
}

// mintWriter 铸造记录写入工作器
func (o *AsyncFileOutput) mintWriter() {
	defer o.wg.Done()

	file := o.files["mints"]
	batch := make([]interface{}, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case mint := <-o.mintChan:
			batch = append(batch, mint)
			if len(batch) >= o.batchSize {
				o.flushBatch(file, batch, "铸造")
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(file, batch, "铸造")
				batch = batch[:0]
			}

		case <-o.ctx.Done():
			for {
				select {
				case mint := <-o.mintChan:
					batch = append(batch, mint)
				default:
					if len(batch) > 0 {
						o.flushBatch(file, batch, "铸造")
					}
					return
				}
			}
		}
	}
}

// burnWriter 销毁记录写入工作器
func (o *AsyncFileOutput) burnWriter() {
	defer o.wg.Done()

	file := o.files["burns"]
	batch := make([]interface{}, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case burn := <-o.burnChan:
			batch = append(batch, burn)
			if len(batch) >= o.batchSize {
				o.flushBatch(file, batch, "销毁")
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(file, batch, "销毁")
				batch = batch[:0]
			}

		case <-o.ctx.Done():
			for {
				select {
				case burn := <-o.burnChan:
					batch = append(batch, burn)
				default:
					if len(batch) > 0 {
						o.flushBatch(file, batch, "销毁")
					}
					return
				}
			}
		}
	}
}

// flushBatch 批量写入一组记录并同步到磁盘
func (o *AsyncFileOutput) flushBatch(file *os.File, batch []interface{}, dataType string) {
	for _, record := range batch {
		if record == nil {
			continue
		}

		data, err := json.Marshal(record)
		if err != nil {
			o.logger.Errorf("序列化%s记录失败: %v", dataType, err)
			continue
		}

		data = append(data, '\n')
		if _, err := file.Write(data); err != nil {
			o.logger.Errorf("写入%s记录文件失败: %v", dataType, err)
		}
	}

	// 批量刷新
	if err := file.Sync(); err != nil {
		o.logger.Errorf("刷新%s记录文件失败: %v", dataType, err)
	}
}

// WriteTransfer 写入转账记录
func (o *AsyncFileOutput) WriteTransfer(transfer *models.Transfer) error {
	if transfer == nil {
		return nil
	}

	select {
	case o.transferChan <- transfer:
		return nil
	case <-o.ctx.Done():
		return fmt.Errorf("输出器已关闭")
	default:
		return fmt.Errorf("转账记录通道已满，丢弃数据")
	}
}

// WriteMint 写入铸造记录
func (o *AsyncFileOutput) WriteMint(mint *models.Mint) error {
	if mint == nil {
		return nil
	}

	select {
	case o.mintChan <- mint:
		return nil
	case <-o.ctx.Done():
		return fmt.Errorf("输出器已关闭")
	default:
		return fmt.Errorf("铸造记录通道已满，丢弃数据")
	}
}

// WriteBurn 写入销毁记录
func (o *AsyncFileOutput) WriteBurn(burn *models.Burn) error {
	if burn == nil {
		return nil
	}

	select {
	case o.burnChan <- burn:
		return nil
	case <-o.ctx.Done():
		return fmt.Errorf("输出器已关闭")
	default:
		return fmt.Errorf("销毁记录通道已满，丢弃数据")
	}
}

// Close 关闭异步文件输出器
func (o *AsyncFileOutput) Close() error {
	o.logger.Info("关闭异步文件输出器...")

	// 停止接收新数据
	o.cancel()

	// 等待所有工作器完成
	o.wg.Wait()

	// 关闭所有文件
	var errors []error
	for name, file := range o.files {
		if err := file.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭文件 %s 失败: %w", name, err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("关闭文件时发生错误: %v", errors)
	}

	o.logger.Info("异步文件输出器已关闭")
	return nil
}

// GetStats 获取输出器统计信息
func (o *AsyncFileOutput) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"transfer_queue_size": len(o.transferChan),
		"mint_queue_size":     len(o.mintChan),
		"burn_queue_size":     len(o.burnChan),
		"batch_size":          o.batchSize,
		"flush_interval":      o.flushInterval.String(),
	}
}
