package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reconcile/internal/config"
	"reconcile/internal/store"
	"reconcile/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 历史记录输出接口
//
// 对账落库成功后，批次内的转账/铸造/销毁历史记录会通过该接口
// 输出到下游（Kafka或文件）。实体快照只落库，不对外输出。
type Output interface {
	WriteTransfer(transfer *models.Transfer) error
	WriteMint(mint *models.Mint) error
	WriteBurn(burn *models.Burn) error
	Close() error
}

// WriteBatch 将一个落库批次的全部历史记录写入输出器
func WriteBatch(o Output, batch *store.Batch) error {
	if batch == nil {
		return nil
	}

	for _, transfer := range batch.Transfers {
		if err := o.WriteTransfer(transfer); err != nil {
			return fmt.Errorf("输出转账记录失败: %w", err)
		}
	}
	for _, mint := range batch.Mints {
		if err := o.WriteMint(mint); err != nil {
			return fmt.Errorf("输出铸造记录失败: %w", err)
		}
	}
	for _, burn := range batch.Burns {
		if err := o.WriteBurn(burn); err != nil {
			return fmt.Errorf("输出销毁记录失败: %w", err)
		}
	}

	return nil
}

// FileOutput 文件输出
type FileOutput struct {
	outputDir    string
	format       string
	compress     bool
	transferFile *os.File
	mintFile     *os.File
	burnFile     *os.File
}

// NewOutput 创建输出器
func NewOutput(outputPath, format string, compress bool) (Output, error) {
	return NewOutputWithConfig(outputPath, format, compress, nil)
}

// NewOutputWithConfig 创建输出器（带配置）
func NewOutputWithConfig(outputPath, format string, compress bool, kafkaConfig *config.KafkaConfig) (Output, error) {
	// 检查是否是Kafka输出
	if format == "kafka" || format == "kafka_async" {
		// 从环境变量或配置中获取Kafka配置
		brokers := []string{"localhost:9092"} // 默认Kafka地址
		if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
			brokers = strings.Split(kafkaBrokers, ",")
		}

		// 默认topic映射
		topics := map[string]string{
			"transfers": "token_transfers",
			"mints":     "token_mints",
			"burns":     "token_burns",
		}

		// 如果提供了Kafka配置，使用配置中的设置
		if kafkaConfig != nil {
			if len(kafkaConfig.Brokers) > 0 {
				brokers = kafkaConfig.Brokers
			}
			if len(kafkaConfig.Topics) > 0 {
				topics = kafkaConfig.Topics
			}
		}

		// 创建logger
		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		// 选择同步或异步Kafka输出器
		if format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	}

	// 检查是否是异步文件输出
	if format == "json_async" {
		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		return NewAsyncFileOutput(outputPath, "json", compress, logger)
	}

	// 确保输出目录存在
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	output := &FileOutput{
		outputDir: outputPath,
		format:    format,
		compress:  compress,
	}

	// 创建输出文件
	timestamp := time.Now().Format("20060102_150405")

	transferFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("transfers_%s.%s", timestamp, format)))
	if err != nil {
		return nil, fmt.Errorf("创建转账记录文件失败: %w", err)
	}
	output.transferFile = transferFile

	mintFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("mints_%s.%s", timestamp, format)))
	if err != nil {
		return nil, fmt.Errorf("创建铸造记录文件失败: %w", err)
	}
	output.mintFile = mintFile

	burnFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("burns_%s.%s", timestamp, format)))
	if err != nil {
		return nil, fmt.Errorf("创建销毁记录文件失败: %w", err)
	}
	output.burnFile = burnFile

	return output, nil
}

// WriteTransfer 写入转账记录
func (o *FileOutput) WriteTransfer(transfer *models.Transfer) error {
	return o.writeRecord(o.transferFile, transfer, "转账")
}

// WriteMint 写入铸造记录
func (o *FileOutput) WriteMint(mint *models.Mint) error {
	return o.writeRecord(o.mintFile, mint, "铸造")
}

// WriteBurn 写入销毁记录
func (o *FileOutput) WriteBurn(burn *models.Burn) error {
	return o.writeRecord(o.burnFile, burn, "销毁")
}

// writeRecord 序列化一条记录并同步写入文件
func (o *FileOutput) writeRecord(file *os.File, record interface{}, kind string) error {
	if record == nil {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化%s记录失败: %w", kind, err)
	}

	// 添加换行符
	data = append(data, '\n')

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入%s记录文件失败: %w", kind, err)
	}

	// 强制刷新到磁盘
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新%s记录文件失败: %w", kind, err)
	}

	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	var errors []error

	if o.transferFile != nil {
		if err := o.transferFile.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭转账记录文件失败: %w", err))
		}
	}

	if o.mintFile != nil {
		if err := o.mintFile.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭铸造记录文件失败: %w", err))
		}
	}

	if o.burnFile != nil {
		if err := o.burnFile.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭销毁记录文件失败: %w", err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errors)
	}

	return nil
}
