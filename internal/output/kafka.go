package output

import (
	"encoding/json"
	"fmt"
	"time"

	"reconcile/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka同步输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	// 配置Kafka生产者
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	// 创建同步生产者
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")

	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}, nil
}

// sendToKafka 发送数据到Kafka，以记录ID为消息键保证同一实体的记录落在同一分区
func (k *KafkaOutput) sendToKafka(topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	// 创建Kafka消息
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(jsonData),
	}

	// 发送消息
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)",
		topic, partition, offset)

	return nil
}

// WriteTransfer 写入转账记录
func (k *KafkaOutput) WriteTransfer(transfer *models.Transfer) error {
	if transfer == nil {
		return nil
	}

	topic, exists := k.topics["transfers"]
	if !exists {
		topic = "token_transfers"
	}

	return k.sendToKafka(topic, transfer.ID, transfer)
}

// WriteMint 写入铸造记录
func (k *KafkaOutput) WriteMint(mint *models.Mint) error {
	if mint == nil {
		return nil
	}

	topic, exists := k.topics["mints"]
	if !exists {
		topic = "token_mints"
	}

	return k.sendToKafka(topic, mint.ID, mint)
}

// WriteBurn 写入销毁记录
func (k *KafkaOutput) WriteBurn(burn *models.Burn) error {
	if burn == nil {
		return nil
	}

	topic, exists := k.topics["burns"]
	if !exists {
		topic = "token_burns"
	}

	return k.sendToKafka(topic, burn.ID, burn)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
