package config

import (
	"fmt"
	"os"

	"reconcile/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Blockchain *BlockchainConfig  `mapstructure:"blockchain"`
	Reconciler *ReconcilerConfig  `mapstructure:"reconciler"`
	Store      *StoreConfig       `mapstructure:"store"`
	Output     *OutputConfig      `mapstructure:"output"`
	Progress   *ProgressConfig    `mapstructure:"progress"`
	Logging    *logging.LogConfig `mapstructure:"logging"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	Nodes []*NodeConfig `mapstructure:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// ReconcilerConfig 对账引擎配置
type ReconcilerConfig struct {
	FlushThreshold int    `mapstructure:"flush_threshold"` // 动作队列长度达到该值时触发落库
	PollInterval   string `mapstructure:"poll_interval"`   // 流式模式轮询新区块的间隔
	RetryLimit     int    `mapstructure:"retry_limit"`
	Timeout        string `mapstructure:"timeout"`
	StrictMode     bool   `mapstructure:"strict_mode"` // 严格模式下预校验失败的日志直接报错而非跳过
}

// StoreConfig 实体存储配置
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres 或 memory
	DSN    string `mapstructure:"dsn"`
}

// ProgressConfig 进度持久化配置
type ProgressConfig struct {
	Path string `mapstructure:"path"` // bbolt数据库文件路径
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"`
	Directory string       `mapstructure:"directory"`
	Compress  bool         `mapstructure:"compress"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	dbDSN := os.Getenv("RECONCILE_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	// 检查是否存在数据库配置文件
	dbConfigFile := "configs/database.yaml"
	if _, err := os.Stat(dbConfigFile); err == nil {
		// 读取数据库配置文件
		dbViper := viper.New()
		dbViper.SetConfigFile(dbConfigFile)
		dbViper.SetConfigType("yaml")

		if err := dbViper.ReadInConfig(); err == nil {
			dbDSN := dbViper.GetString("database.dsn")
			if dbDSN != "" {
				logger := logrus.New()
				dbConfig, err := NewDatabaseConfig(dbDSN, logger)
				if err == nil {
					defer dbConfig.Close()

					config, err := dbConfig.LoadConfig()
					if err == nil {
						logger.Info("已从数据库加载配置")
						return config, nil
					}
				}
			}
		}
	}

	// 如果数据库配置不可用，回退到YAML文件
	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Blockchain: &BlockchainConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "", // 需要在YAML配置或数据库中指定
					Type:      "local",
					RateLimit: 1000,
					Priority:  1,
				},
			},
		},
		Reconciler: &ReconcilerConfig{
			FlushThreshold: 1000,
			PollInterval:   "15s",
			RetryLimit:     3,
			Timeout:        "30s",
			StrictMode:     false,
		},
		Store: &StoreConfig{
			Driver: "memory",
			DSN:    "",
		},
		Output: &OutputConfig{
			Format:    "json_async",
			Directory: "./outputs",
			Compress:  false,
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"transfers": "token_transfers",
					"mints":     "token_mints",
					"burns":     "token_burns",
				},
			},
		},
		Progress: &ProgressConfig{
			Path: "./reconcile_progress.db",
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}
