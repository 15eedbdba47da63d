package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"reconcile/internal/config"
)

// ConfigManager 数据库配置管理器
//
// 对账配置存储在数据库时，提供节点表和Kafka主题表的增删改查接口。
type ConfigManager struct {
	dbConfig *config.DatabaseConfig
	logger   *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(dbConfig *config.DatabaseConfig, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		dbConfig: dbConfig,
		logger:   logger,
	}
}

// respondError 返回统一格式的错误响应
func (cm *ConfigManager) respondError(c *gin.Context, status int, msg string, err error) {
	cm.logger.Warnf("%s: %v", msg, err)
	c.JSON(status, gin.H{
		"error":   msg,
		"message": err.Error(),
	})
}

// GetConfig 获取指定类型的配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configType := c.Param("type")
	key := c.Query("key")

	if key == "" {
		configs, err := cm.dbConfig.ListConfigs(configType)
		if err != nil {
			cm.respondError(c, http.StatusInternalServerError, "获取配置失败", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"config_type": configType,
			"configs":     configs,
		})
		return
	}

	value, err := cm.dbConfig.GetConfig(configType, key)
	if err != nil {
		cm.respondError(c, http.StatusNotFound, "配置不存在", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"config_type": configType,
		"key":         key,
		"value":       value,
	})
}

// UpdateConfig 更新指定类型的配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	configType := c.Param("type")

	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		cm.respondError(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	if err := cm.dbConfig.UpdateConfig(configType, req.Key, req.Value); err != nil {
		cm.respondError(c, http.StatusInternalServerError, "更新配置失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"config": gin.H{
			"type":  configType,
			"key":   req.Key,
			"value": req.Value,
		},
	})
}

// nodeRow 节点表的一行
type nodeRow struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	NodeType  string `json:"node_type"`
	RateLimit int    `json:"rate_limit"`
	Priority  int    `json:"priority"`
	IsActive  bool   `json:"is_active"`
}

// GetBlockchainNodes 获取区块链节点配置
func (cm *ConfigManager) GetBlockchainNodes(c *gin.Context) {
	query := `SELECT id, name, url, node_type, rate_limit, priority, is_active FROM blockchain_nodes ORDER BY priority`
	rows, err := cm.dbConfig.DB.Query(query)
	if err != nil {
		cm.respondError(c, http.StatusInternalServerError, "获取节点配置失败", err)
		return
	}
	defer rows.Close()

	nodes := make([]nodeRow, 0)
	for rows.Next() {
		var n nodeRow
		if err := rows.Scan(&n.ID, &n.Name, &n.URL, &n.NodeType, &n.RateLimit, &n.Priority, &n.IsActive); err != nil {
			cm.logger.Warnf("读取节点配置行失败: %v", err)
			continue
		}
		nodes = append(nodes, n)
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// AddBlockchainNode 添加区块链节点
func (cm *ConfigManager) AddBlockchainNode(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		URL       string `json:"url" binding:"required"`
		NodeType  string `json:"node_type" binding:"required"`
		RateLimit int    `json:"rate_limit"`
		Priority  int    `json:"priority"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		cm.respondError(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	query := `INSERT INTO blockchain_nodes (name, url, node_type, rate_limit, priority) VALUES ($1, $2, $3, $4, $5)`
	if _, err := cm.dbConfig.DB.Exec(query, req.Name, req.URL, req.NodeType, req.RateLimit, req.Priority); err != nil {
		cm.respondError(c, http.StatusInternalServerError, "添加节点失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "节点添加成功",
		"node":    req,
	})
}

// UpdateBlockchainNode 更新区块链节点
func (cm *ConfigManager) UpdateBlockchainNode(c *gin.Context) {
	nodeID := c.Param("id")

	var req nodeRow
	if err := c.ShouldBindJSON(&req); err != nil {
		cm.respondError(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	query := `UPDATE blockchain_nodes SET name = $1, url = $2, node_type = $3, rate_limit = $4, priority = $5, is_active = $6 WHERE id = $7`
	if _, err := cm.dbConfig.DB.Exec(query, req.Name, req.URL, req.NodeType, req.RateLimit, req.Priority, req.IsActive, nodeID); err != nil {
		cm.respondError(c, http.StatusInternalServerError, "更新节点失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "节点更新成功",
	})
}

// DeleteBlockchainNode 删除区块链节点
func (cm *ConfigManager) DeleteBlockchainNode(c *gin.Context) {
	nodeID := c.Param("id")

	query := `DELETE FROM blockchain_nodes WHERE id = $1`
	if _, err := cm.dbConfig.DB.Exec(query, nodeID); err != nil {
		cm.respondError(c, http.StatusInternalServerError, "删除节点失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "节点删除成功",
	})
}

// topicRow Kafka主题表的一行，data_type为transfer/mint/burn之一
type topicRow struct {
	ID          int    `json:"id"`
	DataType    string `json:"data_type"`
	TopicName   string `json:"topic_name"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
}

// GetKafkaTopics 获取Kafka主题配置
func (cm *ConfigManager) GetKafkaTopics(c *gin.Context) {
	query := `SELECT id, data_type, topic_name, description, is_active FROM kafka_topics ORDER BY data_type`
	rows, err := cm.dbConfig.DB.Query(query)
	if err != nil {
		cm.respondError(c, http.StatusInternalServerError, "获取Kafka主题配置失败", err)
		return
	}
	defer rows.Close()

	topics := make([]topicRow, 0)
	for rows.Next() {
		var t topicRow
		if err := rows.Scan(&t.ID, &t.DataType, &t.TopicName, &t.Description, &t.IsActive); err != nil {
			cm.logger.Warnf("读取Kafka主题配置行失败: %v", err)
			continue
		}
		topics = append(topics, t)
	}

	c.JSON(http.StatusOK, gin.H{
		"topics": topics,
		"total":  len(topics),
	})
}

// UpdateKafkaTopic 更新Kafka主题配置
func (cm *ConfigManager) UpdateKafkaTopic(c *gin.Context) {
	topicID := c.Param("id")

	var req topicRow
	if err := c.ShouldBindJSON(&req); err != nil {
		cm.respondError(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	query := `UPDATE kafka_topics SET data_type = $1, topic_name = $2, description = $3, is_active = $4 WHERE id = $5`
	if _, err := cm.dbConfig.DB.Exec(query, req.DataType, req.TopicName, req.Description, req.IsActive, topicID); err != nil {
		cm.respondError(c, http.StatusInternalServerError, "更新Kafka主题失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Kafka主题更新成功",
	})
}
