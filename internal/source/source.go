package source

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"reconcile/internal/classifier"
	"reconcile/internal/config"
	"reconcile/internal/errors"
	"reconcile/internal/retry"
	"reconcile/pkg/models"
)

// 节点源常量
const (
	DefaultHealthCheckInterval = 30 * time.Second // 健康检查间隔
	RateLimitCooldown          = 5 * time.Minute  // 速率限制冷却时间
	MaxNodeErrors              = 3                // 节点连续错误上限
)

// isRateLimitError 检测是否为429错误
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// 检查常见的429错误模式
	return containsAny(errStr, []string{
		"429", "Too Many Requests", "rate limit", "Rate limit",
		"quota exceeded", "request limit", "requests per second",
		"API rate limit exceeded", "exceed rate limit",
	})
}

// containsAny 检查字符串是否包含任意一个子字符串
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// NodeClient 节点客户端
type NodeClient struct {
	Name         string
	URL          string
	Type         string
	RateLimit    int
	Priority     int
	Client       *ethclient.Client
	Available    bool
	LastUsed     time.Time
	RateLimited  bool      // 是否被速率限制
	RateLimitEnd time.Time // 速率限制结束时间
	ErrorCount   int       // 错误计数
	mu           sync.RWMutex
}

// Source 区块日志源
//
// 从配置的节点列表拉取区块头和Transfer事件日志，按优先级轮换节点，
// 节点触发429限流时自动切换并冷却。对账只消费Transfer日志，
// FilterLogs直接按事件签名过滤，避免拉取完整区块。
type Source struct {
	nodes            []*NodeClient
	blockchainConfig *config.BlockchainConfig
	logger           *logrus.Logger
	retrier          *retry.Retrier
	mu               sync.RWMutex
	currentNodeIndex int
	stopHealth       chan struct{}
	healthOnce       sync.Once
}

// validateConfig 验证节点配置
func validateConfig(cfg *config.BlockchainConfig, logger *logrus.Logger) error {
	if cfg == nil {
		return fmt.Errorf("区块链配置不能为空")
	}
	if logger == nil {
		return fmt.Errorf("日志器不能为空")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个区块链节点")
	}

	for i, node := range cfg.Nodes {
		if node.Name == "" {
			return fmt.Errorf("节点 %d 的名称不能为空", i)
		}
		if node.URL == "" {
			return fmt.Errorf("节点 %s 的URL不能为空", node.Name)
		}
	}

	return nil
}

// NewSource 创建区块日志源
func NewSource(cfg *config.BlockchainConfig, logger *logrus.Logger) (*Source, error) {
	if err := validateConfig(cfg, logger); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical,
			"INVALID_NODE_CONFIG", "节点配置验证失败")
	}

	// 初始化所有节点客户端
	var nodes []*NodeClient

	for _, nodeConfig := range cfg.Nodes {
		client, err := ethclient.Dial(nodeConfig.URL)
		if err != nil {
			logger.Warnf("连接节点 %s 失败: %v", nodeConfig.Name, err)
			continue
		}

		// 测试节点连接
		_, err = client.BlockNumber(context.Background())
		if err != nil {
			logger.Warnf("节点 %s 不可用: %v", nodeConfig.Name, err)
			client.Close()
			continue
		}

		node := &NodeClient{
			Name:      nodeConfig.Name,
			URL:       nodeConfig.URL,
			Type:      nodeConfig.Type,
			RateLimit: nodeConfig.RateLimit,
			Priority:  nodeConfig.Priority,
			Client:    client,
			Available: true,
			LastUsed:  time.Now(),
		}

		nodes = append(nodes, node)
		logger.Infof("成功连接到节点: %s", nodeConfig.Name)
	}

	if len(nodes) == 0 {
		return nil, errors.NewReconcileError(errors.ErrorTypeTransport, errors.SeverityCritical,
			"NO_AVAILABLE_NODES", "无法连接到任何区块链节点")
	}

	// 按优先级排序节点（优先级数字越小越优先）
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Priority < nodes[j].Priority
	})

	s := &Source{
		nodes:            nodes,
		blockchainConfig: cfg,
		logger:           logger,
		retrier:          retry.NewRetrier(retry.NetworkRetryConfig, logger),
		currentNodeIndex: 0,
		stopHealth:       make(chan struct{}),
	}

	// 启动健康检查
	go s.healthChecker()

	return s, nil
}

// getNextAvailableNode 获取下一个可用节点
func (s *Source) getNextAvailableNode() *NodeClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 尝试从当前索引开始查找可用节点
	for i := 0; i < len(s.nodes); i++ {
		index := (s.currentNodeIndex + i) % len(s.nodes)
		node := s.nodes[index]

		node.mu.RLock()
		available := node.Available
		rateLimited := node.RateLimited
		rateLimitEnd := node.RateLimitEnd
		node.mu.RUnlock()

		// 检查速率限制是否已过期
		if rateLimited && now.After(rateLimitEnd) {
			node.mu.Lock()
			node.RateLimited = false
			node.ErrorCount = 0
			s.logger.Infof("节点 %s 速率限制已解除", node.Name)
			node.mu.Unlock()
			rateLimited = false
		}

		if available && !rateLimited {
			s.currentNodeIndex = index
			return node
		}
	}

	// 检查是否所有节点都被速率限制
	allRateLimited := true
	for _, node := range s.nodes {
		node.mu.RLock()
		if !node.RateLimited || now.After(node.RateLimitEnd) {
			allRateLimited = false
		}
		node.mu.RUnlock()
		if !allRateLimited {
			break
		}
	}

	if allRateLimited {
		s.logger.Warn("所有节点都被速率限制，等待限制解除...")
		return nil
	}

	// 如果没有可用节点，重置所有节点状态
	s.logger.Warn("所有节点都不可用，尝试重新连接...")
	for _, node := range s.nodes {
		node.mu.Lock()
		if !node.RateLimited {
			node.Available = true
		}
		node.mu.Unlock()
	}

	if len(s.nodes) > 0 {
		return s.nodes[0]
	}

	return nil
}

// markNodeRateLimited 标记节点为速率限制状态
func (s *Source) markNodeRateLimited(nodeName string, err error) {
	for _, node := range s.nodes {
		if node.Name == nodeName {
			node.mu.Lock()
			node.RateLimited = true
			node.RateLimitEnd = time.Now().Add(RateLimitCooldown)
			node.ErrorCount++
			node.mu.Unlock()

			s.logger.Errorf("节点 %s 达到速率限制: %v - 将在%s后重试", nodeName, err, RateLimitCooldown)
			break
		}
	}
}

// handleNodeError 处理节点错误
func (s *Source) handleNodeError(nodeName string, err error) {
	if isRateLimitError(err) {
		s.markNodeRateLimited(nodeName, err)
		return
	}

	// 其他错误，增加错误计数
	for _, node := range s.nodes {
		if node.Name == nodeName {
			node.mu.Lock()
			node.ErrorCount++
			if node.ErrorCount >= MaxNodeErrors {
				node.Available = false
				s.logger.Warnf("节点 %s 错误次数过多，暂时禁用", nodeName)
			}
			node.mu.Unlock()
			break
		}
	}
}

// getClientWithNodeName 获取可用的客户端和节点名称
func (s *Source) getClientWithNodeName() (*ethclient.Client, string) {
	node := s.getNextAvailableNode()
	if node == nil {
		return nil, ""
	}

	node.mu.Lock()
	node.LastUsed = time.Now()
	node.mu.Unlock()

	return node.Client, node.Name
}

// LatestBlock 获取当前链上最新区块号
func (s *Source) LatestBlock(ctx context.Context) (uint64, error) {
	client, nodeName := s.getClientWithNodeName()
	if client == nil {
		return 0, errors.NewReconcileError(errors.ErrorTypeTransport, errors.SeverityHigh,
			"NO_AVAILABLE_NODES", "没有可用的节点")
	}

	var latest uint64
	err := s.retrier.Execute(ctx, "获取最新区块号", func() error {
		var blockErr error
		latest, blockErr = client.BlockNumber(ctx)
		return blockErr
	})

	if err != nil {
		s.handleNodeError(nodeName, err)
		return 0, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityHigh,
			"FETCH_LATEST_FAILED", "获取最新区块号失败")
	}

	return latest, nil
}

// FetchBlock 拉取单个区块的头信息和Transfer事件日志
//
// 返回的日志已按log_index升序排列，顺序处理依赖该顺序。
func (s *Source) FetchBlock(ctx context.Context, blockNumber uint64) (*models.Block, error) {
	client, nodeName := s.getClientWithNodeName()
	if client == nil {
		return nil, errors.NewReconcileError(errors.ErrorTypeTransport, errors.SeverityHigh,
			"NO_AVAILABLE_NODES", "没有可用的节点").WithBlockNumber(blockNumber)
	}

	// 获取区块头（使用重试机制）
	var header *types.Header
	err := s.retrier.Execute(ctx, fmt.Sprintf("获取区块头%d", blockNumber), func() error {
		var headerErr error
		header, headerErr = client.HeaderByNumber(ctx, big.NewInt(int64(blockNumber)))
		return headerErr
	})

	if err != nil {
		s.handleNodeError(nodeName, err)
		return nil, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityHigh,
			"FETCH_HEADER_FAILED", fmt.Sprintf("节点 %s 获取区块 %d 头信息失败", nodeName, blockNumber)).
			WithBlockNumber(blockNumber)
	}

	if header == nil {
		return nil, errors.NewReconcileError(errors.ErrorTypeTransport, errors.SeverityMedium,
			"BLOCK_NOT_FOUND", fmt.Sprintf("区块 %d 不存在", blockNumber)).WithBlockNumber(blockNumber)
	}

	// 按Transfer事件签名过滤日志（使用重试机制）
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(blockNumber)),
		ToBlock:   big.NewInt(int64(blockNumber)),
		Topics:    [][]common.Hash{{classifier.TransferTopic}},
	}

	var rawLogs []types.Log
	err = s.retrier.Execute(ctx, fmt.Sprintf("拉取区块%d日志", blockNumber), func() error {
		var logsErr error
		rawLogs, logsErr = client.FilterLogs(ctx, query)
		return logsErr
	})

	if err != nil {
		s.handleNodeError(nodeName, err)
		return nil, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityHigh,
			"FETCH_LOGS_FAILED", fmt.Sprintf("节点 %s 拉取区块 %d 日志失败", nodeName, blockNumber)).
			WithBlockNumber(blockNumber)
	}

	// 按日志序号排序，FilterLogs通常有序但不做保证
	sort.Slice(rawLogs, func(i, j int) bool {
		return rawLogs[i].Index < rawLogs[j].Index
	})

	block := &models.Block{}
	block.FromEthereumHeader(header)

	block.Logs = make([]*models.EventLog, 0, len(rawLogs))
	for i := range rawLogs {
		if rawLogs[i].Removed {
			s.logger.Warnf("区块 %d 日志 %d 已被重组移除，跳过", blockNumber, rawLogs[i].Index)
			continue
		}

		logModel := &models.EventLog{}
		logModel.FromEthereumLog(&rawLogs[i])
		block.Logs = append(block.Logs, logModel)
	}

	s.logger.Debugf("区块 %d 拉取完成，Transfer日志 %d 条", blockNumber, len(block.Logs))

	return block, nil
}

// FetchRange 按序拉取区块范围的Transfer日志
//
// 对账必须按区块顺序处理，这里不做并发拉取。
func (s *Source) FetchRange(ctx context.Context, startBlock, endBlock uint64) ([]*models.Block, error) {
	if startBlock > endBlock {
		return nil, errors.NewReconcileError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_BLOCK_RANGE", fmt.Sprintf("起始区块号(%d)不能大于结束区块号(%d)", startBlock, endBlock))
	}

	blocks := make([]*models.Block, 0, endBlock-startBlock+1)
	for blockNumber := startBlock; blockNumber <= endBlock; blockNumber++ {
		select {
		case <-ctx.Done():
			return blocks, ctx.Err()
		default:
		}

		block, err := s.FetchBlock(ctx, blockNumber)
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}

// healthChecker 节点健康检查器
func (s *Source) healthChecker() {
	ticker := time.NewTicker(DefaultHealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, node := range s.nodes {
				node.mu.RLock()
				available := node.Available
				rateLimited := node.RateLimited
				node.mu.RUnlock()

				// 被限流的节点等冷却自然解除，不做探测
				if available || rateLimited {
					continue
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, err := node.Client.BlockNumber(ctx)
				cancel()

				if err == nil {
					node.mu.Lock()
					node.Available = true
					node.ErrorCount = 0
					node.mu.Unlock()
					s.logger.Infof("节点 %s 恢复可用", node.Name)
				} else {
					s.logger.Debugf("节点 %s 健康检查失败: %v", node.Name, err)
				}
			}

		case <-s.stopHealth:
			return
		}
	}
}

// GetNodeStatus 获取所有节点的状态信息
func (s *Source) GetNodeStatus() map[string]interface{} {
	status := make(map[string]interface{})
	nodes := make([]map[string]interface{}, 0, len(s.nodes))

	now := time.Now()
	for _, node := range s.nodes {
		node.mu.RLock()
		nodeInfo := map[string]interface{}{
			"name":         node.Name,
			"url":          node.URL,
			"type":         node.Type,
			"priority":     node.Priority,
			"available":    node.Available,
			"rate_limited": node.RateLimited,
			"error_count":  node.ErrorCount,
			"last_used":    node.LastUsed.Format(time.RFC3339),
		}

		if node.RateLimited {
			remainingTime := node.RateLimitEnd.Sub(now)
			if remainingTime > 0 {
				nodeInfo["rate_limit_remaining"] = remainingTime.String()
			} else {
				nodeInfo["rate_limit_remaining"] = "已过期"
			}
		}

		node.mu.RUnlock()
		nodes = append(nodes, nodeInfo)
	}

	status["nodes"] = nodes
	status["total_nodes"] = len(s.nodes)

	// 统计可用节点数
	availableCount := 0
	rateLimitedCount := 0
	for _, node := range s.nodes {
		node.mu.RLock()
		if node.Available && !node.RateLimited {
			availableCount++
		}
		if node.RateLimited && now.Before(node.RateLimitEnd) {
			rateLimitedCount++
		}
		node.mu.RUnlock()
	}

	status["available_nodes"] = availableCount
	status["rate_limited_nodes"] = rateLimitedCount

	return status
}

// Close 关闭区块日志源
func (s *Source) Close() {
	s.healthOnce.Do(func() {
		close(s.stopHealth)
	})

	for _, node := range s.nodes {
		if node.Client != nil {
			node.Client.Close()
		}
	}

	s.logger.Info("区块日志源已关闭")
}
