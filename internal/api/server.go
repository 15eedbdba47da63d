package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"reconcile/internal/config"
	"reconcile/internal/output"
	"reconcile/internal/progress"
	"reconcile/internal/runner"
	"reconcile/internal/source"
	"reconcile/internal/store"
)

// Server 对账API服务器
//
// 提供对账任务的启停控制、运行状态和进度查询，以及日志和节点状态。
type Server struct {
	runner       *runner.Runner
	config       *config.Config
	dbConfig     *config.DatabaseConfig
	logger       *logrus.Logger
	logManager   *LogManager
	queryHandler *QueryHandler
	server       *http.Server
	mu           sync.RWMutex
	isRunning    bool
	cancelRun    context.CancelFunc
	port         int
}

// NewServer 创建对账API服务器
//
// dbConfig 可以为nil，此时不注册数据库配置管理接口。
func NewServer(cfg *config.Config, dbConfig *config.DatabaseConfig, logger *logrus.Logger, port int) *Server {
	// 日志钩子把运行日志缓存在内存环形队列中供接口查询
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		config:     cfg,
		dbConfig:   dbConfig,
		logger:     logger,
		logManager: logManager,
		port:       port,
	}
}

// Start 启动API服务器
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: router,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	return s.server.ListenAndServe()
}

// Stop 停止API服务器
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning && s.cancelRun != nil {
		s.cancelRun()
		s.isRunning = false
		s.logger.Info("对账任务已停止")
	}

	if s.queryHandler != nil {
		if err := s.queryHandler.Close(); err != nil {
			s.logger.Warnf("关闭查询接口数据库连接失败: %v", err)
		}
	}

	if s.server != nil {
		return s.server.Shutdown(context.Background())
	}
	return nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 对账任务状态与控制
		api.GET("/status", s.getStatus)
		api.POST("/start", s.startReconciliation)
		api.POST("/stop", s.stopReconciliation)

		// 配置管理
		api.GET("/config", s.getConfig)
		api.PUT("/config", s.updateConfig)

		// 统计与进度
		api.GET("/stats", s.getStats)
		api.GET("/progress", s.getProgress)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 节点管理
		api.GET("/nodes", s.getNodes)
	}

	// 存储在Postgres时开放实体查询接口
	if s.config.Store != nil && s.config.Store.Driver == "postgres" {
		qh, err := NewQueryHandler(s.config.Store.DSN, s.logger)
		if err != nil {
			s.logger.Warnf("初始化实体查询接口失败: %v，查询接口不可用", err)
		} else {
			s.queryHandler = qh
			query := router.Group("/api/v1")
			{
				query.GET("/contracts/:id", qh.GetContract)
				query.GET("/tokens/:id", qh.GetToken)
				query.GET("/tokens/:id/transfers", qh.GetTokenTransfers)
				query.GET("/accounts/:id/balances", qh.GetAccountBalances)
			}
		}
	}

	// 配置存储在数据库时才开放管理接口
	if s.dbConfig != nil {
		cm := NewConfigManager(s.dbConfig, s.logger)
		admin := router.Group("/api/v1/admin")
		{
			admin.GET("/config/:type", cm.GetConfig)
			admin.PUT("/config/:type", cm.UpdateConfig)
			admin.GET("/nodes", cm.GetBlockchainNodes)
			admin.POST("/nodes", cm.AddBlockchainNode)
			admin.PUT("/nodes/:id", cm.UpdateBlockchainNode)
			admin.DELETE("/nodes/:id", cm.DeleteBlockchainNode)
			admin.GET("/kafka-topics", cm.GetKafkaTopics)
			admin.PUT("/kafka-topics/:id", cm.UpdateKafkaTopic)
		}
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "reconcile-api",
	})
}

// getStatus 获取对账任务状态
func (s *Server) getStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"running": s.isRunning,
		"status":  s.getStatusString(),
	})
}

// buildRunner 按当前配置组装对账运行器
func (s *Server) buildRunner() (*runner.Runner, error) {
	src, err := source.NewSource(s.config.Blockchain, s.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化区块日志源失败: %w", err)
	}

	var backend store.Backend
	if s.config.Store != nil && s.config.Store.Driver == "postgres" {
		backend, err = store.NewPostgresBackend(s.config.Store.DSN, s.logger)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("初始化Postgres存储失败: %w", err)
		}
	} else {
		backend = store.NewMemoryBackend()
	}
	st := store.NewStore(backend, s.logger)

	var out output.Output
	if s.config.Output != nil {
		out, err = output.NewOutputWithConfig(s.config.Output.Directory, s.config.Output.Format,
			s.config.Output.Compress, s.config.Output.Kafka)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("初始化输出器失败: %w", err)
		}
	}

	var progressManager *progress.Manager
	if s.config.Progress != nil {
		progressManager, err = progress.NewManager(s.config.Progress.Path, s.logger)
		if err != nil {
			s.logger.Warnf("初始化进度管理器失败: %v，将不支持断点续传", err)
		}
	}

	return runner.NewRunner(src, st, out, progressManager, s.config.Reconciler, s.logger), nil
}

// startReconciliation 启动对账任务
func (s *Server) startReconciliation(c *gin.Context) {
	var req struct {
		StartBlock uint64 `json:"start_block"`
		EndBlock   uint64 `json:"end_block"`
		Stream     bool   `json:"stream"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "对账任务已在运行"})
		return
	}

	r, err := s.buildRunner()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.runner = r
	s.isRunning = true

	runCtx, runCancel := context.WithCancel(context.Background())
	s.cancelRun = runCancel

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			r.Close()
			runCancel()
		}()

		if req.Stream {
			s.logger.Info("启动流式对账")
			if err := r.RunStream(runCtx); err != nil && err != context.Canceled {
				s.logger.Errorf("流式对账失败: %v", err)
			}
		} else {
			s.logger.Infof("启动批量对账: 区块 %d - %d", req.StartBlock, req.EndBlock)
			result, err := r.RunBatch(runCtx, req.StartBlock, req.EndBlock)
			if err != nil {
				s.logger.Errorf("批量对账失败: %v", err)
			} else {
				s.logger.Infof("对账完成: %d 区块, %d 事件", result.ProcessedBlocks, result.TotalEvents)
			}
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"message": "对账任务已启动",
		"status":  "started",
	})
}

// stopReconciliation 停止对账任务
func (s *Server) stopReconciliation(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "对账任务未在运行"})
		return
	}

	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.isRunning = false

	c.JSON(http.StatusOK, gin.H{
		"message": "对账任务已停止",
		"status":  "stopped",
	})
}

// getConfig 获取配置
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config": s.config,
	})
}

// updateConfig 更新区块链节点配置
func (s *Server) updateConfig(c *gin.Context) {
	var newConfig config.BlockchainConfig
	if err := c.ShouldBindJSON(&newConfig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 新配置在下一次启动对账任务时生效
	s.config.Blockchain = &newConfig

	c.JSON(http.StatusOK, gin.H{
		"message": "配置已更新",
		"config":  s.config,
	})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := gin.H{
		"running": s.isRunning,
		"status":  s.getStatusString(),
	}

	if s.runner != nil {
		stats["reconciler"] = s.runner.GetStats()
	}

	c.JSON(http.StatusOK, stats)
}

// getProgress 获取对账进度
func (s *Server) getProgress(c *gin.Context) {
	s.mu.RLock()
	r := s.runner
	s.mu.RUnlock()

	if r == nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "对账任务尚未启动",
		})
		return
	}

	stats := r.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"last_reconciled_block": stats["last_reconciled_block"],
		"pending_events":        stats["pending_events"],
		"pending_mutations":     stats["pending_mutations"],
		"progress":              stats["progress"],
	})
}

// getStatusString 获取状态字符串
func (s *Server) getStatusString() string {
	if !s.isRunning {
		return "stopped"
	}
	return "running"
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	pageStr := c.Query("page")
	pageSizeStr := c.Query("pageSize")

	page := 1 // 默认第1页
	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	pageSize := 20 // 默认每页20条
	if pageSizeStr != "" {
		if ps, err := strconv.Atoi(pageSizeStr); err == nil && ps > 0 {
			pageSize = ps
		}
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	s.mu.RLock()
	r := s.runner
	running := s.isRunning
	s.mu.RUnlock()

	// 任务运行中时返回实时节点状态
	if running && r != nil {
		stats := r.GetStats()
		if nodes, ok := stats["nodes"]; ok {
			c.JSON(http.StatusOK, nodes)
			return
		}
	}

	if s.config == nil || s.config.Blockchain == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "区块链配置未加载",
		})
		return
	}

	if len(s.config.Blockchain.Nodes) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"nodes": []gin.H{},
			"total": 0,
		})
		return
	}

	var nodes []gin.H
	for _, node := range s.config.Blockchain.Nodes {
		nodes = append(nodes, gin.H{
			"name":     node.Name,
			"type":     node.Type,
			"url":      node.URL,
			"priority": node.Priority,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}
