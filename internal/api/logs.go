package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 对账运行日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 内存日志环形缓冲区
//
// 固定容量，写满后覆盖最旧的条目，供API按级别分页查询。
type LogManager struct {
	entries []LogEntry
	head    int // 下一个写入位置
	count   int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(capacity int) *LogManager {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogManager{
		entries: make([]LogEntry, capacity),
	}
}

// AddLog 添加日志条目
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.entries[lm.head] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    entry.Data,
	}
	lm.head = (lm.head + 1) % len(lm.entries)
	if lm.count < len(lm.entries) {
		lm.count++
	}
}

// snapshot 按时间倒序导出当前缓冲区内容，调用方必须持有读锁
func (lm *LogManager) snapshot(level string) []LogEntry {
	logs := make([]LogEntry, 0, lm.count)
	for i := 1; i <= lm.count; i++ {
		// head 前一个位置是最新的条目
		idx := (lm.head - i + len(lm.entries)) % len(lm.entries)
		entry := lm.entries[idx]
		if level != "" && entry.Level != level {
			continue
		}
		logs = append(logs, entry)
	}
	return logs
}

// GetLogs 获取最新日志，最新的排在前面
func (lm *LogManager) GetLogs(level string, limit int) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.snapshot(level)
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，最新的排在前面
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.snapshot(level)
	total := len(logs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}

	end := start + pageSize
	if end > total {
		end = total
	}

	return logs[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.head = 0
	lm.count = 0
}

// LogHook 把logrus日志写入环形缓冲区的钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
