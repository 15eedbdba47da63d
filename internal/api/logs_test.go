package api

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeEntry 构造一条logrus日志
func makeEntry(level logrus.Level, message string) *logrus.Entry {
	return &logrus.Entry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Data:    logrus.Fields{},
	}
}

func TestLogManagerNewestFirst(t *testing.T) {
	lm := NewLogManager(10)

	lm.AddLog(makeEntry(logrus.InfoLevel, "first"))
	lm.AddLog(makeEntry(logrus.InfoLevel, "second"))
	lm.AddLog(makeEntry(logrus.InfoLevel, "third"))

	logs := lm.GetLogs("", 0)
	require.Len(t, logs, 3)

	// 最新的日志排在最前面
	assert.Equal(t, "third", logs[0].Message)
	assert.Equal(t, "first", logs[2].Message)
}

func TestLogManagerWrapAround(t *testing.T) {
	lm := NewLogManager(3)

	// 写入超过容量的日志，最旧的被覆盖
	for i := 1; i <= 5; i++ {
		lm.AddLog(makeEntry(logrus.InfoLevel, fmt.Sprintf("msg-%d", i)))
	}

	logs := lm.GetLogs("", 0)
	require.Len(t, logs, 3)
	assert.Equal(t, "msg-5", logs[0].Message)
	assert.Equal(t, "msg-3", logs[2].Message)
}

func TestLogManagerLevelFilter(t *testing.T) {
	lm := NewLogManager(10)

	lm.AddLog(makeEntry(logrus.InfoLevel, "info message"))
	lm.AddLog(makeEntry(logrus.ErrorLevel, "error message"))
	lm.AddLog(makeEntry(logrus.InfoLevel, "another info"))

	logs := lm.GetLogs("error", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, "error message", logs[0].Message)
}

func TestLogManagerLimit(t *testing.T) {
	lm := NewLogManager(10)

	for i := 1; i <= 5; i++ {
		lm.AddLog(makeEntry(logrus.InfoLevel, fmt.Sprintf("msg-%d", i)))
	}

	logs := lm.GetLogs("", 2)
	require.Len(t, logs, 2)
	assert.Equal(t, "msg-5", logs[0].Message)
	assert.Equal(t, "msg-4", logs[1].Message)
}

func TestLogManagerPagination(t *testing.T) {
	lm := NewLogManager(20)

	for i := 1; i <= 10; i++ {
		lm.AddLog(makeEntry(logrus.InfoLevel, fmt.Sprintf("msg-%d", i)))
	}

	// 第一页是最新的3条
	page1, total := lm.GetLogsWithPagination("", 1, 3)
	assert.Equal(t, 10, total)
	require.Len(t, page1, 3)
	assert.Equal(t, "msg-10", page1[0].Message)

	page2, _ := lm.GetLogsWithPagination("", 2, 3)
	require.Len(t, page2, 3)
	assert.Equal(t, "msg-7", page2[0].Message)

	// 超出范围的页返回空
	empty, total := lm.GetLogsWithPagination("", 5, 3)
	assert.Equal(t, 10, total)
	assert.Empty(t, empty)
}

func TestLogManagerClear(t *testing.T) {
	lm := NewLogManager(10)

	lm.AddLog(makeEntry(logrus.InfoLevel, "before clear"))
	lm.ClearLogs()

	logs, total := lm.GetLogsWithPagination("", 1, 10)
	assert.Equal(t, 0, total)
	assert.Empty(t, logs)

	// 清空后继续写入正常工作
	lm.AddLog(makeEntry(logrus.WarnLevel, "after clear"))
	logs = lm.GetLogs("", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, "after clear", logs[0].Message)
}

func TestLogHookForwardsEntries(t *testing.T) {
	lm := NewLogManager(10)
	hook := NewLogHook(lm)

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(discardWriter{})
	logger.AddHook(hook)

	logger.WithField("block", 100).Info("区块处理完成")

	logs := lm.GetLogs("", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, "区块处理完成", logs[0].Message)
	assert.Equal(t, 100, logs[0].Fields["block"])
	assert.Equal(t, logrus.AllLevels, hook.Levels())
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
