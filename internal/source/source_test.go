package source

import (
	"fmt"
	"testing"

	"reconcile/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "429 error",
			err:      fmt.Errorf("HTTP 429 Too Many Requests"),
			expected: true,
		},
		{
			name:     "rate limit error",
			err:      fmt.Errorf("rate limit exceeded for key"),
			expected: true,
		},
		{
			name:     "quota error",
			err:      fmt.Errorf("daily quota exceeded"),
			expected: true,
		},
		{
			name:     "normal network error",
			err:      fmt.Errorf("connection refused"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRateLimitError(tt.err))
		})
	}
}

func TestValidateConfig(t *testing.T) {
	logger := logrus.New()

	// 有效配置
	validCfg := &config.BlockchainConfig{
		Nodes: []*config.NodeConfig{
			{Name: "node1", URL: "http://localhost:8545", Priority: 1},
		},
	}
	assert.NoError(t, validateConfig(validCfg, logger))

	// 空配置
	assert.Error(t, validateConfig(nil, logger))

	// 无节点
	assert.Error(t, validateConfig(&config.BlockchainConfig{}, logger))

	// 节点缺名称
	noName := &config.BlockchainConfig{
		Nodes: []*config.NodeConfig{
			{URL: "http://localhost:8545"},
		},
	}
	assert.Error(t, validateConfig(noName, logger))

	// 节点缺URL
	noURL := &config.BlockchainConfig{
		Nodes: []*config.NodeConfig{
			{Name: "node1"},
		},
	}
	assert.Error(t, validateConfig(noURL, logger))
}

func TestGetNextAvailableNode_PriorityRotation(t *testing.T) {
	logger := logrus.New()

	s := &Source{
		nodes: []*NodeClient{
			{Name: "primary", Priority: 1, Available: true},
			{Name: "backup", Priority: 2, Available: true},
		},
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	// 首选高优先级节点
	node := s.getNextAvailableNode()
	assert.NotNil(t, node)
	assert.Equal(t, "primary", node.Name)

	// 首选节点不可用时切换到备用节点
	s.nodes[0].Available = false
	node = s.getNextAvailableNode()
	assert.NotNil(t, node)
	assert.Equal(t, "backup", node.Name)
}

func TestHandleNodeError_DisablesAfterRepeatedErrors(t *testing.T) {
	logger := logrus.New()

	s := &Source{
		nodes: []*NodeClient{
			{Name: "node1", Priority: 1, Available: true},
		},
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	for i := 0; i < MaxNodeErrors; i++ {
		s.handleNodeError("node1", fmt.Errorf("connection reset"))
	}

	assert.False(t, s.nodes[0].Available)
	assert.Equal(t, MaxNodeErrors, s.nodes[0].ErrorCount)
}

func TestHandleNodeError_RateLimitMarksNode(t *testing.T) {
	logger := logrus.New()

	s := &Source{
		nodes: []*NodeClient{
			{Name: "node1", Priority: 1, Available: true},
		},
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	s.handleNodeError("node1", fmt.Errorf("HTTP 429 Too Many Requests"))

	assert.True(t, s.nodes[0].RateLimited)
	assert.True(t, s.nodes[0].Available) // 限流不等于禁用
	assert.False(t, s.nodes[0].RateLimitEnd.IsZero())
}

func TestGetNodeStatus(t *testing.T) {
	logger := logrus.New()

	s := &Source{
		nodes: []*NodeClient{
			{Name: "node1", Priority: 1, Available: true},
			{Name: "node2", Priority: 2, Available: false},
		},
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	status := s.GetNodeStatus()

	assert.Equal(t, 2, status["total_nodes"])
	assert.Equal(t, 1, status["available_nodes"])
	assert.Equal(t, 0, status["rate_limited_nodes"])
}
