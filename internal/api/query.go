package api

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// QueryHandler 已对账实体的只读查询接口
//
// 直接查询存储数据库，不经过对账运行器，任务未运行时也可用。
type QueryHandler struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewQueryHandler 创建查询接口处理器
func NewQueryHandler(dsn string, logger *logrus.Logger) (*QueryHandler, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &QueryHandler{
		db:     db,
		logger: logger,
	}, nil
}

// Close 关闭数据库连接
func (q *QueryHandler) Close() error {
	return q.db.Close()
}

// pageParams 解析limit/offset查询参数
func pageParams(c *gin.Context) (limit, offset int) {
	limit = 50 // 默认每页50条
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// GetContract 查询合约及其接口标准
func (q *QueryHandler) GetContract(c *gin.Context) {
	id := c.Param("id")

	var (
		address     string
		totalSupply string
		interfaces  pq.StringArray
	)
	err := q.db.QueryRow(
		`SELECT address, total_supply::TEXT, interfaces FROM contracts WHERE id = $1`, id).
		Scan(&address, &totalSupply, &interfaces)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "合约不存在"})
		return
	}
	if err != nil {
		q.logger.Warnf("查询合约 %s 失败: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询合约失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           id,
		"address":      address,
		"total_supply": totalSupply,
		"interfaces":   []string(interfaces),
	})
}

// GetToken 查询代币
func (q *QueryHandler) GetToken(c *gin.Context) {
	id := c.Param("id")

	var (
		contractID string
		tokenType  string
		tokenIndex sql.NullString
		supply     string
	)
	err := q.db.QueryRow(
		`SELECT contract_id, type, token_index::TEXT, supply::TEXT FROM tokens WHERE id = $1`, id).
		Scan(&contractID, &tokenType, &tokenIndex, &supply)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "代币不存在"})
		return
	}
	if err != nil {
		q.logger.Warnf("查询代币 %s 失败: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询代币失败"})
		return
	}

	token := gin.H{
		"id":          id,
		"contract_id": contractID,
		"type":        tokenType,
		"supply":      supply,
	}
	if tokenIndex.Valid {
		token["token_index"] = tokenIndex.String
	}

	c.JSON(http.StatusOK, token)
}

// GetAccountBalances 查询账户持有的全部余额
func (q *QueryHandler) GetAccountBalances(c *gin.Context) {
	accountID := c.Param("id")
	limit, offset := pageParams(c)

	rows, err := q.db.Query(
		`SELECT id, token_id, value::TEXT FROM token_balances
		 WHERE account_id = $1 ORDER BY token_id LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		q.logger.Warnf("查询账户 %s 余额失败: %v", accountID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询余额失败"})
		return
	}
	defer rows.Close()

	balances := make([]gin.H, 0)
	for rows.Next() {
		var id, tokenID, value string
		if err := rows.Scan(&id, &tokenID, &value); err != nil {
			q.logger.Warnf("扫描余额记录失败: %v", err)
			continue
		}
		balances = append(balances, gin.H{
			"id":       id,
			"token_id": tokenID,
			"value":    value,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"balances":   balances,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetTokenTransfers 查询代币的流转历史，按区块顺序返回
func (q *QueryHandler) GetTokenTransfers(c *gin.Context) {
	tokenID := c.Param("id")
	limit, offset := pageParams(c)

	rows, err := q.db.Query(
		`SELECT id, block_number, timestamp, txn_hash, contract_id, from_id, to_id, amount::TEXT
		 FROM transfers WHERE token_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		tokenID, limit, offset)
	if err != nil {
		q.logger.Warnf("查询代币 %s 流转历史失败: %v", tokenID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询流转历史失败"})
		return
	}
	defer rows.Close()

	transfers := make([]gin.H, 0)
	for rows.Next() {
		var (
			id          string
			blockNumber uint64
			timestamp   sql.NullTime
			txnHash     sql.NullString
			contractID  string
			fromID      string
			toID        string
			amount      string
		)
		if err := rows.Scan(&id, &blockNumber, &timestamp, &txnHash, &contractID, &fromID, &toID, &amount); err != nil {
			q.logger.Warnf("扫描流转记录失败: %v", err)
			continue
		}
		row := gin.H{
			"id":           id,
			"block_number": blockNumber,
			"contract_id":  contractID,
			"from_id":      fromID,
			"to_id":        toID,
			"amount":       amount,
		}
		if timestamp.Valid {
			row["timestamp"] = timestamp.Time
		}
		if txnHash.Valid {
			row["txn_hash"] = txnHash.String
		}
		transfers = append(transfers, row)
	}

	c.JSON(http.StatusOK, gin.H{
		"token_id":  tokenID,
		"transfers": transfers,
		"limit":     limit,
		"offset":    offset,
	})
}
