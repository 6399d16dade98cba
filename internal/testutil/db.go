// Package testutil 各包测试共用的数据库与数据构造
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"paysettle/internal/infrastructure/database"
	"paysettle/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB 每个测试独立的内存 SQLite，已完成建表
//
// 单连接串行执行所有语句，并发用例依然走条件更新
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedOrder 插入一条属于 userID 的待支付订单
func SeedOrder(t *testing.T, db *gorm.DB, userID string, finalAmount float64) *model.Order {
	t.Helper()

	order := &model.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		FinalAmount:   finalAmount,
		Status:        "placed",
		PaymentStatus: model.PaymentStatusPending,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}
