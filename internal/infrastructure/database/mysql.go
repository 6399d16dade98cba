package database

import (
	"fmt"
	"time"

	"paysettle/internal/config"
	"paysettle/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL 初始化 MySQL 连接
func InitMySQL(cfg *config.MySQLConfig) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// 唯一键冲突统一翻译为 gorm.ErrDuplicatedKey，幂等逻辑依赖它
		TranslateError: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("连接 MySQL 失败")
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("获取底层 DB 失败")
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("自动迁移表结构失败")
	}

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("MySQL 连接成功")
	return db
}

// Migrate 自动迁移表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Order{},
		&model.PaymentTransaction{},
		&model.RateLimitRecord{},
		&model.SecurityAuditLog{},
		&model.LoyaltyAccount{},
		&model.LoyaltyRedemption{},
		&model.OutboxMessage{},
	)
}
