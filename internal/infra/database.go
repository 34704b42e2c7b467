package infra

import (
	"context"
	"fmt"
	"time"

	"workhub/internal/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// OpenDatabase 按 driver 打开数据库：postgres 用于生产，sqlite 用于本地
func OpenDatabase(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	slow := time.Duration(cfg.SlowThresholdMs) * time.Millisecond
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormZapLogger(log, gormLogger.Warn, slow),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	log.Info("数据库连接成功",
		zap.String("driver", driverName(cfg)),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
	)
	return db, nil
}

func driverName(cfg *config.DatabaseConfig) string {
	if cfg.Driver == "" {
		return "postgres"
	}
	return cfg.Driver
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch driverName(cfg) {
	case "postgres":
		return postgres.Open(cfg.GetDSN()), nil
	case "sqlite":
		return sqlite.Open(cfg.GetDSN()), nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s (可选: postgres, sqlite)", cfg.Driver)
	}
}

// AutoMigrate 执行自动迁移
func AutoMigrate(db *gorm.DB, log *zap.Logger, models ...any) error {
	log.Info("开始执行数据库自动迁移", zap.Int("models", len(models)))
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	log.Info("数据库迁移完成")
	return nil
}

// CloseDatabase 关闭数据库连接
func CloseDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PingDatabase 数据库健康检查
func PingDatabase(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
