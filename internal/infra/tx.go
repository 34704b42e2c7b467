package infra

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// ContextWithTx 把事务放入上下文，下游仓储通过 Conn 取用
func ContextWithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Conn 上下文中有事务时返回事务，否则返回 fallback
func Conn(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}
