package infra

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type txTestRow struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestConnUsesTransactionFromContext(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&txTestRow{}))

	ctx := context.Background()
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := ContextWithTx(ctx, tx)
		require.NoError(t, Conn(txCtx, db).Create(&txTestRow{Name: "inside"}).Error)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var count int64
	require.NoError(t, Conn(ctx, db).Model(&txTestRow{}).Count(&count).Error)
	assert.Zero(t, count, "回滚后事务内写入不可见")
}
