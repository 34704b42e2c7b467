package trigger

import (
	"context"
	"fmt"
	"time"

	"workhub/internal/ref"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupStore 触发去重存储
type DedupStore interface {
	// Reserve 窗口内首次调用返回 true，之后返回 false
	Reserve(ctx context.Context, triggerID string, target ref.Ref, window time.Duration) (bool, error)
}

// GormDedupStore 基于预留表的去重；预留键为 触发器+实体，插入冲突即视为窗口内已派发
type GormDedupStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormDedupStore 创建基于数据库的去重存储
func NewGormDedupStore(db *gorm.DB, now func() time.Time) *GormDedupStore {
	if now == nil {
		now = time.Now
	}
	return &GormDedupStore{db: db, now: now}
}

// Reserve 原子地占用窗口：键不存在时插入，已过期时接管，否则返回 false
func (s *GormDedupStore) Reserve(ctx context.Context, triggerID string, target ref.Ref, window time.Duration) (bool, error) {
	now := s.now()
	row := AgentTriggerReservation{
		Key:        reservationKey(triggerID, target),
		TriggerID:  triggerID,
		EntityType: target.Type,
		EntityID:   target.ID,
		ReservedAt: now,
		ExpiresAt:  now.Add(window),
	}

	reserved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reservation_key"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			reserved = true
			return nil
		}

		res = tx.Model(&AgentTriggerReservation{}).
			Where("reservation_key = ? AND expires_at <= ?", row.Key, now).
			Updates(map[string]any{"reserved_at": row.ReservedAt, "expires_at": row.ExpiresAt})
		if res.Error != nil {
			return res.Error
		}
		reserved = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("写入去重预留失败: %w", err)
	}
	return reserved, nil
}

// Release 入队失败时撤销预留
func (s *GormDedupStore) Release(ctx context.Context, triggerID string, target ref.Ref) error {
	err := s.db.WithContext(ctx).
		Where("reservation_key = ?", reservationKey(triggerID, target)).
		Delete(&AgentTriggerReservation{}).Error
	if err != nil {
		return fmt.Errorf("删除去重预留失败: %w", err)
	}
	return nil
}

func reservationKey(triggerID string, target ref.Ref) string {
	return triggerID + ":" + target.Type + ":" + target.ID
}

// RedisDedupStore 基于 SET NX EX 的去重，适合多实例部署
type RedisDedupStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisDedupStore 创建基于 Redis 的去重存储
func NewRedisDedupStore(client redis.Cmdable, prefix string) *RedisDedupStore {
	if prefix == "" {
		prefix = "workhub:trigger:dedup"
	}
	return &RedisDedupStore{client: client, prefix: prefix}
}

// Key 去重键
func (s *RedisDedupStore) Key(triggerID string, target ref.Ref) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, triggerID, target.Type, target.ID)
}

// Reserve 键不存在时写入并返回 true
func (s *RedisDedupStore) Reserve(ctx context.Context, triggerID string, target ref.Ref, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.Key(triggerID, target), time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("写入去重键失败: %w", err)
	}
	return ok, nil
}

// Release 入队失败时撤销预留
func (s *RedisDedupStore) Release(ctx context.Context, triggerID string, target ref.Ref) error {
	if err := s.client.Del(ctx, s.Key(triggerID, target)).Err(); err != nil {
		return fmt.Errorf("删除去重键失败: %w", err)
	}
	return nil
}
