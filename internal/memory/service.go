package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidScope 未知作用域
	ErrInvalidScope = errors.New("invalid memory scope")
	// ErrInvalidKey 键或作用域 ID 为空
	ErrInvalidKey = errors.New("memory key and scope id are required")
)

// Service 作用域记忆服务
// 过期在读取时判断，物理删除由 PurgeExpired 定期执行
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// Option 服务选项
type Option func(*Service)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService 创建记忆服务
func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type storeOptions struct {
	ttlMinutes int
	agentID    string
}

// StoreOption 写入选项
type StoreOption func(*storeOptions)

// WithTTL 设置过期分钟数
func WithTTL(minutes int) StoreOption {
	return func(o *storeOptions) { o.ttlMinutes = minutes }
}

// WithAgent 记录写入的智能体
func WithAgent(agentID string) StoreOption {
	return func(o *storeOptions) { o.agentID = agentID }
}

// Store 写入记忆，同一键覆盖旧值
func (s *Service) Store(ctx context.Context, teamID string, scope Scope, scopeID, key string, value any, opts ...StoreOption) (*AgentMemory, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}
	if scopeID == "" || key == "" {
		return nil, ErrInvalidKey
	}

	o := &storeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("序列化记忆值失败: %w", err)
	}

	record := &AgentMemory{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Scope:     scope,
		ScopeType: scope.TargetType(),
		ScopeID:   scopeID,
		Key:       key,
		Value:     datatypes.JSON(raw),
	}
	if o.agentID != "" {
		record.AgentID = &o.agentID
	}
	if o.ttlMinutes > 0 {
		expires := s.now().Add(time.Duration(o.ttlMinutes) * time.Minute)
		record.ExpiresAt = &expires
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}, {Name: "scope"}, {Name: "scope_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "agent_id", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("写入记忆失败: %w", err)
	}
	return record, nil
}

// Retrieve 读取记忆；不存在或已过期时 found 为 false
func (s *Service) Retrieve(ctx context.Context, teamID string, scope Scope, scopeID, key string) (any, bool, error) {
	record, err := s.find(ctx, teamID, scope, scopeID, key)
	if err != nil || record == nil {
		return nil, false, err
	}
	value, err := decode(record.Value)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Forget 删除记忆
func (s *Service) Forget(ctx context.Context, teamID string, scope Scope, scopeID, key string) error {
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND scope = ? AND scope_id = ? AND key = ?", teamID, scope, scopeID, key).
		Delete(&AgentMemory{}).Error
	if err != nil {
		return fmt.Errorf("删除记忆失败: %w", err)
	}
	return nil
}

// StoreChainMemory 写入链执行范围的记忆
func (s *Service) StoreChainMemory(ctx context.Context, teamID, executionID, key string, value any, opts ...StoreOption) (*AgentMemory, error) {
	return s.Store(ctx, teamID, ScopeChain, executionID, key, value, opts...)
}

// GetChainMemory 读取链执行范围的记忆
func (s *Service) GetChainMemory(ctx context.Context, teamID, executionID, key string) (any, bool, error) {
	return s.Retrieve(ctx, teamID, ScopeChain, executionID, key)
}

// GetAllChainMemories 按键排序返回某次执行下所有未过期的记忆
func (s *Service) GetAllChainMemories(ctx context.Context, teamID, executionID string) ([]*AgentMemory, error) {
	var records []*AgentMemory
	err := s.live(ctx).
		Where("team_id = ? AND scope = ? AND scope_id = ?", teamID, ScopeChain, executionID).
		Order("key ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询链记忆失败: %w", err)
	}
	return records, nil
}

// ClearChainMemory 批量删除某次执行的记忆
func (s *Service) ClearChainMemory(ctx context.Context, teamID, executionID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("team_id = ? AND scope = ? AND scope_id = ?", teamID, ScopeChain, executionID).
		Delete(&AgentMemory{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理链记忆失败: %w", result.Error)
	}
	s.logger.Debug("链记忆已清理", zap.String("team_id", teamID), zap.String("execution_id", executionID), zap.Int64("rows", result.RowsAffected))
	return result.RowsAffected, nil
}

// PurgeExpired 物理删除已过期的记忆
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now()).
		Delete(&AgentMemory{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期记忆失败: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("过期记忆已清理", zap.Int64("rows", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Decode 解析记录中的值
func (m *AgentMemory) Decode() (any, error) {
	return decode(m.Value)
}

func (s *Service) find(ctx context.Context, teamID string, scope Scope, scopeID, key string) (*AgentMemory, error) {
	var record AgentMemory
	err := s.live(ctx).
		Where("team_id = ? AND scope = ? AND scope_id = ? AND key = ?", teamID, scope, scopeID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取记忆失败: %w", err)
	}
	return &record, nil
}

// live 只查询未过期的记录
func (s *Service) live(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("expires_at IS NULL OR expires_at > ?", s.now())
}

func decode(raw datatypes.JSON) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("解析记忆值失败: %w", err)
	}
	return value, nil
}
