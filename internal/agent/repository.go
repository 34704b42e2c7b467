package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrAgentNotFound 智能体不存在
	ErrAgentNotFound = errors.New("agent not found")
	// ErrConfigurationNotFound 团队未配置该智能体
	ErrConfigurationNotFound = errors.New("agent configuration not found")
)

// Repository 智能体相关记录的读写
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB 返回底层连接
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// GetAgent 按 ID 获取智能体
func (r *Repository) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("查询智能体失败: %w", err)
	}
	return &a, nil
}

// GetAgentByCode 按身份编码获取智能体
func (r *Repository) GetAgentByCode(ctx context.Context, code string) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, code)
		}
		return nil, fmt.Errorf("查询智能体失败: %w", err)
	}
	return &a, nil
}

// GetConfiguration 获取团队对某智能体的配置
func (r *Repository) GetConfiguration(ctx context.Context, teamID, agentID string) (*AgentConfiguration, error) {
	var cfg AgentConfiguration
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND agent_id = ?", teamID, agentID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: team=%s agent=%s", ErrConfigurationNotFound, teamID, agentID)
		}
		return nil, fmt.Errorf("查询智能体配置失败: %w", err)
	}
	return &cfg, nil
}

// SaveConfiguration 创建或更新配置
func (r *Repository) SaveConfiguration(ctx context.Context, cfg *AgentConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("保存智能体配置失败: %w", err)
	}
	return nil
}

// GetGlobalSettings 获取团队 AI 策略，不存在时返回默认值（不落库）
func (r *Repository) GetGlobalSettings(ctx context.Context, teamID string) (*GlobalAISettings, error) {
	var settings GlobalAISettings
	err := r.db.WithContext(ctx).Where("team_id = ?", teamID).First(&settings).Error
	if err == nil {
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询团队 AI 策略失败: %w", err)
	}
	return DefaultGlobalSettings(teamID), nil
}

// DefaultGlobalSettings 默认策略：所有敏感动作都需要审批
func DefaultGlobalSettings(teamID string) *GlobalAISettings {
	return &GlobalAISettings{
		TeamID:                teamID,
		ApprovalExternalSends: true,
		ApprovalFinancial:     true,
		ApprovalContracts:     true,
		ApprovalScopeChanges:  true,
	}
}

// RecordActivity 追加一条活动日志
func (r *Repository) RecordActivity(ctx context.Context, log *AgentActivityLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("写入活动日志失败: %w", err)
	}
	return nil
}

// ListActivity 查询某智能体最近的活动日志
func (r *Repository) ListActivity(ctx context.Context, teamID, agentID string, limit int) ([]*AgentActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []*AgentActivityLog
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND agent_id = ?", teamID, agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("查询活动日志失败: %w", err)
	}
	return logs, nil
}
