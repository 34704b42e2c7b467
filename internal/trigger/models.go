package trigger

import (
	"time"

	"workhub/internal/ref"
)

// Conditions trigger_conditions 列的类型化结构，未知键在解码时忽略
type Conditions struct {
	// BudgetGreaterThan 实体 budget 字段需大于该值
	BudgetGreaterThan *float64 `json:"budget_greater_than,omitempty"`
	// HasTags 实体需包含全部标签
	HasTags []string `json:"has_tags,omitempty"`
	// DeduplicationWindowMinutes 同一触发器与实体在窗口内只派发一次
	DeduplicationWindowMinutes int `json:"deduplication_window_minutes,omitempty"`
}

// AgentTrigger 团队配置的触发规则
type AgentTrigger struct {
	ID         string     `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID     string     `json:"teamId" gorm:"type:uuid;not null;index:idx_trigger_match,priority:1"`
	Name       string     `json:"name" gorm:"size:255;not null"`
	EntityType string     `json:"entityType" gorm:"size:50;not null;index:idx_trigger_match,priority:2"`
	StatusFrom *string    `json:"statusFrom,omitempty" gorm:"size:50"`
	StatusTo   string     `json:"statusTo" gorm:"size:50;not null;index:idx_trigger_match,priority:3"`
	ChainID    string     `json:"chainId" gorm:"type:uuid;not null;index"`
	Conditions Conditions `json:"triggerConditions" gorm:"column:trigger_conditions;type:jsonb;serializer:json"`
	Enabled    bool       `json:"enabled"`
	Priority   int        `json:"priority" gorm:"default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// MatchesTransition 实体类型与状态迁移是否匹配；StatusFrom 为空表示任意来源状态
func (t *AgentTrigger) MatchesTransition(entityType, from, to string) bool {
	if !t.Enabled || t.EntityType != entityType || t.StatusTo != to {
		return false
	}
	return t.StatusFrom == nil || *t.StatusFrom == from
}

// DispatchStatus 派发结果
type DispatchStatus string

const (
	DispatchEnqueued     DispatchStatus = "enqueued"
	DispatchDeduplicated DispatchStatus = "deduplicated"
	DispatchFailed       DispatchStatus = "failed"
)

// AgentTriggerDispatch 触发器派发日志（只追加）
type AgentTriggerDispatch struct {
	ID           string         `json:"id" gorm:"primaryKey;type:uuid"`
	TriggerID    string         `json:"triggerId" gorm:"type:uuid;not null;index:idx_trigger_dispatch_lookup,priority:1"`
	TeamID       string         `json:"teamId" gorm:"type:uuid;not null;index"`
	ChainID      string         `json:"chainId" gorm:"type:uuid"`
	EntityType   string         `json:"entityType" gorm:"size:50;not null;index:idx_trigger_dispatch_lookup,priority:2"`
	EntityID     string         `json:"entityId" gorm:"size:64;not null;index:idx_trigger_dispatch_lookup,priority:3"`
	Actor        string         `json:"actor" gorm:"size:64"`
	FromStatus   string         `json:"fromStatus" gorm:"size:50"`
	ToStatus     string         `json:"toStatus" gorm:"size:50"`
	Status       DispatchStatus `json:"status" gorm:"size:20;not null"`
	Error        string         `json:"error,omitempty" gorm:"type:text"`
	DispatchedAt time.Time      `json:"dispatchedAt" gorm:"not null;index"`
}

// Entity 被派发的实体引用
func (d *AgentTriggerDispatch) Entity() ref.Ref {
	return ref.New(d.EntityType, d.EntityID)
}

// AgentTriggerReservation 去重窗口预留，每个 触发器+实体 一行
type AgentTriggerReservation struct {
	Key        string    `json:"key" gorm:"column:reservation_key;primaryKey;size:200"`
	TriggerID  string    `json:"triggerId" gorm:"type:uuid;not null;index"`
	EntityType string    `json:"entityType" gorm:"size:50;not null"`
	EntityID   string    `json:"entityId" gorm:"size:64;not null"`
	ReservedAt time.Time `json:"reservedAt" gorm:"not null"`
	ExpiresAt  time.Time `json:"expiresAt" gorm:"not null;index"`
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&AgentTrigger{}, &AgentTriggerDispatch{}, &AgentTriggerReservation{}}
}
